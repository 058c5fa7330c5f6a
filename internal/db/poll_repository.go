package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type PollRepository struct {
	pool *pgxpool.Pool
}

func NewPollRepository(pool *pgxpool.Pool) *PollRepository {
	return &PollRepository{pool: pool}
}

func (r *PollRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Schedule registers a fallback poll for a request whose checkout was just
// created. Scheduling twice is a no-op.
func (r *PollRepository) Schedule(ctx context.Context, e *PollTargetEntity) error {
	query := `INSERT INTO poll_target (payment_request_id, provider_checkout_id, next_check_at, attempts, max_attempts, backoff_seconds)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (payment_request_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, e.PaymentRequestID, e.ProviderCheckoutID, e.NextCheckAt,
		e.Attempts, e.MaxAttempts, e.BackoffSeconds)
	return errors.Wrap(err, "scheduling poll target")
}

// DueTargets locks and returns targets whose next check has come. SKIP LOCKED
// keeps concurrent scanner instances from stepping on each other.
func (r *PollRepository) DueTargets(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*PollTargetEntity, error) {
	query := `SELECT payment_request_id, provider_checkout_id, next_check_at, attempts, max_attempts, backoff_seconds, created_at, updated_at
	          FROM poll_target
	          WHERE next_check_at <= $1
	          ORDER BY next_check_at ASC
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetching due poll targets")
	}
	defer rows.Close()

	var result []*PollTargetEntity
	for rows.Next() {
		var e PollTargetEntity
		err := rows.Scan(&e.PaymentRequestID, &e.ProviderCheckoutID, &e.NextCheckAt, &e.Attempts,
			&e.MaxAttempts, &e.BackoffSeconds, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning poll target")
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (r *PollRepository) Get(ctx context.Context, requestID uuid.UUID) (*PollTargetEntity, error) {
	query := `SELECT payment_request_id, provider_checkout_id, next_check_at, attempts, max_attempts, backoff_seconds, created_at, updated_at
	          FROM poll_target WHERE payment_request_id = $1`
	var e PollTargetEntity
	err := r.pool.QueryRow(ctx, query, requestID).Scan(&e.PaymentRequestID, &e.ProviderCheckoutID,
		&e.NextCheckAt, &e.Attempts, &e.MaxAttempts, &e.BackoffSeconds, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting poll target")
	}
	return &e, nil
}

func (r *PollRepository) Reschedule(ctx context.Context, tx pgx.Tx, e *PollTargetEntity) error {
	query := `UPDATE poll_target
	          SET next_check_at = $2, attempts = $3, backoff_seconds = $4, updated_at = now()
	          WHERE payment_request_id = $1`
	_, err := tx.Exec(ctx, query, e.PaymentRequestID, e.NextCheckAt, e.Attempts, e.BackoffSeconds)
	return errors.Wrap(err, "rescheduling poll target")
}

func (r *PollRepository) Delete(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM poll_target WHERE payment_request_id = $1`, requestID)
	return errors.Wrap(err, "deleting poll target")
}
