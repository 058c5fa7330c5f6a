package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// OutboxRepository stores notifications pending publication. Rows are
// enqueued inside the ledger writer's transaction so a notification exists
// exactly when the paid transition committed.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *OutboxRepository) Enqueue(ctx context.Context, tx pgx.Tx, e *NotificationEntity) error {
	query := `INSERT INTO notification_outbox (id, payment_request_id, payload, scheduled_at)
	          VALUES ($1, $2, $3, $4)`
	_, err := tx.Exec(ctx, query, e.ID, e.PaymentRequestID, e.Payload, e.ScheduledAt)
	return errors.Wrap(err, "enqueueing notification")
}

// FetchDue locks notifications ready for publication.
func (r *OutboxRepository) FetchDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*NotificationEntity, error) {
	query := `SELECT id, payment_request_id, payload, scheduled_at, published_at, publish_attempts, last_error, created_at
	          FROM notification_outbox
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
	          ORDER BY scheduled_at ASC
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetching due notifications")
	}
	defer rows.Close()

	var result []*NotificationEntity
	for rows.Next() {
		var e NotificationEntity
		err := rows.Scan(&e.ID, &e.PaymentRequestID, &e.Payload, &e.ScheduledAt, &e.PublishedAt,
			&e.PublishAttempts, &e.LastError, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning notification")
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (r *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, e *NotificationEntity) error {
	query := `UPDATE notification_outbox
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, last_error = $5
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, e.ID, e.ScheduledAt, e.PublishedAt, e.PublishAttempts, e.LastError)
	return errors.Wrap(err, "updating notification")
}

func (r *OutboxRepository) CountByRequest(ctx context.Context, requestID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM notification_outbox WHERE payment_request_id = $1`, requestID).Scan(&count)
	return count, errors.Wrap(err, "counting notifications")
}
