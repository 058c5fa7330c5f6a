package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type FailureRepository struct {
	pool *pgxpool.Pool
}

func NewFailureRepository(pool *pgxpool.Pool) *FailureRepository {
	return &FailureRepository{pool: pool}
}

func (r *FailureRepository) Insert(ctx context.Context, e *FailureEntity) error {
	query := `INSERT INTO payment_failure (id, payment_request_id, provider_checkout_id, source, reason, detail)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.PaymentRequestID, e.ProviderCheckoutID, e.Source, e.Reason, e.Detail)
	return errors.Wrap(err, "inserting payment failure")
}

func (r *FailureRepository) ListOpen(ctx context.Context, limit int) ([]*FailureEntity, error) {
	query := `SELECT id, payment_request_id, provider_checkout_id, source, reason, detail, created_at, resolved_at
	          FROM payment_failure WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing payment failures")
	}
	defer rows.Close()

	var result []*FailureEntity
	for rows.Next() {
		var e FailureEntity
		err := rows.Scan(&e.ID, &e.PaymentRequestID, &e.ProviderCheckoutID, &e.Source, &e.Reason,
			&e.Detail, &e.CreatedAt, &e.ResolvedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning payment failure")
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (r *FailureRepository) CountByRequest(ctx context.Context, requestID uuid.UUID, source FailureSource) (int, error) {
	var count int
	query := `SELECT count(*) FROM payment_failure WHERE payment_request_id = $1 AND source = $2`
	err := r.pool.QueryRow(ctx, query, requestID, source).Scan(&count)
	return count, errors.Wrap(err, "counting payment failures")
}
