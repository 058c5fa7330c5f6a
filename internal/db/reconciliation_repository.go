package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type ReconciliationRepository struct {
	pool *pgxpool.Pool
}

func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{pool: pool}
}

func (r *ReconciliationRepository) InsertDiscrepancy(ctx context.Context, e *DiscrepancyEntity) error {
	query := `INSERT INTO reconciliation_discrepancy (id, payment_record_id, payment_request_id, kind, severity, detail)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.PaymentRecordID, e.PaymentRequestID, e.Kind, e.Severity, e.Detail)
	return errors.Wrap(err, "inserting discrepancy")
}

// HasOpenDiscrepancy keeps the reconciler from stacking identical findings on
// every run while one is still awaiting resolution.
func (r *ReconciliationRepository) HasOpenDiscrepancy(ctx context.Context, requestID uuid.UUID, kind DiscrepancyKind) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM reconciliation_discrepancy
	          WHERE payment_request_id = $1 AND kind = $2 AND resolved_at IS NULL)`
	err := r.pool.QueryRow(ctx, query, requestID, kind).Scan(&exists)
	return exists, errors.Wrap(err, "checking open discrepancy")
}

// GetOpenDiscrepancy returns the unresolved finding of the given kind for a
// request, or nil when none is open.
func (r *ReconciliationRepository) GetOpenDiscrepancy(ctx context.Context, requestID uuid.UUID, kind DiscrepancyKind) (*DiscrepancyEntity, error) {
	query := `SELECT id, payment_record_id, payment_request_id, kind, severity, detail, detected_at, resolved_at, resolution
	          FROM reconciliation_discrepancy
	          WHERE payment_request_id = $1 AND kind = $2 AND resolved_at IS NULL`
	var e DiscrepancyEntity
	err := r.pool.QueryRow(ctx, query, requestID, kind).Scan(&e.ID, &e.PaymentRecordID, &e.PaymentRequestID,
		&e.Kind, &e.Severity, &e.Detail, &e.DetectedAt, &e.ResolvedAt, &e.Resolution)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting open discrepancy")
	}
	return &e, nil
}

func (r *ReconciliationRepository) Resolve(ctx context.Context, id uuid.UUID, resolution Resolution) error {
	query := `UPDATE reconciliation_discrepancy SET resolved_at = now(), resolution = $2
	          WHERE id = $1 AND resolved_at IS NULL`
	_, err := r.pool.Exec(ctx, query, id, resolution)
	return errors.Wrap(err, "resolving discrepancy")
}

func (r *ReconciliationRepository) ListDiscrepancies(ctx context.Context, openOnly bool, limit int) ([]*DiscrepancyEntity, error) {
	query := `SELECT id, payment_record_id, payment_request_id, kind, severity, detail, detected_at, resolved_at, resolution
	          FROM reconciliation_discrepancy`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing discrepancies")
	}
	defer rows.Close()

	var result []*DiscrepancyEntity
	for rows.Next() {
		var e DiscrepancyEntity
		err := rows.Scan(&e.ID, &e.PaymentRecordID, &e.PaymentRequestID, &e.Kind, &e.Severity,
			&e.Detail, &e.DetectedAt, &e.ResolvedAt, &e.Resolution)
		if err != nil {
			return nil, errors.Wrap(err, "scanning discrepancy")
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
