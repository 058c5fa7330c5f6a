package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PaymentRepository owns payment_request, payment_record and the
// webhook_event audit log. Mutations of payment_record go through the ledger
// writer only; everything else just reads.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const requestColumns = `id, customer_id, booking_id, invoice_id, amount, currency, status,
	provider_checkout_id, provider_checkout_reference, due_date, notified_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*PaymentRequestEntity, error) {
	var e PaymentRequestEntity
	err := row.Scan(&e.ID, &e.CustomerID, &e.BookingID, &e.InvoiceID, &e.Amount, &e.Currency, &e.Status,
		&e.ProviderCheckoutID, &e.CheckoutReference, &e.DueDate, &e.NotifiedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PaymentRepository) CreatePaymentRequest(ctx context.Context, e *PaymentRequestEntity) error {
	query := `INSERT INTO payment_request (id, customer_id, booking_id, invoice_id, amount, currency, status,
	              provider_checkout_id, provider_checkout_reference, due_date)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.CustomerID, e.BookingID, e.InvoiceID, e.Amount, e.Currency,
		e.Status, e.ProviderCheckoutID, e.CheckoutReference, e.DueDate)
	return errors.Wrap(err, "creating payment request")
}

func (r *PaymentRepository) GetPaymentRequest(ctx context.Context, id uuid.UUID) (*PaymentRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_request WHERE id = $1`
	e, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "selecting payment request")
}

func (r *PaymentRepository) GetPaymentRequestByReference(ctx context.Context, reference string) (*PaymentRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_request WHERE provider_checkout_reference = $1`
	e, err := scanRequest(r.pool.QueryRow(ctx, query, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "selecting payment request by reference")
}

// MarkRequestSent records the created checkout on a pending request. Returns
// false when the request already moved past pending.
func (r *PaymentRepository) MarkRequestSent(ctx context.Context, id uuid.UUID, checkoutID string) (bool, error) {
	query := `UPDATE payment_request SET status = 'sent', provider_checkout_id = $2, updated_at = now()
	          WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id, checkoutID)
	if err != nil {
		return false, errors.Wrap(err, "marking payment request sent")
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRequestPaid flips the request to paid unless it is already terminal.
// A no-op on a request that is already paid is not an error.
func (r *PaymentRepository) MarkRequestPaid(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `UPDATE payment_request SET status = 'paid', updated_at = now()
	          WHERE id = $1 AND status NOT IN ('paid', 'cancelled')`
	_, err := tx.Exec(ctx, query, id)
	return errors.Wrap(err, "marking payment request paid")
}

// FlagNotified sets the one-shot notification flag. Exactly one caller ever
// sees true for a given request, which is what guarantees a single
// notification dispatch no matter how many events report paid.
func (r *PaymentRepository) FlagNotified(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_request SET notified_at = now() WHERE id = $1 AND notified_at IS NULL`
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return false, errors.Wrap(err, "flagging notification")
	}
	return tag.RowsAffected() > 0, nil
}

const recordColumns = `id, payment_request_id, booking_id, customer_id, amount, currency, status,
	provider_checkout_id, provider_transaction_id, provider_checkout_reference,
	provider_event_type, provider_event_id, received_via, webhook_processed_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*PaymentRecordEntity, error) {
	var e PaymentRecordEntity
	err := row.Scan(&e.ID, &e.PaymentRequestID, &e.BookingID, &e.CustomerID, &e.Amount, &e.Currency, &e.Status,
		&e.ProviderCheckoutID, &e.ProviderTransactionID, &e.CheckoutReference,
		&e.ProviderEventType, &e.ProviderEventID, &e.ReceivedVia, &e.WebhookProcessedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SelectRecordForUpdateByKeys locks the ledger row matching either dedup key.
// Returns nil when no row exists yet.
func (r *PaymentRepository) SelectRecordForUpdateByKeys(ctx context.Context, tx pgx.Tx, checkoutID, reference string) (*PaymentRecordEntity, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_record
	          WHERE ($1 <> '' AND provider_checkout_id = $1)
	             OR ($2 <> '' AND provider_checkout_reference = $2)
	          FOR UPDATE`
	e, err := scanRecord(tx.QueryRow(ctx, query, checkoutID, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "selecting payment record for update")
}

func (r *PaymentRepository) GetRecordByCheckoutID(ctx context.Context, checkoutID string) (*PaymentRecordEntity, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_record WHERE provider_checkout_id = $1`
	e, err := scanRecord(r.pool.QueryRow(ctx, query, checkoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "selecting payment record by checkout id")
}

func (r *PaymentRepository) GetRecordByRequestID(ctx context.Context, requestID uuid.UUID) (*PaymentRecordEntity, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_record WHERE payment_request_id = $1`
	e, err := scanRecord(r.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "selecting payment record by request id")
}

// InsertRecord creates a ledger row unless either dedup key already exists.
// Returns false when a concurrent writer won the insert.
func (r *PaymentRepository) InsertRecord(ctx context.Context, tx pgx.Tx, e *PaymentRecordEntity) (bool, error) {
	query := `INSERT INTO payment_record (id, payment_request_id, booking_id, customer_id, amount, currency, status,
	              provider_checkout_id, provider_transaction_id, provider_checkout_reference,
	              provider_event_type, provider_event_id, received_via, webhook_processed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	          ON CONFLICT DO NOTHING`
	tag, err := tx.Exec(ctx, query, e.ID, e.PaymentRequestID, e.BookingID, e.CustomerID, e.Amount, e.Currency,
		e.Status, e.ProviderCheckoutID, e.ProviderTransactionID, e.CheckoutReference,
		e.ProviderEventType, e.ProviderEventID, e.ReceivedVia, e.WebhookProcessedAt)
	if err != nil {
		return false, errors.Wrap(err, "inserting payment record")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PaymentRepository) UpdateRecord(ctx context.Context, tx pgx.Tx, e *PaymentRecordEntity) error {
	query := `UPDATE payment_record
	          SET status = $2, provider_transaction_id = $3, provider_event_type = $4, provider_event_id = $5,
	              received_via = $6, webhook_processed_at = $7, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, e.ID, e.Status, e.ProviderTransactionID, e.ProviderEventType,
		e.ProviderEventID, e.ReceivedVia, e.WebhookProcessedAt)
	return errors.Wrap(err, "updating payment record")
}

// ListRecordsSince feeds the reconciler with recent ledger entries.
func (r *PaymentRepository) ListRecordsSince(ctx context.Context, since time.Time, limit int) ([]*PaymentRecordEntity, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_record
	          WHERE updated_at >= $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing payment records")
	}
	defer rows.Close()

	var result []*PaymentRecordEntity
	for rows.Next() {
		e, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning payment record")
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ListSentRequestsWithoutRecord returns requests that created a checkout but
// never produced a ledger entry; candidates for missing_local drift.
func (r *PaymentRepository) ListSentRequestsWithoutRecord(ctx context.Context, since time.Time, limit int) ([]*PaymentRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_request pr
	          WHERE pr.status = 'sent' AND pr.provider_checkout_id IS NOT NULL AND pr.updated_at >= $1
	            AND NOT EXISTS (SELECT 1 FROM payment_record rec WHERE rec.payment_request_id = pr.id)
	          ORDER BY pr.updated_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing sent requests without record")
	}
	defer rows.Close()

	var result []*PaymentRequestEntity
	for rows.Next() {
		e, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning payment request")
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// InsertWebhookEvent appends to the audit log. The log is write-once; rows
// are never touched again.
func (r *PaymentRepository) InsertWebhookEvent(ctx context.Context, e *WebhookEventEntity) error {
	query := `INSERT INTO webhook_event (id, raw_payload, signature_valid, event_type, event_id, processing_result)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.RawPayload, e.SignatureValid, e.EventType, e.EventID, e.ProcessingResult)
	return errors.Wrap(err, "inserting webhook event")
}

func (r *PaymentRepository) CountWebhookEventsByEventID(ctx context.Context, eventID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_event WHERE event_id = $1`, eventID).Scan(&count)
	return count, errors.Wrap(err, "counting webhook events")
}
