package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeUpdated          Outcome = "updated"
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
)

type ApplyResult struct {
	Record  *db.PaymentRecordEntity
	Outcome Outcome
}

// ErrNoCheckoutID: a record cannot be created without a checkout id from
// either the event or the linked request.
var ErrNoCheckoutID = errors.New("event carries no checkout id and the request has none")

// BookingNotifier is the boundary to the booking service. Called best-effort
// after the paid transition committed; failures never fail the ledger write.
type BookingNotifier interface {
	PaymentReceived(ctx context.Context, bookingID uuid.UUID, kind string) error
}

// NotificationMessage is the payload enqueued for the downstream
// notification service.
type NotificationMessage struct {
	ID               uuid.UUID `json:"id"`
	PaymentRequestID uuid.UUID `json:"paymentRequestId"`
	Status           string    `json:"status"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Writer is the sole mutator of payment records. Every delivery path
// (webhook, poll, internal trigger, reconciler replay) funnels through Apply.
type Writer struct {
	payments *db.PaymentRepository
	outbox   *db.OutboxRepository
	booking  BookingNotifier
	logger   *slog.Logger
}

func NewWriter(payments *db.PaymentRepository, outbox *db.OutboxRepository, booking BookingNotifier, logger *slog.Logger) *Writer {
	return &Writer{payments: payments, outbox: outbox, booking: booking, logger: logger}
}

func statusRank(s db.RecordStatus) int {
	switch s {
	case db.RecordPaid:
		return 2
	case db.RecordFailed:
		return 1
	default:
		return 0
	}
}

func toRecordStatus(s event.Status) db.RecordStatus {
	switch s {
	case event.StatusPaid:
		return db.RecordPaid
	case event.StatusFailed:
		return db.RecordFailed
	default:
		return db.RecordProcessing
	}
}

// Apply writes one normalized event into the ledger inside a single
// transaction scoped by the dedup keys. The unique constraints on checkout id
// and checkout reference make the create path safe against a webhook and a
// poll racing on the same checkout: the loser's insert affects zero rows and
// is retried as an update.
func (w *Writer) Apply(ctx context.Context, ev event.Normalized, request *db.PaymentRequestEntity, via db.ReceivedVia) (ApplyResult, error) {
	tx, err := w.payments.BeginTx(ctx)
	if err != nil {
		return ApplyResult{}, errors.Wrap(err, "starting ledger transaction")
	}
	defer tx.Rollback(ctx)

	record, err := w.payments.SelectRecordForUpdateByKeys(ctx, tx, ev.CheckoutID, ev.CheckoutReference)
	if err != nil {
		return ApplyResult{}, err
	}

	var outcome Outcome
	var firstPaid bool

	if record == nil {
		record, err = w.buildRecord(ev, request, via)
		if err != nil {
			return ApplyResult{}, err
		}

		inserted, err := w.payments.InsertRecord(ctx, tx, record)
		if err != nil {
			return ApplyResult{}, err
		}

		if inserted {
			outcome = OutcomeCreated
			firstPaid = record.Status == db.RecordPaid
		} else {
			// Lost the insert race; the winner's row is now visible.
			record, err = w.payments.SelectRecordForUpdateByKeys(ctx, tx, ev.CheckoutID, ev.CheckoutReference)
			if err != nil {
				return ApplyResult{}, err
			}
			if record == nil {
				return ApplyResult{}, errors.New("payment record vanished after insert conflict")
			}
			outcome, firstPaid, err = w.updateRecord(ctx, tx, record, ev, via)
			if err != nil {
				return ApplyResult{}, err
			}
		}
	} else {
		outcome, firstPaid, err = w.updateRecord(ctx, tx, record, ev, via)
		if err != nil {
			return ApplyResult{}, err
		}
	}

	if firstPaid && record.PaymentRequestID != nil {
		if err := w.payments.MarkRequestPaid(ctx, tx, *record.PaymentRequestID); err != nil {
			return ApplyResult{}, err
		}

		flagged, err := w.payments.FlagNotified(ctx, tx, *record.PaymentRequestID)
		if err != nil {
			return ApplyResult{}, err
		}
		if flagged {
			if err := w.enqueueNotification(ctx, tx, *record.PaymentRequestID); err != nil {
				return ApplyResult{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, errors.Wrap(err, "committing ledger transaction")
	}

	if firstPaid {
		w.notifyBooking(ctx, record)
	}

	return ApplyResult{Record: record, Outcome: outcome}, nil
}

func (w *Writer) buildRecord(ev event.Normalized, request *db.PaymentRequestEntity, via db.ReceivedVia) (*db.PaymentRecordEntity, error) {
	checkoutID := ev.CheckoutID
	if checkoutID == "" && request.ProviderCheckoutID != nil {
		checkoutID = *request.ProviderCheckoutID
	}
	if checkoutID == "" {
		return nil, ErrNoCheckoutID
	}

	reference := ev.CheckoutReference
	if reference == "" {
		reference = request.CheckoutReference
	}

	amount := ev.Amount
	currency := ev.Currency
	if amount == 0 {
		amount = request.Amount
	}
	if currency == "" {
		currency = request.Currency
	}

	requestID := request.ID
	record := &db.PaymentRecordEntity{
		ID:                 uuid.New(),
		PaymentRequestID:   &requestID,
		BookingID:          request.BookingID,
		CustomerID:         request.CustomerID,
		Amount:             amount,
		Currency:           currency,
		Status:             toRecordStatus(ev.Status),
		ProviderCheckoutID: checkoutID,
		CheckoutReference:  reference,
		ProviderEventType:  ev.EventType,
		ProviderEventID:    ev.EventID,
		ReceivedVia:        via,
	}

	if ev.TransactionID != "" {
		transactionID := ev.TransactionID
		record.ProviderTransactionID = &transactionID
	}
	if via == db.ViaWebhook {
		now := time.Now()
		record.WebhookProcessedAt = &now
	}

	return record, nil
}

// updateRecord applies the event to a locked existing row. Paid is terminal;
// an event reporting a lower state than the row holds is an ordering
// violation and is ignored, never applied.
func (w *Writer) updateRecord(ctx context.Context, tx pgx.Tx, record *db.PaymentRecordEntity, ev event.Normalized, via db.ReceivedVia) (Outcome, bool, error) {
	incoming := toRecordStatus(ev.Status)

	switch {
	case statusRank(incoming) < statusRank(record.Status):
		w.logger.InfoContext(ctx, "Ignoring stale event for settled record",
			"recordId", record.ID, "recordStatus", record.Status, "eventStatus", incoming, "eventId", ev.EventID)
		return OutcomeDuplicateIgnored, false, nil

	case statusRank(incoming) == statusRank(record.Status):
		// A paid retry can still bring transaction metadata we missed.
		if incoming == db.RecordPaid && ev.TransactionID != "" && record.ProviderTransactionID == nil {
			break
		}
		return OutcomeDuplicateIgnored, false, nil
	}

	firstPaid := incoming == db.RecordPaid && record.Status != db.RecordPaid

	record.Status = incoming
	record.ProviderEventType = ev.EventType
	record.ProviderEventID = ev.EventID
	record.ReceivedVia = via
	if ev.TransactionID != "" {
		transactionID := ev.TransactionID
		record.ProviderTransactionID = &transactionID
	}
	if via == db.ViaWebhook {
		now := time.Now()
		record.WebhookProcessedAt = &now
	}

	if err := w.payments.UpdateRecord(ctx, tx, record); err != nil {
		return "", false, err
	}
	return OutcomeUpdated, firstPaid, nil
}

func (w *Writer) enqueueNotification(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) error {
	now := time.Now()
	message := NotificationMessage{
		ID:               uuid.New(),
		PaymentRequestID: requestID,
		Status:           string(db.RecordPaid),
		OccurredAt:       now,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "marshalling notification payload")
	}

	return w.outbox.Enqueue(ctx, tx, &db.NotificationEntity{
		ID:               message.ID,
		PaymentRequestID: requestID,
		Payload:          string(payload),
		ScheduledAt:      &now,
	})
}

func (w *Writer) notifyBooking(ctx context.Context, record *db.PaymentRecordEntity) {
	if w.booking == nil || record.BookingID == nil {
		return
	}

	bookingID := *record.BookingID
	go func() {
		if err := w.booking.PaymentReceived(context.WithoutCancel(ctx), bookingID, "deposit"); err != nil {
			w.logger.ErrorContext(ctx, "Error notifying booking service", "bookingId", bookingID, "error", err)
		}
	}()
}
