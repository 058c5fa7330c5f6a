package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrRequestNotFound means no payment request could be tied to the event.
// Terminal: the provider's own webhook redelivery is relied on, we never
// retry resolution ourselves.
var ErrRequestNotFound = errors.New("no payment request resolvable for event")

const referencePrefix = "payment-request-"

// Linker resolves which payment request an event belongs to.
type Linker struct {
	repo   *db.PaymentRepository
	logger *slog.Logger
}

func NewLinker(repo *db.PaymentRepository, logger *slog.Logger) *Linker {
	return &Linker{repo: repo, logger: logger}
}

// Resolve tries, in order: an existing ledger record for the checkout id, a
// request carrying the checkout reference, an explicit request id from an
// internal caller, and finally parsing the reference string itself.
func (l *Linker) Resolve(ctx context.Context, ev event.Normalized) (*db.PaymentRequestEntity, error) {
	if ev.CheckoutID != "" {
		record, err := l.repo.GetRecordByCheckoutID(ctx, ev.CheckoutID)
		if err != nil {
			return nil, err
		}
		if record != nil && record.PaymentRequestID != nil {
			request, err := l.repo.GetPaymentRequest(ctx, *record.PaymentRequestID)
			if err != nil {
				return nil, err
			}
			if request != nil {
				return request, nil
			}
		}
	}

	if ev.CheckoutReference != "" {
		request, err := l.repo.GetPaymentRequestByReference(ctx, ev.CheckoutReference)
		if err != nil {
			return nil, err
		}
		if request != nil {
			return request, nil
		}
	}

	if ev.PaymentRequestID != uuid.Nil {
		request, err := l.repo.GetPaymentRequest(ctx, ev.PaymentRequestID)
		if err != nil {
			return nil, err
		}
		if request != nil {
			return request, nil
		}
	}

	if id, ok := ParseReference(ev.CheckoutReference); ok {
		request, err := l.repo.GetPaymentRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if request != nil {
			return request, nil
		}
	}

	l.logger.WarnContext(ctx, "Could not resolve payment request for event",
		"eventId", ev.EventID, "checkoutId", ev.CheckoutID, "reference", ev.CheckoutReference)
	return nil, ErrRequestNotFound
}

// ParseReference recovers a request id from the merchant reference format
// payment-request-{id}-{timestamp}. The id itself contains hyphens, so the
// timestamp is split off at the last one.
func ParseReference(reference string) (uuid.UUID, bool) {
	if !strings.HasPrefix(reference, referencePrefix) {
		return uuid.Nil, false
	}
	rest := strings.TrimPrefix(reference, referencePrefix)

	idx := strings.LastIndex(rest, "-")
	if idx <= 0 {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(rest[:idx])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// BuildReference produces the correlation string embedded in every checkout.
func BuildReference(requestID uuid.UUID, unixSeconds int64) string {
	return referencePrefix + requestID.String() + "-" + strconv.FormatInt(unixSeconds, 10)
}
