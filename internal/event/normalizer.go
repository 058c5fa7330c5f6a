package event

import (
	"context"
	"log/slog"
	"strings"
)

// Event families with a fixed meaning regardless of the status field.
var eventTypeStatuses = map[string]Status{
	"checkout.completed":     StatusPaid,
	"checkout.failed":        StatusFailed,
	"checkout.expired":       StatusFailed,
	"transaction.successful": StatusPaid,
	"transaction.failed":     StatusFailed,
}

// Status vocabulary used by the generic checkout.status.updated family and by
// the checkout-status endpoint.
var providerStatuses = map[string]Status{
	"PAID":        StatusPaid,
	"COMPLETED":   StatusPaid,
	"SUCCESSFUL":  StatusPaid,
	"FAILED":      StatusFailed,
	"EXPIRED":     StatusFailed,
	"CANCELLED":   StatusFailed,
	"PENDING":     StatusProcessing,
	"PROCESSING":  StatusProcessing,
	"IN_PROGRESS": StatusProcessing,
}

type Normalizer struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize maps a provider payload onto the internal status set. Unknown
// event types and statuses become processing so a new provider vocabulary is
// never silently dropped; the warning is the signal to extend the tables.
func (n *Normalizer) Normalize(ctx context.Context, p ProviderPayload) Normalized {
	status, known := n.resolveStatus(p)
	if !known {
		n.logger.WarnContext(ctx, "Unrecognized provider event, treating as processing",
			"eventType", p.EventType, "providerStatus", p.Status, "checkoutId", p.CheckoutID)
	}

	return Normalized{
		Status:            status,
		EventID:           p.ID,
		EventType:         p.EventType,
		CheckoutID:        p.CheckoutID,
		CheckoutReference: p.CheckoutReference,
		Amount:            p.Amount,
		Currency:          strings.ToUpper(p.Currency),
		TransactionID:     p.TransactionID,
	}
}

func (n *Normalizer) resolveStatus(p ProviderPayload) (Status, bool) {
	if s, ok := eventTypeStatuses[strings.ToLower(strings.TrimSpace(p.EventType))]; ok {
		return s, true
	}
	if s, ok := providerStatuses[strings.ToUpper(strings.TrimSpace(p.Status))]; ok {
		return s, true
	}
	return StatusProcessing, false
}
