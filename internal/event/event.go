package event

import "github.com/google/uuid"

// Status is the closed internal state set every provider event collapses to.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

// ProviderPayload is the provider's webhook body. The same shape comes back
// from the checkout-status endpoint, so poll results reuse it.
type ProviderPayload struct {
	ID                string `json:"id"`
	EventType         string `json:"event_type"`
	CheckoutID        string `json:"checkout_id"`
	CheckoutReference string `json:"checkout_reference"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	TransactionID     string `json:"transaction_id,omitempty"`
}

// Normalized is a provider event translated into internal vocabulary.
type Normalized struct {
	Status            Status
	EventID           string
	EventType         string
	CheckoutID        string
	CheckoutReference string
	Amount            int64
	Currency          string
	TransactionID     string

	// PaymentRequestID is set only by internal callers that already know
	// which request they are reporting on.
	PaymentRequestID uuid.UUID
}
