package db

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestSent      RequestStatus = "sent"
	RequestPaid      RequestStatus = "paid"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

type RecordStatus string

const (
	RecordProcessing RecordStatus = "processing"
	RecordPaid       RecordStatus = "paid"
	RecordFailed     RecordStatus = "failed"
)

type ReceivedVia string

const (
	ViaWebhook  ReceivedVia = "webhook"
	ViaPoll     ReceivedVia = "poll"
	ViaInternal ReceivedVia = "internal"
)

type ProcessingResult string

const (
	ResultApplied   ProcessingResult = "applied"
	ResultDuplicate ProcessingResult = "duplicate"
	ResultRejected  ProcessingResult = "rejected"
	ResultError     ProcessingResult = "error"
)

type DiscrepancyKind string

const (
	KindMissingLocal   DiscrepancyKind = "missing_local"
	KindMissingRemote  DiscrepancyKind = "missing_remote"
	KindAmountMismatch DiscrepancyKind = "amount_mismatch"
	KindStatusMismatch DiscrepancyKind = "status_mismatch"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type Resolution string

const (
	ResolutionAutoSynced Resolution = "auto_synced"
	ResolutionManual     Resolution = "manual"
	ResolutionIgnored    Resolution = "ignored"
)

type FailureSource string

const (
	SourcePoller     FailureSource = "poller"
	SourceRetry      FailureSource = "retry"
	SourceReconciler FailureSource = "reconciler"
)

// PaymentRequestEntity is a solicitation for money issued by the booking
// side. Amounts are in minor units.
type PaymentRequestEntity struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	BookingID          *uuid.UUID
	InvoiceID          *uuid.UUID
	Amount             int64
	Currency           string
	Status             RequestStatus
	ProviderCheckoutID *string
	CheckoutReference  string
	DueDate            time.Time
	NotifiedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentRecordEntity is a ledger entry. At most one row exists per
// provider_checkout_id and per provider_checkout_reference; the unique
// indexes in the schema are what makes the writer race-safe.
type PaymentRecordEntity struct {
	ID                    uuid.UUID
	PaymentRequestID      *uuid.UUID
	BookingID             *uuid.UUID
	CustomerID            uuid.UUID
	Amount                int64
	Currency              string
	Status                RecordStatus
	ProviderCheckoutID    string
	ProviderTransactionID *string
	CheckoutReference     string
	ProviderEventType     string
	ProviderEventID       string
	ReceivedVia           ReceivedVia
	WebhookProcessedAt    *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WebhookEventEntity is the append-only audit row for every inbound event,
// valid or not. Never updated after insert.
type WebhookEventEntity struct {
	ID               uuid.UUID
	RawPayload       string
	SignatureValid   bool
	EventType        string
	EventID          string
	ReceivedAt       time.Time
	ProcessingResult ProcessingResult
}

type DiscrepancyEntity struct {
	ID               uuid.UUID
	PaymentRecordID  *uuid.UUID
	PaymentRequestID uuid.UUID
	Kind             DiscrepancyKind
	Severity         Severity
	Detail           string
	DetectedAt       time.Time
	ResolvedAt       *time.Time
	Resolution       *Resolution
}

type PollTargetEntity struct {
	PaymentRequestID   uuid.UUID
	ProviderCheckoutID string
	NextCheckAt        time.Time
	Attempts           int
	MaxAttempts        int
	BackoffSeconds     int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type FailureEntity struct {
	ID                 uuid.UUID
	PaymentRequestID   *uuid.UUID
	ProviderCheckoutID *string
	Source             FailureSource
	Reason             string
	Detail             string
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

type NotificationEntity struct {
	ID               uuid.UUID
	PaymentRequestID uuid.UUID
	Payload          string
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	PublishAttempts  int
	LastError        *string
	CreatedAt        time.Time
}
