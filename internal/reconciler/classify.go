package reconciler

import (
	"fmt"
	"strings"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/provider"
)

// Finding is one detected divergence between the ledger and provider truth.
type Finding struct {
	Kind     db.DiscrepancyKind
	Severity db.Severity
	Detail   string
}

// Classify compares a ledger record against the provider's view of the same
// checkout. Returns nil when the two agree. Amount divergence outranks status
// divergence: money being wrong is never auto-healed.
func Classify(record *db.PaymentRecordEntity, checkout *provider.Checkout, providerStatus event.Status) *Finding {
	if checkout == nil {
		return &Finding{
			Kind:     db.KindMissingRemote,
			Severity: db.SeverityCritical,
			Detail:   fmt.Sprintf("provider has no checkout %s for a ledger record", record.ProviderCheckoutID),
		}
	}

	if checkout.Amount != record.Amount || !strings.EqualFold(checkout.Currency, record.Currency) {
		return &Finding{
			Kind:     db.KindAmountMismatch,
			Severity: db.SeverityCritical,
			Detail: fmt.Sprintf("ledger holds %d %s, provider reports %d %s",
				record.Amount, record.Currency, checkout.Amount, strings.ToUpper(checkout.Currency)),
		}
	}

	if toRecordStatus(providerStatus) != record.Status {
		return &Finding{
			Kind:     db.KindStatusMismatch,
			Severity: db.SeverityWarning,
			Detail: fmt.Sprintf("ledger status %s, provider status %s (%s)",
				record.Status, providerStatus, checkout.Status),
		}
	}

	return nil
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
