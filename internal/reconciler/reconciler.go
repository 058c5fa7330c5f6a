package reconciler

import (
	"context"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/failure"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/provider"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	discrepancyMissingLocalCounter   = metrics.GetOrCreateCounter(`reconciliation_discrepancies_total{kind="missing_local"}`)
	discrepancyMissingRemoteCounter  = metrics.GetOrCreateCounter(`reconciliation_discrepancies_total{kind="missing_remote"}`)
	discrepancyAmountMismatchCounter = metrics.GetOrCreateCounter(`reconciliation_discrepancies_total{kind="amount_mismatch"}`)
	discrepancyStatusMismatchCounter = metrics.GetOrCreateCounter(`reconciliation_discrepancies_total{kind="status_mismatch"}`)
	autoSyncedCounter                = metrics.GetOrCreateCounter(`reconciliation_auto_synced_total`)
)

// CheckoutFetcher reads current checkout state from the provider.
type CheckoutFetcher interface {
	GetCheckout(ctx context.Context, checkoutID string) (*provider.Checkout, error)
}

// Pipeline replays provider truth into the ledger during auto-healing.
type Pipeline interface {
	ProcessForRequest(ctx context.Context, payload event.ProviderPayload, requestID uuid.UUID, via db.ReceivedVia) (ledger.ApplyResult, error)
}

// Reconciler periodically compares recent ledger state against provider truth
// and files a discrepancy for every divergence. Status drift is healed by
// replaying the provider state through the normal pipeline; anything touching
// amounts is left for an operator.
type Reconciler struct {
	payments      *db.PaymentRepository
	discrepancies *db.ReconciliationRepository
	checkouts     CheckoutFetcher
	pipeline      Pipeline
	normalizer    *event.Normalizer
	failures      *failure.Recorder
	cfg           config.Reconciler
	logger        *slog.Logger
}

func NewReconciler(payments *db.PaymentRepository, discrepancies *db.ReconciliationRepository,
	checkouts CheckoutFetcher, pipeline Pipeline, normalizer *event.Normalizer,
	failures *failure.Recorder, cfg config.Reconciler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		payments:      payments,
		discrepancies: discrepancies,
		checkouts:     checkouts,
		pipeline:      pipeline,
		normalizer:    normalizer,
		failures:      failures,
		cfg:           cfg,
		logger:        logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond
	r.logger.InfoContext(ctx, "Starting reconciler",
		"interval", interval, "lookbackHours", r.cfg.LookbackHours, "fetchSize", r.cfg.FetchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Stopping reconciler")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Error running reconciliation", "error", err)
			}
		}
	}
}

// RunOnce reconciles one lookback window: every recently touched ledger
// record, plus every sent request the ledger never heard back about.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	since := time.Now().Add(-time.Duration(r.cfg.LookbackHours) * time.Hour)

	records, err := r.payments.ListRecordsSince(ctx, since, r.cfg.FetchSize)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := r.checkRecord(ctx, record); err != nil {
			r.logger.ErrorContext(ctx, "Error reconciling ledger record", "recordId", record.ID, "error", err)
		}
	}

	orphaned, err := r.payments.ListSentRequestsWithoutRecord(ctx, since, r.cfg.FetchSize)
	if err != nil {
		return err
	}
	for _, request := range orphaned {
		if err := r.checkMissingLocal(ctx, request); err != nil {
			r.logger.ErrorContext(ctx, "Error reconciling orphaned request", "paymentRequestId", request.ID, "error", err)
		}
	}

	return nil
}

func (r *Reconciler) checkRecord(ctx context.Context, record *db.PaymentRecordEntity) error {
	if record.PaymentRequestID == nil {
		return nil
	}
	requestID := *record.PaymentRequestID
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentRequestId", requestID.String()))

	checkout, err := r.checkouts.GetCheckout(ctx, record.ProviderCheckoutID)
	if errors.Is(err, provider.ErrCheckoutNotFound) {
		finding := Classify(record, nil, event.StatusProcessing)
		_, err := r.raise(ctx, requestID, &record.ID, finding)
		return err
	}
	if err != nil {
		r.failures.Record(ctx, &requestID, &record.ProviderCheckoutID,
			db.SourceReconciler, "provider_unreachable", err.Error())
		return nil
	}

	payload := checkoutPayload(checkout)
	ev := r.normalizer.Normalize(ctx, payload)

	finding := Classify(record, checkout, ev.Status)
	if finding == nil {
		return nil
	}

	id, err := r.raise(ctx, requestID, &record.ID, finding)
	if err != nil {
		return err
	}

	if finding.Kind == db.KindStatusMismatch {
		r.heal(ctx, id, payload, requestID)
	}
	return nil
}

// checkMissingLocal handles a sent request with no ledger record. Only a
// checkout the provider reports as paid is drift: money arrived and the
// ledger missed it. Everything else is just a customer who has not paid yet.
func (r *Reconciler) checkMissingLocal(ctx context.Context, request *db.PaymentRequestEntity) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentRequestId", request.ID.String()))

	checkout, err := r.checkouts.GetCheckout(ctx, *request.ProviderCheckoutID)
	if errors.Is(err, provider.ErrCheckoutNotFound) {
		return nil
	}
	if err != nil {
		r.failures.Record(ctx, &request.ID, request.ProviderCheckoutID,
			db.SourceReconciler, "provider_unreachable", err.Error())
		return nil
	}

	payload := checkoutPayload(checkout)
	ev := r.normalizer.Normalize(ctx, payload)
	if ev.Status != event.StatusPaid {
		return nil
	}

	finding := &Finding{
		Kind:     db.KindMissingLocal,
		Severity: db.SeverityCritical,
		Detail:   "provider reports checkout " + checkout.ID + " as paid but the ledger has no record",
	}
	id, err := r.raise(ctx, request.ID, nil, finding)
	if err != nil {
		return err
	}

	r.heal(ctx, id, payload, request.ID)
	return nil
}

// raise files the finding unless the same kind is already open for the
// request; the open finding's id comes back either way so healing can be
// re-attempted on later passes instead of silently degrading to manual.
func (r *Reconciler) raise(ctx context.Context, requestID uuid.UUID, recordID *uuid.UUID, finding *Finding) (uuid.UUID, error) {
	open, err := r.discrepancies.GetOpenDiscrepancy(ctx, requestID, finding.Kind)
	if err != nil {
		return uuid.Nil, err
	}
	if open != nil {
		return open.ID, nil
	}

	entity := &db.DiscrepancyEntity{
		ID:               uuid.New(),
		PaymentRecordID:  recordID,
		PaymentRequestID: requestID,
		Kind:             finding.Kind,
		Severity:         finding.Severity,
		Detail:           finding.Detail,
	}
	if err := r.discrepancies.InsertDiscrepancy(ctx, entity); err != nil {
		return uuid.Nil, err
	}

	discrepancyCounter(finding.Kind).Inc()
	r.logger.WarnContext(ctx, "Detected reconciliation discrepancy",
		"discrepancyId", entity.ID, "kind", finding.Kind, "severity", finding.Severity, "detail", finding.Detail)
	return entity.ID, nil
}

// heal replays provider truth through the pipeline and closes the discrepancy
// when the ledger actually moved. A replay the writer ignores means the
// ledger is ahead of the provider, and the finding stays open.
func (r *Reconciler) heal(ctx context.Context, discrepancyID uuid.UUID, payload event.ProviderPayload, requestID uuid.UUID) {
	result, err := r.pipeline.ProcessForRequest(ctx, payload, requestID, db.ViaInternal)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error replaying provider state", "discrepancyId", discrepancyID, "error", err)
		return
	}
	if result.Outcome == ledger.OutcomeDuplicateIgnored {
		return
	}

	if err := r.discrepancies.Resolve(ctx, discrepancyID, db.ResolutionAutoSynced); err != nil {
		r.logger.ErrorContext(ctx, "Error resolving discrepancy", "discrepancyId", discrepancyID, "error", err)
		return
	}
	autoSyncedCounter.Inc()
	r.logger.InfoContext(ctx, "Auto-synced discrepancy from provider state", "discrepancyId", discrepancyID)
}

func checkoutPayload(checkout *provider.Checkout) event.ProviderPayload {
	return event.ProviderPayload{
		ID:                "reconcile-" + uuid.NewString(),
		EventType:         "checkout.status.reconciled",
		CheckoutID:        checkout.ID,
		CheckoutReference: checkout.Reference,
		Status:            checkout.Status,
		Amount:            checkout.Amount,
		Currency:          checkout.Currency,
		TransactionID:     checkout.TransactionID,
	}
}

func discrepancyCounter(kind db.DiscrepancyKind) *metrics.Counter {
	switch kind {
	case db.KindMissingLocal:
		return discrepancyMissingLocalCounter
	case db.KindMissingRemote:
		return discrepancyMissingRemoteCounter
	case db.KindAmountMismatch:
		return discrepancyAmountMismatchCounter
	default:
		return discrepancyStatusMismatchCounter
	}
}
