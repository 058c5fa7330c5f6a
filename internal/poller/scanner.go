package poller

import (
	"context"
	"log/slog"
	"math/rand"
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
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var (
	pollSettledCounter   = metrics.GetOrCreateCounter(`poll_checks_total{result="settled"}`)
	pollPendingCounter   = metrics.GetOrCreateCounter(`poll_checks_total{result="pending"}`)
	pollResolvedCounter  = metrics.GetOrCreateCounter(`poll_checks_total{result="already_resolved"}`)
	pollExhaustedCounter = metrics.GetOrCreateCounter(`poll_checks_total{result="exhausted"}`)
	pollErrorCounter     = metrics.GetOrCreateCounter(`poll_checks_total{result="error"}`)
)

// CheckoutFetcher reads current checkout state from the provider.
type CheckoutFetcher interface {
	GetCheckout(ctx context.Context, checkoutID string) (*provider.Checkout, error)
}

// Pipeline routes a polled checkout state into the ledger.
type Pipeline interface {
	ProcessForRequest(ctx context.Context, payload event.ProviderPayload, requestID uuid.UUID, via db.ReceivedVia) (ledger.ApplyResult, error)
}

// Scanner is the fallback path for lost webhooks: it walks due poll targets,
// asks the provider for current checkout state and feeds the answer through
// the same pipeline a webhook would take.
type Scanner struct {
	polls     *db.PollRepository
	payments  *db.PaymentRepository
	checkouts CheckoutFetcher
	pipeline  Pipeline
	failures  *failure.Recorder
	cfg       config.Poller
	logger    *slog.Logger
	rnd       *rand.Rand
}

func NewScanner(polls *db.PollRepository, payments *db.PaymentRepository, checkouts CheckoutFetcher,
	pipeline Pipeline, failures *failure.Recorder, cfg config.Poller, logger *slog.Logger) *Scanner {
	return &Scanner{
		polls:     polls,
		payments:  payments,
		checkouts: checkouts,
		pipeline:  pipeline,
		failures:  failures,
		cfg:       cfg,
		logger:    logger,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scanner) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMs) * time.Millisecond
	s.logger.InfoContext(ctx, "Starting fallback poll scanner", "interval", interval, "fetchSize", s.cfg.FetchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Stopping fallback poll scanner")
			return
		case <-ticker.C:
			if err := s.ProcessDue(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Error processing due poll targets", "error", err)
			}
		}
	}
}

// ProcessDue handles one batch of due targets in a single transaction. SKIP
// LOCKED on the fetch means concurrent instances partition the work instead
// of colliding.
func (s *Scanner) ProcessDue(ctx context.Context) error {
	tx, err := s.polls.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "starting poll transaction")
	}
	defer tx.Rollback(ctx)

	targets, err := s.polls.DueTargets(ctx, tx, time.Now(), s.cfg.FetchSize)
	if err != nil {
		return err
	}

	for _, target := range targets {
		if err := s.processTarget(ctx, tx, target); err != nil {
			pollErrorCounter.Inc()
			s.logger.ErrorContext(ctx, "Error polling checkout",
				"paymentRequestId", target.PaymentRequestID, "checkoutId", target.ProviderCheckoutID, "error", err)
		}
	}

	return errors.Wrap(tx.Commit(ctx), "committing poll transaction")
}

func (s *Scanner) processTarget(ctx context.Context, tx pgx.Tx, target *db.PollTargetEntity) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentRequestId", target.PaymentRequestID.String()))

	resolved, err := s.alreadyResolved(ctx, target)
	if err != nil {
		return err
	}
	if resolved {
		pollResolvedCounter.Inc()
		return s.polls.Delete(ctx, tx, target.PaymentRequestID)
	}

	checkout, err := s.checkouts.GetCheckout(ctx, target.ProviderCheckoutID)
	if errors.Is(err, provider.ErrCheckoutNotFound) {
		// Nothing left to poll; the reconciler reports the drift.
		s.failures.Record(ctx, &target.PaymentRequestID, &target.ProviderCheckoutID,
			db.SourcePoller, "checkout_not_found", "provider no longer recognizes checkout "+target.ProviderCheckoutID)
		return s.polls.Delete(ctx, tx, target.PaymentRequestID)
	}
	if err != nil {
		// Retries inside the client are exhausted. Defer the check by the
		// current backoff without advancing attempts, so an extended provider
		// outage does not re-poll (and re-record a failure for) every target
		// on every tick.
		s.failures.Record(ctx, &target.PaymentRequestID, &target.ProviderCheckoutID,
			db.SourcePoller, "provider_unreachable", err.Error())
		target.NextCheckAt = time.Now().Add(time.Duration(target.BackoffSeconds) * time.Second)
		return s.polls.Reschedule(ctx, tx, target)
	}

	payload := event.ProviderPayload{
		ID:                "poll-" + uuid.NewString(),
		EventType:         "checkout.status.polled",
		CheckoutID:        checkout.ID,
		CheckoutReference: checkout.Reference,
		Status:            checkout.Status,
		Amount:            checkout.Amount,
		Currency:          checkout.Currency,
		TransactionID:     checkout.TransactionID,
	}

	result, err := s.pipeline.ProcessForRequest(ctx, payload, target.PaymentRequestID, db.ViaPoll)
	if err != nil {
		return err
	}

	if result.Record != nil && result.Record.Status != db.RecordProcessing {
		pollSettledCounter.Inc()
		s.logger.InfoContext(ctx, "Poll settled checkout",
			"checkoutId", checkout.ID, "status", result.Record.Status, "attempts", target.Attempts)
		return s.polls.Delete(ctx, tx, target.PaymentRequestID)
	}

	if target.Attempts >= target.MaxAttempts {
		pollExhaustedCounter.Inc()
		s.failures.Record(ctx, &target.PaymentRequestID, &target.ProviderCheckoutID,
			db.SourcePoller, "poll_attempts_exhausted", "checkout still unsettled after final poll attempt")
		return s.polls.Delete(ctx, tx, target.PaymentRequestID)
	}

	pollPendingCounter.Inc()
	target.Attempts++
	target.BackoffSeconds = NextBackoff(target.BackoffSeconds, s.cfg.MaxBackoffSeconds, s.rnd)
	target.NextCheckAt = time.Now().Add(time.Duration(target.BackoffSeconds) * time.Second)
	return s.polls.Reschedule(ctx, tx, target)
}

// alreadyResolved reports whether the webhook beat the poll to it: a settled
// ledger record or a terminal request state makes the target pointless.
func (s *Scanner) alreadyResolved(ctx context.Context, target *db.PollTargetEntity) (bool, error) {
	record, err := s.payments.GetRecordByRequestID(ctx, target.PaymentRequestID)
	if err != nil {
		return false, err
	}
	if record != nil && record.Status != db.RecordProcessing {
		return true, nil
	}

	request, err := s.payments.GetPaymentRequest(ctx, target.PaymentRequestID)
	if err != nil {
		return false, err
	}
	if request == nil {
		return true, nil
	}
	return request.Status == db.RequestPaid || request.Status == db.RequestCancelled, nil
}
