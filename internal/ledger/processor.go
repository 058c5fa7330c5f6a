package ledger

import (
	"context"
	"encoding/json"
	"log/slog"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	processorAppliedCounter   = metrics.GetOrCreateCounter(`ledger_events_total{result="applied"}`)
	processorDuplicateCounter = metrics.GetOrCreateCounter(`ledger_events_total{result="duplicate"}`)
	processorNotFoundCounter  = metrics.GetOrCreateCounter(`ledger_events_total{result="not_found"}`)
	processorErrorCounter     = metrics.GetOrCreateCounter(`ledger_events_total{result="error"}`)
)

// Processor is the one processing path every event takes, regardless of
// whether it arrived by webhook, poll or internal trigger: normalize, link,
// apply, audit.
type Processor struct {
	normalizer *event.Normalizer
	linker     *Linker
	writer     *Writer
	payments   *db.PaymentRepository
	logger     *slog.Logger
}

func NewProcessor(normalizer *event.Normalizer, linker *Linker, writer *Writer, payments *db.PaymentRepository, logger *slog.Logger) *Processor {
	return &Processor{normalizer: normalizer, linker: linker, writer: writer, payments: payments, logger: logger}
}

// Process runs one provider payload through the pipeline and appends the
// outcome to the audit log. The audit row is written on every branch,
// including failures.
func (p *Processor) Process(ctx context.Context, payload event.ProviderPayload, via db.ReceivedVia, signatureValid bool) (ApplyResult, error) {
	ev := p.normalizer.Normalize(ctx, payload)
	return p.run(ctx, ev, payload, via, signatureValid)
}

// ProcessForRequest is Process for internal callers that already know which
// request the payload belongs to.
func (p *Processor) ProcessForRequest(ctx context.Context, payload event.ProviderPayload, requestID uuid.UUID, via db.ReceivedVia) (ApplyResult, error) {
	ev := p.normalizer.Normalize(ctx, payload)
	ev.PaymentRequestID = requestID
	return p.run(ctx, ev, payload, via, true)
}

func (p *Processor) run(ctx context.Context, ev event.Normalized, payload event.ProviderPayload, via db.ReceivedVia, signatureValid bool) (ApplyResult, error) {
	request, err := p.linker.Resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			processorNotFoundCounter.Inc()
		} else {
			processorErrorCounter.Inc()
		}
		p.audit(ctx, payload, signatureValid, db.ResultError)
		return ApplyResult{}, err
	}

	result, err := p.writer.Apply(ctx, ev, request, via)
	if err != nil {
		processorErrorCounter.Inc()
		p.audit(ctx, payload, signatureValid, db.ResultError)
		return ApplyResult{}, err
	}

	switch result.Outcome {
	case OutcomeDuplicateIgnored:
		processorDuplicateCounter.Inc()
		p.audit(ctx, payload, signatureValid, db.ResultDuplicate)
	default:
		processorAppliedCounter.Inc()
		p.audit(ctx, payload, signatureValid, db.ResultApplied)
	}

	p.logger.InfoContext(ctx, "Processed payment event",
		"eventId", payload.ID, "checkoutId", payload.CheckoutID, "via", via, "outcome", result.Outcome)
	return result, nil
}

// Audit appends a rejection row for input that never reached the pipeline
// (bad signature, malformed body).
func (p *Processor) Audit(ctx context.Context, rawPayload []byte, signatureValid bool, eventType, eventID string, result db.ProcessingResult) {
	err := p.payments.InsertWebhookEvent(ctx, &db.WebhookEventEntity{
		ID:               uuid.New(),
		RawPayload:       string(rawPayload),
		SignatureValid:   signatureValid,
		EventType:        eventType,
		EventID:          eventID,
		ProcessingResult: result,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing webhook audit row", "error", err)
	}
}

func (p *Processor) audit(ctx context.Context, payload event.ProviderPayload, signatureValid bool, result db.ProcessingResult) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	p.Audit(ctx, raw, signatureValid, payload.EventType, payload.ID, result)
}
