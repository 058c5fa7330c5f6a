package failure

import (
	"context"
	"log/slog"

	"payment-reconciler/internal/db"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var failuresRecordedCounter = metrics.GetOrCreateCounter(`payment_failures_recorded_total`)

// Recorder writes terminal failures for operator follow-up. Recording never
// propagates an error back into the caller's path; a failure to record a
// failure is logged and dropped.
type Recorder struct {
	repo   *db.FailureRepository
	logger *slog.Logger
}

func NewRecorder(repo *db.FailureRepository, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, requestID *uuid.UUID, checkoutID *string, source db.FailureSource, reason, detail string) {
	entity := &db.FailureEntity{
		ID:                 uuid.New(),
		PaymentRequestID:   requestID,
		ProviderCheckoutID: checkoutID,
		Source:             source,
		Reason:             reason,
		Detail:             detail,
	}

	if err := r.repo.Insert(ctx, entity); err != nil {
		r.logger.ErrorContext(ctx, "Error recording payment failure", "reason", reason, "error", err)
		return
	}

	failuresRecordedCounter.Inc()
	r.logger.ErrorContext(ctx, "Recorded payment failure",
		"failureId", entity.ID, "source", source, "reason", reason, "detail", detail)
}
