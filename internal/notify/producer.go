package notify

import (
	"context"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logcontext"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs  = 500
	defaultFetchSize          = 200
	defaultRescheduleDelayMs  = 10_000
	defaultMaxPublishAttempts = 3
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`notification_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`notification_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`notification_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`notification_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`notification_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="rescheduled"}`)
)

// Producer drains the notification outbox into Kafka. Publication is
// at-least-once: a notification is retried with a growing delay until it
// lands or its attempt budget runs out.
type Producer struct {
	outbox             *db.OutboxRepository
	writer             *kafka.Writer
	pollingInterval    time.Duration
	fetchSize          int
	rescheduleDelay    time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(outbox *db.OutboxRepository, writer *kafka.Writer, cfg config.Notifier, logger *slog.Logger) *Producer {
	pollingIntervalMs := cfg.PollingIntervalMs
	if pollingIntervalMs <= 0 {
		pollingIntervalMs = defaultPollingIntervalMs
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	rescheduleDelayMs := cfg.RescheduleDelayMs
	if rescheduleDelayMs <= 0 {
		rescheduleDelayMs = defaultRescheduleDelayMs
	}
	maxPublishAttempts := cfg.MaxPublishAttempts
	if maxPublishAttempts <= 0 {
		maxPublishAttempts = defaultMaxPublishAttempts
	}

	return &Producer{
		outbox:             outbox,
		writer:             writer,
		pollingInterval:    time.Duration(pollingIntervalMs) * time.Millisecond,
		fetchSize:          fetchSize,
		rescheduleDelay:    time.Duration(rescheduleDelayMs) * time.Millisecond,
		maxPublishAttempts: maxPublishAttempts,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping notification producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one drain pass
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.outbox.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	defer tx.Rollback(ctx)

	notifications, err := p.outbox.FetchDue(ctx, tx, time.Now(), p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching due notifications", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(notifications) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Publishing notifications", "count", len(notifications))

	err = p.writer.WriteMessages(ctx, p.toKafkaMessages(notifications)...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	for _, notification := range notifications {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("notificationId", notification.ID.String()))

		notification.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			notification.LastError = &errMsg

			if notification.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for notification")
				notification.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := time.Now().Add(time.Duration(notification.PublishAttempts) * p.rescheduleDelay)
				notification.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			now := time.Now()
			notification.ScheduledAt = nil
			notification.PublishedAt = &now
			notification.LastError = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.outbox.Update(messageCtx, tx, notification); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating notification", "error", err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
	} else {
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(notifications []*db.NotificationEntity) []kafka.Message {
	var kafkaMessages []kafka.Message

	for _, notification := range notifications {
		msg := kafka.Message{
			// Keyed by request so all messages for one payment stay ordered.
			Key:   []byte(notification.PaymentRequestID.String()),
			Value: []byte(notification.Payload),
		}
		kafkaMessages = append(kafkaMessages, msg)
	}
	return kafkaMessages
}
