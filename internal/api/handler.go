package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
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
	webhookAppliedCounter   = metrics.GetOrCreateCounter(`webhook_requests_total{result="applied"}`)
	webhookDuplicateCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="duplicate"}`)
	webhookRejectedCounter  = metrics.GetOrCreateCounter(`webhook_requests_total{result="rejected"}`)
	webhookNotFoundCounter  = metrics.GetOrCreateCounter(`webhook_requests_total{result="not_found"}`)
	webhookErrorCounter     = metrics.GetOrCreateCounter(`webhook_requests_total{result="error"}`)
)

const (
	reportLimit    = 500
	defaultDueDays = 14
)

// Pipeline is the event processing path behind the HTTP surface.
type Pipeline interface {
	Process(ctx context.Context, payload event.ProviderPayload, via db.ReceivedVia, signatureValid bool) (ledger.ApplyResult, error)
	ProcessForRequest(ctx context.Context, payload event.ProviderPayload, requestID uuid.UUID, via db.ReceivedVia) (ledger.ApplyResult, error)
	Audit(ctx context.Context, rawPayload []byte, signatureValid bool, eventType, eventID string, result db.ProcessingResult)
}

// CheckoutGateway is the provider surface the handler needs.
type CheckoutGateway interface {
	CreateCheckout(ctx context.Context, amount int64, currency, reference string) (*provider.Checkout, error)
	GetCheckout(ctx context.Context, checkoutID string) (*provider.Checkout, error)
}

type Handler struct {
	pipeline      Pipeline
	payments      *db.PaymentRepository
	polls         *db.PollRepository
	discrepancies *db.ReconciliationRepository
	checkouts     CheckoutGateway
	failures      *failure.Recorder
	providerCfg   config.Provider
	pollerCfg     config.Poller
	logger        *slog.Logger
}

func NewHandler(pipeline Pipeline, payments *db.PaymentRepository, polls *db.PollRepository,
	discrepancies *db.ReconciliationRepository, checkouts CheckoutGateway, failures *failure.Recorder,
	providerCfg config.Provider, pollerCfg config.Poller, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline:      pipeline,
		payments:      payments,
		polls:         polls,
		discrepancies: discrepancies,
		checkouts:     checkouts,
		failures:      failures,
		providerCfg:   providerCfg,
		pollerCfg:     pollerCfg,
		logger:        logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", h.handleWebhook)
	mux.HandleFunc("POST /internal/payment-requests", h.handleCreateRequest)
	mux.HandleFunc("POST /internal/payment-requests/{id}/checkout", h.handleCreateCheckout)
	mux.HandleFunc("POST /internal/payment-requests/{id}/sync", h.handleSync)
	mux.HandleFunc("GET /reconciliation/report", h.handleReport)
	mux.HandleFunc("GET /liveness", h.handleLiveness)
	return mux
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		webhookRejectedCounter.Inc()
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	via := db.ViaWebhook
	if h.isInternal(r) {
		via = db.ViaInternal
	} else if !VerifySignature(body, r.Header.Get(signatureHeader), h.providerCfg.WebhookSecret) {
		webhookRejectedCounter.Inc()
		h.pipeline.Audit(ctx, body, false, "", "", db.ResultRejected)
		h.logger.WarnContext(ctx, "Rejected webhook with invalid signature")
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload event.ProviderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		webhookRejectedCounter.Inc()
		h.pipeline.Audit(ctx, body, true, "", "", db.ResultRejected)
		h.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if payload.CheckoutID == "" && payload.CheckoutReference == "" {
		webhookRejectedCounter.Inc()
		h.pipeline.Audit(ctx, body, true, payload.EventType, payload.ID, db.ResultRejected)
		h.writeError(w, http.StatusBadRequest, "payload carries no checkout id or reference")
		return
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", payload.ID))

	result, err := h.pipeline.Process(ctx, payload, via, true)
	switch {
	case errors.Is(err, ledger.ErrRequestNotFound):
		webhookNotFoundCounter.Inc()
		h.writeError(w, http.StatusNotFound, "no payment request matches event")
	case err != nil:
		webhookErrorCounter.Inc()
		h.logger.ErrorContext(ctx, "Error processing webhook", "error", err)
		h.writeError(w, http.StatusInternalServerError, "processing failed")
	case result.Outcome == ledger.OutcomeDuplicateIgnored:
		webhookDuplicateCounter.Inc()
		h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(result.Outcome)})
	default:
		webhookAppliedCounter.Inc()
		h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(result.Outcome)})
	}
}

type createRequestBody struct {
	CustomerID uuid.UUID  `json:"customerId"`
	BookingID  *uuid.UUID `json:"bookingId,omitempty"`
	InvoiceID  *uuid.UUID `json:"invoiceId,omitempty"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	DueDate    time.Time  `json:"dueDate,omitempty"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.isInternal(r) {
		h.writeError(w, http.StatusUnauthorized, "missing internal token")
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if body.Amount <= 0 || body.Currency == "" || body.CustomerID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "customerId, positive amount and currency are required")
		return
	}

	dueDate := body.DueDate
	if dueDate.IsZero() {
		dueDate = time.Now().AddDate(0, 0, defaultDueDays)
	}

	id := uuid.New()
	entity := &db.PaymentRequestEntity{
		ID:                id,
		CustomerID:        body.CustomerID,
		BookingID:         body.BookingID,
		InvoiceID:         body.InvoiceID,
		Amount:            body.Amount,
		Currency:          body.Currency,
		Status:            db.RequestPending,
		CheckoutReference: ledger.BuildReference(id, time.Now().Unix()),
		DueDate:           dueDate,
	}

	if err := h.payments.CreatePaymentRequest(ctx, entity); err != nil {
		h.logger.ErrorContext(ctx, "Error creating payment request", "error", err)
		h.writeError(w, http.StatusInternalServerError, "creating payment request failed")
		return
	}

	h.logger.InfoContext(ctx, "Created payment request", "paymentRequestId", id, "amount", body.Amount, "currency", body.Currency)
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"id":                id.String(),
		"checkoutReference": entity.CheckoutReference,
	})
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.isInternal(r) {
		h.writeError(w, http.StatusUnauthorized, "missing internal token")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment request id")
		return
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentRequestId", id.String()))

	request, err := h.payments.GetPaymentRequest(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error loading payment request", "error", err)
		h.writeError(w, http.StatusInternalServerError, "loading payment request failed")
		return
	}
	if request == nil {
		h.writeError(w, http.StatusNotFound, "payment request not found")
		return
	}

	if request.Status == db.RequestSent && request.ProviderCheckoutID != nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"checkoutId": *request.ProviderCheckoutID})
		return
	}
	if request.Status != db.RequestPending {
		h.writeError(w, http.StatusConflict, "payment request is "+string(request.Status))
		return
	}

	checkout, err := h.checkouts.CreateCheckout(ctx, request.Amount, request.Currency, request.CheckoutReference)
	if err != nil {
		h.failures.Record(ctx, &id, nil, db.SourceRetry, "checkout_creation_failed", err.Error())
		h.writeError(w, http.StatusBadGateway, "provider rejected checkout creation")
		return
	}

	moved, err := h.payments.MarkRequestSent(ctx, id, checkout.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marking payment request sent", "error", err)
		h.writeError(w, http.StatusInternalServerError, "updating payment request failed")
		return
	}
	if !moved {
		h.writeError(w, http.StatusConflict, "payment request is no longer pending")
		return
	}

	backoff := h.pollerCfg.InitialBackoffSeconds
	err = h.polls.Schedule(ctx, &db.PollTargetEntity{
		PaymentRequestID:   id,
		ProviderCheckoutID: checkout.ID,
		NextCheckAt:        time.Now().Add(time.Duration(backoff) * time.Second),
		Attempts:           1,
		MaxAttempts:        h.pollerCfg.MaxAttempts,
		BackoffSeconds:     backoff,
	})
	if err != nil {
		// The checkout exists and the request is sent; the reconciler will
		// still catch a silent provider, so the response stays a success.
		h.logger.ErrorContext(ctx, "Error scheduling poll target", "checkoutId", checkout.ID, "error", err)
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"checkoutId": checkout.ID,
		"hostedUrl":  checkout.HostedURL,
	})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.isInternal(r) {
		h.writeError(w, http.StatusUnauthorized, "missing internal token")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment request id")
		return
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentRequestId", id.String()))

	request, err := h.payments.GetPaymentRequest(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error loading payment request", "error", err)
		h.writeError(w, http.StatusInternalServerError, "loading payment request failed")
		return
	}
	if request == nil {
		h.writeError(w, http.StatusNotFound, "payment request not found")
		return
	}
	if request.ProviderCheckoutID == nil {
		h.writeError(w, http.StatusConflict, "payment request has no checkout to sync")
		return
	}

	checkout, err := h.checkouts.GetCheckout(ctx, *request.ProviderCheckoutID)
	if errors.Is(err, provider.ErrCheckoutNotFound) {
		h.writeError(w, http.StatusNotFound, "provider does not recognize checkout")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Error fetching checkout state", "checkoutId", *request.ProviderCheckoutID, "error", err)
		h.writeError(w, http.StatusBadGateway, "fetching checkout state failed")
		return
	}

	payload := event.ProviderPayload{
		ID:                "sync-" + uuid.NewString(),
		EventType:         "internal.sync",
		CheckoutID:        checkout.ID,
		CheckoutReference: checkout.Reference,
		Status:            checkout.Status,
		Amount:            checkout.Amount,
		Currency:          checkout.Currency,
		TransactionID:     checkout.TransactionID,
	}

	result, err := h.pipeline.ProcessForRequest(ctx, payload, id, db.ViaInternal)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error processing synced checkout state", "error", err)
		h.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"outcome":        string(result.Outcome),
		"providerStatus": checkout.Status,
	})
}

type discrepancyResponse struct {
	ID               uuid.UUID  `json:"id"`
	PaymentRequestID uuid.UUID  `json:"paymentRequestId"`
	PaymentRecordID  *uuid.UUID `json:"paymentRecordId,omitempty"`
	Kind             string     `json:"kind"`
	Severity         string     `json:"severity"`
	Detail           string     `json:"detail"`
	DetectedAt       time.Time  `json:"detectedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	Resolution       *string    `json:"resolution,omitempty"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	openOnly := r.URL.Query().Get("open") == "true"

	items, err := h.discrepancies.ListDiscrepancies(ctx, openOnly, reportLimit)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error listing discrepancies", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing discrepancies failed")
		return
	}

	report := make([]discrepancyResponse, 0, len(items))
	for _, item := range items {
		entry := discrepancyResponse{
			ID:               item.ID,
			PaymentRequestID: item.PaymentRequestID,
			PaymentRecordID:  item.PaymentRecordID,
			Kind:             string(item.Kind),
			Severity:         string(item.Severity),
			Detail:           item.Detail,
			DetectedAt:       item.DetectedAt,
			ResolvedAt:       item.ResolvedAt,
		}
		if item.Resolution != nil {
			resolution := string(*item.Resolution)
			entry.Resolution = &resolution
		}
		report = append(report, entry)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"discrepancies": report})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (h *Handler) isInternal(r *http.Request) bool {
	token := h.providerCfg.InternalToken
	header := r.Header.Get(internalTokenHeader)
	if token == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(token)) == 1
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Error encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
