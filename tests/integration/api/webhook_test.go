package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-reconciler/internal/api"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/failure"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/retry"
	"payment-reconciler/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	providerURL   = "http://provider.example.com"
	webhookSecret = "whsec_test"
	internalToken = "internal_test"
)

type WebhookTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	payments    *db.PaymentRepository
	polls       *db.PollRepository
	outbox      *db.OutboxRepository
	mux         *http.ServeMux
	ctx         context.Context
}

func (s *WebhookTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	db.RunMigrations(pgContainer.ConnectionString, "../../../migrations")

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.payments = db.NewPaymentRepository(pool)
	s.polls = db.NewPollRepository(pool)
	s.outbox = db.NewOutboxRepository(pool)

	logger := slog.Default()
	discrepancies := db.NewReconciliationRepository(pool)
	failures := db.NewFailureRepository(pool)

	writer := ledger.NewWriter(s.payments, s.outbox, nil, logger)
	normalizer := event.NewNormalizer(logger)
	linker := ledger.NewLinker(s.payments, logger)
	pipeline := ledger.NewProcessor(normalizer, linker, writer, s.payments, logger)

	providerCfg := config.Provider{
		BaseURL:       providerURL,
		APIKey:        "test-key",
		WebhookSecret: webhookSecret,
		InternalToken: internalToken,
	}
	checkouts := provider.NewClient(providerCfg,
		retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1.0},
		logger)
	recorder := failure.NewRecorder(failures, logger)

	pollerCfg := config.Poller{InitialBackoffSeconds: 360, MaxBackoffSeconds: 900, MaxAttempts: 20}
	handler := api.NewHandler(pipeline, s.payments, s.polls, discrepancies, checkouts, recorder,
		providerCfg, pollerCfg, logger)
	s.mux = handler.Routes()
}

func (s *WebhookTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *WebhookTestSuite) SetupTest() {
	tables := []string{
		"notification_outbox", "payment_failure", "poll_target",
		"reconciliation_discrepancy", "webhook_event", "payment_record", "payment_request",
	}
	for _, table := range tables {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *WebhookTestSuite) createSentRequest() *db.PaymentRequestEntity {
	t := s.T()

	id := uuid.New()
	checkoutID := "ck_" + uuid.NewString()
	entity := &db.PaymentRequestEntity{
		ID:                 id,
		CustomerID:         uuid.New(),
		Amount:             2300,
		Currency:           "EUR",
		Status:             db.RequestSent,
		ProviderCheckoutID: &checkoutID,
		CheckoutReference:  ledger.BuildReference(id, time.Now().Unix()),
		DueDate:            time.Now().Add(14 * 24 * time.Hour),
	}
	assert.NoError(t, s.payments.CreatePaymentRequest(s.ctx, entity))
	return entity
}

func (s *WebhookTestSuite) postWebhook(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Payload-Signature", signature)
	recorder := httptest.NewRecorder()
	s.mux.ServeHTTP(recorder, req)
	return recorder
}

func paidWebhookBody(t *testing.T, request *db.PaymentRequestEntity, eventID string) []byte {
	t.Helper()
	body, err := json.Marshal(event.ProviderPayload{
		ID:                eventID,
		EventType:         "checkout.completed",
		CheckoutID:        *request.ProviderCheckoutID,
		CheckoutReference: request.CheckoutReference,
		Status:            "PAID",
		Amount:            request.Amount,
		Currency:          request.Currency,
		TransactionID:     "txn_1",
	})
	assert.NoError(t, err)
	return body
}

func (s *WebhookTestSuite) TestPaidWebhookSettlesPayment() {
	t := s.T()

	request := s.createSentRequest()
	body := paidWebhookBody(t, request, "evt_1")

	recorder := s.postWebhook(body, api.ComputeSignature(body, webhookSecret))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"outcome":"created"}`, recorder.Body.String())

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, db.RecordPaid, record.Status)
	assert.Equal(t, db.ViaWebhook, record.ReceivedVia)

	loaded, err := s.payments.GetPaymentRequest(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.RequestPaid, loaded.Status)

	notifications, err := s.outbox.CountByRequest(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, notifications)

	audits, err := s.payments.CountWebhookEventsByEventID(s.ctx, "evt_1")
	assert.NoError(t, err)
	assert.Equal(t, 1, audits)
}

func (s *WebhookTestSuite) TestRedeliveredWebhookIsDuplicate() {
	t := s.T()

	request := s.createSentRequest()
	body := paidWebhookBody(t, request, "evt_1")
	signature := api.ComputeSignature(body, webhookSecret)

	first := s.postWebhook(body, signature)
	assert.Equal(t, http.StatusOK, first.Code)

	second := s.postWebhook(body, signature)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"outcome":"duplicate_ignored"}`, second.Body.String())

	notifications, err := s.outbox.CountByRequest(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, notifications)

	// Both deliveries are audited.
	audits, err := s.payments.CountWebhookEventsByEventID(s.ctx, "evt_1")
	assert.NoError(t, err)
	assert.Equal(t, 2, audits)
}

func (s *WebhookTestSuite) TestInvalidSignatureIsRejectedAndAudited() {
	t := s.T()

	request := s.createSentRequest()
	body := paidWebhookBody(t, request, "evt_1")

	recorder := s.postWebhook(body, "deadbeef")

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Nil(t, record)

	var audited int
	err = s.pool.QueryRow(s.ctx,
		"SELECT count(*) FROM webhook_event WHERE signature_valid = false AND processing_result = 'rejected'").Scan(&audited)
	assert.NoError(t, err)
	assert.Equal(t, 1, audited)
}

func (s *WebhookTestSuite) TestUnresolvableWebhookReturnsNotFound() {
	t := s.T()

	body, err := json.Marshal(event.ProviderPayload{
		ID:         "evt_unknown",
		EventType:  "checkout.completed",
		CheckoutID: "ck_unknown",
		Status:     "PAID",
		Amount:     100,
		Currency:   "EUR",
	})
	assert.NoError(t, err)

	recorder := s.postWebhook(body, api.ComputeSignature(body, webhookSecret))

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func (s *WebhookTestSuite) TestCheckoutCreationFlow() {
	t := s.T()
	defer gock.Off()

	// Create the pending request through the internal endpoint.
	createBody := []byte(`{"customerId":"` + uuid.NewString() + `","amount":2300,"currency":"EUR"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/payment-requests", bytes.NewReader(createBody))
	req.Header.Set("X-Internal-Token", internalToken)
	recorder := httptest.NewRecorder()
	s.mux.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusCreated, recorder.Code)

	var created map[string]string
	assert.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))
	requestID, err := uuid.Parse(created["id"])
	assert.NoError(t, err)

	gock.New(providerURL).
		Post("/v1/checkouts").
		Reply(200).
		JSON(map[string]any{
			"id":                 "ck_new",
			"checkout_reference": created["checkoutReference"],
			"status":             "PENDING",
			"amount":             2300,
			"currency":           "EUR",
			"hosted_url":         "https://pay.example.com/ck_new",
		})

	req = httptest.NewRequest(http.MethodPost, "/internal/payment-requests/"+requestID.String()+"/checkout", nil)
	req.Header.Set("X-Internal-Token", internalToken)
	recorder = httptest.NewRecorder()
	s.mux.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.True(t, gock.IsDone())

	loaded, err := s.payments.GetPaymentRequest(s.ctx, requestID)
	assert.NoError(t, err)
	assert.Equal(t, db.RequestSent, loaded.Status)
	assert.Equal(t, "ck_new", *loaded.ProviderCheckoutID)

	target, err := s.polls.Get(s.ctx, requestID)
	assert.NoError(t, err)
	assert.NotNil(t, target)
	assert.Equal(t, "ck_new", target.ProviderCheckoutID)
	assert.Equal(t, 1, target.Attempts)
	assert.Equal(t, 360, target.BackoffSeconds)
}

func (s *WebhookTestSuite) TestSyncRoutesProviderStateThroughPipeline() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()

	gock.New(providerURL).
		Get("/v1/checkouts/" + *request.ProviderCheckoutID).
		Reply(200).
		JSON(map[string]any{
			"id":                 *request.ProviderCheckoutID,
			"checkout_reference": request.CheckoutReference,
			"status":             "PAID",
			"amount":             request.Amount,
			"currency":           request.Currency,
			"transaction_id":     "txn_1",
		})

	req := httptest.NewRequest(http.MethodPost, "/internal/payment-requests/"+request.ID.String()+"/sync", nil)
	req.Header.Set("X-Internal-Token", internalToken)
	recorder := httptest.NewRecorder()
	s.mux.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, gock.IsDone())

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, db.RecordPaid, record.Status)
	assert.Equal(t, db.ViaInternal, record.ReceivedVia)
}

func TestWebhookTestSuite(t *testing.T) {
	suite.Run(t, new(WebhookTestSuite))
}
