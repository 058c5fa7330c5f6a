package reconcile

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/failure"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/reconciler"
	"payment-reconciler/internal/retry"
	"payment-reconciler/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const providerURL = "http://provider.example.com"

type ReconcilerTestSuite struct {
	suite.Suite
	pgContainer   *testhelpers.PostgresContainer
	pool          *pgxpool.Pool
	payments      *db.PaymentRepository
	discrepancies *db.ReconciliationRepository
	failures      *db.FailureRepository
	sut           *reconciler.Reconciler
	ctx           context.Context
}

func (s *ReconcilerTestSuite) SetupSuite() {
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
	s.discrepancies = db.NewReconciliationRepository(pool)
	s.failures = db.NewFailureRepository(pool)

	logger := slog.Default()
	outbox := db.NewOutboxRepository(pool)
	writer := ledger.NewWriter(s.payments, outbox, nil, logger)
	normalizer := event.NewNormalizer(logger)
	linker := ledger.NewLinker(s.payments, logger)
	pipeline := ledger.NewProcessor(normalizer, linker, writer, s.payments, logger)

	checkouts := provider.NewClient(config.Provider{BaseURL: providerURL, APIKey: "test-key"},
		retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1.0},
		logger)
	recorder := failure.NewRecorder(s.failures, logger)

	cfg := config.Reconciler{
		IntervalMs:    1000,
		LookbackHours: 24,
		FetchSize:     50,
	}
	s.sut = reconciler.NewReconciler(s.payments, s.discrepancies, checkouts, pipeline, normalizer, recorder, cfg, logger)
}

func (s *ReconcilerTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ReconcilerTestSuite) SetupTest() {
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

func (s *ReconcilerTestSuite) createSentRequest() *db.PaymentRequestEntity {
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

func (s *ReconcilerTestSuite) createRecord(request *db.PaymentRequestEntity, status db.RecordStatus) *db.PaymentRecordEntity {
	t := s.T()

	entity := &db.PaymentRecordEntity{
		ID:                 uuid.New(),
		PaymentRequestID:   &request.ID,
		CustomerID:         request.CustomerID,
		Amount:             request.Amount,
		Currency:           request.Currency,
		Status:             status,
		ProviderCheckoutID: *request.ProviderCheckoutID,
		CheckoutReference:  request.CheckoutReference,
		ProviderEventType:  "checkout.status.updated",
		ProviderEventID:    "evt_" + uuid.NewString(),
		ReceivedVia:        db.ViaWebhook,
	}

	tx, err := s.payments.BeginTx(s.ctx)
	assert.NoError(t, err)
	inserted, err := s.payments.InsertRecord(s.ctx, tx, entity)
	assert.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, tx.Commit(s.ctx))
	return entity
}

func (s *ReconcilerTestSuite) mockCheckout(request *db.PaymentRequestEntity, status string, amount int64, times int) {
	gock.New(providerURL).
		Get("/v1/checkouts/" + *request.ProviderCheckoutID).
		Times(times).
		Reply(200).
		JSON(map[string]any{
			"id":                 *request.ProviderCheckoutID,
			"checkout_reference": request.CheckoutReference,
			"status":             status,
			"amount":             amount,
			"currency":           request.Currency,
			"transaction_id":     "txn_1",
		})
}

func (s *ReconcilerTestSuite) TestStatusDriftIsHealedFromProviderState() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()
	s.createRecord(request, db.RecordProcessing)
	s.mockCheckout(request, "PAID", request.Amount, 1)

	assert.NoError(t, s.sut.RunOnce(s.ctx))

	findings, err := s.discrepancies.ListDiscrepancies(s.ctx, false, 10)
	assert.NoError(t, err)
	assert.Len(t, findings, 1)
	assert.Equal(t, db.KindStatusMismatch, findings[0].Kind)
	assert.Equal(t, db.SeverityWarning, findings[0].Severity)
	assert.NotNil(t, findings[0].ResolvedAt)
	assert.Equal(t, db.ResolutionAutoSynced, *findings[0].Resolution)

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.RecordPaid, record.Status)

	loaded, err := s.payments.GetPaymentRequest(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.RequestPaid, loaded.Status)
	assert.True(t, gock.IsDone())
}

func (s *ReconcilerTestSuite) TestAmountDivergenceStaysOpenForAnOperator() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()
	s.createRecord(request, db.RecordPaid)
	s.mockCheckout(request, "PAID", 9900, 2)

	assert.NoError(t, s.sut.RunOnce(s.ctx))
	assert.NoError(t, s.sut.RunOnce(s.ctx))

	findings, err := s.discrepancies.ListDiscrepancies(s.ctx, false, 10)
	assert.NoError(t, err)
	assert.Len(t, findings, 1)
	assert.Equal(t, db.KindAmountMismatch, findings[0].Kind)
	assert.Equal(t, db.SeverityCritical, findings[0].Severity)
	assert.Nil(t, findings[0].ResolvedAt)

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.RecordPaid, record.Status)
	assert.Equal(t, int64(2300), record.Amount)
	assert.True(t, gock.IsDone())
}

func (s *ReconcilerTestSuite) TestPaidCheckoutWithoutRecordIsHealed() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()
	s.mockCheckout(request, "PAID", request.Amount, 1)

	assert.NoError(t, s.sut.RunOnce(s.ctx))

	findings, err := s.discrepancies.ListDiscrepancies(s.ctx, false, 10)
	assert.NoError(t, err)
	assert.Len(t, findings, 1)
	assert.Equal(t, db.KindMissingLocal, findings[0].Kind)
	assert.Equal(t, db.SeverityCritical, findings[0].Severity)
	assert.NotNil(t, findings[0].ResolvedAt)
	assert.Equal(t, db.ResolutionAutoSynced, *findings[0].Resolution)

	record, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, db.RecordPaid, record.Status)
	assert.True(t, gock.IsDone())
}

func (s *ReconcilerTestSuite) TestOpenDriftFindingIsRehealedOnLaterPass() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()
	record := s.createRecord(request, db.RecordProcessing)

	// A finding raised on an earlier pass whose replay failed at the time.
	existing := &db.DiscrepancyEntity{
		ID:               uuid.New(),
		PaymentRecordID:  &record.ID,
		PaymentRequestID: request.ID,
		Kind:             db.KindStatusMismatch,
		Severity:         db.SeverityWarning,
		Detail:           "local status processing, provider reports paid",
	}
	assert.NoError(t, s.discrepancies.InsertDiscrepancy(s.ctx, existing))

	s.mockCheckout(request, "PAID", request.Amount, 1)

	assert.NoError(t, s.sut.RunOnce(s.ctx))

	findings, err := s.discrepancies.ListDiscrepancies(s.ctx, false, 10)
	assert.NoError(t, err)
	assert.Len(t, findings, 1)
	assert.Equal(t, existing.ID, findings[0].ID)
	assert.NotNil(t, findings[0].ResolvedAt)
	assert.Equal(t, db.ResolutionAutoSynced, *findings[0].Resolution)

	loaded, err := s.payments.GetRecordByRequestID(s.ctx, request.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.RecordPaid, loaded.Status)
	assert.True(t, gock.IsDone())
}

func (s *ReconcilerTestSuite) TestVanishedCheckoutRaisesMissingRemote() {
	t := s.T()
	defer gock.Off()

	request := s.createSentRequest()
	s.createRecord(request, db.RecordProcessing)

	gock.New(providerURL).
		Get("/v1/checkouts/" + *request.ProviderCheckoutID).
		Reply(404).
		JSON(map[string]string{"error": "not found"})

	assert.NoError(t, s.sut.RunOnce(s.ctx))

	findings, err := s.discrepancies.ListDiscrepancies(s.ctx, true, 10)
	assert.NoError(t, err)
	assert.Len(t, findings, 1)
	assert.Equal(t, db.KindMissingRemote, findings[0].Kind)
	assert.Equal(t, db.SeverityCritical, findings[0].Severity)
	assert.True(t, gock.IsDone())
}

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerTestSuite))
}
