package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/athletiq/payment-gateway/internal/gateways"
	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/outbox"
	"github.com/athletiq/payment-gateway/internal/repository"
	"github.com/athletiq/payment-gateway/internal/services"
	"github.com/athletiq/payment-gateway/pkg/pg"
	"github.com/athletiq/payment-gateway/pkg/redis"
	"github.com/athletiq/payment-gateway/test/fixtures"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB = pg.DB

// stubDaraja accepts every push with fixed correlation ids, standing in for
// the sandbox so initiation can be exercised without a network hop.
type stubDaraja struct {
	resp *gateway.StkPushResponse
	err  error
}

func (s *stubDaraja) StkPush(ctx context.Context, params *gateway.StkPushParams) (*gateway.StkPushResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type TestEnvironment struct {
	DB              *pg.DB
	Redis           *miniredis.Miniredis
	RedisAdapter    redis.RedisAdapter
	Outbox          *outbox.Outbox
	TransactionRepo *repository.TransactionRepository
	UserRepo        *repository.UserRepository
	PaymentService  *services.PaymentService
	Reconciler      *services.Reconciler
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.UserEntity{},
		&repository.TransactionEntity{},
	)
	require.NoError(t, err)

	pgDB := &testDB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	redisAdapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	ob, err := outbox.New(redisAdapter, outbox.Config{
		Stream:            "test:outcomes",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	})
	require.NoError(t, err)

	transactionRepo := repository.NewTransactionRepository(pgDB)
	userRepo := repository.NewUserRepository(pgDB)

	daraja := &stubDaraja{resp: &gateway.StkPushResponse{
		MerchantRequestID:   "29115-34620561-1",
		CheckoutRequestID:   "ws_CO_e2e_1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}}

	paymentService := services.NewPaymentService(daraja, transactionRepo)
	reconciler := services.NewReconciler(transactionRepo, userRepo, redisAdapter, ob)

	return &TestEnvironment{
		DB:              pgDB,
		Redis:           mr,
		RedisAdapter:    redisAdapter,
		Outbox:          ob,
		TransactionRepo: transactionRepo,
		UserRepo:        userRepo,
		PaymentService:  paymentService,
		Reconciler:      reconciler,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop outbox first (gracefully drain entries)
	if env.Outbox != nil {
		_ = env.Outbox.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func (env *TestEnvironment) createUser(t *testing.T, id int64, tier string) {
	ctx := context.Background()
	user := &repository.UserEntity{
		ID:               id,
		Email:            fmt.Sprintf("user-%d@athletiq.example", id),
		SubscriptionTier: tier,
	}
	err := env.DB.Write(ctx).Create(user).Error
	require.NoError(t, err)
}

func TestE2E_InitiationPersistsPendingTransaction(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.createUser(t, 1, model.TierFree)

	txn, err := env.PaymentService.Initiate(ctx, fixtures.NewStkPushRequest(1, "254712345678", 500))
	require.NoError(t, err)
	assert.NotZero(t, txn.ID)
	assert.Equal(t, "ws_CO_e2e_1", txn.CheckoutRequestID)
	assert.Equal(t, model.TransactionStatusPending, txn.Status)

	var saved repository.TransactionEntity
	err = env.DB.Read(ctx).Where("checkout_request_id = ?", "ws_CO_e2e_1").First(&saved).Error
	require.NoError(t, err)
	assert.Equal(t, "pending", saved.Status)
	assert.Equal(t, uint(500), saved.Amount)
	assert.Nil(t, saved.MpesaReceiptNumber)
}

func TestE2E_SuccessCallbackCompletesAndUpgrades(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.createUser(t, 2, model.TierFree)

	_, err := env.PaymentService.Initiate(ctx, fixtures.NewStkPushRequest(2, "254712345678", 500))
	require.NoError(t, err)

	err = env.Reconciler.ProcessCallback(ctx, fixtures.SuccessCallback("ws_CO_e2e_1", "QAX12BC34D", 500))
	require.NoError(t, err)

	var saved repository.TransactionEntity
	err = env.DB.Read(ctx).Where("checkout_request_id = ?", "ws_CO_e2e_1").First(&saved).Error
	require.NoError(t, err)
	assert.Equal(t, "completed", saved.Status)
	require.NotNil(t, saved.MpesaReceiptNumber)
	assert.Equal(t, "QAX12BC34D", *saved.MpesaReceiptNumber)
	assert.NotNil(t, saved.CompletedAt)

	user, err := env.UserRepo.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, user.SubscriptionTier)
}

func TestE2E_DuplicateCallbackIsIdempotent(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.createUser(t, 3, model.TierFree)

	_, err := env.PaymentService.Initiate(ctx, fixtures.NewStkPushRequest(3, "254712345678", 500))
	require.NoError(t, err)

	cb := fixtures.SuccessCallback("ws_CO_e2e_1", "QAX12BC34D", 500)
	require.NoError(t, env.Reconciler.ProcessCallback(ctx, cb))
	require.NoError(t, env.Reconciler.ProcessCallback(ctx, cb))

	// A late contradictory failure callback must not overwrite the
	// completed row either.
	failed := fixtures.FailureCallback("ws_CO_e2e_1", 1032, "Request cancelled by user")
	require.NoError(t, env.Reconciler.ProcessCallback(ctx, failed))

	var saved repository.TransactionEntity
	err = env.DB.Read(ctx).Where("checkout_request_id = ?", "ws_CO_e2e_1").First(&saved).Error
	require.NoError(t, err)
	assert.Equal(t, "completed", saved.Status)
	require.NotNil(t, saved.MpesaReceiptNumber)
	assert.Equal(t, "QAX12BC34D", *saved.MpesaReceiptNumber)

	user, err := env.UserRepo.GetByID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, user.SubscriptionTier)
}

func TestE2E_FailureCallbackMarksFailed(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.createUser(t, 4, model.TierFree)

	_, err := env.PaymentService.Initiate(ctx, fixtures.NewStkPushRequest(4, "254712345678", 500))
	require.NoError(t, err)

	err = env.Reconciler.ProcessCallback(ctx, fixtures.FailureCallback("ws_CO_e2e_1", 1, "The balance is insufficient for the transaction"))
	require.NoError(t, err)

	var saved repository.TransactionEntity
	err = env.DB.Read(ctx).Where("checkout_request_id = ?", "ws_CO_e2e_1").First(&saved).Error
	require.NoError(t, err)
	assert.Equal(t, "failed", saved.Status)
	require.NotNil(t, saved.ErrorMessage)
	assert.Equal(t, "The balance is insufficient for the transaction", *saved.ErrorMessage)

	user, err := env.UserRepo.GetByID(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, user.SubscriptionTier)
}

func TestE2E_UnknownCallbackIsAcknowledged(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	err := env.Reconciler.ProcessCallback(ctx, fixtures.SuccessCallback("ws_CO_never_pushed", "QAX99ZZ88Y", 500))
	require.NoError(t, err)

	stats, err := env.Outbox.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestE2E_OutboxReplaySettlesDeferredOutcome(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.createUser(t, 5, model.TierFree)

	_, err := env.PaymentService.Initiate(ctx, fixtures.NewStkPushRequest(5, "254712345678", 500))
	require.NoError(t, err)

	outcome := model.PaymentOutcome{
		CheckoutRequestID: "ws_CO_e2e_1",
		Success:           true,
		ReceiptNumber:     "QAX12BC34D",
		CompletedAt:       time.Now(),
	}
	_, err = env.Outbox.PublishJSON(ctx, outcome)
	require.NoError(t, err)

	applied := make(chan bool, 1)
	handler := func(ctx context.Context, entry *outbox.Entry) error {
		var o model.PaymentOutcome
		if err := json.Unmarshal(entry.Data, &o); err != nil {
			return err
		}
		if err := env.Reconciler.ApplyOutcome(ctx, o); err != nil {
			return err
		}
		applied <- true
		return nil
	}

	require.NoError(t, env.Outbox.Consume(handler))

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("outcome not replayed within timeout")
	}

	var saved repository.TransactionEntity
	err = env.DB.Read(ctx).Where("checkout_request_id = ?", "ws_CO_e2e_1").First(&saved).Error
	require.NoError(t, err)
	assert.Equal(t, "completed", saved.Status)

	user, err := env.UserRepo.GetByID(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, user.SubscriptionTier)
}
