package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReconcilerTransactionRepository struct {
	mock.Mock
}

func (m *MockReconcilerTransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockReconcilerTransactionRepository) CompleteIfPending(ctx context.Context, checkoutRequestID, receiptNumber string, completedAt time.Time) (*model.Transaction, bool, error) {
	args := m.Called(ctx, checkoutRequestID, receiptNumber, completedAt)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Transaction), args.Bool(1), args.Error(2)
}

func (m *MockReconcilerTransactionRepository) FailIfPending(ctx context.Context, checkoutRequestID, errorMessage string) (*model.Transaction, bool, error) {
	args := m.Called(ctx, checkoutRequestID, errorMessage)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Transaction), args.Bool(1), args.Error(2)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) UpdateSubscriptionTier(ctx context.Context, userID int64, tier string) error {
	args := m.Called(ctx, userID, tier)
	return args.Error(0)
}

type MockOutcomePublisher struct {
	mock.Mock
}

func (m *MockOutcomePublisher) PublishJSON(ctx context.Context, v interface{}) (string, error) {
	args := m.Called(ctx, v)
	return args.String(0), args.Error(1)
}

func successCallback(checkoutRequestID, receipt string) *model.StkCallback {
	return &model.StkCallback{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &model.CallbackMetadata{
			Item: []model.CallbackItem{
				{Name: "Amount", Value: json.RawMessage(`500.0`)},
				{Name: "MpesaReceiptNumber", Value: json.RawMessage(`"` + receipt + `"`)},
				{Name: "TransactionDate", Value: json.RawMessage(`20260828143000`)},
				{Name: "PhoneNumber", Value: json.RawMessage(`254712345678`)},
			},
		},
	}
}

func TestReconciler_ProcessCallback_Success(t *testing.T) {
	ctx := context.Background()

	t.Run("completes pending transaction and upgrades subscription", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := successCallback("ws_CO_1", "QAX1")

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
			Return(&model.Transaction{
				ID:          1,
				UserID:      42,
				Amount:      500,
				Status:      model.TransactionStatusCompleted,
				PackageType: "pro",
				CreatedAt:   time.Now().Add(-30 * time.Second),
			}, true, nil)
		userRepo.On("UpdateSubscriptionTier", ctx, int64(42), "pro").Return(nil)

		err := reconciler.ProcessCallback(ctx, cb)
		require.NoError(t, err)

		txnRepo.AssertExpectations(t)
		userRepo.AssertExpectations(t)
	})

	t.Run("duplicate delivery does not upgrade twice", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := successCallback("ws_CO_1", "QAX1")

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
			Return(&model.Transaction{
				ID:     1,
				UserID: 42,
				Status: model.TransactionStatusCompleted,
			}, false, nil)

		err := reconciler.ProcessCallback(ctx, cb)
		require.NoError(t, err)

		userRepo.AssertNotCalled(t, "UpdateSubscriptionTier")
	})

	t.Run("empty package type falls back to default paid tier", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := successCallback("ws_CO_1", "QAX1")

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
			Return(&model.Transaction{ID: 1, UserID: 42, Status: model.TransactionStatusCompleted}, true, nil)
		userRepo.On("UpdateSubscriptionTier", ctx, int64(42), model.DefaultPaidTier).Return(nil)

		err := reconciler.ProcessCallback(ctx, cb)
		require.NoError(t, err)
		userRepo.AssertExpectations(t)
	})

	t.Run("success without receipt number is malformed", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := &model.StkCallback{
			CheckoutRequestID: "ws_CO_1",
			ResultCode:        0,
			CallbackMetadata: &model.CallbackMetadata{
				Item: []model.CallbackItem{
					{Name: "Amount", Value: json.RawMessage(`500.0`)},
				},
			},
		}

		err := reconciler.ProcessCallback(ctx, cb)
		assert.ErrorIs(t, err, ErrMalformedCallback)
		txnRepo.AssertNotCalled(t, "CompleteIfPending")
	})
}

func TestReconciler_ProcessCallback_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("marks pending transaction failed with gateway description", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := &model.StkCallback{
			CheckoutRequestID: "ws_CO_1",
			ResultCode:        1,
			ResultDesc:        "Insufficient funds",
		}

		txnRepo.On("FailIfPending", ctx, "ws_CO_1", "Insufficient funds").
			Return(&model.Transaction{ID: 1, UserID: 42, Status: model.TransactionStatusFailed}, true, nil)

		err := reconciler.ProcessCallback(ctx, cb)
		require.NoError(t, err)

		userRepo.AssertNotCalled(t, "UpdateSubscriptionTier")
		txnRepo.AssertExpectations(t)
	})

	t.Run("failure after completion is a no-op", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		cb := &model.StkCallback{
			CheckoutRequestID: "ws_CO_1",
			ResultCode:        1032,
			ResultDesc:        "Request cancelled by user",
		}

		txnRepo.On("FailIfPending", ctx, "ws_CO_1", "Request cancelled by user").
			Return(&model.Transaction{ID: 1, Status: model.TransactionStatusCompleted}, false, nil)

		err := reconciler.ProcessCallback(ctx, cb)
		require.NoError(t, err)
	})
}

func TestReconciler_ProcessCallback_Malformed(t *testing.T) {
	ctx := context.Background()

	txnRepo := new(MockReconcilerTransactionRepository)
	userRepo := new(MockUserRepository)
	reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

	t.Run("nil callback", func(t *testing.T) {
		err := reconciler.ProcessCallback(ctx, nil)
		assert.ErrorIs(t, err, ErrMalformedCallback)
	})

	t.Run("missing checkout request id", func(t *testing.T) {
		err := reconciler.ProcessCallback(ctx, &model.StkCallback{ResultCode: 0})
		assert.ErrorIs(t, err, ErrMalformedCallback)
	})

	txnRepo.AssertNotCalled(t, "CompleteIfPending")
	txnRepo.AssertNotCalled(t, "FailIfPending")
}

func TestReconciler_ProcessCallback_UnknownTransaction(t *testing.T) {
	ctx := context.Background()

	txnRepo := new(MockReconcilerTransactionRepository)
	userRepo := new(MockUserRepository)
	outbox := new(MockOutcomePublisher)
	reconciler := NewReconciler(txnRepo, userRepo, nil, outbox)

	cb := successCallback("ws_CO_unknown", "QAX1")

	txnRepo.On("CompleteIfPending", ctx, "ws_CO_unknown", "QAX1", mock.AnythingOfType("time.Time")).
		Return(nil, false, repository.ErrTransactionNotFound)

	// Unknown ids are acknowledged without retry.
	err := reconciler.ProcessCallback(ctx, cb)
	require.NoError(t, err)
	outbox.AssertNotCalled(t, "PublishJSON")
}

func TestReconciler_ProcessCallback_StoreFailureBuffersOutcome(t *testing.T) {
	ctx := context.Background()

	txnRepo := new(MockReconcilerTransactionRepository)
	userRepo := new(MockUserRepository)
	outbox := new(MockOutcomePublisher)
	reconciler := NewReconciler(txnRepo, userRepo, nil, outbox)

	cb := successCallback("ws_CO_1", "QAX1")

	txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
		Return(nil, false, errors.New("connection refused"))
	outbox.On("PublishJSON", ctx, mock.MatchedBy(func(v interface{}) bool {
		outcome, ok := v.(model.PaymentOutcome)
		return ok && outcome.CheckoutRequestID == "ws_CO_1" && outcome.Success && outcome.ReceiptNumber == "QAX1"
	})).Return("entry-1", nil)

	err := reconciler.ProcessCallback(ctx, cb)
	require.NoError(t, err)

	outbox.AssertExpectations(t)
}

func TestReconciler_ProcessCallback_EntitlementFailureBuffersOutcome(t *testing.T) {
	ctx := context.Background()

	txnRepo := new(MockReconcilerTransactionRepository)
	userRepo := new(MockUserRepository)
	outbox := new(MockOutcomePublisher)
	reconciler := NewReconciler(txnRepo, userRepo, nil, outbox)

	cb := successCallback("ws_CO_1", "QAX1")

	txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
		Return(&model.Transaction{ID: 1, UserID: 42, PackageType: "elite", Status: model.TransactionStatusCompleted}, true, nil)
	userRepo.On("UpdateSubscriptionTier", ctx, int64(42), "elite").Return(errors.New("connection refused"))
	outbox.On("PublishJSON", ctx, mock.Anything).Return("entry-1", nil)

	err := reconciler.ProcessCallback(ctx, cb)
	require.NoError(t, err)

	outbox.AssertExpectations(t)
}

type stubMarker struct {
	existing map[string]bool
	set      []string
}

func (s *stubMarker) Exist(key string) (int64, error) {
	if s.existing[key] {
		return 1, nil
	}
	return 0, nil
}

func (s *stubMarker) Set(key string, value []byte, ttl time.Duration) error {
	s.set = append(s.set, key)
	return nil
}

func TestReconciler_ProcessCallback_ProcessedMarker(t *testing.T) {
	ctx := context.Background()

	t.Run("marker short-circuits redelivery", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		marker := &stubMarker{existing: map[string]bool{"callback:processed:ws_CO_1": true}}
		reconciler := NewReconciler(txnRepo, userRepo, marker, nil)

		err := reconciler.ProcessCallback(ctx, successCallback("ws_CO_1", "QAX1"))
		require.NoError(t, err)
		txnRepo.AssertNotCalled(t, "CompleteIfPending")
	})

	t.Run("marker set after completion", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		marker := &stubMarker{existing: map[string]bool{}}
		reconciler := NewReconciler(txnRepo, userRepo, marker, nil)

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", mock.AnythingOfType("time.Time")).
			Return(&model.Transaction{ID: 1, UserID: 42, Status: model.TransactionStatusCompleted}, true, nil)
		userRepo.On("UpdateSubscriptionTier", ctx, int64(42), model.DefaultPaidTier).Return(nil)

		err := reconciler.ProcessCallback(ctx, successCallback("ws_CO_1", "QAX1"))
		require.NoError(t, err)
		assert.Contains(t, marker.set, "callback:processed:ws_CO_1")
	})
}

func TestReconciler_ApplyOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("reapplies buffered success", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		completedAt := time.Now().UTC()
		outcome := model.PaymentOutcome{
			CheckoutRequestID: "ws_CO_1",
			Success:           true,
			ReceiptNumber:     "QAX1",
			CompletedAt:       completedAt,
		}

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", completedAt).
			Return(&model.Transaction{ID: 1, UserID: 42, PackageType: "pro", Status: model.TransactionStatusCompleted}, true, nil)
		userRepo.On("UpdateSubscriptionTier", ctx, int64(42), "pro").Return(nil)

		err := reconciler.ApplyOutcome(ctx, outcome)
		require.NoError(t, err)
		userRepo.AssertExpectations(t)
	})

	t.Run("no upgrade when a failure already won", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		outcome := model.PaymentOutcome{
			CheckoutRequestID: "ws_CO_1",
			Success:           true,
			ReceiptNumber:     "QAX1",
			CompletedAt:       time.Now().UTC(),
		}

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", outcome.CompletedAt).
			Return(&model.Transaction{ID: 1, UserID: 42, PackageType: "pro", Status: model.TransactionStatusFailed}, false, nil)

		err := reconciler.ApplyOutcome(ctx, outcome)
		require.NoError(t, err)
		userRepo.AssertNotCalled(t, "UpdateSubscriptionTier", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("returns persistence errors for retry", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		outcome := model.PaymentOutcome{
			CheckoutRequestID: "ws_CO_1",
			Success:           true,
			ReceiptNumber:     "QAX1",
			CompletedAt:       time.Now().UTC(),
		}

		txnRepo.On("CompleteIfPending", ctx, "ws_CO_1", "QAX1", outcome.CompletedAt).
			Return(nil, false, errors.New("connection refused"))

		err := reconciler.ApplyOutcome(ctx, outcome)
		assert.Error(t, err)
	})

	t.Run("drops outcome for unknown transaction", func(t *testing.T) {
		txnRepo := new(MockReconcilerTransactionRepository)
		userRepo := new(MockUserRepository)
		reconciler := NewReconciler(txnRepo, userRepo, nil, nil)

		outcome := model.PaymentOutcome{
			CheckoutRequestID: "ws_CO_gone",
			Success:           false,
			ResultDesc:        "Insufficient funds",
		}

		txnRepo.On("FailIfPending", ctx, "ws_CO_gone", "Insufficient funds").
			Return(nil, false, repository.ErrTransactionNotFound)

		err := reconciler.ApplyOutcome(ctx, outcome)
		require.NoError(t, err)
	})
}
