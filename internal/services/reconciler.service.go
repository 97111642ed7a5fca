package services

import (
	"context"
	"errors"
	"time"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/repository"
	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/athletiq/payment-gateway/pkg/prom"
)

var (
	// ErrMalformedCallback means the payload failed structural validation.
	// The only callback error ever surfaced to the gateway.
	ErrMalformedCallback = errors.New("malformed callback payload")
)

const processedMarkerTTL = 24 * time.Hour

type ReconcilerTransactionRepository interface {
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error)
	CompleteIfPending(ctx context.Context, checkoutRequestID, receiptNumber string, completedAt time.Time) (*model.Transaction, bool, error)
	FailIfPending(ctx context.Context, checkoutRequestID, errorMessage string) (*model.Transaction, bool, error)
}

type UserRepository interface {
	UpdateSubscriptionTier(ctx context.Context, userID int64, tier string) error
}

// ProcessedMarker is the short-circuit dedup store for callback redelivery.
// The conditional update in the transaction repository is the authoritative
// guard; the marker just spares redeliveries a database round trip.
type ProcessedMarker interface {
	Exist(key string) (int64, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// OutcomePublisher buffers outcomes the store could not record, for
// out-of-band retry.
type OutcomePublisher interface {
	PublishJSON(ctx context.Context, v interface{}) (string, error)
}

// Reconciler applies gateway callbacks to locally held transaction state.
// Safe under duplicate and out-of-order delivery: every mutation is a
// conditional pending-only update, and the entitlement side effect fires only
// when this process wins the pending->completed transition.
type Reconciler struct {
	transactionRepo ReconcilerTransactionRepository
	userRepo        UserRepository
	marker          ProcessedMarker  // optional
	outbox          OutcomePublisher // optional
}

func NewReconciler(transactionRepo ReconcilerTransactionRepository, userRepo UserRepository, marker ProcessedMarker, outbox OutcomePublisher) *Reconciler {
	return &Reconciler{
		transactionRepo: transactionRepo,
		userRepo:        userRepo,
		marker:          marker,
		outbox:          outbox,
	}
}

// ProcessCallback reconciles one stkCallback. Any non-nil error is
// ErrMalformedCallback; every other condition is absorbed so the caller can
// acknowledge the gateway and stop redelivery.
func (r *Reconciler) ProcessCallback(ctx context.Context, cb *model.StkCallback) error {
	if err := cb.Validate(); err != nil {
		prom.IncCallbackProcessed("malformed")
		return ErrMalformedCallback
	}

	if r.alreadyProcessed(cb.CheckoutRequestID) {
		prom.IncCallbackProcessed("duplicate")
		logger.Info("callback already processed, skipping", "checkout_request_id", cb.CheckoutRequestID)
		return nil
	}

	if cb.ResultCode == 0 {
		return r.applySuccess(ctx, cb)
	}
	return r.applyFailure(ctx, cb)
}

func (r *Reconciler) applySuccess(ctx context.Context, cb *model.StkCallback) error {
	receipt, ok := cb.CallbackMetadata.String("MpesaReceiptNumber")
	if !ok || receipt == "" {
		prom.IncCallbackProcessed("malformed")
		logger.Warn("success callback without receipt number", "checkout_request_id", cb.CheckoutRequestID)
		return ErrMalformedCallback
	}

	if amount, ok := cb.CallbackMetadata.Amount("Amount"); ok {
		logger.Debug("callback metadata", "checkout_request_id", cb.CheckoutRequestID, "amount", amount)
	}

	outcome := model.PaymentOutcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		Success:           true,
		ReceiptNumber:     receipt,
		CompletedAt:       time.Now().UTC(),
	}

	txn, applied, err := r.transactionRepo.CompleteIfPending(ctx, outcome.CheckoutRequestID, outcome.ReceiptNumber, outcome.CompletedAt)
	if err != nil {
		r.absorbStoreFailure(ctx, outcome, err)
		return nil
	}

	if !applied {
		// Terminal already: duplicate delivery, or a concurrent delivery won.
		prom.IncCallbackProcessed("duplicate")
		r.markProcessed(cb.CheckoutRequestID)
		logger.Info("transaction already terminal, callback ignored",
			"checkout_request_id", cb.CheckoutRequestID,
			"status", txn.Status)
		return nil
	}

	prom.IncCallbackProcessed("completed")
	prom.ObserveCompletionDuration(outcome.CompletedAt.Sub(txn.CreatedAt).Seconds(), txn.PackageType)
	logger.Info("payment completed",
		"checkout_request_id", cb.CheckoutRequestID,
		"receipt", receipt,
		"user_id", txn.UserID,
		"amount", txn.Amount)

	r.upgradeEntitlement(ctx, txn, outcome)
	r.markProcessed(cb.CheckoutRequestID)
	return nil
}

func (r *Reconciler) applyFailure(ctx context.Context, cb *model.StkCallback) error {
	outcome := model.PaymentOutcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		Success:           false,
		ResultDesc:        cb.ResultDesc,
	}

	txn, applied, err := r.transactionRepo.FailIfPending(ctx, outcome.CheckoutRequestID, outcome.ResultDesc)
	if err != nil {
		r.absorbStoreFailure(ctx, outcome, err)
		return nil
	}

	if !applied {
		prom.IncCallbackProcessed("duplicate")
		r.markProcessed(cb.CheckoutRequestID)
		logger.Info("transaction already terminal, callback ignored",
			"checkout_request_id", cb.CheckoutRequestID,
			"status", txn.Status)
		return nil
	}

	prom.IncCallbackProcessed("failed")
	logger.Info("payment failed",
		"checkout_request_id", cb.CheckoutRequestID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc)

	r.markProcessed(cb.CheckoutRequestID)
	return nil
}

// ApplyOutcome re-applies a buffered outcome from the outbox. Unlike the
// callback path it returns persistence errors, so the outbox keeps the entry
// pending for another attempt.
func (r *Reconciler) ApplyOutcome(ctx context.Context, outcome model.PaymentOutcome) error {
	if outcome.Success {
		txn, applied, err := r.transactionRepo.CompleteIfPending(ctx, outcome.CheckoutRequestID, outcome.ReceiptNumber, outcome.CompletedAt)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				logger.Warn("outbox outcome for unknown transaction, dropping", "checkout_request_id", outcome.CheckoutRequestID)
				return nil
			}
			return err
		}
		if applied {
			logger.Info("payment completed via outbox retry", "checkout_request_id", outcome.CheckoutRequestID)
		}
		if txn.Status != model.TransactionStatusCompleted {
			// A failure callback won the transition; nothing to grant.
			return nil
		}
		// Re-applying the tier is idempotent, so a retry after a partial
		// failure (completed but not upgraded) converges here.
		return r.userRepo.UpdateSubscriptionTier(ctx, txn.UserID, paidTier(txn.PackageType))
	}

	_, _, err := r.transactionRepo.FailIfPending(ctx, outcome.CheckoutRequestID, outcome.ResultDesc)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		logger.Warn("outbox outcome for unknown transaction, dropping", "checkout_request_id", outcome.CheckoutRequestID)
		return nil
	}
	return err
}

// upgradeEntitlement fires at most once per transaction, gated by the caller
// winning the pending->completed transition.
func (r *Reconciler) upgradeEntitlement(ctx context.Context, txn *model.Transaction, outcome model.PaymentOutcome) {
	tier := paidTier(txn.PackageType)
	if err := r.userRepo.UpdateSubscriptionTier(ctx, txn.UserID, tier); err != nil {
		logger.Error("failed to upgrade subscription", "user_id", txn.UserID, "tier", tier, "error", err)
		r.publishOutcome(ctx, outcome)
		return
	}
	logger.Info("subscription upgraded", "user_id", txn.UserID, "tier", tier)
}

// absorbStoreFailure keeps the gateway contract intact when the store is
// down: the callback still gets its acknowledgment, and the outcome goes to
// the outbox instead of being lost.
func (r *Reconciler) absorbStoreFailure(ctx context.Context, outcome model.PaymentOutcome, err error) {
	if errors.Is(err, repository.ErrTransactionNotFound) {
		// An identifier this system never issued or already purged. Ack so
		// the gateway stops retrying; keep a trace for investigation.
		prom.IncCallbackProcessed("unknown")
		logger.Warn("callback for unknown transaction", "checkout_request_id", outcome.CheckoutRequestID)
		return
	}

	prom.IncCallbackProcessed("deferred")
	logger.Error("store write failed during reconciliation", "checkout_request_id", outcome.CheckoutRequestID, "error", err)
	r.publishOutcome(ctx, outcome)
}

func (r *Reconciler) publishOutcome(ctx context.Context, outcome model.PaymentOutcome) {
	if r.outbox == nil {
		return
	}
	if _, err := r.outbox.PublishJSON(ctx, outcome); err != nil {
		logger.Error("failed to buffer outcome for retry", "checkout_request_id", outcome.CheckoutRequestID, "error", err)
	}
}

func (r *Reconciler) alreadyProcessed(checkoutRequestID string) bool {
	if r.marker == nil {
		return false
	}
	exists, err := r.marker.Exist(processedKey(checkoutRequestID))
	if err != nil {
		// Marker is an optimization; fall through to the database guard.
		return false
	}
	return exists > 0
}

func (r *Reconciler) markProcessed(checkoutRequestID string) {
	if r.marker == nil {
		return
	}
	if err := r.marker.Set(processedKey(checkoutRequestID), []byte("1"), processedMarkerTTL); err != nil {
		logger.Warn("failed to set processed marker", "checkout_request_id", checkoutRequestID, "error", err)
	}
}

func processedKey(checkoutRequestID string) string {
	return "callback:processed:" + checkoutRequestID
}

func paidTier(packageType string) string {
	if packageType == "" {
		return model.DefaultPaidTier
	}
	return packageType
}
