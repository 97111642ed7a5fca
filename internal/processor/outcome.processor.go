package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/outbox"
	"github.com/athletiq/payment-gateway/pkg/logger"
)

// OutcomeApplier settles a buffered payment outcome against the store.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, outcome model.PaymentOutcome) error
}

type PaymentOutcomeProcessor struct {
	applier     OutcomeApplier
	idempotency *IdempotencyService
}

func NewPaymentOutcomeProcessor(applier OutcomeApplier, idempotency *IdempotencyService) *PaymentOutcomeProcessor {
	return &PaymentOutcomeProcessor{
		applier:     applier,
		idempotency: idempotency,
	}
}

func (p *PaymentOutcomeProcessor) GetType() string {
	return "payment_outcome"
}

// Process re-applies one buffered outcome. The store-level conditional
// update makes re-application safe, so the idempotency lock only prevents
// wasted concurrent work across consumer instances.
func (p *PaymentOutcomeProcessor) Process(ctx context.Context, entry *outbox.Entry) error {
	var outcome model.PaymentOutcome
	if err := json.Unmarshal(entry.Data, &outcome); err != nil {
		logger.Error("Failed to unmarshal outcome entry", "entry_id", entry.ID, "error", err)
		return err // Return error to trigger DLQ move
	}
	if outcome.CheckoutRequestID == "" {
		logger.Error("Outcome entry without checkout request id", "entry_id", entry.ID)
		return errors.New("outcome entry missing checkout request id")
	}

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, outcome.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// Outcome already settled - ACK to remove from outbox
			logger.Info("Outcome already applied, skipping", "checkout_request_id", outcome.CheckoutRequestID)
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			// Store kept failing across attempts - ACK so the entry moves to
			// the dead-letter stream for manual reconciliation.
			logger.Error("Max retries exceeded for outcome", "checkout_request_id", outcome.CheckoutRequestID)
			return nil
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			// Another consumer is applying this outcome - NACK to retry later
			logger.Info("Lock held by another consumer, will retry", "checkout_request_id", outcome.CheckoutRequestID)
			return errors.New("lock held by another consumer")
		}
		// Unexpected error - NACK to retry
		logger.Error("Failed to acquire lock", "checkout_request_id", outcome.CheckoutRequestID, "error", err)
		return err
	}

	// Ensure lock is released on exit (if not already marked success/failure)
	defer func() {
		if procCtx.lockAcquired {
			p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	logger.Info("Applying buffered outcome",
		"checkout_request_id", outcome.CheckoutRequestID,
		"success", outcome.Success,
		"retry_count", procCtx.RetryCount,
		"is_retry", procCtx.IsRetry)

	if err := p.applier.ApplyOutcome(ctx, outcome); err != nil {
		logger.Error("Failed to apply outcome", "checkout_request_id", outcome.CheckoutRequestID, "error", err)
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "checkout_request_id", outcome.CheckoutRequestID, "error", markErr)
		}
		return err // NACK to retry from outbox
	}

	logger.Info("Outcome applied",
		"checkout_request_id", outcome.CheckoutRequestID,
		"receipt", outcome.ReceiptNumber,
		"retry_count", procCtx.RetryCount)

	if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
		logger.Error("Failed to mark success", "checkout_request_id", outcome.CheckoutRequestID, "error", markErr)
		// Continue - the outcome was applied
	}

	return nil // ACK entry
}
