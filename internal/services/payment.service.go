package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gateway "github.com/athletiq/payment-gateway/internal/gateways"
	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/athletiq/payment-gateway/pkg/prom"
)

var (
	// ErrPaymentInitiation covers every pre-acceptance failure: credential,
	// network, or gateway rejection. No transaction row exists in this case.
	ErrPaymentInitiation = errors.New("payment initiation failed")

	// ErrInvalidRequest marks caller mistakes; its detail is safe to
	// surface to the end user.
	ErrInvalidRequest = errors.New("invalid payment request")
)

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
}

type DarajaClient interface {
	StkPush(ctx context.Context, params *gateway.StkPushParams) (*gateway.StkPushResponse, error)
}

type PaymentService struct {
	gateway         DarajaClient
	transactionRepo TransactionRepository
}

func NewPaymentService(gw DarajaClient, transactionRepo TransactionRepository) *PaymentService {
	return &PaymentService{
		gateway:         gw,
		transactionRepo: transactionRepo,
	}
}

// Initiate validates the request, pushes it to the gateway, and persists a
// pending transaction keyed by the gateway-issued correlation identifiers.
// The transaction stays pending until the asynchronous callback resolves it;
// this call never confirms payment.
func (s *PaymentService) Initiate(ctx context.Context, p model.StkPushRequest) (*model.Transaction, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	packageType := p.PackageType
	if packageType == "" {
		packageType = model.DefaultPaidTier
	}

	resp, err := s.gateway.StkPush(ctx, &gateway.StkPushParams{
		PhoneNumber:      p.PhoneNumber,
		Amount:           p.Amount,
		AccountReference: "SUB_" + strconv.FormatInt(p.UserID, 10),
		Description:      "Subscription payment for " + packageType,
	})
	if err != nil {
		prom.IncStkInitiated("rejected")
		logger.Warn("STK push not accepted", "user_id", p.UserID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentInitiation, err)
	}

	txn := &model.Transaction{
		UserID:            p.UserID,
		Amount:            p.Amount,
		PhoneNumber:       p.PhoneNumber,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Status:            model.TransactionStatusPending,
		PackageType:       packageType,
	}

	created, err := s.transactionRepo.Create(ctx, txn)
	if err != nil {
		// The gateway accepted the push but we have no local record of it.
		// The callback for this checkout id will land as not-found and be
		// acknowledged without effect.
		logger.Error("failed to persist pending transaction", "checkout_request_id", resp.CheckoutRequestID, "user_id", p.UserID, "error", err)
		return nil, fmt.Errorf("persist pending transaction: %w", err)
	}

	prom.IncStkInitiated("accepted")
	logger.Info("transaction created",
		"transaction_id", created.ID,
		"user_id", created.UserID,
		"checkout_request_id", created.CheckoutRequestID,
		"amount", created.Amount)

	return created, nil
}

// List returns the user's payment history, newest first by default.
func (s *PaymentService) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.List(ctx, f)
}
