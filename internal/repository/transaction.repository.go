package repository

import (
	"context"
	"errors"
	"time"

	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrTransactionNotFound is returned when no transaction matches the
	// given correlation identifier.
	ErrTransactionNotFound = errors.New("transaction not found")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)
	if entity.Status == "" {
		entity.Status = string(model.TransactionStatusPending)
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// CompleteIfPending moves a pending transaction to completed, recording the
// gateway receipt and completion time. The status guard lives in the WHERE
// clause so two concurrent callback deliveries cannot both win: the loser
// matches zero rows and gets applied=false.
func (r *TransactionRepository) CompleteIfPending(ctx context.Context, checkoutRequestID, receiptNumber string, completedAt time.Time) (*model.Transaction, bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, string(model.TransactionStatusPending)).
		Updates(map[string]interface{}{
			"status":               string(model.TransactionStatusCompleted),
			"mpesa_receipt_number": receiptNumber,
			"completed_at":         completedAt,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		txn, err := r.GetByCheckoutRequestID(ctx, checkoutRequestID)
		if err != nil {
			return nil, false, err
		}
		return txn, false, nil
	}

	txn, err := r.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

// FailIfPending moves a pending transaction to failed with the provider's
// result description. Same conditional-update discipline as CompleteIfPending.
func (r *TransactionRepository) FailIfPending(ctx context.Context, checkoutRequestID, errorMessage string) (*model.Transaction, bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, string(model.TransactionStatusPending)).
		Updates(map[string]interface{}{
			"status":        string(model.TransactionStatusFailed),
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		txn, err := r.GetByCheckoutRequestID(ctx, checkoutRequestID)
		if err != nil {
			return nil, false, err
		}
		return txn, false, nil
	}

	txn, err := r.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}
