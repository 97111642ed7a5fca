package repository

import (
	"time"

	"github.com/athletiq/payment-gateway/internal/model"
)

type TransactionEntity struct {
	ID                 int64      `db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	UserID             int64      `db:"user_id"              gorm:"column:user_id;not null;index"`
	Amount             uint       `db:"amount"               gorm:"column:amount;not null"`
	PhoneNumber        string     `db:"phone_number"         gorm:"column:phone_number;not null"`
	CheckoutRequestID  string     `db:"checkout_request_id"  gorm:"column:checkout_request_id;not null;uniqueIndex"`
	MerchantRequestID  string     `db:"merchant_request_id"  gorm:"column:merchant_request_id;not null"`
	MpesaReceiptNumber *string    `db:"mpesa_receipt_number" gorm:"column:mpesa_receipt_number"`
	Status             string     `db:"status"               gorm:"column:status;not null;index;default:pending"`
	PackageType        string     `db:"package_type"         gorm:"column:package_type;not null"`
	ErrorMessage       *string    `db:"error_message"        gorm:"column:error_message"`
	CreatedAt          time.Time  `db:"created_at"           gorm:"column:created_at;autoCreateTime"`
	CompletedAt        *time.Time `db:"completed_at"         gorm:"column:completed_at"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:                 m.ID,
		UserID:             m.UserID,
		Amount:             m.Amount,
		PhoneNumber:        m.PhoneNumber,
		CheckoutRequestID:  m.CheckoutRequestID,
		MerchantRequestID:  m.MerchantRequestID,
		MpesaReceiptNumber: m.MpesaReceiptNumber,
		Status:             string(m.Status),
		PackageType:        m.PackageType,
		ErrorMessage:       m.ErrorMessage,
		CreatedAt:          m.CreatedAt,
		CompletedAt:        m.CompletedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:                 e.ID,
		UserID:             e.UserID,
		Amount:             e.Amount,
		PhoneNumber:        e.PhoneNumber,
		CheckoutRequestID:  e.CheckoutRequestID,
		MerchantRequestID:  e.MerchantRequestID,
		MpesaReceiptNumber: e.MpesaReceiptNumber,
		Status:             model.TransactionStatus(e.Status),
		PackageType:        e.PackageType,
		ErrorMessage:       e.ErrorMessage,
		CreatedAt:          e.CreatedAt,
		CompletedAt:        e.CompletedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
