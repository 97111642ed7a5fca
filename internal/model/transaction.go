package model

import (
	"errors"
	"regexp"
	"time"
)

// TransactionStatus is the lifecycle state of a payment attempt.
// pending is the only non-terminal state; completed and failed are final.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

type Transaction struct {
	ID                 int64             `json:"id"`
	UserID             int64             `json:"user_id"`
	Amount             uint              `json:"amount"`
	PhoneNumber        string            `json:"phone_number"`
	CheckoutRequestID  string            `json:"checkout_request_id"`
	MerchantRequestID  string            `json:"merchant_request_id"`
	MpesaReceiptNumber *string           `json:"mpesa_receipt_number,omitempty"`
	Status             TransactionStatus `json:"status"`
	PackageType        string            `json:"package_type"`
	ErrorMessage       *string           `json:"error_message,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// subscriberPattern is Daraja's MSISDN format: country code 254 followed by
// the nine-digit subscriber number, no plus sign.
var subscriberPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// StkPushRequest is the input for initiating a push payment.
type StkPushRequest struct {
	UserID      int64
	PhoneNumber string
	Amount      uint
	PackageType string
}

func (p StkPushRequest) Validate() error {
	if p.UserID == 0 {
		return errors.New("user_id is required")
	}
	if p.PhoneNumber == "" {
		return errors.New("phone_number is required")
	}
	if !subscriberPattern.MatchString(p.PhoneNumber) {
		return errors.New("phone_number must match 254XXXXXXXXX")
	}
	if p.Amount == 0 {
		return errors.New("amount must be a positive value")
	}
	return nil
}

// TransactionFilter controls List queries.
type TransactionFilter struct {
	UserID   *int64
	Statuses []TransactionStatus
	From     *time.Time
	To       *time.Time
	Limit    int // default 50
	Offset   int
	Desc     bool // order by created_at
}
