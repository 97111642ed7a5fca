package fixtures

import (
	"encoding/json"
	"time"

	"github.com/athletiq/payment-gateway/internal/model"
)

var (
	TestUserFree = model.User{
		ID:               1,
		Email:            "free@athletiq.example",
		SubscriptionTier: model.TierFree,
	}

	TestUserPro = model.User{
		ID:               2,
		Email:            "pro@athletiq.example",
		SubscriptionTier: model.TierPro,
	}

	TestUserElite = model.User{
		ID:               3,
		Email:            "elite@athletiq.example",
		SubscriptionTier: model.TierElite,
	}
)

func NewTestTransaction(userID int64, amount uint, checkoutRequestID string, status model.TransactionStatus) *model.Transaction {
	return &model.Transaction{
		UserID:            userID,
		Amount:            amount,
		PhoneNumber:       "254712345678",
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: "29115-34620561-1",
		Status:            status,
		PackageType:       model.TierPro,
		CreatedAt:         time.Now(),
	}
}

func NewStkPushRequest(userID int64, phoneNumber string, amount uint) model.StkPushRequest {
	return model.StkPushRequest{
		UserID:      userID,
		PhoneNumber: phoneNumber,
		Amount:      amount,
		PackageType: model.TierPro,
	}
}

func SuccessCallback(checkoutRequestID, receipt string, amount float64) *model.StkCallback {
	amountJSON, _ := json.Marshal(amount)
	return &model.StkCallback{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &model.CallbackMetadata{
			Item: []model.CallbackItem{
				{Name: "Amount", Value: amountJSON},
				{Name: "MpesaReceiptNumber", Value: json.RawMessage(`"` + receipt + `"`)},
				{Name: "TransactionDate", Value: json.RawMessage(`20260828143000`)},
				{Name: "PhoneNumber", Value: json.RawMessage(`254712345678`)},
			},
		},
	}
}

func FailureCallback(checkoutRequestID string, resultCode int, resultDesc string) *model.StkCallback {
	return &model.StkCallback{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resultDesc,
	}
}

var (
	ValidPhoneNumbers = []string{
		"254712345678",
		"254101234567",
		"254798765432",
		"254110000001",
	}

	InvalidPhoneNumbers = []string{
		"",
		"0712345678",
		"+254712345678",
		"25471234567",
		"2547123456789",
		"254912345678",
	}
)

func TransactionFilterByUser(userID int64) model.TransactionFilter {
	return model.TransactionFilter{
		UserID: &userID,
		Limit:  50,
		Offset: 0,
		Desc:   true,
	}
}

func TransactionFilterWithPagination(userID int64, limit, offset int) model.TransactionFilter {
	return model.TransactionFilter{
		UserID: &userID,
		Limit:  limit,
		Offset: offset,
		Desc:   true,
	}
}
