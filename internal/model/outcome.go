package model

import "time"

// PaymentOutcome is the durable form of a callback result. The reconciler
// publishes one to the outbox when the store write or entitlement update
// fails at callback time, so the outcome survives the acknowledgment already
// sent to the gateway.
type PaymentOutcome struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	Success           bool      `json:"success"`
	ReceiptNumber     string    `json:"receipt_number,omitempty"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	ResultDesc        string    `json:"result_desc,omitempty"`
}
