package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/athletiq/payment-gateway/internal/model"
	"github.com/athletiq/payment-gateway/internal/services"
	xhttp "github.com/athletiq/payment-gateway/pkg/http"
	"github.com/athletiq/payment-gateway/pkg/logger"
)

type PaymentService interface {
	Initiate(ctx context.Context, p model.StkPushRequest) (*model.Transaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
}

type CallbackReconciler interface {
	ProcessCallback(ctx context.Context, cb *model.StkCallback) error
}

type PaymentHandler struct {
	svc        PaymentService
	reconciler CallbackReconciler
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments/mpesa/stk-push", h.InitiateStkPush)
	e.POST("/payments/mpesa/callback", h.HandleCallback)
	e.GET("/payments/transactions", h.ListTransactions)
}

func NewPaymentHandler(svc PaymentService, reconciler CallbackReconciler) *PaymentHandler {
	return &PaymentHandler{
		svc:        svc,
		reconciler: reconciler,
	}
}

type stkPushRequest struct {
	PhoneNumber string `json:"phone_number"`
	Amount      uint   `json:"amount"`
	PackageType string `json:"package_type"`
}

type stkPushResponse struct {
	TransactionID     int64  `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Status            string `json:"status"`
	Message           string `json:"message"`
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type listTransactionsResponse struct {
	Items []*model.Transaction `json:"items"`
	Total int64                `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

// InitiateStkPush starts a push payment for the authenticated user. The
// upstream gateway authenticates and forwards the user id in X-User-ID.
func (h *PaymentHandler) InitiateStkPush(ctx *xhttp.RequestCtx) {
	userID, err := userIDFromHeader(ctx)
	if err != nil {
		writeError(ctx, 401, "missing or invalid X-User-ID header")
		return
	}

	var req stkPushRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	txn, err := h.svc.Initiate(ctx, model.StkPushRequest{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
		PackageType: req.PackageType,
	})
	if err != nil {
		if errors.Is(err, services.ErrPaymentInitiation) {
			// Upstream rejection or outage. No transaction was recorded.
			writeError(ctx, 502, "payment could not be initiated, please try again")
			return
		}
		if errors.Is(err, services.ErrInvalidRequest) {
			writeError(ctx, 400, err.Error())
			return
		}
		// Store or other internal failure; never surface the detail.
		logger.Error("payment initiation failed internally", "user_id", userID, "error", err)
		writeError(ctx, 500, "internal error, please try again")
		return
	}

	writeJSON(ctx, 202, stkPushResponse{
		TransactionID:     txn.ID,
		CheckoutRequestID: txn.CheckoutRequestID,
		Status:            string(txn.Status),
		Message:           "STK push sent, check your phone to complete payment",
	})
}

// HandleCallback receives the asynchronous payment result. Structurally valid
// payloads are always acknowledged with ResultCode 0 so the gateway stops
// redelivering; internal state is settled by the reconciler.
func (h *PaymentHandler) HandleCallback(ctx *xhttp.RequestCtx) {
	var envelope model.CallbackEnvelope
	if err := readJSON(ctx, &envelope); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	if err := h.reconciler.ProcessCallback(ctx, envelope.Body.StkCallback); err != nil {
		logger.Warn("rejecting malformed callback", "error", err)
		writeError(ctx, 400, "malformed callback payload")
		return
	}

	writeJSON(ctx, 200, callbackAck{ResultCode: 0, ResultDesc: "Success"})
}

// ListTransactions returns the authenticated user's payment history,
// newest first.
func (h *PaymentHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	userID, err := userIDFromHeader(ctx)
	if err != nil {
		writeError(ctx, 401, "missing or invalid X-User-ID header")
		return
	}

	f := model.TransactionFilter{
		UserID: &userID,
		Desc:   true,
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.TransactionStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 500, "failed to list transactions")
		return
	}
	writeJSON(ctx, 200, listTransactionsResponse{Items: items, Total: total})
}

func userIDFromHeader(ctx *xhttp.RequestCtx) (int64, error) {
	idStr := ctx.Request.Header.Peek("X-User-ID")
	if len(idStr) == 0 {
		return 0, errors.New("X-User-ID header is missing")
	}
	return strconv.ParseInt(string(idStr), 10, 64)
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
