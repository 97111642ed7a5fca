package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// stkPushRequest is the wire shape the gateway POSTs to processrequest.
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode" binding:"required"`
	Password          string `json:"Password" binding:"required"`
	Timestamp         string `json:"Timestamp" binding:"required"`
	TransactionType   string `json:"TransactionType"`
	Amount            uint   `json:"Amount" binding:"required"`
	PartyA            string `json:"PartyA" binding:"required"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber" binding:"required"`
	CallBackURL       string `json:"CallBackURL" binding:"required"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// MockDaraja simulates the M-Pesa sandbox: it issues OAuth tokens, accepts
// STK push requests, and fires the result callback after a user-decision
// delay.
type MockDaraja struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	instanceID  string
	rng         *rand.Rand

	mu     sync.Mutex
	tokens map[string]time.Time
}

func NewMockDaraja(successRate float64, minDelay, maxDelay time.Duration) *MockDaraja {
	return &MockDaraja{
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		instanceID:  "MOCK_DARAJA_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		tokens:      make(map[string]time.Time),
	}
}

func (m *MockDaraja) issueToken() tokenResponse {
	token := uuid.New().String()
	m.mu.Lock()
	m.tokens[token] = time.Now().Add(time.Hour)
	m.mu.Unlock()
	return tokenResponse{AccessToken: token, ExpiresIn: "3599"}
}

func (m *MockDaraja) validToken(header string) bool {
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.tokens[token]
	return ok && time.Now().Before(exp)
}

func (m *MockDaraja) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	randomDelta := time.Duration(m.rng.Int63n(int64(delta)))
	return m.minDelay + randomDelta
}

func (m *MockDaraja) shouldSucceed() bool {
	return m.rng.Float64() < m.successRate
}

type failureCase struct {
	code int
	desc string
}

func (m *MockDaraja) randomFailure() failureCase {
	failures := []failureCase{
		{1, "The balance is insufficient for the transaction"},
		{1032, "Request cancelled by user"},
		{1037, "DS timeout user cannot be reached"},
		{2001, "The initiator information is invalid"},
	}
	return failures[m.rng.Intn(len(failures))]
}

// fireCallback simulates the user answering the STK prompt, then POSTs the
// result to the gateway's registered callback URL.
func (m *MockDaraja) fireCallback(req stkPushRequest, merchantRequestID, checkoutRequestID string) {
	delay := m.randomDelay()
	time.Sleep(delay)

	callback := map[string]interface{}{
		"MerchantRequestID": merchantRequestID,
		"CheckoutRequestID": checkoutRequestID,
	}

	if m.shouldSucceed() {
		receipt := strings.ToUpper(uuid.New().String()[:10])
		callback["ResultCode"] = 0
		callback["ResultDesc"] = "The service request is processed successfully."
		callback["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": float64(req.Amount)},
				{"Name": "MpesaReceiptNumber", "Value": receipt},
				{"Name": "TransactionDate", "Value": time.Now().Format("20060102150405")},
				{"Name": "PhoneNumber", "Value": req.PhoneNumber},
			},
		}
		log.Info().
			Str("checkout_request_id", checkoutRequestID).
			Str("receipt", receipt).
			Dur("delay", delay).
			Msg("Payment completed")
	} else {
		failure := m.randomFailure()
		callback["ResultCode"] = failure.code
		callback["ResultDesc"] = failure.desc
		log.Warn().
			Str("checkout_request_id", checkoutRequestID).
			Int("result_code", failure.code).
			Msg("Payment failed")
	}

	body, _ := json.Marshal(map[string]interface{}{
		"Body": map[string]interface{}{"stkCallback": callback},
	})

	resp, err := http.Post(req.CallBackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("url", req.CallBackURL).Msg("Failed to deliver callback")
		return
	}
	defer resp.Body.Close()

	log.Info().
		Str("checkout_request_id", checkoutRequestID).
		Int("status", resp.StatusCode).
		Msg("Callback delivered")
}

// Handler struct holds the mock sandbox and routes
type Handler struct {
	daraja *MockDaraja
}

func NewHandler(daraja *MockDaraja) *Handler {
	return &Handler{daraja: daraja}
}

// GenerateToken handles the client-credentials token endpoint
func (h *Handler) GenerateToken(c *gin.Context) {
	if c.Query("grant_type") != "client_credentials" {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "Invalid grant type passed"})
		return
	}

	user, _, ok := c.Request.BasicAuth()
	if !ok || user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "Invalid Authentication passed"})
		return
	}

	c.JSON(http.StatusOK, h.daraja.issueToken())
}

// ProcessRequest handles STK push requests and schedules the async callback
func (h *Handler) ProcessRequest(c *gin.Context) {
	if !h.daraja.validToken(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "Invalid Access Token"})
		return
	}

	var req stkPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid " + err.Error(),
		})
		return
	}

	merchantRequestID := fmt.Sprintf("%d-%d-1", h.daraja.rng.Intn(99999), h.daraja.rng.Intn(99999999))
	checkoutRequestID := "ws_CO_" + time.Now().Format("02012006150405") + uuid.New().String()[:6]

	log.Info().
		Str("checkout_request_id", checkoutRequestID).
		Str("phone", req.PhoneNumber).
		Uint("amount", req.Amount).
		Msg("STK push accepted")

	go h.daraja.fireCallback(req, merchantRequestID, checkoutRequestID)

	c.JSON(http.StatusOK, stkPushResponse{
		MerchantRequestID:   merchantRequestID,
		CheckoutRequestID:   checkoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	})
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"instance_id":  h.daraja.instanceID,
		"timestamp":    time.Now(),
		"success_rate": h.daraja.successRate,
	})
}

// UpdateConfig allows changing the simulated success rate at runtime
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.SuccessRate != nil {
		if *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
			h.daraja.successRate = *config.SuccessRate
			log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Configuration updated",
		"success_rate": h.daraja.successRate,
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	// Sandbox API surface, same paths as the real thing
	router.GET("/oauth/v1/generate", handler.GenerateToken)
	router.POST("/mpesa/stkpush/v1/processrequest", handler.ProcessRequest)
	router.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8082")
	successRate := getEnvFloat("SUCCESS_RATE", 0.9)
	minDelay := getEnvDuration("MIN_DELAY", 2*time.Second)
	maxDelay := getEnvDuration("MAX_DELAY", 10*time.Second)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting Mock Daraja Sandbox")

	daraja := NewMockDaraja(successRate, minDelay, maxDelay)
	handler := NewHandler(daraja)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
