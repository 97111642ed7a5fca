package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	// ErrAuthenticationFailed means no usable credential could be obtained;
	// a push must not be attempted without one.
	ErrAuthenticationFailed = errors.New("failed to obtain gateway credential")

	// ErrPushRejected means the gateway was reached but did not accept the
	// STK push request.
	ErrPushRejected = errors.New("gateway rejected push-payment request")

	errUnauthorized = errors.New("gateway returned unauthorized")
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	// timestampLayout is the second-granularity textual format Daraja
	// requires for the request timestamp and password derivation.
	timestampLayout = "20060102150405"

	transactionType = "CustomerPayBillOnline"
)

type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// Client talks to the Daraja payment gateway: OAuth token endpoint and the
// STK push-payment endpoint.
type Client struct {
	config *Config
	client *fasthttp.Client
	tokens *TokenSource
	now    func() time.Time
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if config.ConsumerKey == "" || config.ConsumerSecret == "" {
		return nil, errors.New("consumer credentials are required")
	}
	if config.ShortCode == "" || config.Passkey == "" {
		return nil, errors.New("merchant short code and passkey are required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	c := &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		},
		now: time.Now,
	}
	c.tokens = NewTokenSource(c.fetchToken)

	logger.Info("Daraja client initialized", "base_url", config.BaseURL, "short_code", config.ShortCode, "timeout", config.Timeout)

	return c, nil
}

// AccessToken returns a cached bearer token, refreshing it through the
// single-flight token source when expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret))

	body, err := c.doRequest(ctx, "GET", tokenPath, "Basic "+auth, nil)
	if err != nil {
		logger.Warn("Token fetch failed", "error", err)
		return "", 0, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, fmt.Errorf("%w: unmarshal token response: %v", ErrAuthenticationFailed, err)
	}
	if resp.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", ErrAuthenticationFailed)
	}

	// Daraja declares the lifetime as a string of seconds.
	ttlSeconds, err := strconv.Atoi(resp.ExpiresIn)
	if err != nil || ttlSeconds <= 0 {
		ttlSeconds = 3599
	}

	return resp.AccessToken, time.Duration(ttlSeconds) * time.Second, nil
}

// StkPushParams identifies the payer and the payment being requested.
type StkPushParams struct {
	PhoneNumber      string
	Amount           uint
	AccountReference string
	Description      string
}

type StkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            uint   `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// StkPush submits a push-payment request. The returned correlation
// identifiers tie this initiation to the asynchronous callback.
func (c *Client) StkPush(ctx context.Context, params *StkPushParams) (*StkPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	req := &stkPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          derivePassword(c.config.ShortCode, c.config.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            params.Amount,
		PartyA:            params.PhoneNumber,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       params.PhoneNumber,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  params.AccountReference,
		TransactionDesc:   params.Description,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	body, err := c.doRequest(ctx, "POST", stkPushPath, "Bearer "+token, reqBody)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, errUnauthorized) {
			// Token revoked before its declared expiry; the next push
			// fetches a fresh one.
			c.tokens.Invalidate()
		}
		logger.Warn("STK push failed", "phone", params.PhoneNumber, "error", err, "latency_ms", latency)
		return nil, fmt.Errorf("%w: %v", ErrPushRejected, err)
	}

	var resp StkPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: code=%s desc=%s", ErrPushRejected, resp.ResponseCode, resp.ResponseDescription)
	}
	if resp.CheckoutRequestID == "" || resp.MerchantRequestID == "" {
		return nil, fmt.Errorf("%w: missing correlation identifiers", ErrPushRejected)
	}

	logger.Info("STK push accepted", "checkout_request_id", resp.CheckoutRequestID, "merchant_request_id", resp.MerchantRequestID, "latency_ms", latency)

	return &resp, nil
}

// derivePassword is Daraja's mandated scheme: base64 of
// shortcode+passkey+timestamp. An encoding, not a security control.
func derivePassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// doRequest performs an HTTP request against the gateway with a deadline.
func (c *Client) doRequest(ctx context.Context, method, path, authorization string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", authorization)

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode == fasthttp.StatusUnauthorized {
		return nil, fmt.Errorf("%w: body: %s", errUnauthorized, resp.Body())
	}
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
