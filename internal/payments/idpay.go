package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	idpayStatusVerified        = 100
	idpayStatusAlreadyVerified = 101
)

// IDPayConfig configures the IDPay v1.1 REST gateway adapter.
type IDPayConfig struct {
	APIKey     string
	BaseURL    string
	Sandbox    bool
	HTTPClient *http.Client
	Logger     GatewayLogger
	Clock      func() time.Time
}

// IDPayGateway implements the Gateway interface against the IDPay v1.1 API.
type IDPayGateway struct {
	apiKey     string
	baseURL    string
	sandbox    bool
	httpClient *http.Client
	logger     GatewayLogger
	clock      func() time.Time
}

// NewIDPayGateway constructs an IDPay gateway adapter.
func NewIDPayGateway(cfg IDPayConfig) (*IDPayGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("idpay: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("idpay: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &IDPayGateway{
		apiKey:     apiKey,
		baseURL:    baseURL,
		sandbox:    cfg.Sandbox,
		httpClient: httpClient,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Name identifies this gateway in the registry and in transaction ids.
func (g *IDPayGateway) Name() string { return "idpay" }

// CallbackCorrelationID returns the payment id posted back by IDPay.
func (g *IDPayGateway) CallbackCorrelationID(callback map[string]string) string {
	return strings.TrimSpace(callback["id"])
}

type idpayCreateResponse struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

type idpayVerifyResponse struct {
	Status  int    `json:"status"`
	TrackID any    `json:"track_id"`
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  any    `json:"amount"`
}

// Pay creates a payment and returns the hosted payment link.
func (g *IDPayGateway) Pay(ctx context.Context, req PayRequest) (PayResult, error) {
	if g == nil {
		return PayResult{}, errors.New("idpay: gateway is nil")
	}

	payload := map[string]any{
		"order_id": req.OrderNumber,
		"amount":   req.Amount,
		"desc":     req.Description,
		"callback": req.CallbackURL,
	}

	raw, status, err := g.post(ctx, "/payment", payload)
	if err != nil {
		return PayResult{}, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return PayResult{}, fmt.Errorf("%w: idpay payment creation returned status %d", ErrGatewayRequest, status)
	}

	var parsed idpayCreateResponse
	if err := remarshal(raw, &parsed); err != nil {
		return PayResult{}, fmt.Errorf("%w: idpay payment: parse response: %v", ErrGatewayRequest, err)
	}
	if parsed.ID == "" || parsed.Link == "" {
		return PayResult{}, fmt.Errorf("%w: idpay payment response missing id or link", ErrGatewayRequest)
	}

	g.logger(ctx, "payments.idpay.request.created", map[string]any{
		"orderNumber": req.OrderNumber,
		"paymentId":   parsed.ID,
	})

	return PayResult{
		CorrelationID: parsed.ID,
		RedirectURL:   parsed.Link,
		Raw:           raw,
	}, nil
}

// Verify settles a payment attempt after the gateway callback. Status 100 is a
// fresh verification and 101 means the payment was verified before; both count
// as paid.
func (g *IDPayGateway) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if g == nil {
		return VerifyResult{}, errors.New("idpay: gateway is nil")
	}

	payload := map[string]any{
		"id":       req.CorrelationID,
		"order_id": req.OrderNumber,
	}

	raw, status, err := g.post(ctx, "/payment/verify", payload)
	if err != nil {
		return VerifyResult{}, err
	}
	if status < 200 || status >= 300 {
		return VerifyResult{}, fmt.Errorf("%w: idpay verify returned status %d", ErrGatewayRequest, status)
	}

	var parsed idpayVerifyResponse
	if err := remarshal(raw, &parsed); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: idpay verify: parse response: %v", ErrGatewayRequest, err)
	}

	verified := parsed.Status == idpayStatusVerified || parsed.Status == idpayStatusAlreadyVerified

	g.logger(ctx, "payments.idpay.verify.completed", map[string]any{
		"paymentId": req.CorrelationID,
		"status":    parsed.Status,
		"verified":  verified,
	})

	result := VerifyResult{
		Verified:      verified,
		CorrelationID: req.CorrelationID,
		Raw:           raw,
	}
	if parsed.TrackID != nil {
		result.RefID = fmt.Sprintf("%v", parsed.TrackID)
	}
	return result, nil
}

func (g *IDPayGateway) post(ctx context.Context, path string, payload map[string]any) (map[string]any, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("idpay: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("idpay: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-API-KEY", g.apiKey)
	if g.sandbox {
		httpReq.Header.Set("X-SANDBOX", "1")
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: idpay %s: %v", ErrGatewayRequest, path, err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: idpay %s: decode response: %v", ErrGatewayRequest, path, err)
	}
	return raw, resp.StatusCode, nil
}

func remarshal(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
