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
	zarinpalCodeOK              = 100
	zarinpalCodeAlreadyVerified = 101
)

// ZarinpalConfig configures the Zarinpal v4 REST gateway adapter.
type ZarinpalConfig struct {
	MerchantID  string
	BaseURL     string
	StartPayURL string
	HTTPClient  *http.Client
	Logger      GatewayLogger
	Clock       func() time.Time
}

// ZarinpalGateway implements the Gateway interface against the Zarinpal v4 API.
type ZarinpalGateway struct {
	merchantID  string
	baseURL     string
	startPayURL string
	httpClient  *http.Client
	logger      GatewayLogger
	clock       func() time.Time
}

// NewZarinpalGateway constructs a Zarinpal gateway adapter.
func NewZarinpalGateway(cfg ZarinpalConfig) (*ZarinpalGateway, error) {
	merchantID := strings.TrimSpace(cfg.MerchantID)
	if merchantID == "" {
		return nil, errors.New("zarinpal: merchant id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("zarinpal: base url is required")
	}
	startPayURL := strings.TrimRight(strings.TrimSpace(cfg.StartPayURL), "/")
	if startPayURL == "" {
		return nil, errors.New("zarinpal: startpay url is required")
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

	return &ZarinpalGateway{
		merchantID:  merchantID,
		baseURL:     baseURL,
		startPayURL: startPayURL,
		httpClient:  httpClient,
		logger:      logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Name identifies this gateway in the registry and in transaction ids.
func (g *ZarinpalGateway) Name() string { return "zarinpal" }

// CallbackCorrelationID returns the Authority parameter from the StartPay return trip.
func (g *ZarinpalGateway) CallbackCorrelationID(callback map[string]string) string {
	return strings.TrimSpace(callback["Authority"])
}

type zarinpalPaymentData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
	RefID     int64  `json:"ref_id"`
}

type zarinpalResponse struct {
	Data   zarinpalPaymentData `json:"data"`
	Errors json.RawMessage     `json:"errors"`
}

// Pay opens a payment request and returns the StartPay redirect.
func (g *ZarinpalGateway) Pay(ctx context.Context, req PayRequest) (PayResult, error) {
	if g == nil {
		return PayResult{}, errors.New("zarinpal: gateway is nil")
	}

	payload := map[string]any{
		"merchant_id":  g.merchantID,
		"amount":       req.Amount,
		"description":  req.Description,
		"callback_url": req.CallbackURL,
		"metadata": map[string]any{
			"order_id": req.OrderNumber,
		},
	}

	raw, parsed, err := g.post(ctx, "/payment/request.json", payload)
	if err != nil {
		return PayResult{}, err
	}

	if parsed.Data.Code != zarinpalCodeOK || parsed.Data.Authority == "" {
		return PayResult{}, fmt.Errorf("%w: zarinpal request rejected with code %d", ErrGatewayRequest, parsed.Data.Code)
	}

	g.logger(ctx, "payments.zarinpal.request.created", map[string]any{
		"orderNumber": req.OrderNumber,
		"authority":   parsed.Data.Authority,
	})

	return PayResult{
		CorrelationID: parsed.Data.Authority,
		RedirectURL:   g.startPayURL + "/" + parsed.Data.Authority,
		Raw:           raw,
	}, nil
}

// Verify settles a payment attempt after the customer returns from StartPay.
// Code 100 is a fresh verification and 101 means the authority was verified
// before; both count as paid.
func (g *ZarinpalGateway) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if g == nil {
		return VerifyResult{}, errors.New("zarinpal: gateway is nil")
	}

	// The customer cancelled on the gateway page; no verify call is needed.
	if status := req.Callback["Status"]; status != "" && !strings.EqualFold(status, "OK") {
		return VerifyResult{
			Verified:      false,
			CorrelationID: req.CorrelationID,
			Raw:           map[string]any{"callback_status": status},
		}, nil
	}

	payload := map[string]any{
		"merchant_id": g.merchantID,
		"amount":      req.Amount,
		"authority":   req.CorrelationID,
	}

	raw, parsed, err := g.post(ctx, "/payment/verify.json", payload)
	if err != nil {
		return VerifyResult{}, err
	}

	verified := parsed.Data.Code == zarinpalCodeOK || parsed.Data.Code == zarinpalCodeAlreadyVerified

	g.logger(ctx, "payments.zarinpal.verify.completed", map[string]any{
		"authority": req.CorrelationID,
		"code":      parsed.Data.Code,
		"verified":  verified,
	})

	result := VerifyResult{
		Verified:      verified,
		CorrelationID: req.CorrelationID,
		Raw:           raw,
	}
	if parsed.Data.RefID != 0 {
		result.RefID = fmt.Sprintf("%d", parsed.Data.RefID)
	}
	return result, nil
}

func (g *ZarinpalGateway) post(ctx context.Context, path string, payload map[string]any) (map[string]any, zarinpalResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, zarinpalResponse{}, fmt.Errorf("zarinpal: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, zarinpalResponse{}, fmt.Errorf("zarinpal: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, zarinpalResponse{}, fmt.Errorf("%w: zarinpal %s: %v", ErrGatewayRequest, path, err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&raw); err != nil {
		return nil, zarinpalResponse{}, fmt.Errorf("%w: zarinpal %s: decode response: %v", ErrGatewayRequest, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, zarinpalResponse{}, fmt.Errorf("%w: zarinpal %s: status %d", ErrGatewayRequest, path, resp.StatusCode)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return raw, zarinpalResponse{}, fmt.Errorf("zarinpal: remarshal response: %w", err)
	}
	var parsed zarinpalResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return raw, zarinpalResponse{}, fmt.Errorf("%w: zarinpal %s: parse response: %v", ErrGatewayRequest, path, err)
	}
	return raw, parsed, nil
}
