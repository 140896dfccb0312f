package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrGatewayRequest indicates the gateway request itself failed and may be retried.
	ErrGatewayRequest = errors.New("payments: gateway request failed")
)

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// PayRequest captures the payload required to open a payment with a gateway.
type PayRequest struct {
	OrderID     string
	OrderNumber string
	Amount      int64
	Description string
	CallbackURL string
}

// PayResult represents the redirect handed back to the customer.
type PayResult struct {
	CorrelationID string
	RedirectURL   string
	ExpiresAt     time.Time
	Raw           map[string]any
}

// VerifyRequest carries the callback data needed to settle a payment attempt.
type VerifyRequest struct {
	CorrelationID string
	OrderNumber   string
	Amount        int64
	Callback      map[string]string
}

// VerifyResult normalises the gateway verification outcome.
type VerifyResult struct {
	Verified      bool
	CorrelationID string
	RefID         string
	Raw           map[string]any
}

// Gateway defines the contract for payment gateway adapters to implement.
type Gateway interface {
	Name() string
	Pay(ctx context.Context, req PayRequest) (PayResult, error)
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
	// CallbackCorrelationID extracts the attempt correlation id from the
	// gateway's return-trip callback parameters.
	CallbackCorrelationID(callback map[string]string) string
}

// Manager coordinates gateway selection by name.
type Manager struct {
	gateways map[string]Gateway
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Manager{gateways: copyMap}, nil
}

// Resolve returns the gateway registered under name.
func (m *Manager) Resolve(name string) (Gateway, error) {
	if m == nil || len(m.gateways) == 0 {
		return nil, errors.New("payments: no gateways registered")
	}
	key := strings.TrimSpace(strings.ToLower(name))
	if key == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnsupportedGateway)
	}
	gateway, ok := m.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, key)
	}
	return gateway, nil
}

// Names lists the registered gateway keys.
func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.gateways))
	for name := range m.gateways {
		names = append(names, name)
	}
	return names
}

// Pay delegates to the named gateway.
func (m *Manager) Pay(ctx context.Context, gateway string, req PayRequest) (PayResult, error) {
	g, err := m.Resolve(gateway)
	if err != nil {
		return PayResult{}, err
	}
	return g.Pay(ctx, req)
}

// Verify delegates to the named gateway.
func (m *Manager) Verify(ctx context.Context, gateway string, req VerifyRequest) (VerifyResult, error) {
	g, err := m.Resolve(gateway)
	if err != nil {
		return VerifyResult{}, err
	}
	return g.Verify(ctx, req)
}
