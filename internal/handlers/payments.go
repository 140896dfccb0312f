package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aftabshop/api/internal/platform/httpx"
	"github.com/aftabshop/api/internal/services"
)

// PaymentHandlers exposes the browser-facing gateway redirect endpoints.
// Both routes are unauthenticated: the customer arrives via a link and the
// gateway calls back without credentials, so they are rate limited instead.
type PaymentHandlers struct {
	payments  services.PaymentService
	limiter   rateLimiter
	resultURL string
}

// PaymentHandlersOption customises the payment handlers.
type PaymentHandlersOption func(*PaymentHandlers)

// WithPaymentRateLimiter attaches a per-client limiter to the payment routes.
func WithPaymentRateLimiter(limiter rateLimiter) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.limiter = limiter
	}
}

// WithPaymentResultURL sets the storefront page the callback redirects to.
func WithPaymentResultURL(resultURL string) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.resultURL = strings.TrimSpace(resultURL)
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(payments services.PaymentService, opts ...PaymentHandlersOption) *PaymentHandlers {
	h := &PaymentHandlers{payments: payments}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.limiter != nil {
		r.Use(rateLimitMiddleware(h.limiter))
	}
	r.Get("/pay/{gateway}", h.pay)
	r.Get("/{gateway}/callback", h.callback)
}

func (h *PaymentHandlers) pay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gateway := strings.TrimSpace(chi.URLParam(r, "gateway"))
	orderNumber := strings.TrimSpace(r.URL.Query().Get("order_number"))
	if orderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_number is required", http.StatusBadRequest))
		return
	}

	redirect, err := h.payments.Pay(ctx, services.PayOrderCommand{
		OrderNumber: orderNumber,
		Gateway:     gateway,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	http.Redirect(w, r, redirect.RedirectURL, http.StatusFound)
}

func (h *PaymentHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gateway := strings.TrimSpace(chi.URLParam(r, "gateway"))

	// Gateways return their parameters as query strings; first values only.
	callback := make(map[string]string, len(r.URL.Query()))
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			callback[key] = values[0]
		}
	}

	verification, err := h.payments.Verify(ctx, services.VerifyPaymentCommand{
		Gateway:  gateway,
		Callback: callback,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if h.resultURL == "" {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"verified":     verification.Verified,
			"order_number": verification.OrderNumber,
			"ref_id":       verification.RefID,
		})
		return
	}

	status := "failed"
	if verification.Verified {
		status = "success"
	}
	query := url.Values{}
	query.Set("status", status)
	if verification.OrderNumber != "" {
		query.Set("order_number", verification.OrderNumber)
	}
	if verification.RefID != "" {
		query.Set("ref_id", verification.RefID)
	}

	http.Redirect(w, r, h.resultURL+"?"+query.Encode(), http.StatusFound)
}
