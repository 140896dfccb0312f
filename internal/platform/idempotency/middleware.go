package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aftabshop/api/internal/platform/auth"
	"github.com/aftabshop/api/internal/platform/httpx"
)

const (
	// DefaultHeader is the request header carrying the client's key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader = "X-Idempotent-Replay"
)

// Logger is the printf-style sink the middleware reports store failures to.
type Logger interface {
	Printf(format string, args ...any)
}

type options struct {
	header  string
	ttl     time.Duration
	methods map[string]bool
	logger  Logger
	clock   func() time.Time
}

// Option customises the middleware.
type Option func(*options)

// WithHeader overrides the key header name.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long recorded responses stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods require a key.
func WithMethods(methods ...string) Option {
	return func(o *options) {
		if len(methods) == 0 {
			return
		}
		o.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				o.methods[m] = true
			}
		}
	}
}

// WithLogger sets the failure log sink.
func WithLogger(logger Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware enforces idempotency on mutating requests. A missing key is a
// 400, a key still being processed is a 409, a finished key replays the
// recorded response, and a key reused for a different request is a 409.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := options{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.methods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required",
					"the "+cfg.header+" header is required", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("request_body_unreadable",
					"unable to read request body", http.StatusInternalServerError))
				return
			}

			customer := customerID(r)
			id := recordID(customer, key)
			fingerprint := requestFingerprint(r, body, customer)
			now := cfg.clock().UTC()

			outcome, stored, err := store.Begin(ctx, id, fingerprint, now, cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict",
					"idempotency key was already used for a different request", http.StatusConflict))
				return
			case err != nil:
				cfg.log("idempotency: begin failed for key %s: %v", key, err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error",
					"unable to process idempotency key", http.StatusInternalServerError))
				return
			}

			switch outcome {
			case OutcomeReplay:
				writeReplay(w, stored)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress",
					"a request with this idempotency key is still being processed", http.StatusConflict))
				return
			}

			buffer := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(buffer, r)

			response := StoredResponse{
				Status: buffer.statusOrOK(),
				Header: storableHeader(buffer.header),
				Body:   buffer.body.Bytes(),
			}
			if err := store.Complete(ctx, id, fingerprint, response, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.log("idempotency: record failed for key %s: %v", key, err)
				if abandonErr := store.Abandon(ctx, id); abandonErr != nil {
					cfg.log("idempotency: abandon failed for key %s: %v", key, abandonErr)
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error",
					"unable to record response for replay", http.StatusInternalServerError))
				return
			}

			buffer.copyTo(w)
		})
	}
}

func (o *options) log(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// bufferBody reads the request body and puts a rewound copy back for the
// handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to the exact request it was first sent
// with. Method, path, query, content type, caller, and body all count.
func requestFingerprint(r *http.Request, body []byte, customer string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		customer,
	}
	if len(body) > 0 {
		parts = append(parts, hashHex(string(body)))
	}
	return hashHex(strings.Join(parts, "\x00"))
}

// customerID scopes keys per caller so two customers cannot collide on the
// same key value.
func customerID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func writeReplay(w http.ResponseWriter, stored StoredResponse) {
	for name, values := range stored.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(ReplayHeader, "true")

	status := stored.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(stored.Body) > 0 {
		_, _ = w.Write(stored.Body)
	}
}

// bufferedWriter captures the handler's response so it can be recorded
// before anything reaches the client.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 && status > 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) statusOrOK() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) copyTo(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.statusOrOK())
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
