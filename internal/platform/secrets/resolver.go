// Package secrets resolves secret:// configuration references against
// Google Secret Manager, with a local env-style file standing in when the
// service account cannot reach the API.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultVersion      = "latest"
	defaultFallbackFile = ".secrets.local"
	meterName           = "github.com/aftabshop/api/internal/platform/secrets"
)

// accessClient is the slice of the Secret Manager client the resolver uses.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret://name?version=N references. Values are fetched
// from one Secret Manager project and cached for the process lifetime; the
// configuration surface is three credentials, so there is no invalidation.
type Resolver struct {
	logger     *zap.Logger
	client     accessClient
	ownsClient bool
	project    string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	resolves metric.Int64Counter
}

// Option customises a Resolver.
type Option func(*settings)

type settings struct {
	logger       *zap.Logger
	client       accessClient
	project      string
	fallbackPath string
	clientOpts   []option.ClientOption
}

// WithLogger sets the logger used for resolution warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProject sets the Secret Manager project secrets are read from.
func WithProject(project string) Option {
	return func(s *settings) {
		s.project = strings.TrimSpace(project)
	}
}

// WithFallbackFile overrides the path of the local fallback file.
func WithFallbackFile(path string) Option {
	return func(s *settings) {
		s.fallbackPath = strings.TrimSpace(path)
	}
}

// WithClient injects a Secret Manager client, used by tests.
func WithClient(client accessClient) Option {
	return func(s *settings) {
		s.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// NewResolver builds a Resolver. When no client can be constructed the
// resolver still works, answering from the fallback file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := settings{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackFile,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Resolver{
		logger:       cfg.logger,
		client:       cfg.client,
		project:      cfg.project,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}

	if r.client == nil && r.project != "" {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			r.logger.Warn("secrets: secret manager client unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	counter, err := meter.Int64Counter("secrets.resolves",
		metric.WithDescription("Secret resolutions by source and outcome."))
	if err != nil {
		r.logger.Warn("secrets: resolve counter unavailable", zap.Error(err))
	} else {
		r.resolves = counter
	}

	return r, nil
}

// Close releases the underlying client when the resolver created it.
func (r *Resolver) Close() error {
	if r.client == nil || !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

// Resolve returns the value behind a secret:// reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, version, err := parseReference(ref)
	if err != nil {
		r.count(ctx, "invalid", "error")
		return "", err
	}

	key := name + "#" + version
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		r.count(ctx, "cache", "ok")
		return cached, nil
	}

	if r.client != nil && r.project != "" {
		value, err := r.access(ctx, name, version)
		switch {
		case err == nil:
			r.store(key, value)
			r.count(ctx, "secret_manager", "ok")
			return value, nil
		case fallbackEligible(err):
			r.logger.Warn("secrets: secret manager unreachable, trying fallback file",
				zap.String("secret", name), zap.Error(err))
		default:
			r.count(ctx, "secret_manager", "error")
			return "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
	}

	if value, ok := r.fromFallback(name); ok {
		r.store(key, value)
		r.count(ctx, "fallback", "ok")
		return value, nil
	}
	r.count(ctx, "fallback", "miss")
	return "", fmt.Errorf("secrets: no value for %s", name)
}

func (r *Resolver) access(ctx context.Context, name, version string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.project, name, version),
	}
	resp, err := r.client.AccessSecretVersion(ctx, req, gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable}, gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		})
	}))
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
}

func (r *Resolver) count(ctx context.Context, source, outcome string) {
	if r.resolves == nil {
		return
	}
	r.resolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// fallbackEligible reports whether a Secret Manager failure should fall
// through to the local file rather than abort startup.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (r *Resolver) fromFallback(name string) (string, bool) {
	r.fallbackOnce.Do(r.loadFallback)
	if r.fallbackErr != nil {
		r.logger.Debug("secrets: fallback file unreadable", zap.Error(r.fallbackErr))
	}
	value, ok := r.fallbackVals[name]
	return value, ok
}

// loadFallback reads KEY=value lines. Keys may be bare secret names or full
// secret:// references; blank lines and # comments are skipped.
func (r *Resolver) loadFallback() {
	r.fallbackVals = map[string]string{}
	path := r.fallbackPath
	if path == "" {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.fallbackErr = fmt.Errorf("secrets: open %s: %w", path, err)
		}
		return
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(key, "secret://") {
			if name, _, err := parseReference(key); err == nil {
				key = name
			}
		}
		if key == "" {
			continue
		}
		r.fallbackVals[key] = value
	}
	if err := scanner.Err(); err != nil {
		r.fallbackErr = fmt.Errorf("secrets: read %s: %w", path, err)
	}
}

func parseReference(ref string) (name, version string, err error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, "secret://") {
		return "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("secrets: malformed reference %q: %w", ref, err)
	}
	name = parsed.Host
	if name == "" {
		name = strings.Trim(parsed.Path, "/")
	}
	if name == "" {
		return "", "", fmt.Errorf("secrets: reference %q names no secret", ref)
	}
	version = strings.TrimSpace(parsed.Query().Get("version"))
	if version == "" {
		version = defaultVersion
	}
	return name, version, nil
}
