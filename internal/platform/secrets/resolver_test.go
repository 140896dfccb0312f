package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	values map[string]string
	err    error
	calls  int
	closed bool
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no version %s", req.GetName())
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error {
	f.closed = true
	return nil
}

func newResolverForTest(t *testing.T, client accessClient, opts ...Option) *Resolver {
	t.Helper()
	opts = append([]Option{WithProject("shop-prod"), WithClient(client), WithFallbackFile("")}, opts...)
	resolver, err := NewResolver(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return resolver
}

func TestResolveReadsSecretManagerAndCaches(t *testing.T) {
	client := &fakeSecretClient{values: map[string]string{
		"projects/shop-prod/secrets/auth-jwt-secret/versions/latest": "signing-key",
	}}
	resolver := newResolverForTest(t, client)

	for i := 0; i < 3; i++ {
		value, err := resolver.Resolve(context.Background(), "secret://auth-jwt-secret")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if value != "signing-key" {
			t.Fatalf("value = %q", value)
		}
	}
	if client.calls != 1 {
		t.Fatalf("client calls = %d, want 1", client.calls)
	}
}

func TestResolveHonoursPinnedVersion(t *testing.T) {
	client := &fakeSecretClient{values: map[string]string{
		"projects/shop-prod/secrets/idpay-api-key/versions/4": "key-v4",
	}}
	resolver := newResolverForTest(t, client)

	value, err := resolver.Resolve(context.Background(), "secret://idpay-api-key?version=4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "key-v4" {
		t.Fatalf("value = %q", value)
	}
}

func TestResolveFallsBackWhenAccessDenied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	content := "# local development values\n" +
		"zarinpal-merchant-id=m-123\n" +
		"secret://auth-jwt-secret=local-key\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}

	client := &fakeSecretClient{err: status.Error(codes.PermissionDenied, "denied")}
	resolver := newResolverForTest(t, client, WithFallbackFile(path))

	for ref, want := range map[string]string{
		"secret://zarinpal-merchant-id": "m-123",
		"secret://auth-jwt-secret":      "local-key",
	} {
		value, err := resolver.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", ref, err)
		}
		if value != want {
			t.Fatalf("Resolve(%s) = %q, want %q", ref, value, want)
		}
	}
}

func TestResolveWithoutClientUsesFallbackOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	if err := os.WriteFile(path, []byte("auth-jwt-secret=dev-key\n"), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}

	resolver, err := NewResolver(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	value, err := resolver.Resolve(context.Background(), "secret://auth-jwt-secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "dev-key" {
		t.Fatalf("value = %q", value)
	}
}

func TestResolveDoesNotSwallowNotFound(t *testing.T) {
	client := &fakeSecretClient{values: map[string]string{}}
	resolver := newResolverForTest(t, client)

	if _, err := resolver.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if client.calls != 1 {
		t.Fatalf("client calls = %d, want 1", client.calls)
	}
}

func TestResolveRejectsMalformedReferences(t *testing.T) {
	resolver := newResolverForTest(t, &fakeSecretClient{})

	for _, ref := range []string{"", "auth-jwt-secret", "vault://auth-jwt-secret", "secret://"} {
		if _, err := resolver.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected error for reference %q", ref)
		}
	}
	if resolver.client.(*fakeSecretClient).calls != 0 {
		t.Fatalf("client calls = %d, want 0", resolver.client.(*fakeSecretClient).calls)
	}
}

func TestCloseOnlyClosesOwnedClients(t *testing.T) {
	client := &fakeSecretClient{}
	resolver := newResolverForTest(t, client)
	if err := resolver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.closed {
		t.Fatal("injected client must not be closed by the resolver")
	}
}

func TestParseReference(t *testing.T) {
	cases := []struct {
		ref     string
		name    string
		version string
	}{
		{"secret://auth-jwt-secret", "auth-jwt-secret", "latest"},
		{"secret://idpay-api-key?version=9", "idpay-api-key", "9"},
		{"  secret://zarinpal-merchant-id  ", "zarinpal-merchant-id", "latest"},
	}
	for _, tc := range cases {
		name, version, err := parseReference(tc.ref)
		if err != nil {
			t.Fatalf("parseReference(%q): %v", tc.ref, err)
		}
		if name != tc.name || version != tc.version {
			t.Fatalf("parseReference(%q) = (%s, %s), want (%s, %s)", tc.ref, name, version, tc.name, tc.version)
		}
	}
}
