package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/identity"
	"github.com/yegors/webchat/pkg/logger"
)

// stateBackend is an in-memory identity.Backend for tests
type stateBackend struct {
	values map[string]string
}

func newStateBackend() *stateBackend {
	return &stateBackend{values: make(map[string]string)}
}

func (b *stateBackend) Get(key string) (string, bool, error) {
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *stateBackend) Set(key, value string) error {
	b.values[key] = value
	return nil
}

func (b *stateBackend) Delete(key string) error {
	delete(b.values, key)
	return nil
}

func testIdentityStore() *identity.Store {
	return identity.NewStore(newStateBackend(), 24*time.Hour, 24*time.Hour, logger.NewNop())
}

func testGatewayConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		BaseURL:               baseURL,
		APIKey:                "sk-test-key",
		Origin:                "https://example.com",
		Domain:                "example.com",
		RequestTimeoutSeconds: 5,
		MaxRetries:            2,
		RetryInitialBackoffMs: 1,
		RetryMaxBackoffMs:     5,
	}
}

func TestInitialize_PersistsConversation(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/webchat/init", r.URL.Path)
		require.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		require.Equal(t, "https://example.com", r.Header.Get("X-Website-Origin"))
		require.Equal(t, "example.com", r.Header.Get("X-Website-Domain"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"session_id":    "conv-77",
			"visitor_id":    "visitor-9",
			"ws_token":      jwtWith(`{"tenant_id":"t-claims"}`),
			"ws_server_url": "wss://rt.example.com/ws",
			"tenant_id":     "t-resp",
			"expires_in":    600,
		})
	}))
	defer server.Close()

	ids := testIdentityStore()
	init := NewInitializer(NewClient(testGatewayConfig(server.URL), logger.NewNop()), ids, logger.NewNop())

	before := time.Now()
	cred, err := init.Initialize(context.Background())
	require.NoError(t, err)

	// Handshake body carries the client-held session id in camelCase
	require.NotEmpty(t, gotBody["sessionId"])
	require.Equal(t, "example.com", gotBody["domain"])

	require.Equal(t, "wss://rt.example.com/ws", cred.Endpoint)
	require.Equal(t, "t-resp", cred.TenantID)
	require.WithinDuration(t, before.Add(10*time.Minute), cred.ExpiresAt, 5*time.Second)

	convID, ok := ids.ConversationID()
	require.True(t, ok)
	require.Equal(t, "conv-77", convID)
	visitorID, ok := ids.VisitorID()
	require.True(t, ok)
	require.Equal(t, "visitor-9", visitorID)
}

func TestInitialize_ClosedConversationIsNotPersisted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":    "conv-closed",
			"ws_token":      "tok",
			"ws_server_url": "wss://rt.example.com/ws",
			"closed_at":     "2026-03-13T09:00:00Z",
		})
	}))
	defer server.Close()

	ids := testIdentityStore()
	ids.SetConversation("conv-old", "visitor-old")
	init := NewInitializer(NewClient(testGatewayConfig(server.URL), logger.NewNop()), ids, logger.NewNop())

	cred, err := init.Initialize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)

	// The stale conversation is cleared and the closed one never stored
	_, ok := ids.ConversationID()
	require.False(t, ok)
	_, ok = ids.VisitorID()
	require.False(t, ok)
}

func TestInitialize_PlaceholderIdentifiersAreSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":    "conv-1",
			"ws_token":      jwtWith(`{"tenant_id":"t-claims","site_id":"s-claims"}`),
			"ws_server_url": "wss://rt.example.com/ws",
			"tenant_id":     "your-tenant-id",
		})
	}))
	defer server.Close()

	cfg := testGatewayConfig(server.URL)
	cfg.SiteID = "s-config"
	init := NewInitializer(NewClient(cfg, logger.NewNop()), testIdentityStore(), logger.NewNop())

	cred, err := init.Initialize(context.Background())
	require.NoError(t, err)

	// Placeholder from the response falls through to the token claims
	require.Equal(t, "t-claims", cred.TenantID)
	// Response omitted site_id entirely; claims beat config
	require.Equal(t, "s-claims", cred.SiteID)
}

func TestInitialize_ServerErrorSurfacesInitError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant not found", http.StatusForbidden)
	}))
	defer server.Close()

	init := NewInitializer(NewClient(testGatewayConfig(server.URL), logger.NewNop()), testIdentityStore(), logger.NewNop())

	_, err := init.Initialize(context.Background())
	require.Error(t, err)

	var ie *InitError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, http.StatusForbidden, ie.StatusCode)
}

func TestInitialize_OmittedExpiryUsesDefaultLifetime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":    "conv-1",
			"ws_token":      "tok",
			"ws_server_url": "wss://rt.example.com/ws",
		})
	}))
	defer server.Close()

	init := NewInitializer(NewClient(testGatewayConfig(server.URL), logger.NewNop()), testIdentityStore(), logger.NewNop())

	before := time.Now()
	cred, err := init.Initialize(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(defaultCredentialLifetime), cred.ExpiresAt, 5*time.Second)
}
