package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/devgateway"
	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/internal/transport"
	"github.com/yegors/webchat/pkg/logger"
)

// recordingEvents captures client events for assertions
type recordingEvents struct {
	connected chan bool
	errs      chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connected: make(chan bool, 16),
		errs:      make(chan error, 16),
	}
}

func (e *recordingEvents) OnTimeline(messages []timeline.Message) {}

func (e *recordingEvents) OnConnectionState(connected bool) { e.connected <- connected }

func (e *recordingEvents) OnError(err error) { e.errs <- err }

func (e *recordingEvents) OnPresence(roster []string) {}

// startDevGateway runs an in-process gateway and returns its base URL
func startDevGateway(t *testing.T, botReply string) (string, *devgateway.Server) {
	t.Helper()

	hub := devgateway.NewHub(logger.NewNop())
	go hub.Run()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	server := devgateway.NewServer(devgateway.Options{
		TenantID:      "tenant-test",
		WSBaseURL:     fmt.Sprintf("ws://%s/ws", ts.Listener.Addr().String()),
		TokenLifetime: 5 * time.Minute,
		BotReply:      botReply,
	}, hub, logger.NewNop())
	handler = server.Routes()

	return ts.URL, server
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.BaseURL = baseURL
	cfg.Gateway.APIKey = "sk-test-key"
	cfg.Gateway.Origin = "http://localhost"
	cfg.Gateway.Domain = "localhost"
	cfg.Gateway.RequestTimeoutSeconds = 5
	cfg.Gateway.MaxRetries = 1
	cfg.Gateway.RetryInitialBackoffMs = 1
	cfg.Gateway.RetryMaxBackoffMs = 5
	cfg.Transport.HandshakeTimeoutSeconds = 5
	cfg.Transport.ReconnectInitialBackoffMs = 10
	cfg.Transport.ReconnectMaxBackoffMs = 50
	cfg.Transport.MaxReconnectAttempts = 2
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "webchat.db")
	return cfg
}

func newStartedClient(t *testing.T, cfg *config.Config, events EventListener) *Client {
	t.Helper()
	c, err := New(cfg, events, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Start(context.Background()))
	return c
}

func waitForText(t *testing.T, c *Client, text string, status timeline.DeliveryStatus) timeline.Message {
	t.Helper()
	var found timeline.Message
	require.Eventually(t, func() bool {
		for _, m := range c.Messages() {
			if m.Text == text && (status == "" || m.DeliveryStatus == status) {
				found = m
				return true
			}
		}
		return false
	}, 5*time.Second, 25*time.Millisecond, "message %q never reached status %q", text, status)
	return found
}

func TestClient_RealtimeSendAndReceive(t *testing.T) {
	baseURL, _ := startDevGateway(t, "Thanks for your message!")
	events := newRecordingEvents()
	c := newStartedClient(t, testConfig(t, baseURL), events)

	select {
	case up := <-events.connected:
		require.True(t, up)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for realtime connect")
	}
	require.True(t, c.Connected())

	require.NoError(t, c.Send(context.Background(), "hello out there"))

	// The server echo upgrades the optimistic entry in place
	echoed := waitForText(t, c, "hello out there", timeline.StatusDelivered)
	require.False(t, timeline.IsTempID(echoed.ID))
	require.Equal(t, timeline.SenderUser, echoed.Sender)

	reply := waitForText(t, c, "Thanks for your message!", timeline.StatusDelivered)
	require.Equal(t, timeline.SenderBot, reply.Sender)

	// No duplicate of the user's message survived reconciliation
	count := 0
	for _, m := range c.Messages() {
		if m.Text == "hello out there" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestClient_FallsBackToRequestPath(t *testing.T) {
	baseURL, _ := startDevGateway(t, "")
	cfg := testConfig(t, baseURL)
	c, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Start(context.Background()))

	// Tear the realtime transport down; sends must still go through
	c.rt.Disconnect()
	require.False(t, c.Connected())

	require.NoError(t, c.Send(context.Background(), "posted over http"))

	msg := waitForText(t, c, "posted over http", timeline.StatusDelivered)
	require.False(t, timeline.IsTempID(msg.ID))
}

func TestClient_HistorySurvivesRestart(t *testing.T) {
	baseURL, _ := startDevGateway(t, "")
	cfg := testConfig(t, baseURL)

	first, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Send(context.Background(), "before the reload"))
	waitForText(t, first, "before the reload", timeline.StatusDelivered)
	require.NoError(t, first.Close())

	// Same storage path: the reloaded client resumes the conversation
	second, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	require.NoError(t, second.Start(context.Background()))

	msg := waitForText(t, second, "before the reload", timeline.StatusDelivered)
	require.Equal(t, timeline.SenderUser, msg.Sender)
}

func TestClient_ResetClearsTimelineAndIdentity(t *testing.T) {
	baseURL, _ := startDevGateway(t, "")
	cfg := testConfig(t, baseURL)
	c := newStartedClient(t, cfg, nil)

	require.NoError(t, c.Send(context.Background(), "to be forgotten"))
	waitForText(t, c, "to be forgotten", "")

	c.Reset()
	require.Empty(t, c.Messages())
}

func TestClient_StartFailsWhenGatewayUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	c, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Error(t, c.Start(context.Background()))
}

func TestClient_ConfigErrorFailsSendWithoutFallback(t *testing.T) {
	baseURL, _ := startDevGateway(t, "")
	cfg := testConfig(t, baseURL)
	cfg.Gateway.TenantID = "your-tenant-id"
	c, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// Not started: no handshake has resolved a real tenant id, so the
	// placeholder must surface immediately with no network fallback
	err = c.Send(context.Background(), "never sent")
	var cfgErr *transport.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "tenant_id", cfgErr.Field)

	msg := waitForText(t, c, "never sent", timeline.StatusFailed)
	require.Equal(t, timeline.StatusFailed, msg.DeliveryStatus)
}
