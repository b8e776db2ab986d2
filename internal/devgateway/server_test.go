package devgateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yegors/webchat/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewHub(logger.NewNop())
	go hub.Run()

	server := NewServer(Options{
		TenantID:      "tenant-test",
		WSBaseURL:     "ws://127.0.0.1:0/ws",
		TokenLifetime: time.Minute,
	}, hub, logger.NewNop())

	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return server, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInit_IssuesTokenWithTenantClaims(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
		"domain":    "localhost",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	require.NotEmpty(t, body["session_id"])
	require.Equal(t, "tenant-test", body["tenant_id"])
	require.Equal(t, float64(60), body["expires_in"])

	// JWT-shaped token with the tenant claim embedded
	token, _ := body["ws_token"].(string)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	require.Equal(t, "tenant-test", claims["tenant_id"])
}

func TestInit_SameSessionResumesConversation(t *testing.T) {
	_, ts := newTestServer(t)

	first := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))
	second := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))
	require.Equal(t, first["session_id"], second["session_id"])

	other := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-200-000000002",
	}))
	require.NotEqual(t, first["session_id"], other["session_id"])
}

func TestMessage_AssignsPermanentID(t *testing.T) {
	_, ts := newTestServer(t)

	init := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))

	resp := postJSON(t, ts.URL+"/webchat/message", map[string]any{
		"text":            "hello",
		"sessionId":       "session-100-000000001",
		"conversation_id": init["session_id"],
		"temp_id":         "temp-1700000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	msg, _ := body["message"].(map[string]any)
	require.NotNil(t, msg)
	id, _ := msg["id"].(string)
	require.True(t, strings.HasPrefix(id, "msg-"))
	require.Equal(t, "user", msg["sender"])
}

func TestMessage_ClosedConversationReturnsGone(t *testing.T) {
	server, ts := newTestServer(t)

	init := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))
	convID, _ := init["session_id"].(string)
	server.CloseConversation(convID)

	resp := postJSON(t, ts.URL+"/webchat/message", map[string]any{
		"text":            "into the void",
		"sessionId":       "session-100-000000001",
		"conversation_id": convID,
	})
	require.Equal(t, http.StatusGone, resp.StatusCode)

	// The init handshake now reports the conversation closed
	reinit := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))
	require.NotEmpty(t, reinit["closed_at"])
}

func TestHistory_ReturnsConversationMessages(t *testing.T) {
	_, ts := newTestServer(t)

	init := decode(t, postJSON(t, ts.URL+"/webchat/init", map[string]any{
		"sessionId": "session-100-000000001",
	}))
	convID, _ := init["session_id"].(string)

	postJSON(t, ts.URL+"/webchat/message", map[string]any{
		"text":            "first",
		"sessionId":       "session-100-000000001",
		"conversation_id": convID,
	})
	postJSON(t, ts.URL+"/webchat/message", map[string]any{
		"text":            "second",
		"sessionId":       "session-100-000000001",
		"conversation_id": convID,
	})

	resp, err := http.Get(ts.URL + "/webchat/messages?conversation_id=" + convID)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decode(t, resp)

	messages, _ := body["messages"].([]any)
	require.Len(t, messages, 2)

	// Session id alone resolves the same conversation
	resp, err = http.Get(ts.URL + "/webchat/messages?sessionId=session-100-000000001")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Len(t, decode(t, resp)["messages"], 2)
}

func TestHistory_UnknownConversationIsEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/webchat/messages?conversation_id=conv-nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decode(t, resp)
	require.Empty(t, body["messages"])
}
