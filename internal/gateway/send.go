package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/pkg/logger"
)

// MessageRequest is the wire body of POST /webchat/message. Field
// casing is mixed by wire-compatibility contract: sessionId/tenantId/
// siteId are camelCase, conversation_id/temp_id are snake_case.
type MessageRequest struct {
	Text           string            `json:"text"`
	SessionID      string            `json:"sessionId"`
	Fingerprint    string            `json:"fingerprint"`
	ConversationID string            `json:"conversation_id,omitempty"`
	TenantID       string            `json:"tenantId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	UserInfo       map[string]string `json:"userInfo,omitempty"`
	TempID         string            `json:"temp_id,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Domain         string            `json:"domain,omitempty"`
	Origin         string            `json:"origin,omitempty"`
	URL            string            `json:"url,omitempty"`
	Referrer       string            `json:"referrer,omitempty"`
	SiteID         string            `json:"siteId,omitempty"`
}

// Attachment is a pre-uploaded file reference. Upload mechanics are a
// separate pre-signed-URL flow; only the reference travels here.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// MessageResponse is the wire body of a successful message post
type MessageResponse struct {
	Message            timeline.Message `json:"message"`
	SessionID          string           `json:"sessionId,omitempty"`
	ClosedAt           string           `json:"closed_at,omitempty"`
	ConversationClosed bool             `json:"conversation_closed,omitempty"`
}

// historyResponse is the wire body of GET /webchat/messages
type historyResponse struct {
	Messages []timeline.Message `json:"messages"`
}

// SendMessage posts a message over the synchronous fallback path.
// 5xx and network failures are retried with exponential backoff up to
// the configured ceiling; 4xx is never retried. A closed-conversation
// response (status 410 or a textual marker) gets exactly one recovery
// retry with the conversation id stripped, so the gateway opens a
// fresh conversation.
func (c *Client) SendMessage(ctx context.Context, msg MessageRequest) (*MessageResponse, error) {
	if msg.UserInfo == nil {
		msg.UserInfo = userInfoFrom(c.cfg)
	}

	var lastErr error
	attempts := 0
	closedRetried := false

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffDelay(attempt)
			c.logger.Info("Retrying message send",
				logger.Int("attempt", attempt),
				logger.String("backoff", backoff.String()))
			select {
			case <-ctx.Done():
				return nil, &RequestError{Attempts: attempts, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		attempts++

		req, err := c.newRequest(ctx, http.MethodPost, "/webchat/message", msg)
		if err != nil {
			return nil, &RequestError{Attempts: attempts, Err: err}
		}

		var resp MessageResponse
		err = c.doJSON(req, &resp)
		if err == nil {
			return &resp, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) {
			if isClosedResponse(se) {
				if !closedRetried && msg.ConversationID != "" {
					c.logger.Info("Conversation closed by gateway, retrying without conversation id")
					msg.ConversationID = ""
					closedRetried = true
					attempt-- // recovery retry does not consume the budget
					continue
				}
				return nil, &RequestError{StatusCode: se.status, Attempts: attempts, Err: err}
			}
			if se.status >= 400 && se.status < 500 {
				return nil, &RequestError{StatusCode: se.status, Attempts: attempts, Err: err}
			}
			// 5xx falls through to retry
			c.logger.Warn("Gateway returned server error, may retry",
				logger.Int("status_code", se.status),
				logger.Int("attempt", attempts))
			continue
		}

		c.logger.Warn("Gateway request failed, may retry",
			logger.Error(err),
			logger.Int("attempt", attempts))
	}

	return nil, &RequestError{Attempts: attempts, Err: lastErr}
}

// FetchHistory fetches the authoritative message history. The
// conversation id is canonical once a handshake has produced one; the
// session id is the pre-handshake fallback and always accompanies the
// request.
func (c *Client) FetchHistory(ctx context.Context, sessionID, conversationID, userID string) ([]timeline.Message, error) {
	q := query(map[string]string{
		"sessionId":       sessionID,
		"conversation_id": conversationID,
		"tenantId":        c.cfg.TenantID,
		"userId":          userID,
	})

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &RequestError{Attempts: attempts, Err: ctx.Err()}
			case <-time.After(c.backoffDelay(attempt)):
			}
		}
		attempts++

		req, err := c.newRequest(ctx, http.MethodGet, "/webchat/messages"+q, nil)
		if err != nil {
			return nil, &RequestError{Attempts: attempts, Err: err}
		}

		var resp historyResponse
		err = c.doJSON(req, &resp)
		if err == nil {
			return resp.Messages, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
			return nil, &RequestError{StatusCode: se.status, Attempts: attempts, Err: err}
		}

		c.logger.Warn("History fetch failed, may retry",
			logger.Error(err),
			logger.Int("attempt", attempts))
	}

	return nil, &RequestError{Attempts: attempts, Err: lastErr}
}

// presenceRequest is the shared body of the bookkeeping endpoints
type presenceRequest struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// TrackSession posts session bookkeeping. Fire-and-forget: failures are
// logged and never returned.
func (c *Client) TrackSession(ctx context.Context, sessionID string) {
	c.track(ctx, "/webchat/session", sessionID)
}

// TrackOpen posts a widget-open event. Fire-and-forget.
func (c *Client) TrackOpen(ctx context.Context, sessionID string) {
	c.track(ctx, "/webchat/open", sessionID)
}

func (c *Client) track(ctx context.Context, path, sessionID string) {
	body := presenceRequest{
		SessionID: sessionID,
		TenantID:  c.cfg.TenantID,
		Domain:    c.cfg.Domain,
		Origin:    c.cfg.Origin,
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		c.logger.Debug("Failed to build bookkeeping request", logger.Error(err))
		return
	}
	if err := c.doJSON(req, nil); err != nil {
		c.logger.Debug("Bookkeeping request failed",
			logger.String("path", path),
			logger.Error(err))
	}
}

// backoffDelay returns the exponential backoff delay for the given
// retry attempt, capped at the configured ceiling
func (c *Client) backoffDelay(attempt int) time.Duration {
	initial := time.Duration(c.cfg.RetryInitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := time.Duration(c.cfg.RetryMaxBackoffMs) * time.Millisecond
	if max <= 0 {
		max = 8 * time.Second
	}

	delay := initial << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// isClosedResponse detects a closed-conversation rejection: status 410
// or a textual marker in the response body
func isClosedResponse(se *statusError) bool {
	if se.status == http.StatusGone {
		return true
	}
	body := strings.ToLower(se.body)
	return strings.Contains(body, "conversation_closed") || strings.Contains(body, "conversation closed")
}
