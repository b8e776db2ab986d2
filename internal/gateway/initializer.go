package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/identity"
	"github.com/yegors/webchat/pkg/logger"
)

// Initializer performs the handshake that exchanges browser identity
// for a short-lived realtime credential and transport endpoint. It
// never retries internally; retry policy belongs to the transport.
type Initializer struct {
	client *Client
	ids    *identity.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewInitializer creates a conversation initializer
func NewInitializer(client *Client, ids *identity.Store, log *logger.Logger) *Initializer {
	return &Initializer{
		client: client,
		ids:    ids,
		logger: log.Named("initializer"),
		now:    time.Now,
	}
}

// initRequest is the wire body of POST /webchat/init
type initRequest struct {
	Domain    string            `json:"domain,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	URL       string            `json:"url,omitempty"`
	Referrer  string            `json:"referrer,omitempty"`
	SiteID    string            `json:"siteId,omitempty"`
	TenantID  string            `json:"tenantId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	VisitorID string            `json:"visitorId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	UserInfo  map[string]string `json:"userInfo,omitempty"`
}

// initResponse is the wire body of a successful init handshake. The
// returned session_id is the server-issued conversation id.
type initResponse struct {
	SessionID     string `json:"session_id"`
	VisitorID     string `json:"visitor_id"`
	WSToken       string `json:"ws_token"`
	WSServerURL   string `json:"ws_server_url"`
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id"`
	SiteID        string `json:"site_id"`
	ExpiresIn     int    `json:"expires_in"`
	ClosedAt      string `json:"closed_at"`
}

// defaultCredentialLifetime applies when the gateway omits expires_in
const defaultCredentialLifetime = 15 * time.Minute

// Initialize performs one init exchange and persists the returned
// conversation identity, unless the gateway reports the conversation
// as already closed — then the identity store is left conversation-less
// so the next send starts a fresh one.
func (i *Initializer) Initialize(ctx context.Context) (*Credential, error) {
	cfg := i.client.cfg

	sessionID := i.ids.GetOrCreateSessionID()

	// A visitor id from an expired conversation must not leak into the
	// handshake; the identity store already enforces that.
	visitorID, _ := i.ids.VisitorID()

	body := initRequest{
		Domain:    cfg.Domain,
		Origin:    cfg.Origin,
		URL:       cfg.PageURL,
		Referrer:  cfg.Referrer,
		SiteID:    cfg.SiteID,
		TenantID:  cfg.TenantID,
		SessionID: sessionID,
		VisitorID: visitorID,
		UserID:    cfg.UserID,
		UserInfo:  userInfoFrom(cfg),
	}

	i.logger.Info("Initializing conversation",
		logger.String("session_id", sessionID),
		logger.Bool("has_prior_visitor", visitorID != ""))

	req, err := i.client.newRequest(ctx, http.MethodPost, "/webchat/init", body)
	if err != nil {
		return nil, &InitError{Err: err}
	}

	var resp initResponse
	if err := i.client.doJSON(req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, &InitError{StatusCode: se.status, Err: err}
		}
		return nil, &InitError{Err: err}
	}

	lifetime := defaultCredentialLifetime
	if resp.ExpiresIn > 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	}

	claims := parseTokenClaims(resp.WSToken)
	cred := &Credential{
		Token:         resp.WSToken,
		Endpoint:      resp.WSServerURL,
		TenantID:      firstValid(resp.TenantID, claims.TenantID, cfg.TenantID),
		IntegrationID: firstValid(resp.IntegrationID, claims.IntegrationID, cfg.IntegrationID),
		SiteID:        firstValid(resp.SiteID, claims.SiteID, cfg.SiteID),
		ExpiresAt:     i.now().Add(lifetime),
	}

	if resp.ClosedAt != "" {
		// A closed conversation's ids must not be persisted; the next
		// send creates a fresh conversation.
		i.logger.Info("Conversation reported closed by gateway",
			logger.String("closed_at", resp.ClosedAt))
		i.ids.ClearConversation()
		return cred, nil
	}

	if resp.SessionID != "" {
		i.ids.SetConversation(resp.SessionID, resp.VisitorID)
	}

	i.logger.Info("Conversation initialized",
		logger.String("conversation_id", resp.SessionID),
		logger.String("tenant_id", cred.TenantID),
		logger.Time("credential_expires_at", cred.ExpiresAt))

	return cred, nil
}

// firstValid returns the first candidate that is neither empty nor a
// recognized placeholder template value
func firstValid(candidates ...string) string {
	for _, c := range candidates {
		if !config.IsPlaceholder(c) {
			return c
		}
	}
	return ""
}
