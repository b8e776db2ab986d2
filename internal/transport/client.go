package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/gateway"
	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/pkg/logger"
)

// State is the transport connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
)

// credentialExpiryMargin: a credential this close to expiry is treated
// as already expired when classifying a disconnect
const credentialExpiryMargin = 60 * time.Second

// Listener receives transport events. It is injected at construction;
// the transport itself is a state machine with no global callback
// registry, so tests can feed it synthetic events deterministically.
type Listener interface {
	OnMessage(msg timeline.Message)
	OnConnected()
	OnDisconnected(reason string)
	OnError(err error)
	OnPresence(roster []string)
}

// CredentialSource produces fresh realtime credentials.
// *gateway.Initializer satisfies it.
type CredentialSource interface {
	Initialize(ctx context.Context) (*gateway.Credential, error)
}

// Client owns the realtime connection lifecycle: connect, authenticate,
// heartbeat, reconnect with backoff, proactive credential refresh, and
// room subscription.
type Client struct {
	cfg      config.TransportConfig
	creds    CredentialSource
	listener Listener
	identity func() Identity
	logger   *logger.Logger

	dialer websocket.Dialer
	now    func() time.Time

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      State
	conn       *websocket.Conn
	cred       *gateway.Credential
	generation int
	attempts   int

	reconnectTimer *time.Timer
	refreshTimer   *time.Timer
}

// NewClient creates a realtime transport client. The identity function
// supplies the outbound identity bundle at send time so it always
// reflects the current session and conversation.
func NewClient(cfg config.TransportConfig, creds CredentialSource, identity func() Identity, listener Listener, log *logger.Logger) *Client {
	handshake := time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second
	if handshake <= 0 {
		handshake = 45 * time.Second
	}

	return &Client{
		cfg:      cfg,
		creds:    creds,
		listener: listener,
		identity: identity,
		logger:   log.Named("transport"),
		dialer: websocket.Dialer{
			HandshakeTimeout: handshake,
		},
		now:   time.Now,
		state: StateDisconnected,
	}
}

// Initialize obtains a fresh realtime credential via the initializer
// handshake. It does not connect.
func (c *Client) Initialize(ctx context.Context) error {
	cred, err := c.creds.Initialize(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	return nil
}

// Connect establishes the realtime connection. It fails fast when no
// valid unexpired credential is held.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return &TransportError{Reason: "transport is terminated"}
	}
	cred := c.cred
	if cred == nil || cred.Token == "" || cred.Endpoint == "" || cred.Expired(c.now()) {
		c.mu.Unlock()
		return &TransportError{Reason: "no valid realtime credential; initialize first"}
	}
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx, gen, cred)
}

// dial performs one websocket dial under the given generation. The
// credential is presented redundantly: bearer header, query parameter,
// and an in-band auth frame after connect.
func (c *Client) dial(ctx context.Context, gen int, cred *gateway.Credential) error {
	wsURL, err := tokenURL(cred.Endpoint, cred.Token)
	if err != nil {
		return &TransportError{Reason: "invalid transport endpoint", Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", fmt.Sprintf("Bearer %s", cred.Token))

	c.logger.Debug("Dialing realtime endpoint",
		logger.String("endpoint", cred.Endpoint),
		logger.Int("generation", gen))

	conn, _, err := c.dialer.DialContext(ctx, wsURL, headers)

	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		reauth := c.needsReauth(err)
		c.mu.Unlock()
		terr := &TransportError{Reason: "dial failed", Err: err}
		c.listener.OnError(terr)
		c.scheduleReconnect(gen, reauth)
		return terr
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	conversationID := ""
	if c.identity != nil {
		conversationID = c.identity().ConversationID
	}
	c.mu.Unlock()

	if c.cfg.HeartbeatIntervalSeconds > 0 {
		wait := 2 * time.Duration(c.cfg.HeartbeatIntervalSeconds) * time.Second
		conn.SetReadDeadline(c.now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	c.writeJSON(conn, authFrame{Type: frameTypeAuth, Token: cred.Token})
	if conversationID != "" {
		c.writeJSON(conn, joinFrame{Type: frameTypeJoin, ConversationID: conversationID})
	}

	c.logger.Info("Realtime transport connected",
		logger.String("conversation_id", conversationID))
	c.listener.OnConnected()

	c.scheduleRefresh(gen, cred)
	go c.readLoop(gen, conn)
	if c.cfg.HeartbeatIntervalSeconds > 0 {
		go c.heartbeatLoop(gen, conn)
	}

	return nil
}

// readLoop pumps server events to the listener until the connection
// errors out. Within one connection events arrive in server order.
func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnError(gen, err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Failed to parse realtime frame", logger.Error(err))
			continue
		}

		switch frame.Type {
		case frameTypeMessage:
			if frame.Message != nil {
				c.listener.OnMessage(*frame.Message)
			}
		case framePresenceType:
			c.listener.OnPresence(frame.Roster)
		case frameTypeError:
			c.listener.OnError(&TransportError{Reason: frame.Error})
		default:
			c.logger.Debug("Ignoring unknown frame type",
				logger.String("type", frame.Type))
		}
	}
}

// heartbeatLoop sends periodic pings. A failed write pushes the
// connection onto the reconnect path; a missing pong trips the read
// deadline in readLoop.
func (c *Client) heartbeatLoop(gen int, conn *websocket.Conn) {
	interval := time.Duration(c.cfg.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}

		deadline := time.Now().Add(10 * time.Second)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			c.handleConnError(gen, err)
			return
		}
	}
}

// handleConnError moves a live connection onto the reconnect path.
// Stale generations are no-ops so a timer or reader from a previous
// connection can never disturb the current one.
func (c *Client) handleConnError(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateReconnecting
	reauth := c.needsReauth(err)
	c.mu.Unlock()

	c.logger.Warn("Realtime transport disconnected",
		logger.Error(err),
		logger.Bool("needs_reauth", reauth))
	c.listener.OnDisconnected(err.Error())

	c.scheduleReconnect(gen, reauth)
}

// needsReauth classifies a disconnect: an authorization-flavored close
// code, or a credential past (or within a minute of) expiry, requires
// a fresh handshake before redialing. Callers hold no lock ordering
// obligations; c.cred reads happen under c.mu by the callers.
func (c *Client) needsReauth(err error) bool {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation, 4001, 4003) {
		return true
	}
	if c.cred == nil {
		return true
	}
	return c.cred.ExpiringWithin(c.now(), credentialExpiryMargin)
}

// scheduleReconnect arms the backoff timer for the next reconnect
// attempt, or terminates once the attempt ceiling is exhausted.
func (c *Client) scheduleReconnect(gen int, reauth bool) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.state = StateTerminated
		c.cancelTimersLocked()
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("Reconnect attempt ceiling exhausted",
			logger.Int("attempts", attempts-1))
		c.listener.OnError(&TransportError{
			Reason:     "reconnect attempts exhausted",
			Persistent: true,
		})
		return
	}

	c.state = StateReconnecting
	delay := backoffDelay(c.cfg, c.attempts)
	attempt := c.attempts

	c.logger.Info("Scheduling reconnect",
		logger.Int("attempt", attempt),
		logger.Bool("reauth", reauth),
		logger.String("delay", delay.String()))

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.reconnect(gen, reauth)
	})
	c.mu.Unlock()
}

// reconnect runs one reconnect attempt when its backoff timer fires
func (c *Client) reconnect(gen int, reauth bool) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.generation++
	newGen := c.generation
	c.state = StateConnecting
	cred := c.cred
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.HandshakeTimeout)
	defer cancel()

	if reauth || cred == nil || cred.ExpiringWithin(c.now(), credentialExpiryMargin) {
		fresh, err := c.creds.Initialize(ctx)
		if err != nil {
			c.logger.Error("Credential refresh before reconnect failed", logger.Error(err))
			c.listener.OnError(&TransportError{Reason: "credential refresh failed", Err: err})
			c.scheduleReconnect(newGen, true)
			return
		}
		c.mu.Lock()
		if newGen != c.generation {
			c.mu.Unlock()
			return
		}
		c.cred = fresh
		c.mu.Unlock()
		cred = fresh
	}

	c.dial(ctx, newGen, cred)
}

// scheduleRefresh arms the proactive credential refresh at 80% of the
// remaining credential lifetime. Skipped when under a minute remains.
func (c *Client) scheduleRefresh(gen int, cred *gateway.Credential) {
	delay := cred.RefreshAfter(c.now())
	if delay <= 0 {
		c.logger.Debug("Skipping proactive refresh, credential lifetime too short")
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.refreshTimer = time.AfterFunc(delay, func() {
		c.refreshCredential(gen)
	})
	c.mu.Unlock()

	c.logger.Debug("Scheduled proactive credential refresh",
		logger.String("in", delay.String()))
}

// refreshCredential silently re-runs the initializer near credential
// expiry and cycles the connection with the new credential. The caller
// observes a momentary reconnect, never a dropped session.
func (c *Client) refreshCredential(gen int) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fresh, err := c.creds.Initialize(ctx)
	if err != nil {
		// The connection stays up; the reconnect path re-authenticates
		// when the stale credential finally gets the connection closed.
		c.logger.Warn("Proactive credential refresh failed", logger.Error(err))
		c.listener.OnError(&TransportError{Reason: "credential refresh failed", Err: err})
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.cred = fresh
	old := c.conn
	c.conn = nil
	c.generation++
	newGen := c.generation
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	c.logger.Info("Cycling connection with refreshed credential")
	c.dial(ctx, newGen, fresh)
}

// SendMessage sends a message over the realtime channel. It fails fast
// with a *ConfigError before any network activity when the routing
// identity is absent or a placeholder, and with a *TransportError when
// the transport is not connected.
func (c *Client) SendMessage(text, tempID string) error {
	if c.identity == nil {
		return &ConfigError{Field: "identity"}
	}
	id := c.identity()

	if config.IsPlaceholder(id.TenantID) {
		return &ConfigError{Field: "tenant_id", Value: id.TenantID}
	}
	if id.SessionID == "" {
		return &ConfigError{Field: "session_id"}
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return &TransportError{Reason: "not connected"}
	}

	frame := outboundMessage{
		Type:           frameTypeMessage,
		Text:           text,
		TempID:         tempID,
		SessionID:      id.SessionID,
		Fingerprint:    id.Fingerprint,
		ConversationID: id.ConversationID,
		VisitorID:      id.VisitorID,
		TenantID:       id.TenantID,
		IntegrationID:  id.IntegrationID,
		SiteID:         id.SiteID,
		UserID:         id.UserID,
		Domain:         id.Domain,
		Origin:         id.Origin,
		URL:            id.PageURL,
		Referrer:       id.Referrer,
	}

	if err := c.writeJSON(conn, frame); err != nil {
		return &TransportError{Reason: "send failed", Err: err}
	}
	return nil
}

// Disconnect terminates the transport: all pending timers are
// cancelled atomically with the teardown, and no in-flight
// re-initialization can resurrect the connection afterward.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.state = StateTerminated
	c.cancelTimersLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}

	c.logger.Info("Realtime transport terminated")
}

// cancelTimersLocked stops all pending timers. Caller holds c.mu.
func (c *Client) cancelTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// IsConnected reports whether the transport is currently connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// writeJSON serializes concurrent writers onto the single websocket
// writer gorilla allows
func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// backoffDelay returns the reconnect delay for the given attempt:
// exponential from the configured initial value, capped at the
// configured ceiling. Successive delays are non-decreasing.
func backoffDelay(cfg config.TransportConfig, attempt int) time.Duration {
	initial := time.Duration(cfg.ReconnectInitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	max := time.Duration(cfg.ReconnectMaxBackoffMs) * time.Millisecond
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := initial << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// tokenURL appends the credential as a query parameter to the
// transport endpoint
func tokenURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
