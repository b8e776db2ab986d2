package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/gateway"
	"github.com/yegors/webchat/internal/identity"
	"github.com/yegors/webchat/internal/storage/sqlite"
	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/internal/transport"
	"github.com/yegors/webchat/pkg/logger"
)

// EventListener receives client events. All methods are optional to
// care about; implementations must not block.
type EventListener interface {
	// OnTimeline fires after every timeline mutation with the full
	// ordered message list
	OnTimeline(messages []timeline.Message)
	// OnConnectionState fires on realtime connect/disconnect
	OnConnectionState(connected bool)
	// OnError surfaces transport and refresh errors for on-demand
	// display; it never signals a blocked input path
	OnError(err error)
	// OnPresence fires with the agent roster on privileged connections
	OnPresence(roster []string)
}

// Client is the embeddable chat client core: it maintains a durable,
// reconnecting realtime session against the chat gateway and
// reconciles optimistic local state with authoritative server echoes.
type Client struct {
	cfg      *config.Config
	logger   *logger.Logger
	events   EventListener
	storage  *sqlite.StateStorage
	ids      *identity.Store
	cache    *timeline.Cache
	gw       *gateway.Client
	init     *gateway.Initializer
	rt       *transport.Client

	mu       sync.Mutex
	messages []timeline.Message
	cred     *gateway.Credential

	now func() time.Time
}

// New creates a webchat client from configuration. The event listener
// may be nil when the embedder polls Messages instead.
func New(cfg *config.Config, events EventListener, log *logger.Logger) (*Client, error) {
	storage, err := sqlite.NewStateStorage(cfg.Storage.SQLitePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open client state storage: %w", err)
	}

	sessionTTL := time.Duration(cfg.Identity.SessionTTLHours) * time.Hour
	conversationTTL := time.Duration(cfg.Identity.ConversationTTLHours) * time.Hour

	c := &Client{
		cfg:     cfg,
		logger:  log.Named("webchat"),
		events:  events,
		storage: storage,
		ids:     identity.NewStore(storage, sessionTTL, conversationTTL, log),
		cache: timeline.NewCache(
			sqlite.NewMessageStorage(storage.GetDB(), log),
			conversationTTL,
			log,
		),
		now: time.Now,
	}

	c.gw = gateway.NewClient(cfg.Gateway, log)
	c.init = gateway.NewInitializer(c.gw, c.ids, log)
	c.rt = transport.NewClient(
		cfg.Transport,
		&credSource{c: c},
		c.identityBundle,
		&transportEvents{c: c},
		log,
	)

	return c, nil
}

// Start brings the client up: expiry reset, cached timeline for
// instant display, session bookkeeping, the init handshake, history
// merge, and the realtime connection. A failed realtime connect is not
// fatal — the synchronous fallback path stays available.
func (c *Client) Start(ctx context.Context) error {
	c.resetIfExpired()

	cached := c.cache.Load()
	c.mu.Lock()
	c.messages = cached
	c.mu.Unlock()
	c.notifyTimeline()

	sessionID := c.ids.GetOrCreateSessionID()
	c.gw.TrackSession(ctx, sessionID)
	c.gw.TrackOpen(ctx, sessionID)

	if err := c.rt.Initialize(ctx); err != nil {
		return fmt.Errorf("conversation initialization failed: %w", err)
	}

	c.syncHistory(ctx)

	if err := c.rt.Connect(ctx); err != nil {
		c.logger.Warn("Realtime connect failed, falling back to request path",
			logger.Error(err))
	}

	return nil
}

// Send delivers a message, preferring the realtime transport and
// degrading to the synchronous request path. The message appears in
// the timeline immediately with pending status; a definitive failure
// leaves it visible as failed and returns a descriptive error.
func (c *Client) Send(ctx context.Context, text string) error {
	c.resetIfExpired()
	c.ids.RefreshSession()

	local := timeline.NewLocalMessage(text, c.now())
	c.mu.Lock()
	c.messages = append(append([]timeline.Message(nil), c.messages...), local)
	c.mu.Unlock()
	c.persistAndNotify()

	err := c.rt.SendMessage(text, local.ID)
	if err == nil {
		// Delivered status arrives with the server echo
		return nil
	}

	var cfgErr *transport.ConfigError
	if errors.As(err, &cfgErr) {
		// Configuration-integrity failure: never retried, surfaced to
		// the operator rather than the end user
		c.markFailed(local.ID)
		return cfgErr
	}

	c.logger.Debug("Realtime send unavailable, using request path",
		logger.Error(err))
	return c.sendFallback(ctx, local, text)
}

// sendFallback posts the message over HTTP and reconciles the
// response echo
func (c *Client) sendFallback(ctx context.Context, local timeline.Message, text string) error {
	id := c.identityBundle()
	resp, err := c.gw.SendMessage(ctx, gateway.MessageRequest{
		Text:           text,
		SessionID:      id.SessionID,
		Fingerprint:    id.Fingerprint,
		ConversationID: id.ConversationID,
		TenantID:       id.TenantID,
		UserID:         id.UserID,
		TempID:         local.ID,
		Domain:         id.Domain,
		Origin:         id.Origin,
		URL:            id.PageURL,
		Referrer:       id.Referrer,
		SiteID:         id.SiteID,
	})
	if err != nil {
		c.markFailed(local.ID)
		return fmt.Errorf("message delivery failed: %w", err)
	}

	if resp.ConversationClosed || resp.ClosedAt != "" {
		// Closed ids are never persisted; the next send opens fresh
		c.ids.ClearConversation()
	} else if resp.SessionID != "" {
		if _, ok := c.ids.ConversationID(); !ok {
			c.ids.SetConversation(resp.SessionID, "")
		}
	}

	if resp.Message.ID != "" {
		c.applyInbound(resp.Message)
		return nil
	}

	// No echo in the response body; the send still succeeded
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].ID == local.ID {
			c.messages[i].DeliveryStatus = timeline.StatusDelivered
		}
	}
	c.mu.Unlock()
	c.persistAndNotify()
	return nil
}

// Messages returns a copy of the current timeline
func (c *Client) Messages() []timeline.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]timeline.Message(nil), c.messages...)
}

// Connected reports whether the realtime transport is up
func (c *Client) Connected() bool {
	return c.rt.IsConnected()
}

// Reset tears down the session wholesale: ids and cached timeline are
// cleared, the device fingerprint survives. Used for explicit logout.
func (c *Client) Reset() {
	c.ids.ClearSession()
	c.cache.Clear()
	c.mu.Lock()
	c.messages = nil
	c.cred = nil
	c.mu.Unlock()
	c.notifyTimeline()
}

// Close disconnects the transport and releases storage
func (c *Client) Close() error {
	c.rt.Disconnect()
	return c.storage.Close()
}

// resetIfExpired forces a full reset when either identity clock has
// run out. Session and conversation expire independently, but each,
// when expired, clears the cached timeline along with the ids.
func (c *Client) resetIfExpired() {
	conversationExpired := c.ids.IsConversationExpired()
	sessionExpired := !c.ids.HasValidSession()

	if !conversationExpired && !sessionExpired {
		return
	}

	c.logger.Info("Identity expired, resetting client state",
		logger.Bool("session_expired", sessionExpired),
		logger.Bool("conversation_expired", conversationExpired))

	if sessionExpired {
		c.ids.ClearSession()
	} else {
		c.ids.ClearConversation()
	}
	c.cache.Clear()
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// syncHistory fetches authoritative history and merges it over the
// cached timeline
func (c *Client) syncHistory(ctx context.Context) {
	sessionID := c.ids.GetOrCreateSessionID()
	conversationID, _ := c.ids.ConversationID()

	fetched, err := c.gw.FetchHistory(ctx, sessionID, conversationID, c.cfg.Gateway.UserID)
	if err != nil {
		c.logger.Warn("History fetch failed, keeping cached timeline",
			logger.Error(err))
		return
	}

	for i := range fetched {
		if fetched[i].Sender != "" {
			fetched[i].Sender = timeline.NormalizeSender(string(fetched[i].Sender))
		}
	}

	c.mu.Lock()
	c.messages = timeline.MergeHistory(c.messages, fetched)
	c.mu.Unlock()
	c.persistAndNotify()
}

// applyInbound reconciles one server message into the timeline
func (c *Client) applyInbound(m timeline.Message) {
	if m.Sender != "" {
		m.Sender = timeline.NormalizeSender(string(m.Sender))
	}

	c.mu.Lock()
	c.messages = timeline.Apply(c.messages, m)
	c.mu.Unlock()
	c.persistAndNotify()
}

// markFailed flips a timeline entry to failed status; it stays visible
// so the UI can offer a retry
func (c *Client) markFailed(id string) {
	c.mu.Lock()
	c.messages = timeline.MarkFailed(c.messages, id)
	c.mu.Unlock()
	c.persistAndNotify()
}

// identityBundle assembles the outbound identity bundle from the
// identity store, the resolved credential, and static configuration
func (c *Client) identityBundle() transport.Identity {
	conversationID, _ := c.ids.ConversationID()
	visitorID, _ := c.ids.VisitorID()

	c.mu.Lock()
	cred := c.cred
	c.mu.Unlock()

	id := transport.Identity{
		SessionID:      c.ids.GetOrCreateSessionID(),
		Fingerprint:    c.ids.GetOrCreateFingerprint(),
		ConversationID: conversationID,
		VisitorID:      visitorID,
		TenantID:       c.cfg.Gateway.TenantID,
		IntegrationID:  c.cfg.Gateway.IntegrationID,
		SiteID:         c.cfg.Gateway.SiteID,
		UserID:         c.cfg.Gateway.UserID,
		Domain:         c.cfg.Gateway.Domain,
		Origin:         c.cfg.Gateway.Origin,
		PageURL:        c.cfg.Gateway.PageURL,
		Referrer:       c.cfg.Gateway.Referrer,
	}

	// The handshake's resolved routing identity is authoritative over
	// anything the embedder supplied
	if cred != nil {
		if cred.TenantID != "" {
			id.TenantID = cred.TenantID
		}
		if cred.IntegrationID != "" {
			id.IntegrationID = cred.IntegrationID
		}
		if cred.SiteID != "" {
			id.SiteID = cred.SiteID
		}
	}

	return id
}

// persistAndNotify writes the timeline to the message cache and fires
// the timeline event
func (c *Client) persistAndNotify() {
	c.mu.Lock()
	snapshot := append([]timeline.Message(nil), c.messages...)
	c.mu.Unlock()

	c.cache.Save(snapshot)
	if c.events != nil {
		c.events.OnTimeline(snapshot)
	}
}

func (c *Client) notifyTimeline() {
	if c.events == nil {
		return
	}
	c.mu.Lock()
	snapshot := append([]timeline.Message(nil), c.messages...)
	c.mu.Unlock()
	c.events.OnTimeline(snapshot)
}

// credSource lets the transport re-run the init handshake while the
// facade keeps sight of the freshest resolved credential
type credSource struct {
	c *Client
}

func (s *credSource) Initialize(ctx context.Context) (*gateway.Credential, error) {
	cred, err := s.c.init.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	s.c.mu.Lock()
	s.c.cred = cred
	s.c.mu.Unlock()
	return cred, nil
}

// transportEvents adapts transport callbacks onto the facade
type transportEvents struct {
	c *Client
}

func (t *transportEvents) OnMessage(m timeline.Message) {
	t.c.applyInbound(m)
}

func (t *transportEvents) OnConnected() {
	if t.c.events != nil {
		t.c.events.OnConnectionState(true)
	}
}

func (t *transportEvents) OnDisconnected(reason string) {
	t.c.logger.Debug("Transport disconnected", logger.String("reason", reason))
	if t.c.events != nil {
		t.c.events.OnConnectionState(false)
	}
}

func (t *transportEvents) OnError(err error) {
	if t.c.events != nil {
		t.c.events.OnError(err)
	}
}

func (t *transportEvents) OnPresence(roster []string) {
	if t.c.events != nil {
		t.c.events.OnPresence(roster)
	}
}
