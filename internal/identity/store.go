package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/yegors/webchat/pkg/logger"
)

// Storage keys. All client state lives under namespaced keys with
// independent read/write accessors.
const (
	keySessionID             = "webchat_session_id"
	keySessionCreatedAt      = "webchat_session_created_at"
	keyFingerprint           = "webchat_fingerprint"
	keyConversationID        = "webchat_conversation_id"
	keyVisitorID             = "webchat_visitor_id"
	keyConversationCreatedAt = "webchat_conversation_created_at"
)

// Backend is the persistent key/value store behind the identity store.
// *sqlite.StateStorage satisfies it.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Store owns the browser-profile identity: session id, device
// fingerprint, conversation id, and visitor id, each with its own
// expiration clock. Storage faults degrade to an in-memory store and
// are never surfaced to callers; identity must not block sending.
type Store struct {
	backend Backend
	mem     *gocache.Cache
	logger  *logger.Logger

	sessionTTL      time.Duration
	conversationTTL time.Duration

	// now is replaceable in tests
	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new identity store backed by the given persistent
// storage. TTLs of zero fall back to 24 hours.
func NewStore(backend Backend, sessionTTL, conversationTTL time.Duration, log *logger.Logger, opts ...Option) *Store {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if conversationTTL <= 0 {
		conversationTTL = 24 * time.Hour
	}

	s := &Store{
		backend:         backend,
		mem:             gocache.New(gocache.NoExpiration, 10*time.Minute),
		logger:          log.Named("identity"),
		sessionTTL:      sessionTTL,
		conversationTTL: conversationTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get reads a key, falling back to the in-memory store on backend faults
func (s *Store) get(key string) (string, bool) {
	value, ok, err := s.backend.Get(key)
	if err != nil {
		s.logger.Warn("State read failed, using in-memory value",
			logger.String("key", key),
			logger.Error(err))
		if v, found := s.mem.Get(key); found {
			return v.(string), true
		}
		return "", false
	}
	return value, ok
}

// set writes a key to both the backend and the in-memory fallback.
// Backend faults are logged and swallowed.
func (s *Store) set(key, value string) {
	s.mem.Set(key, value, gocache.NoExpiration)
	if err := s.backend.Set(key, value); err != nil {
		s.logger.Warn("State write failed, value kept in memory only",
			logger.String("key", key),
			logger.Error(err))
	}
}

func (s *Store) del(key string) {
	s.mem.Delete(key)
	if err := s.backend.Delete(key); err != nil {
		s.logger.Warn("State delete failed",
			logger.String("key", key),
			logger.Error(err))
	}
}

// GetOrCreateSessionID returns the current session id, generating and
// persisting a fresh one if none exists or the stored one has expired.
func (s *Store) GetOrCreateSessionID() string {
	if s.HasValidSession() {
		if id, ok := s.get(keySessionID); ok {
			return id
		}
	}

	id := fmt.Sprintf("session-%d-%09d", s.now().UnixMilli(), rand.Intn(1_000_000_000))
	s.set(keySessionID, id)
	s.set(keySessionCreatedAt, s.now().UTC().Format(time.RFC3339))

	s.logger.Info("Created new session", logger.String("session_id", id))
	return id
}

// GetOrCreateFingerprint returns the stable device fingerprint,
// generating one on first use. Fingerprints never expire.
func (s *Store) GetOrCreateFingerprint() string {
	if fp, ok := s.get(keyFingerprint); ok && fp != "" {
		return fp
	}

	fp := "fp-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.set(keyFingerprint, fp)

	s.logger.Debug("Generated device fingerprint", logger.String("fingerprint", fp))
	return fp
}

// HasValidSession reports whether a session exists and its creation
// timestamp is within the session TTL.
func (s *Store) HasValidSession() bool {
	if _, ok := s.get(keySessionID); !ok {
		return false
	}
	createdAt, ok := s.createdAt(keySessionCreatedAt)
	if !ok {
		return false
	}
	return s.now().Sub(createdAt) < s.sessionTTL
}

// RefreshSession bumps the session creation timestamp. Called on every
// outbound message so an active chat never expires mid-conversation.
func (s *Store) RefreshSession() {
	if _, ok := s.get(keySessionID); !ok {
		return
	}
	s.set(keySessionCreatedAt, s.now().UTC().Format(time.RFC3339))
}

// ClearSession removes the session and cascades to the conversation.
// The fingerprint is device-level, not session-level, and survives.
func (s *Store) ClearSession() {
	s.del(keySessionID)
	s.del(keySessionCreatedAt)
	s.ClearConversation()
}

// ConversationID returns the current conversation id. An expired
// conversation is cleared and reported as absent.
func (s *Store) ConversationID() (string, bool) {
	if s.IsConversationExpired() {
		s.ClearConversation()
		return "", false
	}
	id, ok := s.get(keyConversationID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// SetConversation stores the conversation identity and restarts its
// expiration clock
func (s *Store) SetConversation(conversationID, visitorID string) {
	s.set(keyConversationID, conversationID)
	if visitorID != "" {
		s.set(keyVisitorID, visitorID)
	}
	s.set(keyConversationCreatedAt, s.now().UTC().Format(time.RFC3339))
}

// VisitorID returns the visitor id. It is only readable while the
// owning conversation is unexpired.
func (s *Store) VisitorID() (string, bool) {
	if s.IsConversationExpired() {
		s.ClearConversation()
		return "", false
	}
	id, ok := s.get(keyVisitorID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ClearConversation removes the conversation id, visitor id, and the
// conversation clock
func (s *Store) ClearConversation() {
	s.del(keyConversationID)
	s.del(keyVisitorID)
	s.del(keyConversationCreatedAt)
}

// IsConversationExpired reports whether a stored conversation has
// outlived its TTL. A missing conversation is not expired; a
// conversation with an unreadable clock is.
func (s *Store) IsConversationExpired() bool {
	if id, ok := s.get(keyConversationID); !ok || id == "" {
		return false
	}
	createdAt, ok := s.createdAt(keyConversationCreatedAt)
	if !ok {
		return true
	}
	return s.now().Sub(createdAt) >= s.conversationTTL
}

// createdAt reads and parses a stored RFC3339 timestamp
func (s *Store) createdAt(key string) (time.Time, bool) {
	raw, ok := s.get(key)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("Corrupt timestamp in client state",
			logger.String("key", key),
			logger.String("value", raw))
		return time.Time{}, false
	}
	return t, true
}
