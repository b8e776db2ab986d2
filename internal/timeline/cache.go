package timeline

import (
	"encoding/json"
	"time"

	"github.com/yegors/webchat/pkg/logger"
)

const cacheVersion = 1

// CacheBackend is the persistent envelope store behind the message
// cache. *sqlite.MessageStorage satisfies it.
type CacheBackend interface {
	SaveEnvelope(envelope []byte) error
	LoadEnvelope() ([]byte, bool, error)
	ClearEnvelope() error
}

// envelope is the versioned on-disk shape of the cached timeline
type envelope struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Messages []Message `json:"messages"`
}

// Cache persists the visible timeline for instant reload display. It is
// a pure projection: always safe to discard and rebuild from server
// history, never a source of truth beyond seeding the initial render.
type Cache struct {
	backend CacheBackend
	logger  *logger.Logger
	maxAge  time.Duration
	now     func() time.Time
}

// NewCache creates a message cache. A maxAge of zero falls back to 24
// hours.
func NewCache(backend CacheBackend, maxAge time.Duration, log *logger.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Cache{
		backend: backend,
		logger:  log.Named("msg-cache"),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Save overwrites the cached timeline in bulk. Storage faults are
// logged and swallowed; the cache must never block a send.
func (c *Cache) Save(messages []Message) {
	env := envelope{
		Version:  cacheVersion,
		SavedAt:  c.now().UTC(),
		Messages: messages,
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to marshal message cache", logger.Error(err))
		return
	}
	if err := c.backend.SaveEnvelope(data); err != nil {
		c.logger.Warn("Failed to persist message cache", logger.Error(err))
	}
}

// Load returns the cached timeline, or an empty slice when the cache is
// absent, corrupt, from a different envelope version, or older than the
// retention window. Corrupt and expired entries are actively purged.
func (c *Cache) Load() []Message {
	data, ok, err := c.backend.LoadEnvelope()
	if err != nil {
		c.logger.Warn("Failed to load message cache", logger.Error(err))
		return []Message{}
	}
	if !ok {
		return []Message{}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Version != cacheVersion {
		c.logger.Warn("Discarding corrupt or incompatible message cache")
		c.Clear()
		return []Message{}
	}

	if c.now().Sub(env.SavedAt) > c.maxAge {
		c.logger.Debug("Discarding expired message cache",
			logger.Time("saved_at", env.SavedAt))
		c.Clear()
		return []Message{}
	}

	if env.Messages == nil {
		return []Message{}
	}
	return env.Messages
}

// Clear removes the cached timeline
func (c *Cache) Clear() {
	if err := c.backend.ClearEnvelope(); err != nil {
		c.logger.Warn("Failed to clear message cache", logger.Error(err))
	}
}
