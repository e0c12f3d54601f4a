package registry

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultConversationTTL = 30 * time.Minute

// ConversationEntry maps a long-lived external conversation to the provider
// session id that carries its context.
type ConversationEntry struct {
	SessionID    string
	ProviderID   string
	LastActiveAt time.Time
}

// ConversationRegistry keys provider sessions by (platform, conversation id)
// so the one-shot bot flow can resume context across webhook deliveries.
// Entries idle past the TTL are evicted by a periodic sweep that never runs
// inside the request path.
type ConversationRegistry struct {
	mu      sync.RWMutex
	entries map[string]*ConversationEntry
	ttl     time.Duration
	cron    *cron.Cron
}

func NewConversationRegistry(ttl time.Duration) *ConversationRegistry {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &ConversationRegistry{
		entries: make(map[string]*ConversationEntry),
		ttl:     ttl,
	}
}

func conversationKey(platform, conversationID string) string {
	return platform + "\x00" + conversationID
}

// Lookup returns the live entry for the conversation, if it has not expired.
// Expired entries are treated as absent even before the sweep removes them.
func (c *ConversationRegistry) Lookup(platform, conversationID string) (ConversationEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conversationKey(platform, conversationID)]
	if !ok || time.Since(e.LastActiveAt) > c.ttl {
		return ConversationEntry{}, false
	}
	return *e, true
}

// Bind records the provider session now carrying the conversation's context,
// replacing any previous binding.
func (c *ConversationRegistry) Bind(platform, conversationID, providerID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationKey(platform, conversationID)] = &ConversationEntry{
		SessionID:    sessionID,
		ProviderID:   providerID,
		LastActiveAt: time.Now(),
	}
}

// Touch refreshes the conversation's activity time.
func (c *ConversationRegistry) Touch(platform, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[conversationKey(platform, conversationID)]; ok {
		e.LastActiveAt = time.Now()
	}
}

func (c *ConversationRegistry) Drop(platform, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationKey(platform, conversationID))
}

// Sweep evicts entries idle past the TTL and returns how many were removed.
func (c *ConversationRegistry) Sweep() int {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.LastActiveAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper schedules the periodic sweep. Stop the returned cron via
// StopSweeper on shutdown.
func (c *ConversationRegistry) StartSweeper(spec string) error {
	if spec == "" {
		spec = "@every 1m"
	}
	cr := cron.New()
	if _, err := cr.AddFunc(spec, func() { c.Sweep() }); err != nil {
		return err
	}
	cr.Start()
	c.mu.Lock()
	c.cron = cr
	c.mu.Unlock()
	return nil
}

func (c *ConversationRegistry) StopSweeper() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr != nil {
		cr.Stop()
	}
}

func (c *ConversationRegistry) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
