// Package projectctx caches the per-project conversation bundle the
// dispatcher feeds into team leader runs: recent messages, user
// preferences, and derived metadata. Entries are LRU-evicted at a
// configurable ceiling; all writes go through to the store before the
// cache mutates.
package projectctx

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
)

// Message is one conversation turn kept in the bundle.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the per-project bundle handed to graph runs.
type Context struct {
	ProjectID   string            `json:"project_id"`
	Messages    []Message         `json:"messages"`
	Preferences map[string]string `json:"preferences"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LoadedAt    time.Time         `json:"loaded_at"`
}

func (c *Context) clone() *Context {
	out := &Context{
		ProjectID: c.ProjectID,
		Messages:  append([]Message(nil), c.Messages...),
		LoadedAt:  c.LoadedAt,
	}
	out.Preferences = make(map[string]string, len(c.Preferences))
	for k, v := range c.Preferences {
		out.Preferences[k] = v
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Store is the durable side of the cache.
type Store interface {
	LoadContext(ctx context.Context, projectID string, messageWindow int) (*Context, error)
	AppendMessage(ctx context.Context, projectID string, msg Message) error
	SavePreference(ctx context.Context, projectID, key, value string) error
	Close() error
}

type entry struct {
	bundle  *Context
	element *list.Element
}

// Cache is the LRU front of the store. A per-project lock serializes
// loads and writes for the same project; different projects do not
// contend.
type Cache struct {
	store       Store
	maxProjects int
	maxMessages int
	logger      *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCache creates the cache.
func NewCache(store Store, cfg config.CacheConfig, log *logger.Logger) *Cache {
	maxProjects := cfg.MaxProjects
	if maxProjects <= 0 {
		maxProjects = 100
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &Cache{
		store:       store,
		maxProjects: maxProjects,
		maxMessages: maxMessages,
		logger:      log.WithFields(zap.String("component", "projectctx")),
		entries:     make(map[string]*entry),
		order:       list.New(),
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockProject serializes operations on one project.
func (c *Cache) lockProject(projectID string) func() {
	c.locksMu.Lock()
	lock, ok := c.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[projectID] = lock
	}
	c.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Get returns a copy of the project's bundle, loading it on a miss.
func (c *Cache) Get(ctx context.Context, projectID string) (*Context, error) {
	unlock := c.lockProject(projectID)
	defer unlock()

	bundle, err := c.ensureLoadedLocked(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return bundle.clone(), nil
}

// EnsureLoaded warms the cache for a project.
func (c *Cache) EnsureLoaded(ctx context.Context, projectID string) error {
	unlock := c.lockProject(projectID)
	defer unlock()

	_, err := c.ensureLoadedLocked(ctx, projectID)
	return err
}

// AddMessage appends a conversation turn, write-through. The in-memory
// window is trimmed to the configured maximum; the store keeps the
// full history.
func (c *Cache) AddMessage(ctx context.Context, projectID, role, text string) error {
	unlock := c.lockProject(projectID)
	defer unlock()

	bundle, err := c.ensureLoadedLocked(ctx, projectID)
	if err != nil {
		return err
	}

	msg := Message{Role: role, Text: text, Timestamp: time.Now().UTC()}
	if err := c.store.AppendMessage(ctx, projectID, msg); err != nil {
		return err
	}

	bundle.Messages = append(bundle.Messages, msg)
	if len(bundle.Messages) > c.maxMessages {
		bundle.Messages = bundle.Messages[len(bundle.Messages)-c.maxMessages:]
	}
	return nil
}

// UpdatePreference sets a user preference, write-through.
func (c *Cache) UpdatePreference(ctx context.Context, projectID, key, value string) error {
	unlock := c.lockProject(projectID)
	defer unlock()

	bundle, err := c.ensureLoadedLocked(ctx, projectID)
	if err != nil {
		return err
	}
	if err := c.store.SavePreference(ctx, projectID, key, value); err != nil {
		return err
	}
	bundle.Preferences[key] = value
	return nil
}

// Invalidate drops a project from the cache.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[projectID]; ok {
		c.order.Remove(e.element)
		delete(c.entries, projectID)
	}
}

// Len reports how many projects are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ensureLoadedLocked returns the live bundle, loading and inserting it
// on a miss. Caller holds the project lock; c.mu guards only the map
// and LRU list.
func (c *Cache) ensureLoadedLocked(ctx context.Context, projectID string) (*Context, error) {
	c.mu.Lock()
	if e, ok := c.entries[projectID]; ok {
		c.order.MoveToFront(e.element)
		c.mu.Unlock()
		return e.bundle, nil
	}
	c.mu.Unlock()

	bundle, err := c.store.LoadContext(ctx, projectID, c.maxMessages)
	if err != nil {
		return nil, err
	}
	bundle.LoadedAt = time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Lost race with another key's load of the same project is
	// impossible (per-project lock); re-check anyway for safety.
	if e, ok := c.entries[projectID]; ok {
		c.order.MoveToFront(e.element)
		return e.bundle, nil
	}

	e := &entry{bundle: bundle}
	e.element = c.order.PushFront(projectID)
	c.entries[projectID] = e

	for len(c.entries) > c.maxProjects {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(string)
		c.order.Remove(oldest)
		delete(c.entries, evicted)
		c.logger.Debug("evicted project context", zap.String("project_id", evicted))
	}
	return bundle, nil
}
