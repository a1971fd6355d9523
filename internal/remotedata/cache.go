package remotedata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
)

// Persister stores payload rows so the cache survives restart.
type Persister interface {
	SavePayload(ctx context.Context, p Payload) error
	LoadPayloads(ctx context.Context) ([]Payload, error)
}

// Cache holds the latest payload per type.
//
// Updates observers run on the goroutine that called Put and must not call
// Put synchronously.
type Cache struct {
	mu           sync.RWMutex
	payloads     map[string]Payload
	lastMetadata Metadata

	pubMu   sync.Mutex // orders publication against Updates snapshots
	updates *eventbus.Subject[Payload]

	persist Persister
	logger  *slog.Logger
}

// NewCache returns an empty cache. persist may be nil for a memory-only cache.
func NewCache(persist Persister, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		payloads: make(map[string]Payload),
		updates:  eventbus.NewSubject[Payload](),
		persist:  persist,
		logger:   logger,
	}
}

// Load restores persisted payloads. It does not notify observers.
func (c *Cache) Load(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	rows, err := c.persist.LoadPayloads(ctx)
	if err != nil {
		return fmt.Errorf("load payloads: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var newest int64 = -1
	for _, p := range rows {
		c.payloads[p.Type] = p
		if p.Timestamp > newest {
			newest = p.Timestamp
			c.lastMetadata = p.Metadata
		}
	}
	return nil
}

// Put stores p unless a newer payload of the same type is already cached,
// in which case it returns ErrStalePayload. A persistence
// failure leaves the cache unchanged.
func (c *Cache) Put(ctx context.Context, p Payload) error {
	if p.Type == "" {
		return fmt.Errorf("payload type is required")
	}
	c.mu.Lock()
	if cur, ok := c.payloads[p.Type]; ok && p.Timestamp < cur.Timestamp {
		c.mu.Unlock()
		c.logger.Debug("dropping stale payload", "type", p.Type,
			"timestamp", p.Timestamp, "cached", cur.Timestamp)
		return ErrStalePayload
	}
	if c.persist != nil {
		if err := c.persist.SavePayload(ctx, p); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("persist payload %s: %w", p.Type, err)
		}
	}
	c.payloads[p.Type] = p
	c.lastMetadata = p.Metadata
	c.mu.Unlock()

	c.pubMu.Lock()
	c.updates.Publish(p)
	c.pubMu.Unlock()
	return nil
}

// Get returns the cached payload for t, or the empty sentinel.
func (c *Cache) Get(t string) Payload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.payloads[t]; ok {
		return p
	}
	return EmptyPayload(t)
}

// Types lists the cached payload types.
func (c *Cache) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.payloads))
	for t := range c.payloads {
		out = append(out, t)
	}
	return out
}

// IsCurrent reports whether the metadata of the last stored payload equals m.
// An empty cache is never current.
func (c *Cache) IsCurrent(m Metadata) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.payloads) == 0 {
		return false
	}
	return c.lastMetadata.Equal(m)
}

// Updates is Puts with consecutive equal payloads collapsed.
func (c *Cache) Updates(types ...string) eventbus.Observable[Payload] {
	return eventbus.DistinctUntilChanged(c.Puts(types...), Payload.Equal)
}

// Puts emits the cached payload (or empty sentinel) for each type on
// subscription, then every later Put of those types, including a repeat of
// an equal payload. Consumers that can fail and retry on the next refresh
// subscribe here.
func (c *Cache) Puts(types ...string) eventbus.Observable[Payload] {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return eventbus.Create(func(obs eventbus.Observer[Payload]) eventbus.Subscription {
		c.pubMu.Lock()
		defer c.pubMu.Unlock()
		initial := make([]Payload, 0, len(types))
		for _, t := range types {
			initial = append(initial, c.Get(t))
		}
		sub := c.updates.Observable().Subscribe(eventbus.Observer[Payload]{
			Next: func(p Payload) {
				if want[p.Type] {
					obs.Next(p)
				}
			},
			Complete: obs.Complete,
		})
		for _, p := range initial {
			obs.Next(p)
		}
		return sub
	})
}
