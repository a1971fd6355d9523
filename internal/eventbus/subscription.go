package eventbus

import (
	"sync"
	"sync/atomic"
)

// Subscription detaches an observer from its source. Cancel is idempotent
// and synchronous: once it returns, the source has released the observer.
type Subscription interface {
	Cancel()
	Cancelled() bool
}

type funcSubscription struct {
	once      sync.Once
	cancelled atomic.Bool
	fn        func()
}

// NewSubscription returns a Subscription that runs fn on first Cancel.
func NewSubscription(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

// EmptySubscription returns a Subscription with nothing to release.
func EmptySubscription() Subscription {
	return &funcSubscription{}
}

func (s *funcSubscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		if s.fn != nil {
			s.fn()
		}
	})
}

func (s *funcSubscription) Cancelled() bool { return s.cancelled.Load() }

// CompositeSubscription cancels a group of subscriptions together.
// Subscriptions added after Cancel are cancelled immediately.
type CompositeSubscription struct {
	mu        sync.Mutex
	subs      []Subscription
	cancelled bool
}

// Add registers s with the group.
func (c *CompositeSubscription) Add(s Subscription) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		s.Cancel()
		return
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()
}

// Cancel releases every subscription in the group.
func (c *CompositeSubscription) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

func (c *CompositeSubscription) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
