package eventbus

import "sync"

// Subject is a hot Observable: values published before a subscription are
// not replayed to it.
type Subject[T any] struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer[T]
	completed bool
}

// NewSubject returns an open Subject with no observers.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{observers: make(map[int]Observer[T])}
}

// Observable exposes the subject for subscription.
func (s *Subject[T]) Observable() Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		s.mu.Lock()
		if s.completed {
			s.mu.Unlock()
			obs.Complete()
			return EmptySubscription()
		}
		id := s.nextID
		s.nextID++
		s.observers[id] = obs
		s.mu.Unlock()
		return NewSubscription(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	})
}

// Publish delivers v to every current observer on the caller's goroutine.
func (s *Subject[T]) Publish(v T) {
	for _, obs := range s.snapshot() {
		obs.Next(v)
	}
}

// Complete ends the subject. Later subscribers complete immediately.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	observers := make([]Observer[T], 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.observers = map[int]Observer[T]{}
	s.mu.Unlock()
	for _, obs := range observers {
		obs.Complete()
	}
}

// Len reports the number of attached observers.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

func (s *Subject[T]) snapshot() []Observer[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observer[T], 0, len(s.observers))
	for _, obs := range s.observers {
		out = append(out, obs)
	}
	return out
}
