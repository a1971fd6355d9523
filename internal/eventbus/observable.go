// Package eventbus provides push-based, cancellable event sources and the
// serial execution contexts they are marshaled onto.
//
// An Observable is cold: nothing happens until Subscribe, and each
// subscription runs the source's subscribe function anew. Delivery is
// synchronous on whichever goroutine the source emits from, so a single
// subscription is single-threaded unless the source itself is not. Use
// SubscribeOn / ObserveOn to move work onto a named Sequence.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Observer receives values pushed by an Observable. Either callback may be nil.
type Observer[T any] struct {
	Next     func(T)
	Complete func()
}

// Observable is a cold push-based source of T.
type Observable[T any] struct {
	subscribe func(Observer[T]) Subscription
}

// Create builds an Observable from a subscribe function. fn must return a
// Subscription that stops emission when cancelled.
func Create[T any](fn func(Observer[T]) Subscription) Observable[T] {
	return Observable[T]{subscribe: fn}
}

// Subscribe attaches obs. After the returned Subscription is cancelled no
// further Next or Complete reaches obs, and Complete is delivered at most once.
func (o Observable[T]) Subscribe(obs Observer[T]) Subscription {
	var stopped atomic.Bool
	guarded := Observer[T]{
		Next: func(v T) {
			if stopped.Load() || obs.Next == nil {
				return
			}
			obs.Next(v)
		},
		Complete: func() {
			if stopped.Swap(true) || obs.Complete == nil {
				return
			}
			obs.Complete()
		},
	}
	if o.subscribe == nil {
		guarded.Complete()
		return EmptySubscription()
	}
	inner := o.subscribe(guarded)
	return NewSubscription(func() {
		stopped.Store(true)
		if inner != nil {
			inner.Cancel()
		}
	})
}

// Just emits vals in order, then completes.
func Just[T any](vals ...T) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		for _, v := range vals {
			obs.Next(v)
		}
		obs.Complete()
		return EmptySubscription()
	})
}

// Empty completes immediately.
func Empty[T any]() Observable[T] {
	return Just[T]()
}

// Never emits nothing and never completes.
func Never[T any]() Observable[T] {
	return Create(func(Observer[T]) Subscription { return EmptySubscription() })
}

// Defer calls factory on every subscription.
func Defer[T any](factory func() Observable[T]) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		return factory().Subscribe(obs)
	})
}

// Map transforms every value.
func Map[T, R any](o Observable[T], fn func(T) R) Observable[R] {
	return Create(func(obs Observer[R]) Subscription {
		return o.Subscribe(Observer[T]{
			Next:     func(v T) { obs.Next(fn(v)) },
			Complete: obs.Complete,
		})
	})
}

// Filter forwards only values for which keep returns true.
func Filter[T any](o Observable[T], keep func(T) bool) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		return o.Subscribe(Observer[T]{
			Next: func(v T) {
				if keep(v) {
					obs.Next(v)
				}
			},
			Complete: obs.Complete,
		})
	})
}

// DistinctUntilChanged drops values equal to the previous one.
func DistinctUntilChanged[T any](o Observable[T], eq func(a, b T) bool) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		var (
			mu   sync.Mutex
			last T
			seen bool
		)
		return o.Subscribe(Observer[T]{
			Next: func(v T) {
				mu.Lock()
				dup := seen && eq(last, v)
				last, seen = v, true
				mu.Unlock()
				if !dup {
					obs.Next(v)
				}
			},
			Complete: obs.Complete,
		})
	})
}

// Merge interleaves all sources and completes when every source has.
func Merge[T any](sources ...Observable[T]) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		if len(sources) == 0 {
			obs.Complete()
			return EmptySubscription()
		}
		var remaining atomic.Int32
		remaining.Store(int32(len(sources)))
		group := &CompositeSubscription{}
		for _, src := range sources {
			group.Add(src.Subscribe(Observer[T]{
				Next: obs.Next,
				Complete: func() {
					if remaining.Add(-1) == 0 {
						obs.Complete()
					}
				},
			}))
		}
		return group
	})
}

// Concat subscribes to each source only after the previous one completes.
func Concat[T any](sources ...Observable[T]) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		var (
			mu        sync.Mutex
			current   Subscription
			active    int
			cancelled bool
		)
		var next func(i int)
		next = func(i int) {
			mu.Lock()
			if cancelled {
				mu.Unlock()
				return
			}
			active = i
			current = nil
			mu.Unlock()
			if i >= len(sources) {
				obs.Complete()
				return
			}
			sub := sources[i].Subscribe(Observer[T]{
				Next:     obs.Next,
				Complete: func() { next(i + 1) },
			})
			mu.Lock()
			if cancelled {
				mu.Unlock()
				sub.Cancel()
				return
			}
			// a source that completed during Subscribe has already
			// handed the slot to its successor
			if active == i {
				current = sub
			}
			mu.Unlock()
		}
		next(0)
		return NewSubscription(func() {
			mu.Lock()
			cancelled = true
			sub := current
			mu.Unlock()
			if sub != nil {
				sub.Cancel()
			}
		})
	})
}

// FlatMap subscribes to fn(v) for every outer value and merges the results.
// It completes once the outer source and every inner source have completed.
func FlatMap[T, R any](o Observable[T], fn func(T) Observable[R]) Observable[R] {
	return Create(func(obs Observer[R]) Subscription {
		group := &CompositeSubscription{}
		var active atomic.Int32
		active.Store(1)
		done := func() {
			if active.Add(-1) == 0 {
				obs.Complete()
			}
		}
		group.Add(o.Subscribe(Observer[T]{
			Next: func(v T) {
				active.Add(1)
				group.Add(fn(v).Subscribe(Observer[R]{Next: obs.Next, Complete: done}))
			},
			Complete: done,
		}))
		return group
	})
}

// SubscribeOn performs the subscription on seq.
func SubscribeOn[T any](o Observable[T], seq *Sequence) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		group := &CompositeSubscription{}
		seq.Post(func() {
			if group.Cancelled() {
				return
			}
			group.Add(o.Subscribe(obs))
		})
		return group
	})
}

// ObserveOn delivers every callback on seq, preserving order.
func ObserveOn[T any](o Observable[T], seq *Sequence) Observable[T] {
	return Create(func(obs Observer[T]) Subscription {
		var stopped atomic.Bool
		sub := o.Subscribe(Observer[T]{
			Next: func(v T) {
				seq.Post(func() {
					if !stopped.Load() {
						obs.Next(v)
					}
				})
			},
			Complete: func() {
				seq.Post(func() {
					if !stopped.Load() {
						obs.Complete()
					}
				})
			},
		})
		return NewSubscription(func() {
			stopped.Store(true)
			sub.Cancel()
		})
	})
}
