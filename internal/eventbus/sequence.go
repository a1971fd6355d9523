package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSequenceClosed is returned when work is posted to a closed Sequence.
var ErrSequenceClosed = errors.New("sequence closed")

// Sequence is a named serial execution context. Tasks posted to it run one
// at a time, in post order, on a dedicated goroutine.
//
// The queue is unbounded so a task may post follow-up work to its own
// Sequence without deadlocking.
type Sequence struct {
	name   string
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
	done   chan struct{}
}

// NewSequence starts a Sequence.
func NewSequence(name string) *Sequence {
	s := &Sequence{
		name:   name,
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Name returns the label given at construction.
func (s *Sequence) Name() string { return s.name }

// Post enqueues fn. It returns false if the Sequence is closed.
func (s *Sequence) Post(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, fn)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// Run posts fn and waits for it to finish or for ctx to end. If ctx ends
// first, fn still runs but its result is discarded.
func (s *Sequence) Run(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.Post(func() { result <- fn() }) {
		return fmt.Errorf("%s: %w", s.name, ErrSequenceClosed)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued tasks not yet started.
func (s *Sequence) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops accepting work, runs everything already queued, and waits
// for the loop to exit. It must not be called from a task on s.
func (s *Sequence) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sequence) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.tasks
		closed := s.closed
		s.tasks = make([]func(), 0, 16)
		s.mu.Unlock()

		for _, fn := range batch {
			s.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.signal
	}
}

func (s *Sequence) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sequence task panicked", "sequence", s.name, "panic", r)
		}
	}()
	fn()
}
