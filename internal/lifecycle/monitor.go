// Package lifecycle tracks host application state: foreground/background,
// the new-session pause flag, app version upgrades and the device locale.
package lifecycle

import (
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
)

// Monitor tracks whether the application is in the foreground.
type Monitor struct {
	pubMu      sync.Mutex // serializes transitions with their publication
	mu         sync.Mutex
	foreground bool
	changes    *eventbus.Subject[bool]
}

// NewMonitor returns a monitor that starts in the background.
func NewMonitor() *Monitor {
	return &Monitor{changes: eventbus.NewSubject[bool]()}
}

// SetForeground records a transition to the foreground. It reports whether
// the state changed.
func (m *Monitor) SetForeground() bool { return m.set(true) }

// SetBackground records a transition to the background.
func (m *Monitor) SetBackground() bool { return m.set(false) }

func (m *Monitor) set(fg bool) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	if m.foreground == fg {
		m.mu.Unlock()
		return false
	}
	m.foreground = fg
	m.mu.Unlock()
	m.changes.Publish(fg)
	return true
}

// IsForeground reports the current state.
func (m *Monitor) IsForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// Changes emits true on every foreground transition and false on every
// background transition.
func (m *Monitor) Changes() eventbus.Observable[bool] {
	return m.changes.Observable()
}

// PauseManager holds the flag that suppresses new-session emissions.
type PauseManager struct {
	pubMu   sync.Mutex
	mu      sync.Mutex
	paused  bool
	changes *eventbus.Subject[bool]
}

// NewPauseManager returns an unpaused manager.
func NewPauseManager() *PauseManager {
	return &PauseManager{changes: eventbus.NewSubject[bool]()}
}

// Pause sets the flag.
func (p *PauseManager) Pause() { p.set(true) }

// Resume clears the flag.
func (p *PauseManager) Resume() { p.set(false) }

func (p *PauseManager) set(v bool) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	p.mu.Lock()
	if p.paused == v {
		p.mu.Unlock()
		return
	}
	p.paused = v
	p.mu.Unlock()
	p.changes.Publish(v)
}

// IsPaused reports the flag.
func (p *PauseManager) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Changes emits the new flag value on every change.
func (p *PauseManager) Changes() eventbus.Observable[bool] {
	return p.changes.Observable()
}

// Observers reports how many change observers are attached.
func (m *Monitor) Observers() int { return m.changes.Len() }

// Observers reports how many change observers are attached.
func (p *PauseManager) Observers() int { return p.changes.Len() }
