// Package trigger turns a schedule's trigger specs into live event
// subscriptions and counts their emissions toward each trigger's goal.
package trigger

import (
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/event"
	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/lifecycle"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// Emission is one value pushed by a trigger source.
type Emission struct {
	// Document is what the trigger predicate is evaluated against. It may be nil.
	Document condition.Document
	// Increment is added to the trigger count. Zero counts as 1.
	Increment float64
}

func (e Emission) amount() float64 {
	if e.Increment == 0 {
		return 1
	}
	return e.Increment
}

// Foregrounded emits once if the app is in the foreground at subscription
// time, then completes.
func Foregrounded(m *lifecycle.Monitor) eventbus.Observable[Emission] {
	return eventbus.Create(func(obs eventbus.Observer[Emission]) eventbus.Subscription {
		if m.IsForeground() {
			obs.Next(Emission{})
		}
		obs.Complete()
		return eventbus.EmptySubscription()
	})
}

// NewSession emits on every transition to the foreground. A transition
// that happens while paused is held and emitted on resume, unless the app
// went back to the background first.
func NewSession(m *lifecycle.Monitor, pause *lifecycle.PauseManager) eventbus.Observable[Emission] {
	return eventbus.Create(func(obs eventbus.Observer[Emission]) eventbus.Subscription {
		var (
			mu      sync.Mutex
			pending bool
		)
		group := &eventbus.CompositeSubscription{}
		group.Add(m.Changes().Subscribe(eventbus.Observer[bool]{
			Next: func(fg bool) {
				mu.Lock()
				emit := false
				switch {
				case !fg:
					pending = false
				case pause.IsPaused():
					pending = true
				default:
					pending = false
					emit = true
				}
				mu.Unlock()
				if emit {
					obs.Next(Emission{})
				}
			},
		}))
		group.Add(pause.Changes().Subscribe(eventbus.Observer[bool]{
			Next: func(paused bool) {
				mu.Lock()
				emit := !paused && pending
				if emit {
					pending = false
				}
				mu.Unlock()
				if emit {
					obs.Next(Emission{})
				}
			},
		}))
		return group
	})
}

// AppVersionUpdated emits the version document once if the app was
// upgraded since the last launch, then completes.
func AppVersionUpdated(v *lifecycle.VersionTracker) eventbus.Observable[Emission] {
	return eventbus.Defer(func() eventbus.Observable[Emission] {
		if v == nil || !v.Updated() {
			return eventbus.Empty[Emission]()
		}
		return eventbus.Just(Emission{Document: v.Document()})
	})
}

// CustomEvents maps analytics events to emissions for one custom event
// trigger type. Count triggers add 1 per event; the others add the event's
// value.
func CustomEvents(events eventbus.Observable[*event.CustomEvent], t schedule.TriggerType) eventbus.Observable[Emission] {
	return eventbus.Map(events, func(ev *event.CustomEvent) Emission {
		inc := ev.Increment()
		if t == schedule.TriggerCustomEventCount {
			inc = 1
		}
		return Emission{Document: ev.Document(), Increment: inc}
	})
}

func transitions(m *lifecycle.Monitor, fg bool) eventbus.Observable[Emission] {
	return eventbus.Map(
		eventbus.Filter(m.Changes(), func(v bool) bool { return v == fg }),
		func(bool) Emission { return Emission{} },
	)
}

// Sources holds the event streams every trigger type draws from.
type Sources struct {
	monitor *lifecycle.Monitor
	pause   *lifecycle.PauseManager
	version *lifecycle.VersionTracker
	events  eventbus.Observable[*event.CustomEvent]
	states  eventbus.Observable[condition.Document]

	initOnce sync.Once
	appInit  *eventbus.Subject[Emission]
}

// NewSources wires the trigger streams. version may be nil when upgrades
// are not tracked.
func NewSources(
	monitor *lifecycle.Monitor,
	pause *lifecycle.PauseManager,
	version *lifecycle.VersionTracker,
	events eventbus.Observable[*event.CustomEvent],
	states eventbus.Observable[condition.Document],
) *Sources {
	return &Sources{
		monitor: monitor,
		pause:   pause,
		version: version,
		events:  events,
		states:  states,
		appInit: eventbus.NewSubject[Emission](),
	}
}

// Init emits the app_init signal to every trigger attached so far. Only
// the first call has an effect; triggers attached later never see it.
func (s *Sources) Init() {
	s.initOnce.Do(func() {
		s.appInit.Publish(Emission{})
		s.appInit.Complete()
	})
}

// For returns the stream counted by triggers of type t.
func (s *Sources) For(t schedule.TriggerType) eventbus.Observable[Emission] {
	switch t {
	case schedule.TriggerAppInit:
		return s.appInit.Observable()
	case schedule.TriggerForeground:
		return transitions(s.monitor, true)
	case schedule.TriggerBackground:
		return transitions(s.monitor, false)
	case schedule.TriggerActiveSession:
		return eventbus.Concat(Foregrounded(s.monitor), NewSession(s.monitor, s.pause))
	case schedule.TriggerVersion:
		return AppVersionUpdated(s.version)
	case schedule.TriggerCustomEvent, schedule.TriggerCustomEventCount, schedule.TriggerCustomEventValue:
		return CustomEvents(s.events, t)
	case schedule.TriggerStateChange:
		return eventbus.Map(s.states, func(d condition.Document) Emission {
			return Emission{Document: d}
		})
	}
	return eventbus.Never[Emission]()
}
