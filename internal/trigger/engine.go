package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// FireFunc receives fire signals. It runs while the schedule's runner is
// locked, so it must not block and must not call back into the Engine for
// the same schedule; hand the Fire off to a queue instead.
type FireFunc func(Fire)

// Engine keeps one runner per attached schedule.
type Engine struct {
	sources *Sources
	fire    FireFunc
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	runners map[string]*runner
}

// NewEngine returns an engine that reports fires to fire.
func NewEngine(sources *Sources, fire FireFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sources: sources,
		fire:    fire,
		logger:  logger,
		now:     time.Now,
		runners: make(map[string]*runner),
	}
}

// Attach subscribes the triggers of s. saved restores progress from a
// previous run and may be nil. Attaching an id that is already attached
// replaces its runner.
func (e *Engine) Attach(s *schedule.Schedule, saved *schedule.State) error {
	triggers, err := build(s)
	if err != nil {
		return err
	}
	r := newRunner(s, triggers, saved)

	e.mu.Lock()
	prev := e.runners[s.ID]
	e.runners[s.ID] = r
	n := len(e.runners)
	e.mu.Unlock()
	if prev != nil {
		prev.terminate()
	}
	metrics.ActiveSchedules.Set(float64(n))

	for i, t := range triggers {
		r.subs.Add(e.sources.For(t.spec.Type).Subscribe(eventbus.Observer[Emission]{
			Next: func(em Emission) {
				r.onEmission(i, em, millis(e.now()), e.fire)
			},
		}))
	}
	e.logger.Debug("triggers attached", "schedule_id", s.ID, "triggers", len(triggers), "state", r.snapshot().State)
	return nil
}

// Update applies edited constraints. Trigger specs and progress are kept.
// An exhausted schedule whose limit or end was raised becomes idle again.
func (e *Engine) Update(s *schedule.Schedule) bool {
	r := e.runner(s.ID)
	if r == nil {
		return false
	}
	r.update(s, millis(e.now()))
	return true
}

// Detach cancels the schedule's subscriptions before returning. It reports
// whether the schedule was attached.
func (e *Engine) Detach(id string) bool {
	e.mu.Lock()
	r, ok := e.runners[id]
	delete(e.runners, id)
	n := len(e.runners)
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.terminate()
	metrics.ActiveSchedules.Set(float64(n))
	e.logger.Debug("triggers detached", "schedule_id", id)
	return true
}

// Executing moves a triggered schedule into execution. It returns false
// when the schedule was cancelled or is not awaiting execution, in which
// case the execution must not run.
func (e *Engine) Executing(id string) bool {
	r := e.runner(id)
	if r == nil {
		return false
	}
	return r.executing()
}

// Finished records a completed execution, which counts toward the limit.
func (e *Engine) Finished(id string) (schedule.State, error) {
	return e.finish(id, true)
}

// Aborted returns the schedule to idle without counting the execution.
func (e *Engine) Aborted(id string) (schedule.State, error) {
	return e.finish(id, false)
}

func (e *Engine) finish(id string, finished bool) (schedule.State, error) {
	r := e.runner(id)
	if r == nil {
		return schedule.State{}, fmt.Errorf("schedule %s is not attached", id)
	}
	r.finish(finished, millis(e.now()))
	return r.snapshot().Saved, nil
}

// Status returns the state of one schedule.
func (e *Engine) Status(id string) (Status, bool) {
	r := e.runner(id)
	if r == nil {
		return Status{}, false
	}
	return r.snapshot(), true
}

// Statuses returns every attached schedule ordered by id.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()
	out := make([]Status, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// Len reports the number of attached schedules.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// Close detaches every schedule.
func (e *Engine) Close() {
	e.mu.Lock()
	runners := e.runners
	e.runners = make(map[string]*runner)
	e.mu.Unlock()
	for _, r := range runners {
		r.terminate()
	}
	metrics.ActiveSchedules.Set(0)
}

func (e *Engine) runner(id string) *runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[id]
}
