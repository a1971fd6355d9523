package trigger

import (
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// State is the execution state of one schedule.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateExecuting State = "executing"
	StateExhausted State = "exhausted"
	StateTerminal  State = "terminal"
)

// Fire is delivered when a trigger reaches its goal.
type Fire struct {
	ScheduleID   string
	TriggerIndex int
	Trigger      schedule.TriggerSpec
	// Document is the emission that completed the goal.
	Document condition.Document
	// FireCount is the number of finished executions before this one.
	FireCount int
}

// runner owns the trigger progress of one schedule. Every transition holds
// mu, so emissions for one schedule are evaluated one at a time.
type runner struct {
	mu sync.Mutex

	id       string
	limit    int
	interval int64
	start    int64
	end      int64

	triggers     []compiled
	progress     []schedule.Progress
	state        State
	fireCount    int
	lastFinished int64

	subs *eventbus.CompositeSubscription
}

func newRunner(s *schedule.Schedule, triggers []compiled, saved *schedule.State) *runner {
	r := &runner{
		id:       s.ID,
		triggers: triggers,
		state:    StateIdle,
		subs:     &eventbus.CompositeSubscription{},
	}
	r.setConstraints(s)
	var prior []schedule.Progress
	if saved != nil {
		prior = saved.Progress
		r.fireCount = saved.FireCount
		r.lastFinished = saved.LastFinishedMs
	}
	r.progress = initialProgress(triggers, prior)
	if r.exhausted() {
		r.state = StateExhausted
	}
	return r
}

func (r *runner) setConstraints(s *schedule.Schedule) {
	r.limit = s.Limit
	r.interval = s.IntervalMs
	r.start = s.Start
	r.end = s.End
}

// exhausted reports whether the fire limit is reached. A zero limit never
// exhausts.
func (r *runner) exhausted() bool {
	return r.limit > 0 && r.fireCount >= r.limit
}

// onEmission counts em toward trigger i and calls fire under mu when the
// goal is reached.
func (r *runner) onEmission(i int, em Emission, nowMs int64, fire func(Fire)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return
	}
	if nowMs < r.start && r.start > 0 {
		return
	}
	if r.end > 0 && nowMs > r.end {
		r.state = StateExhausted
		return
	}
	if r.interval > 0 && r.lastFinished > 0 && nowMs < r.lastFinished+r.interval {
		return
	}
	t := r.triggers[i]
	if !t.pred.Match(em.Document) {
		return
	}
	p := &r.progress[i]
	p.Count += em.amount()
	if p.Count < p.Goal {
		return
	}
	for j := range r.progress {
		r.progress[j].Count = 0
	}
	r.state = StateTriggered
	metrics.TriggersFired.WithLabelValues(string(t.spec.Type)).Inc()
	fire(Fire{
		ScheduleID:   r.id,
		TriggerIndex: i,
		Trigger:      t.spec,
		Document:     em.Document,
		FireCount:    r.fireCount,
	})
}

func (r *runner) executing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTriggered {
		return false
	}
	r.state = StateExecuting
	return true
}

// finish ends an execution. A finished execution counts toward the limit;
// an aborted one does not.
func (r *runner) finish(finished bool, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTriggered && r.state != StateExecuting {
		return
	}
	if finished {
		r.fireCount++
		r.lastFinished = nowMs
	}
	r.settle(nowMs)
}

// settle picks Idle or Exhausted for a runner that is not mid-execution.
func (r *runner) settle(nowMs int64) {
	switch {
	case r.exhausted(), r.end > 0 && nowMs > r.end:
		r.state = StateExhausted
	default:
		r.state = StateIdle
	}
}

func (r *runner) update(s *schedule.Schedule, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setConstraints(s)
	if r.state == StateIdle || r.state == StateExhausted {
		r.settle(nowMs)
	}
}

// terminate detaches every source. No fire happens after it returns.
func (r *runner) terminate() {
	r.mu.Lock()
	r.state = StateTerminal
	r.mu.Unlock()
	r.subs.Cancel()
}

func (r *runner) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ScheduleID: r.id,
		State:      r.state,
		Saved: schedule.State{
			Progress:       append([]schedule.Progress(nil), r.progress...),
			FireCount:      r.fireCount,
			LastFinishedMs: r.lastFinished,
		},
	}
}

// Status is a point-in-time view of one schedule's triggers.
type Status struct {
	ScheduleID string         `json:"schedule_id"`
	State      State          `json:"state"`
	Saved      schedule.State `json:"progress"`
}

func millis(t time.Time) int64 { return t.UnixMilli() }
