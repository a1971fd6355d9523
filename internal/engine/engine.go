// Package engine owns the schedule set: it persists schedules, keeps
// their triggers attached, and executes fired schedules on a worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/automation/internal/action"
	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
	"github.com/gyaneshwarpardhi/automation/internal/store"
	"github.com/gyaneshwarpardhi/automation/internal/trigger"
)

// ErrInvalidSchedule wraps every rejection of a malformed schedule or edit.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Store is the schedule persistence the engine needs.
type Store interface {
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	GetAll(ctx context.Context) ([]*schedule.Schedule, error)
	GetGroup(ctx context.Context, group string) ([]*schedule.Schedule, error)
	Insert(ctx context.Context, scheds ...*schedule.Schedule) error
	ApplyEdits(ctx context.Context, id string, edits schedule.Edits) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	CancelGroup(ctx context.Context, group string) ([]string, error)
	Commit(ctx context.Context, b schedule.Batch) error
	SaveState(ctx context.Context, id string, st schedule.State) (bool, error)
	States(ctx context.Context) (map[string]schedule.State, error)
}

// AppState reports foreground state for delayed executions.
type AppState interface {
	IsForeground() bool
	Changes() eventbus.Observable[bool]
}

// Options configure an Engine.
type Options struct {
	Store    Store
	Sources  *trigger.Sources
	Registry *action.Registry
	AppState AppState
	// Audience returns the document audience predicates are evaluated
	// against. Nil means every audience check fails.
	Audience func() condition.Document
	Conf     config.EngineConf
	Logger   *slog.Logger
}

// execution is one fired schedule on its way to an executor.
type execution struct {
	id   string
	fire trigger.Fire
}

// Engine is the scheduler: schedule, edit and cancel calls go through it
// so that the store and the attached triggers never disagree.
type Engine struct {
	store    Store
	sources  *trigger.Sources
	triggers *trigger.Engine
	registry *action.Registry
	appState AppState
	audience func() condition.Document
	conf     config.EngineConf
	logger   *slog.Logger
	now      func() time.Time

	pool       *workerPool[*execution]
	poolCancel context.CancelFunc

	// mu serializes schedule mutations with trigger attach and detach.
	mu sync.Mutex

	delayMu     sync.Mutex
	stopping    bool
	delayCtx    context.Context
	delayCancel context.CancelFunc
	delayWG     sync.WaitGroup

	hooksMu  sync.Mutex
	onResult []func(*action.Result)
}

// New creates an Engine and starts its worker pool. Call Start to restore
// stored schedules.
func New(ctx context.Context, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audience == nil {
		opts.Audience = func() condition.Document { return nil }
	}
	e := &Engine{
		store:    opts.Store,
		sources:  opts.Sources,
		registry: opts.Registry,
		appState: opts.AppState,
		audience: opts.Audience,
		conf:     opts.Conf,
		logger:   opts.Logger,
		now:      time.Now,
	}
	e.triggers = trigger.NewEngine(opts.Sources, e.onFire, opts.Logger)

	// Workers outlive ctx so Shutdown can drain queued executions.
	poolCtx, poolCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.poolCancel = poolCancel
	e.delayCtx, e.delayCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.pool = newWorkerPool[*execution](poolCtx, opts.Conf.ExecutionWorkers, opts.Conf.QueueDepth, e.execute)
	return e
}

// Start attaches the triggers of every stored schedule, restoring saved
// progress, then emits the app_init signal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	scheds, err := e.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	states, err := e.store.States(ctx)
	if err != nil {
		return fmt.Errorf("load trigger state: %w", err)
	}
	nowMs := e.now().UnixMilli()
	attached := 0
	for _, s := range scheds {
		if s.Ended(nowMs) {
			continue
		}
		var saved *schedule.State
		if st, ok := states[s.ID]; ok {
			saved = &st
		}
		e.attach(s, saved)
		attached++
	}
	e.sources.Init()
	e.logger.Info("engine started", "schedules", len(scheds), "attached", attached, "restored_states", len(states))
	return nil
}

// OnResult registers fn to receive every execution result.
func (e *Engine) OnResult(fn func(*action.Result)) {
	e.hooksMu.Lock()
	e.onResult = append(e.onResult, fn)
	e.hooksMu.Unlock()
}

// Schedule stores new schedules and attaches their triggers. Any invalid
// or duplicate schedule rejects the whole call.
func (e *Engine) Schedule(ctx context.Context, scheds ...*schedule.Schedule) error {
	for _, s := range scheds {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if !e.registry.Supports(s.Type()) {
			return fmt.Errorf("%w: schedule %s: %w", ErrInvalidSchedule, s.ID, action.ErrNoExecutor)
		}
		if err := checkPredicates(s.Triggers, s.Audience); err != nil {
			return fmt.Errorf("%w: schedule %s: %v", ErrInvalidSchedule, s.ID, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Insert(ctx, scheds...); err != nil {
		return err
	}
	for _, s := range scheds {
		e.attach(s, nil)
	}
	return nil
}

// EditSchedule patches a stored schedule. Trigger progress survives the
// edit. It reports false if the id is unknown.
func (e *Engine) EditSchedule(ctx context.Context, id string, edits schedule.Edits) (bool, error) {
	if aud, ok := edits.Audience.Value(); ok {
		if err := checkPredicates(nil, aud); err != nil {
			return false, fmt.Errorf("%w: schedule %s: %v", ErrInvalidSchedule, id, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ok, err := e.store.ApplyEdits(ctx, id, edits)
	if err != nil || !ok {
		return ok, err
	}
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return true, fmt.Errorf("reload edited schedule %s: %w", id, err)
	}
	e.syncEdited(ctx, s)
	return true, nil
}

// CancelSchedule detaches the schedule's triggers and deletes it. No fire
// for id is delivered after it returns. It reports false if the id is
// unknown.
func (e *Engine) CancelSchedule(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	saved := e.detach(id)
	ok, err := e.store.Cancel(ctx, id)
	if err != nil {
		e.reattach(ctx, saved)
		return false, err
	}
	return ok, nil
}

// CancelScheduleGroup cancels every schedule in group and returns their ids.
func (e *Engine) CancelScheduleGroup(ctx context.Context, group string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	members, err := e.store.GetGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", group, err)
	}
	saved := make(map[string]*schedule.State, len(members))
	for _, s := range members {
		for id, st := range e.detach(s.ID) {
			saved[id] = st
		}
	}
	ids, err := e.store.CancelGroup(ctx, group)
	if err != nil {
		e.reattach(ctx, saved)
		return nil, err
	}
	return ids, nil
}

// GetSchedule returns one stored schedule, or store.ErrNotFound.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	return e.store.Get(ctx, id)
}

// GetSchedules returns every stored schedule.
func (e *Engine) GetSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return e.store.GetAll(ctx)
}

// Apply commits a reconciliation batch atomically and brings the attached
// triggers in line with it. On failure nothing changes.
func (e *Engine) Apply(ctx context.Context, b schedule.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	saved := make(map[string]*schedule.State, len(b.Cancels))
	for _, id := range b.Cancels {
		for k, st := range e.detach(id) {
			saved[k] = st
		}
	}
	if err := e.store.Commit(ctx, b); err != nil {
		e.reattach(ctx, saved)
		return err
	}
	for _, s := range b.Inserts {
		e.attach(s, nil)
	}
	for _, edit := range b.Edits {
		s, err := e.store.Get(ctx, edit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.Error("reload edited schedule failed", "schedule_id", edit.ID, "err", err)
			continue
		}
		e.syncEdited(ctx, s)
	}
	return nil
}

// TriggerStatus returns the trigger state of one schedule.
func (e *Engine) TriggerStatus(id string) (trigger.Status, bool) {
	return e.triggers.Status(id)
}

// TriggerStatuses returns the trigger state of every attached schedule.
func (e *Engine) TriggerStatuses() []trigger.Status {
	return e.triggers.Statuses()
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown stops pending delays, drains the execution queue, saves trigger
// progress and detaches every schedule.
func (e *Engine) Shutdown(ctx context.Context) {
	e.delayMu.Lock()
	e.stopping = true
	e.delayMu.Unlock()
	e.delayCancel()
	e.delayWG.Wait()
	e.pool.Drain()
	e.poolCancel()

	saved := 0
	for _, st := range e.triggers.Statuses() {
		if _, err := e.store.SaveState(ctx, st.ScheduleID, st.Saved); err != nil {
			e.logger.Warn("save trigger state failed", "schedule_id", st.ScheduleID, "err", err)
			continue
		}
		saved++
	}
	e.triggers.Close()
	e.logger.Info("engine stopped", "saved_states", saved)
}

// attach must hold e.mu.
func (e *Engine) attach(s *schedule.Schedule, saved *schedule.State) {
	if err := e.triggers.Attach(s, saved); err != nil {
		e.logger.Error("attach triggers failed", "schedule_id", s.ID, "err", err)
	}
}

// detach must hold e.mu. It returns the detached progress keyed by id so a
// failed store write can restore it.
func (e *Engine) detach(id string) map[string]*schedule.State {
	st, ok := e.triggers.Status(id)
	if !e.triggers.Detach(id) || !ok {
		return nil
	}
	return map[string]*schedule.State{id: &st.Saved}
}

// syncEdited must hold e.mu. An ended schedule is detached and its
// progress dropped. A live schedule that is not attached, because an edit
// revived it after it ended, is attached from scratch.
func (e *Engine) syncEdited(ctx context.Context, s *schedule.Schedule) {
	if s.Ended(e.now().UnixMilli()) {
		if !e.triggers.Detach(s.ID) {
			return
		}
		if _, err := e.store.SaveState(ctx, s.ID, schedule.State{}); err != nil {
			e.logger.Error("drop trigger progress failed", "schedule_id", s.ID, "err", err)
		}
		e.logger.Debug("ended schedule detached", "schedule_id", s.ID)
		return
	}
	if !e.triggers.Update(s) {
		e.attach(s, nil)
	}
}

// reattach must hold e.mu.
func (e *Engine) reattach(ctx context.Context, saved map[string]*schedule.State) {
	for id, st := range saved {
		s, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Error("restore triggers failed", "schedule_id", id, "err", err)
			continue
		}
		e.attach(s, st)
	}
}

func checkPredicates(triggers []schedule.TriggerSpec, audience string) error {
	for i, t := range triggers {
		if _, err := condition.Compile(t.Predicate); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}
	if _, err := condition.Compile(audience); err != nil {
		return fmt.Errorf("audience: %w", err)
	}
	return nil
}

// onFire runs under the trigger runner's lock, so everything else happens
// on another goroutine.
func (e *Engine) onFire(f trigger.Fire) {
	e.delayMu.Lock()
	defer e.delayMu.Unlock()
	if e.stopping {
		return
	}
	x := &execution{id: uuid.NewString(), fire: f}
	e.delayWG.Add(1)
	go func() {
		defer e.delayWG.Done()
		e.dispatch(x)
	}()
}

// dispatch waits out the schedule's delay, then queues the execution.
func (e *Engine) dispatch(x *execution) {
	id := x.fire.ScheduleID
	s, err := e.store.Get(e.delayCtx, id)
	if err != nil {
		e.logger.Warn("fired schedule not loadable", "schedule_id", id, "err", err)
		e.triggers.Aborted(id)
		return
	}
	if d := s.Delay; d != nil {
		if !e.wait(d) {
			e.logger.Debug("delayed execution abandoned", "schedule_id", id, "execution_id", x.id)
			return
		}
	}
	if !e.pool.Submit(x) {
		metrics.ExecutionsDropped.Inc()
		e.logger.Warn("execution queue full", "schedule_id", id, "capacity", e.pool.QueueCap())
		e.triggers.Aborted(id)
		return
	}
	metrics.ExecutionsEnqueued.Inc()
	metrics.QueueUtilization.Set(e.QueueUtilization())
}

// wait sleeps for the delay and then until the app is in the required
// state. It returns false when the engine shuts down first.
func (e *Engine) wait(d *schedule.Delay) bool {
	if d.Seconds > 0 {
		t := time.NewTimer(time.Duration(d.Seconds) * time.Second)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.delayCtx.Done():
			return false
		}
	}
	if e.appState == nil || d.AppState == "" || d.AppState == schedule.AppStateAny {
		return true
	}
	want := d.AppState == schedule.AppStateForeground
	matched := make(chan struct{}, 1)
	sub := eventbus.Filter(e.appState.Changes(), func(fg bool) bool { return fg == want }).
		Subscribe(eventbus.Observer[bool]{Next: func(bool) {
			select {
			case matched <- struct{}{}:
			default:
			}
		}})
	defer sub.Cancel()
	if e.appState.IsForeground() == want {
		return true
	}
	select {
	case <-matched:
		return true
	case <-e.delayCtx.Done():
		return false
	}
}

// execute runs on a pool worker.
func (e *Engine) execute(ctx context.Context, x *execution) {
	id := x.fire.ScheduleID
	if !e.triggers.Executing(id) {
		e.logger.Debug("execution skipped, schedule no longer triggered", "schedule_id", id)
		return
	}
	metrics.QueueUtilization.Set(e.QueueUtilization())
	start := time.Now()
	res := e.run(ctx, x)

	var (
		st  schedule.State
		err error
	)
	if res.Status == action.StatusFinished {
		st, err = e.triggers.Finished(id)
	} else {
		st, err = e.triggers.Aborted(id)
	}
	if err == nil {
		if _, err := e.store.SaveState(ctx, id, st); err != nil {
			e.logger.Warn("save trigger state failed", "schedule_id", id, "err", err)
		}
	}

	metrics.Executions.WithLabelValues(string(res.Type), string(res.Status)).Inc()
	metrics.ExecutionDuration.Observe(float64(time.Since(start).Milliseconds()))
	e.logger.Info("execution done",
		"schedule_id", id,
		"execution_id", x.id,
		"status", res.Status,
		"message", res.Message,
	)

	e.hooksMu.Lock()
	hooks := append([]func(*action.Result){}, e.onResult...)
	e.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (e *Engine) run(ctx context.Context, x *execution) *action.Result {
	id := x.fire.ScheduleID
	result := func(t schedule.Type, status action.Status, msg string) *action.Result {
		return &action.Result{ExecutionID: x.id, ScheduleID: id, Type: t, Status: status, Message: msg}
	}

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return result("", action.StatusFailed, err.Error())
	}
	if s.Ended(e.now().UnixMilli()) {
		return result(s.Type(), action.StatusAborted, "schedule ended")
	}
	if s.Audience != "" {
		pred, err := condition.Compile(s.Audience)
		if err != nil {
			return result(s.Type(), action.StatusFailed, err.Error())
		}
		if !pred.Match(e.audience()) {
			return result(s.Type(), action.StatusAborted, "audience did not match")
		}
	}
	exec, err := e.registry.Get(s.Type())
	if err != nil {
		return result(s.Type(), action.StatusFailed, err.Error())
	}

	req := &action.Request{
		ExecutionID: x.id,
		Schedule:    s,
		Trigger: action.TriggerContext{
			Type:  x.fire.Trigger.Type,
			Goal:  x.fire.Trigger.Goal,
			Event: x.fire.Document,
		},
	}
	timeout := time.Duration(e.conf.ExecutionTimeoutMs) * time.Millisecond
	var res *action.Result
	for attempt := 0; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err = exec.Execute(runCtx, req)
		cancel()
		if err != nil && attempt == 0 && errors.Is(err, action.ErrTimeout) && retryOnTimeout(s) {
			e.logger.Warn("execution timed out, retrying", "schedule_id", id, "execution_id", x.id)
			continue
		}
		break
	}
	if err != nil {
		e.logger.Error("execution failed", "schedule_id", id, "execution_id", x.id, "err", err)
		if res == nil {
			res = result(s.Type(), action.StatusFailed, err.Error())
		}
		res.Status = action.StatusFailed
	}
	return res
}

func retryOnTimeout(s *schedule.Schedule) bool {
	d, ok := s.Data.(*schedule.Deferred)
	return ok && d.RetryOnTimeout
}
