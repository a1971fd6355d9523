package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/automation/internal/action"
	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/event"
	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/lifecycle"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
	"github.com/gyaneshwarpardhi/automation/internal/store"
	"github.com/gyaneshwarpardhi/automation/internal/trigger"
)

type fakeExecutor struct {
	typ     schedule.Type
	respond func(call int) (action.Status, error)

	mu    sync.Mutex
	calls int
	reqs  []*action.Request
}

func (f *fakeExecutor) Type() schedule.Type { return f.typ }

func (f *fakeExecutor) Execute(_ context.Context, req *action.Request) (*action.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	status, err := action.StatusFinished, error(nil)
	if f.respond != nil {
		status, err = f.respond(n)
	}
	if err != nil {
		return nil, err
	}
	return &action.Result{ExecutionID: req.ExecutionID, ScheduleID: req.Schedule.ID, Type: f.typ, Status: status}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store    *store.Store
	monitor  *lifecycle.Monitor
	events   *eventbus.Subject[*event.CustomEvent]
	engine   *Engine
	exec     *fakeExecutor
	results  chan *action.Result
	audience condition.Document
}

func newHarness(t *testing.T, extra ...action.Executor) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:    st,
		monitor:  lifecycle.NewMonitor(),
		events:   eventbus.NewSubject[*event.CustomEvent](),
		exec:     &fakeExecutor{typ: schedule.TypeActions},
		results:  make(chan *action.Result, 16),
		audience: condition.Document{"locale_language": "en"},
	}
	reg := action.NewRegistry()
	reg.Register(h.exec)
	for _, x := range extra {
		reg.Register(x)
	}
	states := eventbus.NewSubject[condition.Document]()
	sources := trigger.NewSources(h.monitor, lifecycle.NewPauseManager(), nil, h.events.Observable(), states.Observable())

	h.engine = New(context.Background(), Options{
		Store:    st,
		Sources:  sources,
		Registry: reg,
		AppState: h.monitor,
		Audience: func() condition.Document { return h.audience },
		Conf:     config.EngineConf{ExecutionWorkers: 2, QueueDepth: 16, ExecutionTimeoutMs: 1000},
	})
	h.engine.OnResult(func(r *action.Result) { h.results <- r })
	t.Cleanup(func() { h.engine.Shutdown(context.Background()) })
	return h
}

func (h *harness) emit(name string) {
	h.events.Publish(&event.CustomEvent{Name: name})
}

func (h *harness) result(t *testing.T) *action.Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no execution result")
		return nil
	}
}

func (h *harness) noResult(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case r := <-h.results:
		t.Fatalf("unexpected execution: %+v", r)
	case <-time.After(wait):
	}
}

func newSchedule(id string, limit int, goal float64) *schedule.Schedule {
	return &schedule.Schedule{
		ID:   id,
		Data: schedule.Actions{"add_tags_action": json.RawMessage(`"buyer"`)},
		Triggers: []schedule.TriggerSpec{{
			Type:      schedule.TriggerCustomEvent,
			Goal:      goal,
			Predicate: `event_name == "purchase"`,
		}},
		Limit: limit,
	}
}

func TestScheduleFiresAndExecutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 2, 1)))

	h.emit("purchase")
	r := h.result(t)
	assert.Equal(t, "s1", r.ScheduleID)
	assert.Equal(t, action.StatusFinished, r.Status)

	h.exec.mu.Lock()
	req := h.exec.reqs[0]
	h.exec.mu.Unlock()
	assert.Equal(t, schedule.TriggerCustomEvent, req.Trigger.Type)
	assert.Equal(t, "purchase", req.Trigger.Event["event_name"])

	states, err := h.store.States(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, states["s1"].FireCount)

	st, ok := h.engine.TriggerStatus("s1")
	require.True(t, ok)
	assert.Equal(t, trigger.StateIdle, st.State)
}

func TestLimitStopsExecutions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(context.Background(), newSchedule("s1", 1, 1)))

	h.emit("purchase")
	h.result(t)
	h.emit("purchase")
	h.noResult(t, 100*time.Millisecond)

	st, _ := h.engine.TriggerStatus("s1")
	assert.Equal(t, trigger.StateExhausted, st.State)
	assert.Equal(t, 1, h.exec.callCount())
}

func TestAudienceMissAbortsWithoutCounting(t *testing.T) {
	h := newHarness(t)
	s := newSchedule("s1", 1, 1)
	s.Audience = `locale_language == "fr"`
	require.NoError(t, h.engine.Schedule(context.Background(), s))

	h.emit("purchase")
	r := h.result(t)
	assert.Equal(t, action.StatusAborted, r.Status)
	assert.Zero(t, h.exec.callCount())

	st, _ := h.engine.TriggerStatus("s1")
	assert.Equal(t, trigger.StateIdle, st.State, "aborted execution does not consume the limit")
	assert.Zero(t, st.Saved.FireCount)
}

func TestCancelScheduleStopsFires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 0, 1)))

	ok, err := h.engine.CancelSchedule(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	h.emit("purchase")
	h.noResult(t, 100*time.Millisecond)

	_, err = h.engine.GetSchedule(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, attached := h.engine.TriggerStatus("s1")
	assert.False(t, attached)

	ok, err = h.engine.CancelSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelScheduleGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, b, c := newSchedule("a", 1, 1), newSchedule("b", 1, 1), newSchedule("c", 1, 1)
	a.Group, b.Group = "promo", "promo"
	require.NoError(t, h.engine.Schedule(ctx, a, b, c))

	ids, err := h.engine.CancelScheduleGroup(ctx, "promo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	all, err := h.engine.GetSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c", all[0].ID)
	assert.Len(t, h.engine.TriggerStatuses(), 1)
}

func TestEditSchedulePreservesProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 1, 2)))

	h.emit("purchase")
	h.noResult(t, 50*time.Millisecond)

	ok, err := h.engine.EditSchedule(ctx, "s1", schedule.Edits{Priority: schedule.Set(5)})
	require.NoError(t, err)
	require.True(t, ok)

	h.emit("purchase")
	assert.Equal(t, action.StatusFinished, h.result(t).Status)

	got, err := h.engine.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)
}

func TestEditScheduleRevivesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 1, 1)))
	h.emit("purchase")
	h.result(t)

	_, err := h.engine.EditSchedule(ctx, "s1", schedule.Edits{Limit: schedule.Set(2)})
	require.NoError(t, err)
	st, _ := h.engine.TriggerStatus("s1")
	require.Equal(t, trigger.StateIdle, st.State)

	h.emit("purchase")
	h.result(t)
}

func TestEndedScheduleIsDetachedUntilRevived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 0, 3)))
	h.emit("purchase")

	past := time.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, h.engine.Apply(ctx, schedule.Batch{Edits: []schedule.Edit{{
		ID:    "s1",
		Edits: schedule.Edits{Start: schedule.Set(past), End: schedule.Set(past)},
	}}}))

	_, attached := h.engine.TriggerStatus("s1")
	assert.False(t, attached)
	states, err := h.store.States(ctx)
	require.NoError(t, err)
	assert.Empty(t, states["s1"].Progress)

	ok, err := h.engine.EditSchedule(ctx, "s1", schedule.Edits{End: schedule.Set(time.Now().Add(time.Hour).UnixMilli())})
	require.NoError(t, err)
	require.True(t, ok)
	st, attached := h.engine.TriggerStatus("s1")
	require.True(t, attached)
	assert.Equal(t, trigger.StateIdle, st.State)

	// progress restarts from zero
	h.emit("purchase")
	h.emit("purchase")
	h.noResult(t, 50*time.Millisecond)
	h.emit("purchase")
	assert.Equal(t, "s1", h.result(t).ScheduleID)
}

func TestStartSkipsEndedSchedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ended := newSchedule("ended", 0, 1)
	ended.End = time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, h.store.Insert(ctx, ended, newSchedule("live", 0, 1)))

	require.NoError(t, h.engine.Start(ctx))
	_, attached := h.engine.TriggerStatus("ended")
	assert.False(t, attached)
	_, attached = h.engine.TriggerStatus("live")
	assert.True(t, attached)
}

func TestEditRejectsBadAudience(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 1, 1)))

	_, err := h.engine.EditSchedule(ctx, "s1", schedule.Edits{Audience: schedule.Set(`locale_language ==`)})
	assert.Error(t, err)

	ok, err := h.engine.EditSchedule(ctx, "missing", schedule.Edits{Priority: schedule.Set(1)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleRejectsBadPredicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := newSchedule("s1", 1, 1)
	s.Triggers[0].Predicate = `event_name ==`
	require.Error(t, h.engine.Schedule(ctx, s, newSchedule("s2", 1, 1)))

	all, err := h.engine.GetSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "whole call rejected")
}

func TestScheduleRejectsUnsupportedType(t *testing.T) {
	h := newHarness(t)
	s := newSchedule("s1", 1, 1)
	s.Data = &schedule.Deferred{URL: "https://example.com/deferred"}

	err := h.engine.Schedule(context.Background(), s)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.ErrorIs(t, err, action.ErrNoExecutor)
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("old", 0, 1), newSchedule("kept", 1, 1)))

	err := h.engine.Apply(ctx, schedule.Batch{
		Inserts: []*schedule.Schedule{newSchedule("new", 1, 1)},
		Edits:   []schedule.Edit{{ID: "kept", Edits: schedule.Edits{Limit: schedule.Set(3)}}},
		Cancels: []string{"old"},
	})
	require.NoError(t, err)

	statuses := h.engine.TriggerStatuses()
	ids := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ids = append(ids, s.ScheduleID)
	}
	assert.Equal(t, []string{"kept", "new"}, ids)

	kept, err := h.engine.GetSchedule(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, 3, kept.Limit)
}

func TestApplyFailureKeepsTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("a", 0, 1)))

	// Inserting an existing id fails the whole batch.
	err := h.engine.Apply(ctx, schedule.Batch{
		Inserts: []*schedule.Schedule{newSchedule("a", 1, 1)},
		Cancels: []string{"a"},
	})
	require.Error(t, err)

	_, attached := h.engine.TriggerStatus("a")
	assert.True(t, attached, "cancelled triggers restored after a failed commit")
	h.emit("purchase")
	h.result(t)
}

func TestRetryOnTimeout(t *testing.T) {
	deferred := &fakeExecutor{
		typ: schedule.TypeDeferred,
		respond: func(call int) (action.Status, error) {
			if call == 1 {
				return "", action.ErrTimeout
			}
			return action.StatusFinished, nil
		},
	}
	h := newHarness(t, deferred)
	s := newSchedule("d1", 1, 1)
	s.Data = &schedule.Deferred{URL: "https://example.com/deferred", RetryOnTimeout: true}
	require.NoError(t, h.engine.Schedule(context.Background(), s))

	h.emit("purchase")
	r := h.result(t)
	assert.Equal(t, action.StatusFinished, r.Status)
	assert.Equal(t, 2, deferred.callCount())
}

func TestTimeoutWithoutRetryFails(t *testing.T) {
	deferred := &fakeExecutor{
		typ:     schedule.TypeDeferred,
		respond: func(int) (action.Status, error) { return "", action.ErrTimeout },
	}
	h := newHarness(t, deferred)
	s := newSchedule("d1", 1, 1)
	s.Data = &schedule.Deferred{URL: "https://example.com/deferred"}
	require.NoError(t, h.engine.Schedule(context.Background(), s))

	h.emit("purchase")
	r := h.result(t)
	assert.Equal(t, action.StatusFailed, r.Status)
	assert.Equal(t, 1, deferred.callCount())

	st, _ := h.engine.TriggerStatus("d1")
	assert.Equal(t, trigger.StateIdle, st.State, "failed execution does not consume the limit")
}

func TestDelayWaitsForAppState(t *testing.T) {
	h := newHarness(t)
	h.monitor.SetBackground()
	s := newSchedule("s1", 1, 1)
	s.Delay = &schedule.Delay{AppState: schedule.AppStateForeground}
	require.NoError(t, h.engine.Schedule(context.Background(), s))

	h.emit("purchase")
	h.noResult(t, 100*time.Millisecond)
	st, _ := h.engine.TriggerStatus("s1")
	assert.Equal(t, trigger.StateTriggered, st.State)

	h.monitor.SetForeground()
	assert.Equal(t, action.StatusFinished, h.result(t).Status)
}

func TestStartRestoresProgressAndEmitsAppInit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	initOnly := newSchedule("init", 1, 1)
	initOnly.Triggers = []schedule.TriggerSpec{{Type: schedule.TriggerAppInit, Goal: 1}}
	partial := newSchedule("partial", 1, 3)
	require.NoError(t, h.store.Insert(ctx, initOnly, partial))
	_, err := h.store.SaveState(ctx, "partial", schedule.State{Progress: []schedule.Progress{{Count: 2, Goal: 3}}})
	require.NoError(t, err)

	require.NoError(t, h.engine.Start(ctx))
	r := h.result(t)
	assert.Equal(t, "init", r.ScheduleID)

	h.emit("purchase")
	r = h.result(t)
	assert.Equal(t, "partial", r.ScheduleID, "restored progress completes on the next event")
}

func TestShutdownSavesProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Schedule(ctx, newSchedule("s1", 1, 3)))

	h.emit("purchase")
	h.engine.Shutdown(ctx)

	states, err := h.store.States(ctx)
	require.NoError(t, err)
	require.Len(t, states["s1"].Progress, 1)
	assert.Equal(t, float64(1), states["s1"].Progress[0].Count)
	assert.Empty(t, h.engine.TriggerStatuses())
}

func TestExecutorErrorFails(t *testing.T) {
	h := newHarness(t)
	h.exec.respond = func(int) (action.Status, error) { return "", errors.New("boom") }
	require.NoError(t, h.engine.Schedule(context.Background(), newSchedule("s1", 1, 1)))

	h.emit("purchase")
	r := h.result(t)
	assert.Equal(t, action.StatusFailed, r.Status)
	assert.Contains(t, r.Message, "boom")
}
