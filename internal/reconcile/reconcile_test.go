package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
	"github.com/gyaneshwarpardhi/automation/internal/store"
)

const (
	payloadType = "in_app_messages"
	day         = int64(24 * time.Hour / time.Millisecond)
	nowMs       = int64(1_700_000_000_000)
)

// memScheduler applies batches to an in-memory map.
type memScheduler struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	fail      error
	failures  int
	batches   int
}

func (m *memScheduler) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memScheduler) failureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func newMemScheduler() *memScheduler {
	return &memScheduler{schedules: map[string]*schedule.Schedule{}}
}

func (m *memScheduler) GetSchedules(context.Context) ([]*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memScheduler) Apply(_ context.Context, b schedule.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		m.failures++
		return m.fail
	}
	m.batches++
	for _, s := range b.Inserts {
		m.schedules[s.ID] = s.Clone()
	}
	for _, e := range b.Edits {
		if s, ok := m.schedules[e.ID]; ok {
			e.Edits.Apply(s)
		}
	}
	for _, id := range b.Cancels {
		delete(m.schedules, id)
	}
	return nil
}

func (m *memScheduler) get(id string) *schedule.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[id]; ok {
		return s.Clone()
	}
	return nil
}

func iso(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// doc builds a tagged in-app message document.
func doc(id string, created, updated int64, extra map[string]any) map[string]any {
	d := map[string]any{
		"id":           id,
		"type":         "in_app_message",
		"message":      map[string]any{"name": id, "display_type": "custom"},
		"created":      iso(created),
		"last_updated": iso(updated),
		"triggers":     []any{map[string]any{"type": "app_init", "goal": 1}},
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func payloadOf(t *testing.T, ts int64, meta remotedata.Metadata, docs ...map[string]any) remotedata.Payload {
	t.Helper()
	if docs == nil {
		docs = []map[string]any{}
	}
	data, err := json.Marshal(map[string]any{payloadType: docs})
	require.NoError(t, err)
	return remotedata.Payload{Type: payloadType, Timestamp: ts, Metadata: meta, Data: data}
}

func newTestObserver(sched Scheduler) *Observer {
	o := NewObserver(sched, ObserverOptions{PayloadType: payloadType, NewUserCutoffMs: -1})
	o.now = func() time.Time { return time.UnixMilli(nowMs) }
	return o
}

var meta = remotedata.Metadata{"meta": "data"}

func TestGoldenMixedPlan(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "payloads", "mixed.json"))
	require.NoError(t, err)
	p := remotedata.Payload{Type: payloadType, Timestamp: 2 * day, Metadata: meta, Data: data}

	remote := func(id string, end int64) *schedule.Schedule {
		return &schedule.Schedule{
			ID:       id,
			Data:     &schedule.InAppMessage{Name: id},
			Triggers: []schedule.TriggerSpec{{Type: schedule.TriggerAppInit, Goal: 1}},
			Limit:    1,
			End:      end,
			Metadata: provenance(meta, day),
		}
	}
	api := remote("api", 0)
	api.Metadata = nil
	existing := []*schedule.Schedule{remote("foo", 0), remote("bar", 0), remote("old", 1000), api}

	plan, err := Diff(p, existing, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "mixed_plan", []byte(plan.String()))

	require.Len(t, plan.Inserts, 2)
	baz := plan.Inserts[1]
	assert.Equal(t, "https://example.com/v2", baz.Data.(*schedule.Deferred).URL, "newest duplicate wins")
	assert.True(t, baz.Data.(*schedule.Deferred).RetryOnTimeout)
}

// P1 {foo, bar} then P2 {foo, bar, baz}: baz is added, foo and bar untouched.
func TestScheduleAddsNewOnly(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	p1 := payloadOf(t, day, meta,
		doc("foo", day, day, map[string]any{"start": iso(nowMs + 1000), "end": iso(nowMs + 3000), "interval": 10}),
		doc("bar", day, day, nil),
	)
	plan, err := o.Process(ctx, p1)
	require.NoError(t, err)
	assert.Len(t, plan.Inserts, 2)

	foo := sched.get("foo")
	require.NotNil(t, foo)
	assert.Equal(t, nowMs+1000, foo.Start)
	assert.Equal(t, nowMs+3000, foo.End)
	assert.Equal(t, int64(10_000), foo.IntervalMs)
	assert.Equal(t, schedule.DefaultLimit, foo.Limit)
	gotMeta, updated, ok := Provenance(foo)
	require.True(t, ok)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, day, updated)

	p2 := payloadOf(t, 2*day, meta,
		doc("foo", day, day, map[string]any{"start": iso(nowMs + 1000), "end": iso(nowMs + 3000), "interval": 10}),
		doc("bar", day, day, nil),
		doc("baz", 2*day, 2*day, nil),
	)
	plan, err = o.Process(ctx, p2)
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "baz", plan.Inserts[0].ID)
	assert.Empty(t, plan.Edits)
	assert.Empty(t, plan.Ends)
	assert.Equal(t, foo, sched.get("foo"))
}

// P1 {foo, bar} then P2 {foo}: bar is ended at P2's timestamp but kept until
// a later refresh after its end.
func TestAbsentScheduleIsEndedThenRemoved(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, 100, meta, doc("foo", 100, 100, nil), doc("bar", 100, 100, nil)))
	require.NoError(t, err)

	p2 := payloadOf(t, 200, meta, doc("foo", 100, 100, nil))
	plan, err := o.Process(ctx, p2)
	require.NoError(t, err)
	require.Len(t, plan.Ends, 1)

	bar := sched.get("bar")
	require.NotNil(t, bar, "absent schedule is not deleted immediately")
	assert.Equal(t, int64(200), bar.End)
	assert.Equal(t, int64(200), bar.Start)
	assert.LessOrEqual(t, bar.End, p2.Timestamp)

	plan, err = o.Process(ctx, payloadOf(t, 300, meta, doc("foo", 100, 100, nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"bar"}, plan.Cancels)
	assert.Nil(t, sched.get("bar"))
	assert.NotNil(t, sched.get("foo"))
}

func TestExpiredExplicitEndIsRemoved(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	bar := doc("bar", 100, 100, map[string]any{"end": iso(nowMs + 1000)})
	_, err := o.Process(ctx, payloadOf(t, 100, meta, doc("foo", 100, 100, nil), bar))
	require.NoError(t, err)
	require.NotNil(t, sched.get("bar"))

	o.now = func() time.Time { return time.UnixMilli(nowMs + 2000) }
	plan, err := o.Process(ctx, payloadOf(t, 200, meta, doc("foo", 100, 100, nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"bar"}, plan.Cancels)
	assert.Empty(t, plan.Ends)
	assert.Nil(t, sched.get("bar"))
}

func TestReapplyingPayloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, 100, meta, doc("foo", 100, 100, nil), doc("bar", 100, 100, nil)))
	require.NoError(t, err)

	p2 := payloadOf(t, 200, meta, doc("foo", 100, 150, map[string]any{"priority": 4}))
	_, err = o.Process(ctx, p2)
	require.NoError(t, err)
	first, _ := sched.GetSchedules(ctx)

	plan, err := o.Process(ctx, p2)
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty(), "second application plans nothing: %s", plan)
	second, _ := sched.GetSchedules(ctx)
	assert.Equal(t, first, second)
}

func TestLegacyDocument(t *testing.T) {
	legacy := map[string]any{
		"message":      map[string]any{"message_id": "legacy", "name": "foo"},
		"created":      iso(day),
		"last_updated": iso(day),
		"triggers":     []any{map[string]any{"type": "app_init", "goal": 1}},
		"delay":        map[string]any{"seconds": 100},
	}
	plan, err := Diff(payloadOf(t, day, meta, legacy), nil, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)

	s := plan.Inserts[0]
	assert.Equal(t, "legacy", s.ID)
	assert.Equal(t, schedule.TypeInAppMessage, s.Type())
	assert.Equal(t, "foo", s.Data.(*schedule.InAppMessage).Name)
	assert.Equal(t, int64(100), s.Delay.Seconds)
}

func TestMetadataOnlyChange(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, day, meta, doc("foo", day, day, nil)))
	require.NoError(t, err)

	updated := remotedata.Metadata{"fun": "fun"}
	plan, err := o.Process(ctx, payloadOf(t, day, updated, doc("foo", day, day, nil)))
	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)
	assert.Equal(t, []string{"metadata"}, plan.Edits[0].Edits.Fields())

	gotMeta, gotUpdated, ok := Provenance(sched.get("foo"))
	require.True(t, ok)
	assert.Equal(t, updated, gotMeta)
	assert.Equal(t, day, gotUpdated, "last_updated is preserved")
}

func TestEditChangesTypeAndKeepsTriggers(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, day, meta, doc("foo", day, day, nil)))
	require.NoError(t, err)

	edited := map[string]any{
		"id":                       "foo",
		"type":                     "actions",
		"actions":                  map[string]any{},
		"created":                  iso(day),
		"last_updated":             iso(2 * day),
		"triggers":                 []any{map[string]any{"type": "foreground", "goal": 5}},
		"campaigns":                map[string]any{"neat": "campaign"},
		"frequency_constraint_ids": []string{"foo", "bar"},
	}
	plan, err := o.Process(ctx, payloadOf(t, 2*day, meta, edited))
	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)

	foo := sched.get("foo")
	assert.Equal(t, schedule.TypeActions, foo.Type())
	assert.Equal(t, []string{"foo", "bar"}, foo.FrequencyConstraintIDs)
	assert.JSONEq(t, `{"neat":"campaign"}`, string(foo.Campaigns))
	assert.Equal(t, schedule.TriggerAppInit, foo.Triggers[0].Type, "triggers are not edited")
}

func TestExplicitNullClearsAbsentLeaves(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, day, meta,
		doc("foo", day, day, map[string]any{"group": "g", "priority": 3})))
	require.NoError(t, err)

	plan, err := o.Process(ctx, payloadOf(t, 2*day, meta,
		doc("foo", day, 2*day, map[string]any{"group": nil})))
	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)
	assert.True(t, plan.Edits[0].Edits.Group.IsClear())
	assert.True(t, plan.Edits[0].Edits.Priority.IsUnset())

	foo := sched.get("foo")
	assert.Empty(t, foo.Group)
	assert.Equal(t, 3, foo.Priority)
}

func TestOutOfOrderPayloadIgnored(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	_, err := o.Process(ctx, payloadOf(t, 200, meta, doc("foo", 100, 100, nil)))
	require.NoError(t, err)

	_, err = o.Process(ctx, payloadOf(t, 100, meta))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.ErrorIs(t, err, remotedata.ErrStalePayload)
	assert.NotNil(t, sched.get("foo"))
}

func TestStoreFailureAbortsAndRetries(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	sched.fail = errors.New("disk I/O error")
	p := payloadOf(t, 100, meta, doc("foo", 100, 100, nil), doc("bar", 100, 100, nil))
	_, err := o.Process(ctx, p)
	require.Error(t, err)
	assert.Nil(t, sched.get("foo"))
	assert.Nil(t, sched.get("bar"))

	sched.fail = nil
	_, err = o.Process(ctx, p)
	require.NoError(t, err)
	assert.NotNil(t, sched.get("foo"))
	assert.NotNil(t, sched.get("bar"))
}

func TestMalformedDocumentIsolated(t *testing.T) {
	docs := []map[string]any{
		doc("ok", day, day, nil),
		doc("bad-time", day, day, map[string]any{"start": "yesterday"}),
		doc("bad-audience", day, day, map[string]any{"audience": "locale_language =="}),
		{"id": "no-type", "type": "hologram", "created": iso(day), "last_updated": iso(day)},
		doc("no-triggers", day, day, map[string]any{"triggers": []any{}}),
	}
	plan, err := Diff(payloadOf(t, day, meta, docs...), nil, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "ok", plan.Inserts[0].ID)
	require.Len(t, plan.Skipped, 4)
	for _, pe := range plan.Skipped {
		assert.NotEmpty(t, pe.ID)
	}

	bad := remotedata.Payload{Type: payloadType, Timestamp: 1, Data: json.RawMessage(`{"in_app_messages":[42]}`)}
	plan, err = Diff(bad, nil, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)
	assert.Len(t, plan.Skipped, 1)
}

func TestPayloadShapeErrors(t *testing.T) {
	for _, data := range []string{`[]`, `{"in_app_messages":{}}`} {
		_, err := Diff(remotedata.Payload{Type: payloadType, Timestamp: 1, Data: json.RawMessage(data)}, nil, Options{})
		assert.Error(t, err, data)
	}
	plan, err := Diff(remotedata.Payload{Type: payloadType, Timestamp: 1, Data: json.RawMessage(`{}`)}, nil, Options{})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func TestNewUserCutoff(t *testing.T) {
	p := payloadOf(t, 3*day, meta, doc("early", day, day, nil), doc("late", 3*day, 3*day, nil))
	plan, err := Diff(p, nil, Options{NowMs: nowMs, NewUserCutoffMs: 2 * day})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "late", plan.Inserts[0].ID)
}

func TestExpiredScheduleNotCreated(t *testing.T) {
	p := payloadOf(t, day, meta, doc("gone", day, day, map[string]any{"end": iso(nowMs - 1)}))
	plan, err := Diff(p, nil, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)
	assert.Empty(t, plan.Inserts)
}

func TestNonRemoteSchedulesUntouched(t *testing.T) {
	api := &schedule.Schedule{
		ID:       "api",
		Data:     schedule.Actions{},
		Triggers: []schedule.TriggerSpec{{Type: schedule.TriggerAppInit, Goal: 1}},
		Limit:    1,
	}
	plan, err := Diff(payloadOf(t, day, meta), []*schedule.Schedule{api}, Options{NowMs: nowMs, NewUserCutoffMs: -1})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2024-03-01T10:00:00Z", "2024-03-01T10:00:00", "2024-03-01T10:00:00.000", "2024-03-01T11:00:00+01:00"} {
		ms, err := parseTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), ms, s)
	}
	_, err := parseTime("March 1")
	assert.Error(t, err)
}

func TestSubscribeProcessesCacheUpdates(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	applied := make(chan *Plan, 4)
	o.OnApplied(func(p *Plan) { applied <- p })

	cache := remotedata.NewCache(nil, nil)
	o.Subscribe(cache.Puts(payloadType))

	require.NoError(t, cache.Put(ctx, payloadOf(t, 100, meta, doc("foo", 100, 100, nil))))
	require.NoError(t, cache.Put(ctx, remotedata.Payload{Type: "other", Timestamp: 1}))

	select {
	case plan := <-applied:
		assert.Len(t, plan.Inserts, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("payload was not reconciled")
	}
	assert.NotNil(t, sched.get("foo"))
}

func TestRefreshRetriesAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	sched := newMemScheduler()
	o := newTestObserver(sched)
	defer o.Close()

	cache := remotedata.NewCache(nil, nil)
	o.Subscribe(cache.Puts(payloadType))

	sched.setFail(errors.New("disk I/O error"))
	p := payloadOf(t, 100, meta, doc("foo", 100, 100, nil))
	require.NoError(t, cache.Put(ctx, p))
	require.Eventually(t, func() bool { return sched.failureCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, sched.get("foo"))

	// the next refresh delivers the same feed
	sched.setFail(nil)
	require.NoError(t, cache.Put(ctx, p))
	require.Eventually(t, func() bool { return sched.get("foo") != nil }, 2*time.Second, 5*time.Millisecond)
}

func TestStoreBackedReconciliation(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	defer st.Close()

	sched := &storeScheduler{st}
	o := newTestObserver(sched)
	defer o.Close()

	_, err = o.Process(ctx, payloadOf(t, 100, meta, doc("foo", 100, 100, nil), doc("bar", 100, 100, nil)))
	require.NoError(t, err)

	_, err = o.Process(ctx, payloadOf(t, 200, meta, doc("foo", 100, 100, nil)))
	require.NoError(t, err)
	bar, err := st.Get(ctx, "bar")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bar.End)

	// reapplication is a no-op against the real store too
	plan, err := o.Process(ctx, payloadOf(t, 200, meta, doc("foo", 100, 100, nil)))
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

type storeScheduler struct{ st *store.Store }

func (s *storeScheduler) GetSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return s.st.GetAll(ctx)
}

func (s *storeScheduler) Apply(ctx context.Context, b schedule.Batch) error {
	return s.st.Commit(ctx, b)
}
