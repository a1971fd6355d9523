package remotedata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
)

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: map[string]string{}} }

func (k *memKV) GetValue(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) SetValue(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

type memPersister struct {
	rows map[string]Payload
	fail error
}

func (p *memPersister) SavePayload(_ context.Context, pl Payload) error {
	if p.fail != nil {
		return p.fail
	}
	p.rows[pl.Type] = pl
	return nil
}

func (p *memPersister) LoadPayloads(context.Context) ([]Payload, error) {
	out := make([]Payload, 0, len(p.rows))
	for _, r := range p.rows {
		out = append(out, r)
	}
	return out, nil
}

func payload(t string, ts int64, data string) Payload {
	return Payload{Type: t, Timestamp: ts, Metadata: Metadata{"sdk_version": "1"}, Data: json.RawMessage(data)}
}

func TestCachePutIsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, nil)

	require.NoError(t, c.Put(ctx, payload("a", 100, `{"v":1}`)))
	err := c.Put(ctx, payload("a", 99, `{"v":0}`))
	assert.ErrorIs(t, err, ErrStalePayload)
	assert.Equal(t, int64(100), c.Get("a").Timestamp)
	assert.JSONEq(t, `{"v":1}`, string(c.Get("a").Data))

	require.NoError(t, c.Put(ctx, payload("a", 100, `{"v":2}`)), "equal timestamp is accepted")
	assert.JSONEq(t, `{"v":2}`, string(c.Get("a").Data))
}

func TestCacheGetEmptySentinel(t *testing.T) {
	c := NewCache(nil, nil)
	p := c.Get("missing")
	assert.True(t, p.IsEmpty())
	assert.Equal(t, "missing", p.Type)
}

func TestCachePersistFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	persist := &memPersister{rows: map[string]Payload{}}
	c := NewCache(persist, nil)
	require.NoError(t, c.Put(ctx, payload("a", 1, `{}`)))

	persist.fail = errors.New("disk full")
	assert.Error(t, c.Put(ctx, payload("a", 2, `{}`)))
	assert.Equal(t, int64(1), c.Get("a").Timestamp)
}

func TestCacheLoadRestores(t *testing.T) {
	ctx := context.Background()
	persist := &memPersister{rows: map[string]Payload{}}
	require.NoError(t, NewCache(persist, nil).Put(ctx, payload("a", 7, `{"x":1}`)))

	c := NewCache(persist, nil)
	require.NoError(t, c.Load(ctx))
	assert.Equal(t, int64(7), c.Get("a").Timestamp)
	assert.True(t, c.IsCurrent(Metadata{"sdk_version": "1"}))
}

func TestCacheIsCurrent(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, nil)
	assert.False(t, c.IsCurrent(Metadata{}))

	require.NoError(t, c.Put(ctx, payload("a", 1, `{}`)))
	assert.True(t, c.IsCurrent(Metadata{"sdk_version": "1"}))
	assert.False(t, c.IsCurrent(Metadata{"sdk_version": "2"}))
}

func TestCacheUpdatesCachedThenLive(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, nil)
	require.NoError(t, c.Put(ctx, payload("a", 1, `{}`)))

	var got []Payload
	sub := c.Updates("a", "b").Subscribe(eventbus.Observer[Payload]{
		Next: func(p Payload) { got = append(got, p) },
	})
	defer sub.Cancel()

	require.NoError(t, c.Put(ctx, payload("c", 5, `{}`)))
	require.NoError(t, c.Put(ctx, payload("a", 2, `{}`)))
	require.NoError(t, c.Put(ctx, payload("a", 2, `{}`)))

	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Timestamp)
	assert.True(t, got[1].IsEmpty())
	assert.Equal(t, "b", got[1].Type)
	assert.Equal(t, int64(2), got[2].Timestamp)
}

func TestCachePutsRepeatsEqualPayloads(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, nil)

	var got []Payload
	sub := c.Puts("a").Subscribe(eventbus.Observer[Payload]{
		Next: func(p Payload) { got = append(got, p) },
	})
	defer sub.Cancel()

	require.NoError(t, c.Put(ctx, payload("a", 2, `{}`)))
	require.NoError(t, c.Put(ctx, payload("a", 2, `{}`)))

	require.Len(t, got, 3)
	assert.True(t, got[0].IsEmpty())
	assert.True(t, got[1].Equal(got[2]))
}

func TestNewMetadata(t *testing.T) {
	m := NewMetadata(language.MustParse("fr-CA"), "16.1.0")
	assert.Equal(t, Metadata{"sdk_version": "16.1.0", "language": "fr", "country": "CA"}, m)

	m = NewMetadata(language.MustParse("de"), "16.1.0")
	assert.Equal(t, "de", m[MetadataLanguage])
	assert.NotContains(t, m, MetadataCountry)
}

type fakeDevice struct {
	foreground bool
	version    string
	meta       Metadata
}

func (d *fakeDevice) IsForeground() bool { return d.foreground }
func (d *fakeDevice) AppVersion() string { return d.version }
func (d *fakeDevice) Metadata() Metadata { return d.meta }

func TestRefreshPolicy(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	cache := NewCache(nil, nil)
	dev := &fakeDevice{foreground: true, version: "1.0", meta: Metadata{"sdk_version": "1"}}
	p := NewRefreshPolicy(kv, cache, dev, 10*time.Minute)
	now := time.UnixMilli(1_000_000)
	p.now = func() time.Time { return now }

	ok, reason, err := p.ShouldRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ReasonNeverRefreshed, reason)

	require.NoError(t, cache.Put(ctx, payload("a", 1, `{}`)))
	require.NoError(t, p.OnRefreshFinished(ctx))

	_, reason, _ = p.ShouldRefresh(ctx)
	assert.Equal(t, ReasonUpToDate, reason)

	now = now.Add(10 * time.Minute)
	_, reason, _ = p.ShouldRefresh(ctx)
	assert.Equal(t, ReasonIntervalElapsed, reason)

	now = now.Add(-5 * time.Minute)
	dev.meta = Metadata{"sdk_version": "2"}
	_, reason, _ = p.ShouldRefresh(ctx)
	assert.Equal(t, ReasonMetadata, reason)

	dev.version = "1.1"
	_, reason, _ = p.ShouldRefresh(ctx)
	assert.Equal(t, ReasonAppVersion, reason)

	dev.foreground = false
	ok, reason, _ = p.ShouldRefresh(ctx)
	assert.False(t, ok)
	assert.Equal(t, ReasonBackground, reason)
}
