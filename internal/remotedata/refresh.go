package remotedata

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// KV is the small key/value state the refresh policy persists.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}

const (
	keyLastRefreshTime       = "remotedata.last_refresh_time"
	keyLastRefreshAppVersion = "remotedata.last_refresh_app_version"
)

// Refresh reasons.
const (
	ReasonBackground      = "background"
	ReasonNeverRefreshed  = "never_refreshed"
	ReasonIntervalElapsed = "interval_elapsed"
	ReasonAppVersion      = "app_version_changed"
	ReasonMetadata        = "metadata_changed"
	ReasonUpToDate        = "up_to_date"
)

// Device is the slice of device state the policy reads.
type Device interface {
	IsForeground() bool
	AppVersion() string
	Metadata() Metadata
}

// RefreshPolicy decides whether the remote-data feed should be refetched.
type RefreshPolicy struct {
	kv       KV
	cache    *Cache
	device   Device
	interval atomic.Int64 // nanoseconds
	now      func() time.Time
}

// NewRefreshPolicy returns a policy that refreshes at most once per interval
// while foregrounded, unless the app version or fetch metadata changed.
func NewRefreshPolicy(kv KV, cache *Cache, device Device, interval time.Duration) *RefreshPolicy {
	p := &RefreshPolicy{kv: kv, cache: cache, device: device, now: time.Now}
	p.interval.Store(int64(interval))
	return p
}

// SetInterval changes the foreground refresh interval.
func (p *RefreshPolicy) SetInterval(d time.Duration) { p.interval.Store(int64(d)) }

// Interval returns the foreground refresh interval.
func (p *RefreshPolicy) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// Status is a snapshot of the policy's inputs and decision.
type Status struct {
	ShouldRefresh  bool      `json:"should_refresh"`
	Reason         string    `json:"reason"`
	LastRefresh    time.Time `json:"last_refresh,omitempty"`
	LastAppVersion string    `json:"last_app_version,omitempty"`
	Interval       string    `json:"interval"`
	Foreground     bool      `json:"foreground"`
}

// ShouldRefresh reports whether a refresh is due and why.
func (p *RefreshPolicy) ShouldRefresh(ctx context.Context) (bool, string, error) {
	st, err := p.Status(ctx)
	if err != nil {
		return false, "", err
	}
	return st.ShouldRefresh, st.Reason, nil
}

// Status evaluates the policy.
func (p *RefreshPolicy) Status(ctx context.Context) (Status, error) {
	st := Status{
		Interval:   p.Interval().String(),
		Foreground: p.device.IsForeground(),
	}
	last, err := p.lastRefresh(ctx)
	if err != nil {
		return st, err
	}
	st.LastRefresh = last
	version, _, err := p.kv.GetValue(ctx, keyLastRefreshAppVersion)
	if err != nil {
		return st, fmt.Errorf("read last refresh app version: %w", err)
	}
	st.LastAppVersion = version

	switch {
	case !st.Foreground:
		st.Reason = ReasonBackground
	case last.IsZero():
		st.ShouldRefresh, st.Reason = true, ReasonNeverRefreshed
	case version != p.device.AppVersion():
		st.ShouldRefresh, st.Reason = true, ReasonAppVersion
	case !p.cache.IsCurrent(p.device.Metadata()):
		st.ShouldRefresh, st.Reason = true, ReasonMetadata
	case p.now().Sub(last) >= p.Interval():
		st.ShouldRefresh, st.Reason = true, ReasonIntervalElapsed
	default:
		st.Reason = ReasonUpToDate
	}
	return st, nil
}

// OnRefreshFinished records a completed refresh.
func (p *RefreshPolicy) OnRefreshFinished(ctx context.Context) error {
	ms := strconv.FormatInt(p.now().UnixMilli(), 10)
	if err := p.kv.SetValue(ctx, keyLastRefreshTime, ms); err != nil {
		return fmt.Errorf("record refresh time: %w", err)
	}
	if err := p.kv.SetValue(ctx, keyLastRefreshAppVersion, p.device.AppVersion()); err != nil {
		return fmt.Errorf("record refresh app version: %w", err)
	}
	return nil
}

func (p *RefreshPolicy) lastRefresh(ctx context.Context) (time.Time, error) {
	raw, ok, err := p.kv.GetValue(ctx, keyLastRefreshTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last refresh time: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
