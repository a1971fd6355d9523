package lifecycle

import (
	"context"
	"fmt"
)

// KV is the persisted key/value state the tracker uses.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}

const keyLastAppVersion = "lifecycle.last_app_version"

// VersionTracker compares the installed app version with the version
// recorded on the previous start.
type VersionTracker struct {
	platform string
	current  string
	previous string
	updated  bool
}

// NewVersionTracker reads the recorded version and records current in its
// place. A first install is not an update.
func NewVersionTracker(ctx context.Context, kv KV, platform, current string) (*VersionTracker, error) {
	prev, ok, err := kv.GetValue(ctx, keyLastAppVersion)
	if err != nil {
		return nil, fmt.Errorf("read last app version: %w", err)
	}
	v := &VersionTracker{
		platform: platform,
		current:  current,
		previous: prev,
		updated:  ok && prev != current,
	}
	if !ok || prev != current {
		if err := kv.SetValue(ctx, keyLastAppVersion, current); err != nil {
			return nil, fmt.Errorf("record app version: %w", err)
		}
	}
	return v, nil
}

// Updated reports whether the version changed since the previous start.
func (v *VersionTracker) Updated() bool { return v.updated }

// Previous returns the version recorded on the previous start.
func (v *VersionTracker) Previous() string { return v.previous }

// Current returns the installed version.
func (v *VersionTracker) Current() string { return v.current }

// Document is the emission payload of the version trigger:
// {platform: {version: current}}.
func (v *VersionTracker) Document() map[string]any {
	return map[string]any{
		v.platform: map[string]any{"version": v.current},
	}
}
