// Package urlconfig resolves the service URLs the runtime talks to, merging
// configured defaults with overrides delivered through the app_config
// remote-data payload.
package urlconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
)

// URLs is the set of service endpoints.
type URLs struct {
	RemoteData string `json:"remote_data_url,omitempty"`
	Device     string `json:"device_api_url,omitempty"`
	Analytics  string `json:"analytics_url,omitempty"`
	Wallet     string `json:"wallet_url,omitempty"`
}

// KV persists the last remote override.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}

const (
	keyRemoteConfig = "urlconfig.remote"
	configObjectKey = "airship_config"
)

// Provider serves the effective URLs.
type Provider struct {
	defaults       URLs
	requireInitial bool
	kv             KV

	mu      sync.RWMutex
	remote  *URLs
	changes *eventbus.Subject[URLs]
}

// New returns a provider. With requireInitial set, every URL except the
// remote-data URL is empty until a remote config has been received.
func New(defaults URLs, requireInitial bool, kv KV) *Provider {
	return &Provider{
		defaults:       defaults,
		requireInitial: requireInitial,
		kv:             kv,
		changes:        eventbus.NewSubject[URLs](),
	}
}

// Load restores the last persisted remote override.
func (p *Provider) Load(ctx context.Context) error {
	raw, ok, err := p.kv.GetValue(ctx, keyRemoteConfig)
	if err != nil {
		return fmt.Errorf("read remote url config: %w", err)
	}
	if !ok {
		return nil
	}
	var u URLs
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return fmt.Errorf("decode remote url config: %w", err)
	}
	p.mu.Lock()
	p.remote = &u
	p.mu.Unlock()
	return nil
}

// URLs returns the effective endpoints.
func (p *Provider) URLs() URLs {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.remote == nil {
		if p.requireInitial {
			return URLs{RemoteData: p.defaults.RemoteData}
		}
		return p.defaults
	}
	return URLs{
		RemoteData: orDefault(p.remote.RemoteData, p.defaults.RemoteData),
		Device:     orDefault(p.remote.Device, p.defaults.Device),
		Analytics:  orDefault(p.remote.Analytics, p.defaults.Analytics),
		Wallet:     orDefault(p.remote.Wallet, p.defaults.Wallet),
	}
}

// HasRemoteConfig reports whether an override has been received.
func (p *Provider) HasRemoteConfig() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote != nil
}

// Apply reads the override from an app_config payload and persists it.
// A payload without a config object is ignored.
func (p *Provider) Apply(ctx context.Context, payload remotedata.Payload) error {
	obj, err := payload.Object()
	if err != nil {
		return fmt.Errorf("decode app config: %w", err)
	}
	raw, ok := obj[configObjectKey]
	if !ok {
		return nil
	}
	var u URLs
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode %s: %w", configObjectKey, err)
	}
	enc, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := p.kv.SetValue(ctx, keyRemoteConfig, string(enc)); err != nil {
		return fmt.Errorf("persist remote url config: %w", err)
	}
	p.mu.Lock()
	p.remote = &u
	p.mu.Unlock()
	p.changes.Publish(p.URLs())
	return nil
}

// Changes emits the effective URLs after every applied override.
func (p *Provider) Changes() eventbus.Observable[URLs] {
	return p.changes.Observable()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
