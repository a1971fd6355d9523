// Package app builds the automation runtime from configuration and owns
// its start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/text/language"

	"github.com/gyaneshwarpardhi/automation/internal/action"
	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/engine"
	"github.com/gyaneshwarpardhi/automation/internal/event"
	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/lifecycle"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/reconcile"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/store"
	"github.com/gyaneshwarpardhi/automation/internal/trigger"
	"github.com/gyaneshwarpardhi/automation/internal/urlconfig"
)

// Refresher fetches the remote-data feed from url and hands every payload
// back through App.OnNewRemotePayload.
type Refresher interface {
	Refresh(ctx context.Context, url string) error
}

// Options configure an App. Store and Config are required.
type Options struct {
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger
	// Refresher is asked to refetch the feed when the refresh policy says
	// so. Nil only logs that a refresh is due.
	Refresher Refresher
	// HTTPClient is used for deferred schedules.
	HTTPClient *http.Client
	// Displayer shows in-app messages. Nil keeps the most recent ones in
	// memory.
	Displayer action.Displayer
}

// App is the explicit context object every component hangs off.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	refresher Refresher

	monitor *lifecycle.Monitor
	pause   *lifecycle.PauseManager
	device  *lifecycle.Device
	version *lifecycle.VersionTracker

	cache    *remotedata.Cache
	policy   *remotedata.RefreshPolicy
	urls     *urlconfig.Provider
	observer *reconcile.Observer

	events    *eventbus.Subject[*event.CustomEvent]
	states    *eventbus.Subject[condition.Document]
	tags      *action.Tags
	displayer action.Displayer
	engine    *engine.Engine

	refreshSeq *eventbus.Sequence
	subs       eventbus.CompositeSubscription
	now        func() time.Time
}

// New builds the runtime. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	st := opts.Store

	locale, err := lifecycle.ParseLocale(cfg.Device.Locale)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:        cfg,
		logger:     opts.Logger,
		store:      st,
		refresher:  opts.Refresher,
		monitor:    lifecycle.NewMonitor(),
		pause:      lifecycle.NewPauseManager(),
		events:     eventbus.NewSubject[*event.CustomEvent](),
		states:     eventbus.NewSubject[condition.Document](),
		tags:       action.NewTags(),
		displayer:  opts.Displayer,
		refreshSeq: eventbus.NewSequence("remote-data-refresh"),
		now:        time.Now,
	}
	if a.displayer == nil {
		a.displayer = action.NewLogDisplayer(opts.Logger, 0)
	}
	a.device = lifecycle.NewDevice(a.monitor, cfg.Device.Platform, cfg.Device.AppVersion, cfg.Device.SDKVersion, locale)

	a.version, err = lifecycle.NewVersionTracker(ctx, st, cfg.Device.Platform, cfg.Device.AppVersion)
	if err != nil {
		return nil, err
	}
	if a.version.Updated() {
		a.logger.Info("app version updated", "previous", a.version.Previous(), "current", a.version.Current())
	}

	a.cache = remotedata.NewCache(st, opts.Logger)
	if err := a.cache.Load(ctx); err != nil {
		return nil, err
	}
	a.policy = remotedata.NewRefreshPolicy(st, a.cache, a.device, cfg.RemoteData.ForegroundRefreshInterval)

	u := cfg.RemoteData.URLs
	a.urls = urlconfig.New(urlconfig.URLs{
		RemoteData: u.RemoteData,
		Device:     u.Device,
		Analytics:  u.Analytics,
		Wallet:     u.Wallet,
	}, cfg.RemoteData.RequireInitialRemoteConfig, st)
	if err := a.urls.Load(ctx); err != nil {
		return nil, err
	}

	reg := action.NewRegistry()
	actions := action.NewActionsExecutor(opts.Logger)
	action.RegisterTagActions(actions, a.tags)
	reg.Register(actions)
	reg.Register(action.NewMessageExecutor(a.displayer))
	reg.Register(action.NewDeferredExecutor(opts.HTTPClient, cfg.Device.Platform, a, a.displayer))

	sources := trigger.NewSources(a.monitor, a.pause, a.version, a.events.Observable(), a.states.Observable())
	a.engine = engine.New(ctx, engine.Options{
		Store:    st,
		Sources:  sources,
		Registry: reg,
		AppState: a.monitor,
		Audience: a.audience,
		Conf:     cfg.Engine,
		Logger:   opts.Logger,
	})
	a.observer = reconcile.NewObserver(a.engine, reconcile.ObserverOptions{
		PayloadType:     cfg.RemoteData.SchedulesType,
		NewUserCutoffMs: cfg.RemoteData.CutoffMs(),
		Logger:          opts.Logger,
	})
	return a, nil
}

// Start restores schedules, then begins consuming payloads and lifecycle
// changes.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.observer.Subscribe(a.cache.Puts(a.cfg.RemoteData.SchedulesType))

	a.subs.Add(a.cache.Updates(remotedata.TypeAppConfig).Subscribe(eventbus.Observer[remotedata.Payload]{
		Next: func(p remotedata.Payload) {
			if p.IsEmpty() {
				return
			}
			if err := a.urls.Apply(context.Background(), p); err != nil {
				a.logger.Warn("app config not applied", "err", err)
			}
		},
	}))
	a.subs.Add(a.monitor.Changes().Subscribe(eventbus.Observer[bool]{
		Next: func(fg bool) {
			a.publishState()
			if fg {
				a.checkRefresh()
			}
		},
	}))
	a.subs.Add(a.device.LocaleChanges().Subscribe(eventbus.Observer[language.Tag]{
		Next: func(language.Tag) {
			a.publishState()
			a.checkRefresh()
		},
	}))
	a.logger.Info("automation started",
		"schedules_type", a.cfg.RemoteData.SchedulesType,
		"new_user_cutoff_ms", a.observer.NewUserCutoff(),
	)
	return nil
}

// Stop detaches every source and drains pending executions.
func (a *App) Stop(ctx context.Context) {
	a.subs.Cancel()
	a.observer.Close()
	a.refreshSeq.Close()
	a.engine.Shutdown(ctx)
	a.events.Complete()
	a.states.Complete()
}

// OnNewRemotePayload stores p in the payload cache. Payloads older than
// the cached one for their type are dropped with ErrStalePayload.
func (a *App) OnNewRemotePayload(ctx context.Context, p remotedata.Payload) error {
	err := a.cache.Put(ctx, p)
	switch {
	case errors.Is(err, remotedata.ErrStalePayload):
		metrics.PayloadsReceived.WithLabelValues(p.Type, "stale").Inc()
		return err
	case err != nil:
		metrics.PayloadsReceived.WithLabelValues(p.Type, "error").Inc()
		return err
	}
	metrics.PayloadsReceived.WithLabelValues(p.Type, "stored").Inc()
	if err := a.policy.OnRefreshFinished(ctx); err != nil {
		a.logger.Warn("refresh bookkeeping failed", "err", err)
	}
	return nil
}

// OnCustomEvent feeds ev to every custom-event trigger.
func (a *App) OnCustomEvent(ev *event.CustomEvent) error {
	if err := ev.Normalize(a.now()); err != nil {
		return err
	}
	source := ev.Source
	if source == "" {
		source = "direct"
	}
	metrics.EventsReceived.WithLabelValues(source).Inc()
	a.events.Publish(ev)
	return nil
}

// Foreground records that the app entered the foreground.
func (a *App) Foreground() bool { return a.monitor.SetForeground() }

// Background records that the app left the foreground.
func (a *App) Background() bool { return a.monitor.SetBackground() }

// Pause suppresses new-session emissions until Resume.
func (a *App) Pause() { a.pause.Pause() }

// Resume lifts Pause.
func (a *App) Resume() { a.pause.Resume() }

// IsPaused reports the pause flag.
func (a *App) IsPaused() bool { return a.pause.IsPaused() }

// SetLocale changes the device locale.
func (a *App) SetLocale(tag language.Tag) { a.device.SetLocale(tag) }

// SetNotificationOptIn records the notification opt-in and emits a state
// change.
func (a *App) SetNotificationOptIn(v bool) {
	a.device.SetNotificationOptIn(v)
	a.publishState()
}

// ApplyConfig takes the hot-reloadable settings from cfg.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.policy.SetInterval(cfg.RemoteData.ForegroundRefreshInterval)
	a.observer.SetNewUserCutoff(cfg.RemoteData.CutoffMs())
	a.logger.Info("runtime config applied",
		"refresh_interval", cfg.RemoteData.ForegroundRefreshInterval,
		"new_user_cutoff_ms", cfg.RemoteData.CutoffMs(),
	)
}

// StateOverrides reports the device state sent with deferred requests.
func (a *App) StateOverrides() action.StateOverrides {
	lang, country := a.device.LocaleParts()
	return action.StateOverrides{
		AppVersion:        a.device.AppVersion(),
		SDKVersion:        a.device.SDKVersion(),
		NotificationOptIn: a.device.NotificationOptIn(),
		LocaleLanguage:    lang,
		LocaleCountry:     country,
	}
}

func (a *App) Engine() *engine.Engine { return a.engine }
func (a *App) Cache() *remotedata.Cache { return a.cache }
func (a *App) RefreshPolicy() *remotedata.RefreshPolicy { return a.policy }
func (a *App) URLs() *urlconfig.Provider { return a.urls }
func (a *App) Tags() *action.Tags { return a.tags }
func (a *App) Device() *lifecycle.Device { return a.device }
func (a *App) Store() *store.Store { return a.store }

// Displayed returns recently shown messages when the default displayer is
// in use.
func (a *App) Displayed() []action.Displayed {
	if d, ok := a.displayer.(*action.LogDisplayer); ok {
		return d.Recent()
	}
	return nil
}

// audience is the document audience expressions are matched against.
func (a *App) audience() condition.Document {
	doc := condition.Document(a.device.Document())
	doc["tags"] = a.tags.List()
	return doc
}

func (a *App) publishState() {
	a.states.Publish(a.audience())
}

// checkRefresh asks the policy whether the feed is stale and, if so, the
// refresher to refetch it. Runs on its own Sequence so lifecycle
// publishers never wait on the network.
func (a *App) checkRefresh() {
	a.refreshSeq.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		due, reason, err := a.policy.ShouldRefresh(ctx)
		if err != nil {
			a.logger.Warn("refresh policy failed", "err", err)
			return
		}
		if !due {
			a.logger.Debug("remote data up to date", "reason", reason)
			return
		}
		url := a.urls.URLs().RemoteData
		if a.refresher == nil {
			a.logger.Info("remote data refresh due", "reason", reason, "url", url)
			return
		}
		if err := a.refresher.Refresh(ctx, url); err != nil {
			a.logger.Warn("remote data refresh failed", "reason", reason, "err", err)
		}
	})
}
