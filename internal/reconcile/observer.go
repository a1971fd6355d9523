// Package reconcile turns remote-data payloads into schedule store
// mutations.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/metrics"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// Scheduler is the schedule owner a plan is applied to.
type Scheduler interface {
	GetSchedules(ctx context.Context) ([]*schedule.Schedule, error)
	Apply(ctx context.Context, b schedule.Batch) error
}

// ErrOutOfOrder is returned for a payload older than one already applied.
var ErrOutOfOrder = fmt.Errorf("payload older than last applied: %w", remotedata.ErrStalePayload)

// Observer reconciles payloads of one type, strictly in arrival order, on
// its own Sequence.
type Observer struct {
	payloadType string
	scheduler   Scheduler
	seq         *eventbus.Sequence
	logger      *slog.Logger
	now         func() time.Time
	timeout     time.Duration

	cutoff atomic.Int64

	mu            sync.Mutex
	lastTimestamp int64
	sub           eventbus.Subscription
	applied       []func(*Plan)
}

// ObserverOptions configure an Observer.
type ObserverOptions struct {
	PayloadType     string
	NewUserCutoffMs int64
	Logger          *slog.Logger
	// Timeout bounds one reconciliation, including the store commit.
	Timeout time.Duration
}

// NewObserver starts an observer with its own Sequence.
func NewObserver(scheduler Scheduler, opts ObserverOptions) *Observer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	o := &Observer{
		payloadType:   opts.PayloadType,
		scheduler:     scheduler,
		seq:           eventbus.NewSequence("reconcile:" + opts.PayloadType),
		logger:        opts.Logger.With("type", opts.PayloadType),
		now:           time.Now,
		timeout:       opts.Timeout,
		lastTimestamp: -1,
	}
	o.cutoff.Store(opts.NewUserCutoffMs)
	return o
}

// SetNewUserCutoff changes the new-user cutoff for later payloads.
func (o *Observer) SetNewUserCutoff(ms int64) { o.cutoff.Store(ms) }

// NewUserCutoff returns the current cutoff.
func (o *Observer) NewUserCutoff() int64 { return o.cutoff.Load() }

// OnApplied registers fn to run on the observer's Sequence after every
// successful application.
func (o *Observer) OnApplied(fn func(*Plan)) {
	o.mu.Lock()
	o.applied = append(o.applied, fn)
	o.mu.Unlock()
}

// Subscribe starts consuming updates. Each payload is reconciled on the
// observer's Sequence. The empty sentinel is ignored.
func (o *Observer) Subscribe(updates eventbus.Observable[remotedata.Payload]) {
	src := eventbus.Filter(updates, func(p remotedata.Payload) bool {
		return p.Type == o.payloadType && !p.IsEmpty()
	})
	sub := eventbus.ObserveOn(src, o.seq).Subscribe(eventbus.Observer[remotedata.Payload]{
		Next: func(p remotedata.Payload) {
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			defer cancel()
			o.process(ctx, p)
		},
	})
	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()
}

// Process reconciles p synchronously on the observer's Sequence.
func (o *Observer) Process(ctx context.Context, p remotedata.Payload) (*Plan, error) {
	var (
		plan *Plan
		err  error
	)
	runErr := o.seq.Run(ctx, func() error {
		plan, err = o.process(ctx, p)
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}
	return plan, err
}

// Close stops consuming updates and waits for queued payloads to finish.
func (o *Observer) Close() {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	o.seq.Close()
}

// process must run on o.seq.
func (o *Observer) process(ctx context.Context, p remotedata.Payload) (*Plan, error) {
	if p.Type != o.payloadType {
		return nil, fmt.Errorf("observer for %s got payload %s", o.payloadType, p.Type)
	}
	if p.Timestamp < o.lastTimestamp {
		o.logger.Debug("ignoring out-of-order payload", "timestamp", p.Timestamp, "last", o.lastTimestamp)
		return nil, ErrOutOfOrder
	}
	start := time.Now()

	existing, err := o.scheduler.GetSchedules(ctx)
	if err != nil {
		o.logger.Error("load schedules failed", "err", err)
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	plan, err := Diff(p, existing, Options{NowMs: o.now().UnixMilli(), NewUserCutoffMs: o.cutoff.Load()})
	if err != nil {
		o.logger.Warn("payload rejected", "timestamp", p.Timestamp, "err", err)
		metrics.ReconcileRuns.WithLabelValues("rejected").Inc()
		return nil, err
	}
	for _, pe := range plan.Skipped {
		o.logger.Warn("skipping schedule document", "index", pe.Index, "schedule_id", pe.ID, "err", pe.Err)
	}
	metrics.ReconcileSkipped.Add(float64(len(plan.Skipped)))

	if !plan.IsEmpty() {
		if err := o.scheduler.Apply(ctx, plan.Batch()); err != nil {
			// the next refresh retries from the unchanged store
			o.logger.Error("apply reconciliation failed", "timestamp", p.Timestamp, "err", err)
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("apply payload %d: %w", p.Timestamp, err)
		}
	}
	o.lastTimestamp = p.Timestamp

	metrics.ReconcileOps.WithLabelValues("insert").Add(float64(len(plan.Inserts)))
	metrics.ReconcileOps.WithLabelValues("edit").Add(float64(len(plan.Edits)))
	metrics.ReconcileOps.WithLabelValues("end").Add(float64(len(plan.Ends)))
	metrics.ReconcileOps.WithLabelValues("cancel").Add(float64(len(plan.Cancels)))
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	metrics.ReconcileDuration.Observe(float64(time.Since(start).Milliseconds()))

	o.logger.Info("payload reconciled",
		"timestamp", p.Timestamp,
		"inserts", len(plan.Inserts),
		"edits", len(plan.Edits),
		"ends", len(plan.Ends),
		"cancels", len(plan.Cancels),
		"skipped", len(plan.Skipped),
	)

	o.mu.Lock()
	hooks := append([]func(*Plan){}, o.applied...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(plan)
	}
	return plan, nil
}
