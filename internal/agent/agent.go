// Package agent runs the poll loop: it drives fetch and build cycles, owns
// the current snapshot, and publishes replacements to subscribers.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kubeadapt/pve-agent/internal/action"
	"github.com/kubeadapt/pve-agent/internal/collector"
	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/internal/snapshot"
	"github.com/kubeadapt/pve-agent/internal/store"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// Fetcher runs one fetch cycle. collector.Orchestrator implements it.
type Fetcher interface {
	Collect(ctx context.Context) (*collector.RawBundle, error)
}

// ActionInvoker sends guest lifecycle commands. action.Dispatcher
// implements it.
type ActionInvoker interface {
	Invoke(ctx context.Context, kind model.GuestKind, hostID string, vmid int, act action.Action) (string, error)
}

// View is the current snapshot as seen by a consumer. Stale is set while
// recent polls have failed and an older snapshot is being served.
type View struct {
	Snapshot *model.Snapshot
	Stale    bool
}

// Options configures a Coordinator.
type Options struct {
	Interval       time.Duration
	PollTimeout    time.Duration
	StaleTolerance int

	Clock          agenterrors.Clock
	Metrics        *observability.Metrics
	ErrorCollector *agenterrors.ErrorCollector
}

// Coordinator is the only writer of the current snapshot and the failure
// counter. Polls never overlap: a poll requested while one runs joins it.
type Coordinator struct {
	fetcher Fetcher
	builder *snapshot.Builder
	hosts   *store.HostRegistry
	actions ActionInvoker
	state   *StateMachine

	interval       time.Duration
	pollTimeout    time.Duration
	staleTolerance int64
	clock          agenterrors.Clock
	metrics        *observability.Metrics
	errorCollector *agenterrors.ErrorCollector

	polls    singleflight.Group
	current  atomic.Pointer[model.Snapshot]
	failures atomic.Int64
	broker   *broadcaster

	// lifetime bounds polls that outlive the caller that requested them.
	lifetime context.Context
	cancel   context.CancelFunc
}

// NewCoordinator creates a Coordinator. actions may be nil when lifecycle
// commands are not needed.
func NewCoordinator(
	fetcher Fetcher,
	builder *snapshot.Builder,
	hosts *store.HostRegistry,
	actions ActionInvoker,
	state *StateMachine,
	opts Options,
) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = agenterrors.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Minute
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:        fetcher,
		builder:        builder,
		hosts:          hosts,
		actions:        actions,
		state:          state,
		interval:       opts.Interval,
		pollTimeout:    opts.PollTimeout,
		staleTolerance: int64(opts.StaleTolerance),
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		errorCollector: opts.ErrorCollector,
		broker:         newBroadcaster(),
		lifetime:       lifetime,
		cancel:         cancel,
	}
}

// Run polls immediately, then on every interval tick until ctx is done.
// In-flight polls are canceled on return and subscribers are released.
func (c *Coordinator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()
	defer c.broker.close()
	defer c.cancel()

	slog.Info("poll loop started", "interval", c.interval, "poll_timeout", c.pollTimeout)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	_ = c.RequestRefresh(ctx)

	for {
		select {
		case <-ctx.Done():
			c.state.TransitionTo(StateStopped, "context canceled")
			slog.Info("poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = c.RequestRefresh(ctx)
		}
	}
}

// RequestRefresh triggers a poll, or joins the one in flight, and waits for
// it. Canceling ctx stops the wait, not the poll.
func (c *Coordinator) RequestRefresh(ctx context.Context) error {
	ch := c.polls.DoChan("poll", func() (any, error) {
		return nil, c.poll()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Snapshot returns the latest good snapshot, possibly stale. The snapshot
// is nil until the first successful poll.
func (c *Coordinator) Snapshot() View {
	return View{
		Snapshot: c.current.Load(),
		Stale:    c.failures.Load() > 0,
	}
}

// LastUpdateSuccess reports false before the first successful poll and
// once failures exceed the stale tolerance.
func (c *Coordinator) LastUpdateSuccess() bool {
	return c.current.Load() != nil && c.failures.Load() <= c.staleTolerance
}

// ConsecutiveFailures returns the number of polls failed since the last
// success.
func (c *Coordinator) ConsecutiveFailures() int {
	return int(c.failures.Load())
}

// Subscribe registers fn to be called once for every new snapshot, on a
// goroutine of its own. The returned func unsubscribes.
func (c *Coordinator) Subscribe(fn Subscriber) (unsubscribe func()) {
	return c.broker.subscribe(fn)
}

// InvokeAction sends a lifecycle command and, on success, requests a poll
// in the background so the change shows up without waiting for the timer.
func (c *Coordinator) InvokeAction(ctx context.Context, kind model.GuestKind, hostID string, vmid int, act action.Action) (string, error) {
	if c.actions == nil {
		return "", fmt.Errorf("agent: no action dispatcher configured")
	}
	taskID, err := c.actions.Invoke(ctx, kind, hostID, vmid, act)
	if err != nil {
		return "", err
	}
	go func() {
		if err := c.RequestRefresh(c.lifetime); err != nil {
			slog.Debug("refresh after action failed", "error", err)
		}
	}()
	return taskID, nil
}

// IsReady reports whether a snapshot exists and updates are not failing
// beyond tolerance. Implements health.ReadinessChecker.
func (c *Coordinator) IsReady() bool {
	return c.LastUpdateSuccess()
}

// LatestSnapshot returns the current snapshot, or nil if none has been
// built yet. Implements health.SnapshotProvider.
func (c *Coordinator) LatestSnapshot() *model.Snapshot {
	return c.current.Load()
}

// State returns the poll state machine.
func (c *Coordinator) State() *StateMachine {
	return c.state
}

// PollState returns the current poll state name. Implements
// health.StatusReporter.
func (c *Coordinator) PollState() string {
	return string(c.state.State())
}

func (c *Coordinator) poll() error {
	start := time.Now()
	c.state.TransitionTo(StatePolling, "")

	ctx, cancel := context.WithTimeout(c.lifetime, c.pollTimeout)
	defer cancel()

	bundle, err := c.fetcher.Collect(ctx)
	if err != nil {
		c.fail(err, start)
		return err
	}

	snap := c.builder.Build(bundle, c.hosts.Known(), c.captureTime(bundle.FetchedAt))
	c.current.Store(snap)
	c.failures.Store(0)
	c.hosts.Observe(snap.Nodes)

	c.resolveError(agenterrors.ErrPollFailed)
	if failed := bundle.Failures(); len(failed) > 0 {
		slog.Warn("poll completed with partial data", "failed_calls", len(failed), "calls", failed)
		c.reportError(agenterrors.ErrPartialData, fmt.Sprintf("%d calls failed", len(failed)), nil)
	} else {
		c.resolveError(agenterrors.ErrPartialData)
	}

	if c.metrics != nil {
		c.metrics.PollDuration.Observe(time.Since(start).Seconds())
		c.metrics.PollTotal.WithLabelValues("success").Inc()
		c.metrics.ConsecutiveFailures.Set(0)
	}
	c.state.Finish(StateSuccess, "")

	slog.Info("snapshot updated",
		"snapshot_id", snap.SnapshotID,
		"nodes", len(snap.Nodes),
		"vms", len(snap.VMs),
		"containers", len(snap.Containers),
		"storages", len(snap.Storages),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	c.broker.publish(snap)
	return nil
}

func (c *Coordinator) fail(err error, start time.Time) {
	n := c.failures.Add(1)

	if c.metrics != nil {
		c.metrics.PollDuration.Observe(time.Since(start).Seconds())
		c.metrics.PollTotal.WithLabelValues("failure").Inc()
		c.metrics.ConsecutiveFailures.Set(float64(n))
	}
	c.reportError(agenterrors.ErrPollFailed, err.Error(), err)
	c.state.Finish(StateFailed, err.Error())

	if c.current.Load() != nil && n <= c.staleTolerance {
		slog.Warn("poll failed, serving previous snapshot",
			"error", err,
			"consecutive_failures", n,
			"tolerance", c.staleTolerance,
		)
		return
	}
	slog.Error("poll failed", "error", err, "consecutive_failures", n)
}

// captureTime returns fetchedAt, nudged forward when needed so capture
// times strictly increase.
func (c *Coordinator) captureTime(fetchedAt time.Time) time.Time {
	t := fetchedAt
	if t.IsZero() {
		t = c.clock.Now()
	}
	if prev := c.current.Load(); prev != nil && !t.After(prev.CapturedAt) {
		t = prev.CapturedAt.Add(time.Nanosecond)
	}
	return t
}

func (c *Coordinator) reportError(code agenterrors.Code, msg string, err error) {
	if c.errorCollector == nil {
		return
	}
	c.errorCollector.Report(agenterrors.AgentError{
		Code:      code,
		Message:   msg,
		Component: "poller",
		Timestamp: c.clock.Now().UnixMilli(),
		Err:       err,
	})
}

func (c *Coordinator) resolveError(code agenterrors.Code) {
	if c.errorCollector != nil {
		c.errorCollector.Resolve(code, "poller")
	}
}
