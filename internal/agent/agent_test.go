package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/pve-agent/internal/action"
	"github.com/kubeadapt/pve-agent/internal/collector"
	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/internal/snapshot"
	"github.com/kubeadapt/pve-agent/internal/store"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// fakeFetcher delegates to collect; n is the 1-based call number.
type fakeFetcher struct {
	calls   atomic.Int32
	collect func(ctx context.Context, n int) (*collector.RawBundle, error)
}

func (f *fakeFetcher) Collect(ctx context.Context) (*collector.RawBundle, error) {
	n := int(f.calls.Add(1))
	return f.collect(ctx, n)
}

type fakeInvoker struct {
	err   error
	calls atomic.Int32
}

func (f *fakeInvoker) Invoke(_ context.Context, _ model.GuestKind, _ string, _ int, _ action.Action) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "UPID:task", nil
}

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func bundleFor(fetchedAt time.Time, hosts ...string) *collector.RawBundle {
	b := &collector.RawBundle{FetchedAt: fetchedAt}
	for _, h := range hosts {
		b.Hosts = append(b.Hosts, collector.HostResult{
			Name:       h,
			Status:     json.RawMessage(`{"cpu": 0.1}`),
			VMs:        json.RawMessage(`[{"vmid": 100, "status": "running"}]`),
			Containers: json.RawMessage(`[]`),
		})
	}
	return b
}

func succeed(hosts ...string) func(context.Context, int) (*collector.RawBundle, error) {
	return func(_ context.Context, n int) (*collector.RawBundle, error) {
		return bundleFor(t0.Add(time.Duration(n)*time.Second), hosts...), nil
	}
}

func newTestCoordinator(f Fetcher, inv ActionInvoker, opts Options) *Coordinator {
	if opts.StaleTolerance == 0 {
		opts.StaleTolerance = 3
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.ErrorCollector == nil {
		opts.ErrorCollector = agenterrors.NewErrorCollector(agenterrors.RealClock{})
	}
	return NewCoordinator(
		f,
		snapshot.NewBuilder("cluster-test", "", opts.Metrics),
		store.NewHostRegistry(nil),
		inv,
		NewStateMachine(nil, opts.Metrics),
		opts,
	)
}

func TestRequestRefresh_Success(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{collect: succeed("pve-01", "pve-02")}, nil, Options{})

	assert.Nil(t, c.Snapshot().Snapshot)
	assert.False(t, c.LastUpdateSuccess())
	assert.False(t, c.IsReady())

	require.NoError(t, c.RequestRefresh(context.Background()))

	view := c.Snapshot()
	require.NotNil(t, view.Snapshot)
	assert.False(t, view.Stale)
	assert.Len(t, view.Snapshot.Nodes, 2)
	assert.Equal(t, "cluster-test", view.Snapshot.ClusterID)
	assert.True(t, c.LastUpdateSuccess())
	assert.True(t, c.IsReady())
	assert.Equal(t, 0, c.ConsecutiveFailures())
	assert.Equal(t, 2, c.hosts.Len())
	assert.Equal(t, StateIdle, c.State().State())
	assert.Equal(t, StateSuccess, c.State().Outcome())
	assert.Same(t, view.Snapshot, c.LatestSnapshot())
}

func TestRequestRefresh_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 10)
	f := &fakeFetcher{collect: func(ctx context.Context, n int) (*collector.RawBundle, error) {
		entered <- struct{}{}
		<-release
		return bundleFor(t0, "pve-01"), nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	const callers = 5
	errs := make(chan error, callers)
	go func() { errs <- c.RequestRefresh(context.Background()) }()
	<-entered

	for i := 1; i < callers; i++ {
		go func() { errs <- c.RequestRefresh(context.Background()) }()
	}
	// Give the joiners time to attach to the in-flight poll.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), f.calls.Load(), "concurrent refreshes must share one poll")
}

func TestRequestRefresh_CallerCancelDoesNotCancelPoll(t *testing.T) {
	release := make(chan struct{})
	var pollErr atomic.Value
	f := &fakeFetcher{collect: func(ctx context.Context, n int) (*collector.RawBundle, error) {
		select {
		case <-release:
		case <-ctx.Done():
			pollErr.Store(ctx.Err())
			return nil, ctx.Err()
		}
		return bundleFor(t0, "pve-01"), nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RequestRefresh(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return c.LatestSnapshot() != nil }, time.Second, 5*time.Millisecond)
	assert.Nil(t, pollErr.Load())
}

func TestPoll_StaleToleranceBound(t *testing.T) {
	failing := atomic.Bool{}
	f := &fakeFetcher{collect: func(_ context.Context, n int) (*collector.RawBundle, error) {
		if failing.Load() {
			return nil, &agenterrors.ConnectionError{Op: "GET /nodes", Err: errors.New("connection refused")}
		}
		return bundleFor(t0.Add(time.Duration(n)*time.Second), "pve-01"), nil
	}}
	c := newTestCoordinator(f, nil, Options{StaleTolerance: 3})

	require.NoError(t, c.RequestRefresh(context.Background()))
	good := c.LatestSnapshot()

	failing.Store(true)
	for i := 1; i <= 3; i++ {
		require.Error(t, c.RequestRefresh(context.Background()))
		view := c.Snapshot()
		assert.Same(t, good, view.Snapshot, "last good snapshot is served")
		assert.True(t, view.Stale)
		assert.True(t, c.LastUpdateSuccess(), "failure %d is within tolerance", i)
		assert.Equal(t, i, c.ConsecutiveFailures())
	}

	require.Error(t, c.RequestRefresh(context.Background()))
	assert.False(t, c.LastUpdateSuccess(), "the fourth failure is surfaced")
	assert.False(t, c.IsReady())
	assert.Same(t, good, c.Snapshot().Snapshot, "the snapshot is still available")
	assert.Equal(t, StateFailed, c.State().Outcome())
	assert.Contains(t, c.errorCollector.GetActiveErrorCodes(), "POLL_FAILED")

	failing.Store(false)
	require.NoError(t, c.RequestRefresh(context.Background()))
	assert.True(t, c.LastUpdateSuccess())
	assert.Equal(t, 0, c.ConsecutiveFailures())
	assert.False(t, c.Snapshot().Stale)
	assert.NotContains(t, c.errorCollector.GetActiveErrorCodes(), "POLL_FAILED", "recovery resolves the poll error")
}

func TestPoll_FailureWithoutSnapshotIsSurfaced(t *testing.T) {
	f := &fakeFetcher{collect: func(context.Context, int) (*collector.RawBundle, error) {
		return nil, &agenterrors.AuthenticationError{Message: "invalid credentials"}
	}}
	c := newTestCoordinator(f, nil, Options{})

	err := c.RequestRefresh(context.Background())

	var authErr *agenterrors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, c.LastUpdateSuccess())
	assert.Nil(t, c.Snapshot().Snapshot)
	assert.Equal(t, 1, c.ConsecutiveFailures())
}

func TestPoll_CaptureTimeStrictlyIncreases(t *testing.T) {
	// Every bundle reports the same fetch time.
	f := &fakeFetcher{collect: func(context.Context, int) (*collector.RawBundle, error) {
		return bundleFor(t0, "pve-01"), nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	var prev time.Time
	var ids []string
	for i := 0; i < 5; i++ {
		require.NoError(t, c.RequestRefresh(context.Background()))
		snap := c.LatestSnapshot()
		if i > 0 && !snap.CapturedAt.After(prev) {
			t.Fatalf("capture time %v is not after %v", snap.CapturedAt, prev)
		}
		prev = snap.CapturedAt
		ids = append(ids, snap.SnapshotID)
	}
	assert.Len(t, uniq(ids), 5, "snapshot ids differ per capture")
}

func TestPoll_VanishedHostBecomesPlaceholder(t *testing.T) {
	f := &fakeFetcher{collect: func(_ context.Context, n int) (*collector.RawBundle, error) {
		if n == 1 {
			return bundleFor(t0, "pve-01", "pve-02"), nil
		}
		return bundleFor(t0.Add(time.Minute), "pve-02"), nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	require.NoError(t, c.RequestRefresh(context.Background()))
	require.NoError(t, c.RequestRefresh(context.Background()))

	snap := c.LatestSnapshot()
	require.Len(t, snap.Nodes, 2)
	gone, ok := snap.Node("pve-01")
	require.True(t, ok)
	assert.False(t, gone.Available)
	assert.Equal(t, 1, snap.Summary.AvailableNodeCount)
}

func TestPoll_PartialDataReported(t *testing.T) {
	f := &fakeFetcher{collect: func(context.Context, int) (*collector.RawBundle, error) {
		b := bundleFor(t0, "pve-01")
		b.StoragePoolsErr = errors.New("boom")
		return b, nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	require.NoError(t, c.RequestRefresh(context.Background()))
	assert.Contains(t, c.errorCollector.GetActiveErrorCodes(), "PARTIAL_DATA")
	assert.True(t, c.LastUpdateSuccess())
}

func TestPoll_TimeoutBoundsCycle(t *testing.T) {
	f := &fakeFetcher{collect: func(ctx context.Context, _ int) (*collector.RawBundle, error) {
		<-ctx.Done()
		return nil, agenterrors.Classify("fetch cycle", ctx.Err())
	}}
	c := newTestCoordinator(f, nil, Options{PollTimeout: 30 * time.Millisecond})

	start := time.Now()
	err := c.RequestRefresh(context.Background())

	var toErr *agenterrors.TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubscribe_ExactlyOncePerReplacement(t *testing.T) {
	failing := atomic.Bool{}
	f := &fakeFetcher{collect: func(_ context.Context, n int) (*collector.RawBundle, error) {
		if failing.Load() {
			return nil, errors.New("down")
		}
		return bundleFor(t0.Add(time.Duration(n)*time.Second), "pve-01"), nil
	}}
	c := newTestCoordinator(f, nil, Options{})

	var mu sync.Mutex
	var got []string
	unsubscribe := c.Subscribe(func(s *model.Snapshot) {
		mu.Lock()
		got = append(got, s.SnapshotID)
		mu.Unlock()
	})
	defer unsubscribe()

	var want []string
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RequestRefresh(context.Background()))
		want = append(want, c.LatestSnapshot().SnapshotID)
	}
	failing.Store(true)
	require.Error(t, c.RequestRefresh(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	// No notification for the failed poll arrives later.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got, "each replacement is delivered once, in order")
}

func TestSubscribe_PanickingAndSlowSubscribersIsolated(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{collect: succeed("pve-01")}, nil, Options{})

	block := make(chan struct{})
	defer close(block)
	c.Subscribe(func(*model.Snapshot) { panic("subscriber bug") })
	c.Subscribe(func(*model.Snapshot) { <-block })

	var healthy atomic.Int32
	c.Subscribe(func(*model.Snapshot) { healthy.Add(1) })

	for i := 0; i < 3; i++ {
		require.NoError(t, c.RequestRefresh(context.Background()))
	}

	require.Eventually(t, func() bool { return healthy.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{collect: succeed("pve-01")}, nil, Options{})

	var calls atomic.Int32
	unsubscribe := c.Subscribe(func(*model.Snapshot) { calls.Add(1) })
	require.NoError(t, c.RequestRefresh(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, c.broker.len())

	require.NoError(t, c.RequestRefresh(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvokeAction_TriggersRefresh(t *testing.T) {
	f := &fakeFetcher{collect: succeed("pve-01")}
	inv := &fakeInvoker{}
	c := newTestCoordinator(f, inv, Options{})

	taskID, err := c.InvokeAction(context.Background(), model.KindVM, "pve-01", 100, action.Start)
	require.NoError(t, err)
	assert.Equal(t, "UPID:task", taskID)

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInvokeAction_FailureSkipsRefresh(t *testing.T) {
	f := &fakeFetcher{collect: succeed("pve-01")}
	inv := &fakeInvoker{err: &agenterrors.UnsupportedActionError{Kind: "container", Action: "reset"}}
	c := newTestCoordinator(f, inv, Options{})

	_, err := c.InvokeAction(context.Background(), model.KindContainer, "pve-01", 100, action.Reset)

	var unsupported *agenterrors.UnsupportedActionError
	require.ErrorAs(t, err, &unsupported)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestInvokeAction_NoDispatcher(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{collect: succeed()}, nil, Options{})
	_, err := c.InvokeAction(context.Background(), model.KindVM, "pve-01", 100, action.Start)
	require.Error(t, err)
}

func TestRun_PollsImmediatelyAndStops(t *testing.T) {
	f := &fakeFetcher{collect: succeed("pve-01")}
	c := newTestCoordinator(f, nil, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, c.State().State())
	assert.Equal(t, 0, c.broker.len(), "subscribers released on stop")
}

func uniq(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

// clusterAPI serves a one-host cluster. While nodesDown is set, GET /nodes
// fails with HTTP 500 and every other path still answers.
type clusterAPI struct {
	nodesDown atomic.Bool
}

func (a *clusterAPI) Get(_ context.Context, path string) (json.RawMessage, error) {
	switch path {
	case collector.PathNodes:
		if a.nodesDown.Load() {
			return nil, &agenterrors.APIError{Method: "GET", Path: path, StatusCode: 500, Body: "internal error"}
		}
		return json.RawMessage(`[{"node": "pve-01", "status": "online"}]`), nil
	case collector.PathVersion:
		return json.RawMessage(`{"version": "8.2.4"}`), nil
	case collector.PathStorage:
		return json.RawMessage(`[]`), nil
	case "/nodes/pve-01/status":
		return json.RawMessage(`{"cpu": 0.2, "loadavg": ["0.1", "0.2", "0.3"], "cpuinfo": {"model": "Xeon", "mhz": "3000", "cores": 4}}`), nil
	case "/nodes/pve-01/qemu":
		return json.RawMessage(`[{"vmid": 100, "name": "web", "status": "running"}]`), nil
	case "/nodes/pve-01/lxc":
		return json.RawMessage(`[]`), nil
	}
	return nil, &agenterrors.APIError{Method: "GET", Path: path, StatusCode: 501}
}

func TestPoll_HostListFailureKeepsLastSnapshot(t *testing.T) {
	api := &clusterAPI{}
	metrics := observability.NewMetrics()
	orch := collector.NewOrchestrator(api, 4, nil, metrics)
	c := newTestCoordinator(orch, nil, Options{StaleTolerance: 3, Metrics: metrics})

	var published atomic.Int32
	unsubscribe := c.Subscribe(func(*model.Snapshot) { published.Add(1) })
	defer unsubscribe()

	require.NoError(t, c.RequestRefresh(context.Background()))
	good := c.LatestSnapshot()
	require.Len(t, good.VMs, 1)
	require.True(t, good.Nodes[0].Available)
	require.Eventually(t, func() bool { return published.Load() == 1 }, time.Second, 5*time.Millisecond)

	api.nodesDown.Store(true)
	err := c.RequestRefresh(context.Background())
	var apiErr *agenterrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)

	view := c.Snapshot()
	assert.Same(t, good, view.Snapshot, "last good snapshot is kept")
	assert.True(t, view.Stale)
	assert.Len(t, view.Snapshot.VMs, 1)
	assert.True(t, view.Snapshot.Nodes[0].Available)
	assert.Equal(t, 1, c.ConsecutiveFailures())
	assert.True(t, c.LastUpdateSuccess(), "one failure is within tolerance")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), published.Load(), "a failed poll publishes nothing")
}
