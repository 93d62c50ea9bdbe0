// Package collector fans out the remote API calls that make up one poll
// cycle and gathers their raw results.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
)

// errHostOffline marks hosts the host list already reports as offline.
// No per-host calls are made for them.
var errHostOffline = errors.New("host reported offline by cluster")

// HostEntry is one element of the /nodes listing.
type HostEntry struct {
	Name   string
	Online bool
	Raw    json.RawMessage
}

// Orchestrator issues the calls of one fetch cycle with bounded
// parallelism. It holds no state between cycles.
type Orchestrator struct {
	api         API
	concurrency int
	clock       agenterrors.Clock
	metrics     *observability.Metrics
}

// NewOrchestrator creates an Orchestrator issuing at most concurrency calls
// at a time.
func NewOrchestrator(api API, concurrency int, clock agenterrors.Clock, metrics *observability.Metrics) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	if clock == nil {
		clock = agenterrors.RealClock{}
	}
	return &Orchestrator{
		api:         api,
		concurrency: concurrency,
		clock:       clock,
		metrics:     metrics,
	}
}

// Collect lists the cluster's hosts and fetches everything for them.
//
// A failed host list fails the cycle. A version probe decides how: when the
// API still answers, the host-list failure is returned as an APIError; when
// it does not, both errors are returned. Only a host list that succeeds
// empty yields an empty bundle. A cycle whose context ends before the
// fan-out completes is an error.
func (o *Orchestrator) Collect(ctx context.Context) (*RawBundle, error) {
	fetchedAt := o.clock.Now()

	raw, err := o.api.Get(ctx, PathNodes)
	if err != nil {
		o.recordFailure("nodes")
		if _, probeErr := o.api.Get(ctx, PathVersion); probeErr != nil {
			return nil, fmt.Errorf("collector: host list failed: %w; version probe failed: %w", err, probeErr)
		}
		slog.Warn("host list unavailable but api is reachable", "error", err)
		return nil, fmt.Errorf("collector: host list failed: %w", hostListError(err))
	}

	b := o.FetchAll(ctx, ParseHostList(raw))
	if err := ctx.Err(); err != nil {
		return nil, agenterrors.Classify("fetch cycle", err)
	}
	b.FetchedAt = fetchedAt
	return b, nil
}

// hostListError returns err as an APIError for GET /nodes. Transport
// failures are kept as the APIError body.
func hostListError(err error) error {
	var apiErr *agenterrors.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &agenterrors.APIError{Method: "GET", Path: PathNodes, Body: err.Error()}
}

// FetchAll fetches cluster-level data and per-host data for hosts. Call
// failures are recorded in the bundle and never returned.
func (o *Orchestrator) FetchAll(ctx context.Context, hosts []HostEntry) *RawBundle {
	b := &RawBundle{
		FetchedAt: o.clock.Now(),
		Hosts:     make([]HostResult, len(hosts)),
	}

	// 1. Cluster-level and per-host calls. Each task writes only its own
	// fields, so no locking is needed.
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)

	g.Go(func() error {
		// Single-host installations have no cluster; failure is expected.
		b.ClusterStatus, b.ClusterStatusErr = o.api.Get(ctx, PathClusterStatus)
		if b.ClusterStatusErr != nil {
			slog.Debug("cluster status unavailable", "error", b.ClusterStatusErr)
		}
		return nil
	})
	g.Go(func() error {
		b.StoragePools, b.StoragePoolsErr = o.get(ctx, "storage", PathStorage)
		return nil
	})
	g.Go(func() error {
		b.Version, b.VersionErr = o.get(ctx, "version", PathVersion)
		return nil
	})

	for i, h := range hosts {
		hr := &b.Hosts[i]
		hr.Name = h.Name
		hr.Entry = h.Raw
		if !h.Online {
			hr.StatusErr = errHostOffline
			continue
		}
		g.Go(func() error {
			o.fetchHostStatus(ctx, hr)
			return nil
		})
		g.Go(func() error {
			hr.VMs, hr.VMsErr = o.get(ctx, "node_qemu", nodeQemuPath(hr.Name))
			return nil
		})
		g.Go(func() error {
			hr.Containers, hr.ContainersErr = o.get(ctx, "node_lxc", nodeLXCPath(hr.Name))
			return nil
		})
	}
	_ = g.Wait()

	// 2. Storage status per available host and pool.
	b.StorageStatus = storageJobs(b)
	g = new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i := range b.StorageStatus {
		sr := &b.StorageStatus[i]
		if sr.Err != nil || sr.Status != nil {
			continue
		}
		if disabledPool(b.StoragePools, sr.Storage) {
			continue
		}
		g.Go(func() error {
			sr.Status, sr.Err = o.get(ctx, "storage_status", storageStatusPath(sr.Host, sr.Storage))
			return nil
		})
	}
	_ = g.Wait()

	if failed := b.Failures(); len(failed) > 0 {
		slog.Debug("fetch cycle completed with degraded data", "failed_calls", failed)
	}
	return b
}

// fetchHostStatus fetches a host's status and, when the status lacks them,
// the load average and CPU details from their fallback endpoints.
func (o *Orchestrator) fetchHostStatus(ctx context.Context, hr *HostResult) {
	hr.Status, hr.StatusErr = o.get(ctx, "node_status", nodeStatusPath(hr.Name))
	if hr.StatusErr != nil {
		return
	}

	status := gjson.ParseBytes(hr.Status)
	if !HasLoadAverage(status) {
		hr.LoadSample, hr.LoadSource = o.fetchLoadSample(ctx, hr.Name)
	}
	if NeedsCPUFallback(status) {
		hr.CPUInfo = o.fetchCPUInfo(ctx, hr.Name)
	}
}

// fetchLoadSample walks the RRD timeframes and returns the newest sample
// that carries a load average.
func (o *Orchestrator) fetchLoadSample(ctx context.Context, node string) (json.RawMessage, string) {
	for _, tf := range loadFallbackTimeframes {
		data, err := o.get(ctx, "node_rrddata", nodeRRDPath(node, tf))
		if err != nil {
			slog.Debug("rrd data unavailable", "node", node, "timeframe", tf, "error", err)
			continue
		}
		samples := gjson.ParseBytes(data).Array()
		for i := len(samples) - 1; i >= 0; i-- {
			if la := samples[i].Get("loadavg"); la.Exists() && la.Type != gjson.Null {
				return json.RawMessage(samples[i].Raw), tf
			}
		}
	}
	return nil, ""
}

// fetchCPUInfo returns the data of the first hardware entry of type cpu.
func (o *Orchestrator) fetchCPUInfo(ctx context.Context, node string) json.RawMessage {
	data, err := o.get(ctx, "node_hardware", nodeHardwarePath(node))
	if err != nil {
		slog.Debug("hardware info unavailable", "node", node, "error", err)
		return nil
	}
	var info json.RawMessage
	gjson.ParseBytes(data).ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "cpu" {
			if d := item.Get("data"); d.IsObject() {
				info = json.RawMessage(d.Raw)
				return false
			}
		}
		return true
	})
	return info
}

func (o *Orchestrator) get(ctx context.Context, endpoint, path string) (json.RawMessage, error) {
	data, err := o.api.Get(ctx, path)
	if err != nil {
		o.recordFailure(endpoint)
		return nil, err
	}
	return data, nil
}

func (o *Orchestrator) recordFailure(endpoint string) {
	if o.metrics != nil {
		o.metrics.FetchErrorsTotal.WithLabelValues(endpoint).Inc()
	}
}

// ParseHostList extracts host entries from a /nodes payload. Entries without
// a name are dropped. A host is treated as online unless the listing says
// "offline".
func ParseHostList(raw json.RawMessage) []HostEntry {
	var hosts []HostEntry
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		name := item.Get("node").String()
		if name == "" {
			return true
		}
		hosts = append(hosts, HostEntry{
			Name:   name,
			Online: item.Get("status").String() != "offline",
			Raw:    json.RawMessage(item.Raw),
		})
		return true
	})
	return hosts
}

// HasLoadAverage reports whether a node status carries a three-element
// load average.
func HasLoadAverage(status gjson.Result) bool {
	la := status.Get("loadavg")
	return la.IsArray() && len(la.Array()) >= 3
}

// NeedsCPUFallback reports whether a node status lacks a CPU model or
// frequency.
func NeedsCPUFallback(status gjson.Result) bool {
	model := status.Get("cpuinfo.model").String()
	return model == "" || model == "Unknown" || status.Get("cpuinfo.mhz").Float() == 0
}

// storageJobs pairs every available host with every storage pool it may use.
// Pools restricted to a node list are only paired with those nodes.
func storageJobs(b *RawBundle) []StorageResult {
	if b.StoragePoolsErr != nil || b.StoragePools == nil {
		return nil
	}
	pools := gjson.ParseBytes(b.StoragePools).Array()

	var jobs []StorageResult
	for _, h := range b.Hosts {
		if !h.Available() {
			continue
		}
		for _, p := range pools {
			name := p.Get("storage").String()
			if name == "" || !poolOnNode(p, h.Name) {
				continue
			}
			jobs = append(jobs, StorageResult{Host: h.Name, Storage: name})
		}
	}
	return jobs
}

func poolOnNode(pool gjson.Result, node string) bool {
	nodes := pool.Get("nodes").String()
	if nodes == "" {
		return true
	}
	for _, n := range strings.Split(nodes, ",") {
		if strings.TrimSpace(n) == node {
			return true
		}
	}
	return false
}

func disabledPool(pools json.RawMessage, storage string) bool {
	for _, p := range gjson.ParseBytes(pools).Array() {
		if p.Get("storage").String() == storage {
			return p.Get("disable").Bool()
		}
	}
	return false
}
