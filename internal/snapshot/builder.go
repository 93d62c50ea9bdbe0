// Package snapshot turns the raw payloads of a fetch cycle into a typed,
// immutable model.Snapshot.
package snapshot

import (
	"cmp"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kubeadapt/pve-agent/internal/collector"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// snapshotNamespace seeds the name-based snapshot ids.
var snapshotNamespace = uuid.MustParse("5b0f5f8e-2f4c-4d8a-9a41-7c1e3d9b6a20")

// Builder normalizes raw bundles. Build performs no I/O and never fails:
// malformed or missing fields degrade to zero values.
type Builder struct {
	clusterID   string
	clusterName string
	metrics     *observability.Metrics
}

// NewBuilder creates a Builder stamping snapshots with clusterID. A non-empty
// clusterName overrides the name reported by the cluster.
func NewBuilder(clusterID, clusterName string, metrics *observability.Metrics) *Builder {
	return &Builder{
		clusterID:   clusterID,
		clusterName: clusterName,
		metrics:     metrics,
	}
}

// Build produces the snapshot for bundle. Hosts in known that the bundle no
// longer lists are kept as unavailable placeholders. Building the same
// inputs twice yields equal snapshots.
func (b *Builder) Build(bundle *collector.RawBundle, known []model.Node, capturedAt time.Time) *model.Snapshot {
	start := time.Now()

	snap := &model.Snapshot{
		ClusterID:  b.clusterID,
		CapturedAt: capturedAt,
		Nodes:      []model.Node{},
		VMs:        []model.Guest{},
		Containers: []model.Guest{},
		Storages:   []model.Storage{},
	}

	// Step 1: Cluster membership and identity.
	members := b.applyClusterStatus(snap, bundle)
	if bundle.VersionErr == nil && bundle.Version != nil {
		snap.Version = gjson.GetBytes(bundle.Version, "version").String()
	}

	// Step 2: Nodes and their guests.
	last := make(map[string]model.Node, len(known))
	for _, k := range known {
		last[k.NodeID] = k
	}
	seen := make(map[string]bool, len(bundle.Hosts))
	for i := range bundle.Hosts {
		h := &bundle.Hosts[i]
		if seen[h.Name] {
			continue
		}
		seen[h.Name] = true

		node := buildNode(h, members, last)
		snap.Nodes = append(snap.Nodes, node)
		if !node.Available {
			continue
		}
		if h.VMsErr == nil {
			snap.VMs = append(snap.VMs, buildGuests(h.VMs, h.Name, model.KindVM)...)
		}
		if h.ContainersErr == nil {
			snap.Containers = append(snap.Containers, buildGuests(h.Containers, h.Name, model.KindContainer)...)
		}
	}

	// Step 3: Placeholders for hosts that dropped out of the host list.
	for _, k := range known {
		if seen[k.NodeID] {
			continue
		}
		seen[k.NodeID] = true
		snap.Nodes = append(snap.Nodes, placeholder(k, members))
	}

	// Step 4: Storage.
	snap.Storages = buildStorages(bundle)

	// Step 5: Order, summary and identity.
	sortSnapshot(snap)
	snap.Summary = ComputeSummary(snap)
	snap.SnapshotID = snapshotID(b.clusterID, capturedAt)

	if b.metrics != nil {
		b.metrics.SnapshotBuildDuration.Observe(time.Since(start).Seconds())
		b.metrics.SnapshotResources.WithLabelValues("nodes").Set(float64(len(snap.Nodes)))
		b.metrics.SnapshotResources.WithLabelValues("vms").Set(float64(len(snap.VMs)))
		b.metrics.SnapshotResources.WithLabelValues("containers").Set(float64(len(snap.Containers)))
		b.metrics.SnapshotResources.WithLabelValues("storages").Set(float64(len(snap.Storages)))
	}

	return snap
}

// member is a node's entry in the cluster status list.
type member struct {
	online bool
	ip     string
}

// applyClusterStatus sets the cluster name and quorum on snap and returns
// the membership entries keyed by node name. Without a cluster status the
// installation is a single host and counts as quorate.
func (b *Builder) applyClusterStatus(snap *model.Snapshot, bundle *collector.RawBundle) map[string]member {
	members := map[string]member{}
	snap.ClusterName = b.clusterName
	snap.Quorate = true

	if bundle.ClusterStatusErr != nil || len(bundle.ClusterStatus) == 0 {
		return members
	}
	snap.ClusterStatus = bundle.ClusterStatus

	gjson.ParseBytes(bundle.ClusterStatus).ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "cluster":
			if snap.ClusterName == "" {
				snap.ClusterName = item.Get("name").String()
			}
			snap.Quorate = flag(item.Get("quorate"))
		case "node":
			if name := item.Get("name").String(); name != "" {
				members[name] = member{online: flag(item.Get("online")), ip: item.Get("ip").String()}
			}
		}
		return true
	})
	return members
}

// buildNode builds a listed host. A host whose status failed is unavailable
// and keeps the static facts of its last sighting; the listing's "online"
// is not trusted without a status, but its "offline" is.
func buildNode(h *collector.HostResult, members map[string]member, last map[string]model.Node) model.Node {
	entry := gjson.ParseBytes(h.Entry)
	node := model.Node{
		Resource: model.Resource{
			Name:   h.Name,
			HostID: h.Name,
			Status: model.StatusUnknown,
		},
		NodeID: h.Name,
	}
	if s := entry.Get("status").String(); s != "" {
		node.Status = model.ParseStatus(s)
	}
	m, inCluster := members[h.Name]
	node.IP = m.ip

	if !h.Available() {
		if node.Status == model.StatusRunning {
			node.Status = model.StatusUnknown
		}
		node.Online = inCluster && m.online
		if prev, ok := last[h.Name]; ok {
			carryStaticFacts(&node, prev)
		}
		return node
	}

	status := gjson.ParseBytes(h.Status)
	node.Available = true
	node.Online = !inCluster || m.online
	if node.Status == model.StatusUnknown {
		node.Status = model.StatusRunning
	}

	node.CPUFraction = fraction(firstPresent(status.Get("cpu"), entry.Get("cpu")))
	node.MemoryUsedBytes = count(firstPresent(status.Get("memory.used"), entry.Get("mem")))
	node.MemoryMaxBytes = count(firstPresent(status.Get("memory.total"), entry.Get("maxmem")))
	node.DiskUsedBytes = count(firstPresent(status.Get("rootfs.used"), entry.Get("disk")))
	node.DiskMaxBytes = count(firstPresent(status.Get("rootfs.total"), entry.Get("maxdisk")))
	node.UptimeSeconds = count(firstPresent(status.Get("uptime"), entry.Get("uptime")))
	node.PVEVersion = pveVersion(status.Get("pveversion").String())
	node.KernelVersion = kernelVersion(status.Get("kversion").String())

	node.LoadAverage = loadAverage(status, h.LoadSample)
	applyCPUInfo(&node, status.Get("cpuinfo"), h.CPUInfo)
	return node
}

// loadAverage reads the status loadavg triple, then the RRD sample. RRD
// samples carry one averaged value, which stands in for all three windows.
func loadAverage(status gjson.Result, sample []byte) [3]float64 {
	var la [3]float64
	if arr := status.Get("loadavg").Array(); len(arr) >= 3 {
		for i := range la {
			la[i] = nonNegative(number(arr[i]))
		}
		return la
	}
	if len(sample) == 0 {
		return la
	}
	v := gjson.GetBytes(sample, "loadavg")
	if arr := v.Array(); v.IsArray() && len(arr) >= 3 {
		for i := range la {
			la[i] = nonNegative(number(arr[i]))
		}
		return la
	}
	load := nonNegative(number(v))
	return [3]float64{load, load, load}
}

// applyCPUInfo fills CPU details from the status cpuinfo object, taking
// whatever it lacks from the hardware fallback.
func applyCPUInfo(node *model.Node, info gjson.Result, hardware []byte) {
	node.CPUModel = info.Get("model").String()
	if node.CPUModel == "Unknown" {
		node.CPUModel = ""
	}
	node.CPUFrequencyMHz = nonNegative(number(info.Get("mhz")))
	node.CPUCores = integer(info.Get("cores"))
	node.CPUSockets = integer(info.Get("sockets"))

	if len(hardware) == 0 {
		return
	}
	hw := gjson.ParseBytes(hardware)
	if node.CPUModel == "" {
		node.CPUModel = strings.TrimSpace(hw.Get("model name").String())
	}
	if node.CPUFrequencyMHz == 0 {
		node.CPUFrequencyMHz = nonNegative(number(hw.Get("cpu MHz")))
	}
	if node.CPUCores == 0 {
		node.CPUCores = integer(hw.Get("cpu cores"))
	}
	if node.CPUSockets == 0 {
		node.CPUSockets = integer(hw.Get("cpu sockets"))
	}
}

// placeholder keeps a vanished host visible. Static hardware facts carry
// over from the last sighting; usage does not.
func placeholder(k model.Node, members map[string]member) model.Node {
	m := members[k.NodeID]
	name := k.Name
	if name == "" {
		name = k.NodeID
	}
	node := model.Node{
		Resource: model.Resource{
			Name:   name,
			HostID: k.NodeID,
			Status: model.StatusUnknown,
		},
		NodeID: k.NodeID,
		Online: m.online,
		IP:     m.ip,
	}
	carryStaticFacts(&node, k)
	return node
}

func carryStaticFacts(node *model.Node, prev model.Node) {
	node.CPUModel = prev.CPUModel
	node.CPUFrequencyMHz = prev.CPUFrequencyMHz
	node.CPUCores = prev.CPUCores
	node.CPUSockets = prev.CPUSockets
	node.PVEVersion = prev.PVEVersion
	node.KernelVersion = prev.KernelVersion
}

func buildGuests(raw []byte, host string, kind model.GuestKind) []model.Guest {
	var guests []model.Guest
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		vmid := guestID(item)
		if vmid <= 0 {
			slog.Debug("skipping guest without id", "host", host, "kind", kind)
			return true
		}
		name := item.Get("name").String()
		if name == "" {
			name = defaultGuestName(kind, vmid)
		}
		status := model.StatusUnknown
		if s := item.Get("status").String(); s != "" {
			status = model.ParseStatus(s)
		}
		guests = append(guests, model.Guest{
			Resource: model.Resource{
				Name:            name,
				HostID:          host,
				CPUFraction:     fraction(item.Get("cpu")),
				MemoryUsedBytes: count(item.Get("mem")),
				MemoryMaxBytes:  count(item.Get("maxmem")),
				DiskUsedBytes:   count(item.Get("disk")),
				DiskMaxBytes:    count(item.Get("maxdisk")),
				UptimeSeconds:   count(item.Get("uptime")),
				Status:          status,
			},
			VMID:        vmid,
			Kind:        kind,
			Template:    flag(item.Get("template")),
			NetInBytes:  count(item.Get("netin")),
			NetOutBytes: count(item.Get("netout")),
		})
		return true
	})
	return guests
}

// guestID reads vmid, falling back to id, which may be "lxc/101".
func guestID(item gjson.Result) int {
	if id := integer(item.Get("vmid")); id > 0 {
		return id
	}
	id := item.Get("id").String()
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func defaultGuestName(kind model.GuestKind, vmid int) string {
	if kind == model.KindContainer {
		return "Container " + strconv.Itoa(vmid)
	}
	return "VM " + strconv.Itoa(vmid)
}

// buildStorages joins the pool configuration with each host's pool status.
// Pools whose status call failed are left out.
func buildStorages(bundle *collector.RawBundle) []model.Storage {
	pools := map[string]gjson.Result{}
	gjson.ParseBytes(bundle.StoragePools).ForEach(func(_, p gjson.Result) bool {
		pools[p.Get("storage").String()] = p
		return true
	})

	storages := []model.Storage{}
	for _, sr := range bundle.StorageStatus {
		if sr.Err != nil {
			continue
		}
		pool := pools[sr.Storage]
		status := gjson.ParseBytes(sr.Status)

		enabled := !flag(pool.Get("disable"))
		if e := status.Get("enabled"); e.Exists() && e.Type != gjson.Null {
			enabled = flag(e)
		}
		storages = append(storages, model.Storage{
			StorageID:      model.StorageID(sr.Host, sr.Storage),
			StorageName:    sr.Storage,
			HostID:         sr.Host,
			Type:           firstPresent(status.Get("type"), pool.Get("type")).String(),
			ContentTypes:   firstPresent(status.Get("content"), pool.Get("content")).String(),
			Shared:         flag(firstPresent(status.Get("shared"), pool.Get("shared"))),
			Enabled:        enabled,
			Active:         flag(status.Get("active")),
			UsedBytes:      count(status.Get("used")),
			TotalBytes:     count(status.Get("total")),
			AvailableBytes: count(status.Get("avail")),
		})
	}
	return storages
}

func sortSnapshot(snap *model.Snapshot) {
	slices.SortFunc(snap.Nodes, func(a, b model.Node) int {
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	byVMID := func(a, b model.Guest) int {
		return cmp.Or(cmp.Compare(a.VMID, b.VMID), cmp.Compare(a.HostID, b.HostID))
	}
	slices.SortFunc(snap.VMs, byVMID)
	slices.SortFunc(snap.Containers, byVMID)
	slices.SortFunc(snap.Storages, func(a, b model.Storage) int {
		return cmp.Compare(a.StorageID, b.StorageID)
	})
}

func snapshotID(clusterID string, capturedAt time.Time) string {
	name := clusterID + "@" + capturedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(snapshotNamespace, []byte(name)).String()
}

// pveVersion extracts "8.2.4" from "pve-manager/8.2.4/faa83925c9641325".
func pveVersion(s string) string {
	parts := strings.Split(s, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return s
}

// kernelVersion extracts the release from "Linux 6.8.12-1-pve #1 SMP ...".
func kernelVersion(s string) string {
	fields := strings.Fields(s)
	if len(fields) >= 2 && fields[0] == "Linux" {
		return fields[1]
	}
	return s
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
