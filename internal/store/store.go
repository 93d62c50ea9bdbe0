package store

import (
	"time"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// HostRegistry remembers every host seen by a successful poll, so hosts
// that later vanish from the host list can still be reported. Entries are
// never evicted while the agent runs.
type HostRegistry struct {
	hosts *TypedStore[model.Node]
}

// NewHostRegistry creates an empty HostRegistry.
func NewHostRegistry(clock agenterrors.Clock) *HostRegistry {
	return &HostRegistry{hosts: NewTypedStore[model.Node](clock)}
}

// Observe records the nodes of a successful snapshot, replacing what was
// known about each.
func (r *HostRegistry) Observe(nodes []model.Node) {
	r.hosts.SetAll(nodes, func(n model.Node) string { return n.NodeID })
}

// Known returns every host ever observed, ordered by node id.
func (r *HostRegistry) Known() []model.Node {
	return r.hosts.Values()
}

// Len returns the number of known hosts.
func (r *HostRegistry) Len() int {
	return r.hosts.Len()
}

// LastUpdated returns when the registry last observed a snapshot.
func (r *HostRegistry) LastUpdated() time.Time {
	return r.hosts.LastUpdated()
}

// ItemCounts returns known and currently available host counts.
// Implements health.HostStats.
func (r *HostRegistry) ItemCounts() map[string]int {
	available := 0
	for _, n := range r.hosts.Values() {
		if n.Available {
			available++
		}
	}
	return map[string]int{
		"known":     r.hosts.Len(),
		"available": available,
	}
}
