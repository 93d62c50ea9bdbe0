package model

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable point-in-time view of the cluster.
// Slices are shared with every reader and must not be modified.
type Snapshot struct {
	SnapshotID  string `json:"snapshot_id"`
	ClusterID   string `json:"cluster_id"`
	ClusterName string `json:"cluster_name,omitempty"`
	Quorate     bool   `json:"quorate"`
	Version     string `json:"version,omitempty"`

	Nodes      []Node    `json:"nodes"`
	VMs        []Guest   `json:"vms"`
	Containers []Guest   `json:"containers"`
	Storages   []Storage `json:"storages"`

	// ClusterStatus is the raw /cluster/status payload, passed through as-is.
	ClusterStatus json.RawMessage `json:"cluster_status,omitempty"`

	Summary    ClusterSummary `json:"summary"`
	CapturedAt time.Time      `json:"captured_at"`
}

// ClusterSummary holds computed counts and totals.
type ClusterSummary struct {
	NodeCount             int `json:"node_count"`
	AvailableNodeCount    int `json:"available_node_count"`
	VMCount               int `json:"vm_count"`
	RunningVMCount        int `json:"running_vm_count"`
	ContainerCount        int `json:"container_count"`
	RunningContainerCount int `json:"running_container_count"`
	StorageCount          int `json:"storage_count"`

	TotalMemoryBytes      int64 `json:"total_memory_bytes"`
	UsedMemoryBytes       int64 `json:"used_memory_bytes"`
	TotalCPULogical       int   `json:"total_cpu_logical"`
	TotalStorageBytes     int64 `json:"total_storage_bytes"`
	UsedStorageBytes      int64 `json:"used_storage_bytes"`
	AvailableStorageBytes int64 `json:"available_storage_bytes"`
}

// Node returns the node with the given id.
func (s *Snapshot) Node(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return Node{}, false
}

// VM returns the VM with the given vmid.
func (s *Snapshot) VM(vmid int) (Guest, bool) {
	return findGuest(s.VMs, vmid)
}

// Container returns the container with the given vmid.
func (s *Snapshot) Container(vmid int) (Guest, bool) {
	return findGuest(s.Containers, vmid)
}

// Storage returns the storage pool with the given storage id.
func (s *Snapshot) Storage(id string) (Storage, bool) {
	for _, st := range s.Storages {
		if st.StorageID == id {
			return st, true
		}
	}
	return Storage{}, false
}

func findGuest(guests []Guest, vmid int) (Guest, bool) {
	for _, g := range guests {
		if g.VMID == vmid {
			return g, true
		}
	}
	return Guest{}, false
}
