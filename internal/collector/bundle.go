package collector

import (
	"encoding/json"
	"time"
)

// RawBundle is the unmerged result of one fetch cycle. Every payload is the
// remote API's data member, untouched. A failed call leaves its payload nil
// and records the error next to it; the Snapshot Builder decides what a
// missing payload means.
type RawBundle struct {
	FetchedAt time.Time

	Hosts []HostResult

	ClusterStatus    json.RawMessage
	ClusterStatusErr error

	StoragePools    json.RawMessage
	StoragePoolsErr error
	StorageStatus   []StorageResult

	Version    json.RawMessage
	VersionErr error
}

// HostResult holds everything fetched for one host.
type HostResult struct {
	Name string
	// Entry is the host's element from the /nodes listing.
	Entry json.RawMessage

	Status    json.RawMessage
	StatusErr error

	VMs    json.RawMessage
	VMsErr error

	Containers    json.RawMessage
	ContainersErr error

	// LoadSample is the most recent RRD sample carrying a load average,
	// fetched only when Status has none. LoadSource names its timeframe.
	LoadSample json.RawMessage
	LoadSource string

	// CPUInfo is the data of the hardware entry of type "cpu", fetched only
	// when Status lacks a usable CPU model or frequency.
	CPUInfo json.RawMessage
}

// Available reports whether the host answered its status call.
func (h HostResult) Available() bool {
	return h.StatusErr == nil && len(h.Status) > 0 && string(h.Status) != "null"
}

// StorageResult is the status of one storage pool on one host.
type StorageResult struct {
	Host    string
	Storage string
	Status  json.RawMessage
	Err     error
}

// Failures lists the calls that failed in this cycle, as endpoint names.
func (b *RawBundle) Failures() []string {
	var out []string
	if b.StoragePoolsErr != nil {
		out = append(out, PathStorage)
	}
	if b.VersionErr != nil {
		out = append(out, PathVersion)
	}
	for _, h := range b.Hosts {
		if h.StatusErr != nil {
			out = append(out, nodeStatusPath(h.Name))
		}
		if h.VMsErr != nil {
			out = append(out, nodeQemuPath(h.Name))
		}
		if h.ContainersErr != nil {
			out = append(out, nodeLXCPath(h.Name))
		}
	}
	for _, s := range b.StorageStatus {
		if s.Err != nil {
			out = append(out, storageStatusPath(s.Host, s.Storage))
		}
	}
	return out
}
