package model

import "math"

// Status is the normalized lifecycle state of a node or guest.
type Status string

// Resource statuses. Anything the remote API reports outside this set maps
// to StatusUnknown.
const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusShutdown  Status = "shutdown"
	StatusSuspended Status = "suspended"
	StatusPaused    Status = "paused"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps a raw status string to a Status.
// Nodes report "online"/"offline", which map to running/stopped.
func ParseStatus(s string) Status {
	switch s {
	case "running", "online":
		return StatusRunning
	case "stopped", "offline":
		return StatusStopped
	case "shutdown":
		return StatusShutdown
	case "suspended":
		return StatusSuspended
	case "paused":
		return StatusPaused
	default:
		return StatusUnknown
	}
}

// Resource is the shape shared by nodes, VMs and containers.
type Resource struct {
	Name            string  `json:"name"`
	HostID          string  `json:"host_id"`
	CPUFraction     float64 `json:"cpu_fraction"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	MemoryMaxBytes  int64   `json:"memory_max_bytes"`
	DiskUsedBytes   int64   `json:"disk_used_bytes"`
	DiskMaxBytes    int64   `json:"disk_max_bytes"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Status          Status  `json:"status"`
}

// CPUUsagePercent returns CPUFraction scaled to 0-100.
func (r Resource) CPUUsagePercent() float64 {
	return round2(r.CPUFraction * 100)
}

// MemoryUsagePercent returns used/max memory as a percentage, or 0 when the
// maximum is unknown.
func (r Resource) MemoryUsagePercent() float64 {
	return Percent(r.MemoryUsedBytes, r.MemoryMaxBytes)
}

// DiskUsagePercent returns used/max disk as a percentage.
func (r Resource) DiskUsagePercent() float64 {
	return Percent(r.DiskUsedBytes, r.DiskMaxBytes)
}

// DiskFreePercent returns the unused share of the disk as a percentage.
func (r Resource) DiskFreePercent() float64 {
	if r.DiskMaxBytes <= 0 {
		return 0
	}
	return Percent(r.DiskMaxBytes-r.DiskUsedBytes, r.DiskMaxBytes)
}

// Percent returns part/whole*100 rounded to two decimals. It returns 0 when
// whole is not positive.
func Percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
