package model

// Node is a cluster host.
type Node struct {
	Resource

	NodeID    string `json:"node_id"`
	Available bool   `json:"available"`

	// LoadAverage holds the 1, 5 and 15 minute load averages.
	LoadAverage [3]float64 `json:"load_average"`

	CPUFrequencyMHz float64 `json:"cpu_frequency_mhz"`
	CPUCores        int     `json:"cpu_cores"`
	CPUSockets      int     `json:"cpu_sockets"`
	CPUModel        string  `json:"cpu_model"`

	PVEVersion    string `json:"pve_version,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`

	// Online and IP come from the cluster status membership list and are
	// empty on single-host setups.
	Online bool   `json:"online"`
	IP     string `json:"ip,omitempty"`
}

// CPUTotalLogical returns cores*sockets, or 0 when either is unknown.
func (n Node) CPUTotalLogical() int {
	if n.CPUCores <= 0 || n.CPUSockets <= 0 {
		return 0
	}
	return n.CPUCores * n.CPUSockets
}
