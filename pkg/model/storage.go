package model

// Storage is a storage pool as seen from one host.
type Storage struct {
	StorageID    string `json:"storage_id"`
	StorageName  string `json:"storage_name"`
	HostID       string `json:"host_id"`
	Type         string `json:"type"`
	ContentTypes string `json:"content_types"`
	Shared       bool   `json:"shared"`
	Enabled      bool   `json:"enabled"`
	Active       bool   `json:"active"`

	UsedBytes      int64 `json:"used_bytes"`
	TotalBytes     int64 `json:"total_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// StorageID builds the identifier for a pool on a host.
func StorageID(hostID, storageName string) string {
	return hostID + "_" + storageName
}

// UsagePercent returns used/total as a percentage.
func (s Storage) UsagePercent() float64 {
	return Percent(s.UsedBytes, s.TotalBytes)
}

// FreePercent returns available/total as a percentage.
func (s Storage) FreePercent() float64 {
	return Percent(s.AvailableBytes, s.TotalBytes)
}
