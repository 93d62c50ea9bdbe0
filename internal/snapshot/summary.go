package snapshot

import "github.com/kubeadapt/pve-agent/pkg/model"

// ComputeSummary calculates entity counts and resource totals from a snapshot.
// Memory and CPU totals cover available nodes only. Shared storage is
// reported once per host but counted once per pool.
func ComputeSummary(snapshot *model.Snapshot) model.ClusterSummary {
	s := model.ClusterSummary{
		NodeCount:      len(snapshot.Nodes),
		VMCount:        len(snapshot.VMs),
		ContainerCount: len(snapshot.Containers),
		StorageCount:   len(snapshot.Storages),
	}

	for i := range snapshot.Nodes {
		n := &snapshot.Nodes[i]
		if !n.Available {
			continue
		}
		s.AvailableNodeCount++
		s.TotalMemoryBytes += n.MemoryMaxBytes
		s.UsedMemoryBytes += n.MemoryUsedBytes
		s.TotalCPULogical += n.CPUTotalLogical()
	}

	for i := range snapshot.VMs {
		if snapshot.VMs[i].Status == model.StatusRunning {
			s.RunningVMCount++
		}
	}
	for i := range snapshot.Containers {
		if snapshot.Containers[i].Status == model.StatusRunning {
			s.RunningContainerCount++
		}
	}

	sharedSeen := make(map[string]bool)
	for i := range snapshot.Storages {
		st := &snapshot.Storages[i]
		if !st.Enabled {
			continue
		}
		if st.Shared {
			if sharedSeen[st.StorageName] {
				continue
			}
			sharedSeen[st.StorageName] = true
		}
		s.TotalStorageBytes += st.TotalBytes
		s.UsedStorageBytes += st.UsedBytes
		s.AvailableStorageBytes += st.AvailableBytes
	}

	return s
}
