package inventory

import (
	"fmt"
)

// StorageDeviceSnapshot is the allocator's view of one enabled storage device.
type StorageDeviceSnapshot struct {
	ID                  string
	Name                string
	TotalStorageGib     int
	AvailableStorageGib int
}

// SliceSnapshot is the allocator's view of one enabled shared slice.
type SliceSnapshot struct {
	ID              string
	Name            string
	Family          string
	Cores           int
	TotalCpuPercent int
	UsedCpuPercent  int
	TotalMemoryGib  int
	UsedMemoryGib   int
}

// SpareCpuPercent returns the cpu-percent headroom of the slice.
func (s SliceSnapshot) SpareCpuPercent() int {
	return s.TotalCpuPercent - s.UsedCpuPercent
}

// SpareMemoryGib returns the memory headroom of the slice.
func (s SliceSnapshot) SpareMemoryGib() int {
	return s.TotalMemoryGib - s.UsedMemoryGib
}

// HostSnapshot is a denormalized, read-only view of one eligible host's resources.
//
// A HostSnapshot may be stale by the time an allocation based on it is committed. The commit re-validates every
// counter through storage-layer constraints.
type HostSnapshot struct {
	ID              string
	Hostname        string
	Arch            string
	Location        string
	Family          string
	AllocationState string
	AcceptsSlices   bool

	TotalCores       int
	UsedCores        int
	TotalCpus        int
	TotalSockets     int
	TotalDies        int
	TotalHugepages1G int
	UsedHugepages1G  int

	StorageDevices      []StorageDeviceSnapshot
	TotalStorageGib     int
	AvailableStorageGib int

	// AvailableIPv4 is the number of unassigned addresses across every block routed to the host.
	AvailableIPv4 int

	// NumGpus is the number of GPU functions on the host, claimed or not.
	NumGpus int
	// FreeGpuGroups lists the IOMMU groups that contain a GPU and have no claimed function.
	FreeGpuGroups []int

	// ProvisioningCount is the number of VMs still being provisioned on the host.
	ProvisioningCount int

	SharedSlices []SliceSnapshot
	// FreeCpus lists the cpu numbers not assigned to any slice nor reserved for SPDK.
	FreeCpus []int
}

// ThreadsPerCore returns the host's cpu-thread to core ratio, which is at least 1.
func (h *HostSnapshot) ThreadsPerCore() int {
	if h.TotalCores <= 0 || h.TotalCpus < h.TotalCores {
		return 1
	}

	return h.TotalCpus / h.TotalCores
}

func (h *HostSnapshot) String() string {
	return fmt.Sprintf("HostSnapshot[ID=%s,Location=%s,Family=%s,Cores=%d/%d,Hugepages=%d/%d,Storage=%d/%d GiB,IPv4=%d,FreeGpuGroups=%d,Provisioning=%d]",
		h.ID, h.Location, h.Family, h.UsedCores, h.TotalCores, h.UsedHugepages1G, h.TotalHugepages1G,
		h.AvailableStorageGib, h.TotalStorageGib, h.AvailableIPv4, len(h.FreeGpuGroups), h.ProvisioningCount)
}
