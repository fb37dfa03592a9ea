package allocator

import (
	"fmt"

	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
)

// VolumeRequest describes one storage volume of a VM.
type VolumeRequest struct {
	SizeGib int
	// Boot volumes are backed by the requested boot image.
	Boot      bool
	Encrypted bool
	// ReadOnly volumes are shared images. They are never encrypted.
	ReadOnly bool
	// Distinct volumes never share a storage device with another volume of the same request.
	Distinct bool

	// Optional limits, applied verbatim. nil means unlimited.
	MaxIOPS              *int
	MaxReadMbytesPerSec  *int
	MaxWriteMbytesPerSec *int
}

// Request is the immutable input of one placement.
type Request struct {
	Vcpus     int
	MemoryGib int
	Volumes   []VolumeRequest
	BootImage string
	GpuCount  int
	IPv4      bool

	TargetHostUtilization float64
	Arch                  string

	// Allow-lists and deny-lists. An empty allow-list admits everything.
	AllocationStates []string
	HostIDs          []string
	ExcludedHostIDs  []string
	Locations        []string
	Families         []string

	// LocationPreference ranks hosts in the listed locations ahead of others without excluding anyone.
	LocationPreference []string

	Family          string
	CpuPercentLimit int

	UseSlices          bool
	RequireSharedSlice bool

	Diagnostics bool
}

// StorageGib returns the aggregate size of every volume.
func (r *Request) StorageGib() int {
	total := 0
	for _, volume := range r.Volumes {
		total += volume.SizeGib
	}

	return total
}

// DistinctVolumeCount returns the number of volumes that must each sit on their own device.
func (r *Request) DistinctVolumeCount() int {
	count := 0
	for _, volume := range r.Volumes {
		if volume.Distinct {
			count++
		}
	}

	return count
}

func (r *Request) HasBootVolume() bool {
	for _, volume := range r.Volumes {
		if volume.Boot {
			return true
		}
	}

	return false
}

// inventoryQuery translates the request's hard constraints into a candidate discovery query.
func (r *Request) inventoryQuery() inventory.Query {
	query := inventory.Query{
		Arch:             r.Arch,
		AllocationStates: r.AllocationStates,
		HostIDs:          r.HostIDs,
		ExcludedHostIDs:  r.ExcludedHostIDs,
		Locations:        r.Locations,
		Families:         r.Families,
		StorageGib:       r.StorageGib(),
		DistinctDevices:  r.DistinctVolumeCount(),
		IPv4:             r.IPv4,
		GpuCount:         r.GpuCount,
	}

	if r.HasBootVolume() {
		query.BootImage = r.BootImage
	}

	return query
}

func (r *Request) String() string {
	return fmt.Sprintf("Request[Vcpus=%d,MemoryGib=%d,StorageGib=%d,Volumes=%d,Gpus=%d,IPv4=%v,Family=%s,Slices=%v,Shared=%v]",
		r.Vcpus, r.MemoryGib, r.StorageGib(), len(r.Volumes), r.GpuCount, r.IPv4, r.Family, r.UseSlices, r.RequireSharedSlice)
}
