package allocator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
)

// VolumePlacement binds one requested volume to a storage device.
type VolumePlacement struct {
	// Index is the position of the volume in the request, which is also its disk index.
	Index    int
	Volume   VolumeRequest
	DeviceID string
}

// StorageAllocation places every volume of a request onto a host's enabled storage devices.
//
// Volumes are placed largest-first, each on the device with the most remaining room that respects the
// distinct-device constraint.
type StorageAllocation struct {
	// Placements is ordered by volume index. It is incomplete when the allocation is invalid.
	Placements []VolumePlacement

	RequestedGib int
	valid        bool
	utilization  decimal.Decimal
}

func NewStorageAllocation(devices []inventory.StorageDeviceSnapshot, volumes []VolumeRequest) *StorageAllocation {
	allocation := &StorageAllocation{
		Placements:  make([]VolumePlacement, 0, len(volumes)),
		utilization: decimal.Zero,
	}

	availableGib := 0
	for _, device := range devices {
		availableGib += device.AvailableStorageGib
	}

	for _, volume := range volumes {
		allocation.RequestedGib += volume.SizeGib
	}

	if allocation.RequestedGib > availableGib {
		return allocation
	}

	order := make([]int, len(volumes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return volumes[order[i]].SizeGib > volumes[order[j]].SizeGib
	})

	room := make([]int, len(devices))
	occupants := make([]int, len(devices))
	hostsDistinct := make([]bool, len(devices))
	for i, device := range devices {
		room[i] = device.AvailableStorageGib
	}

	deviceByIndex := make(map[int]int, len(volumes))
	for _, volumeIndex := range order {
		volume := volumes[volumeIndex]

		best := -1
		for i := range devices {
			if room[i] < volume.SizeGib {
				continue
			}

			if hostsDistinct[i] || (volume.Distinct && occupants[i] > 0) {
				continue
			}

			if best < 0 || room[i] > room[best] {
				best = i
			}
		}

		if best < 0 {
			return allocation
		}

		room[best] -= volume.SizeGib
		occupants[best]++
		hostsDistinct[best] = hostsDistinct[best] || volume.Distinct
		deviceByIndex[volumeIndex] = best
	}

	touched := make(map[int]struct{}, len(deviceByIndex))
	for volumeIndex, volume := range volumes {
		device := deviceByIndex[volumeIndex]
		touched[device] = struct{}{}

		allocation.Placements = append(allocation.Placements, VolumePlacement{
			Index:    volumeIndex,
			Volume:   volume,
			DeviceID: devices[device].ID,
		})
	}

	touchedGib := 0
	for device := range touched {
		touchedGib += devices[device].AvailableStorageGib
	}

	if touchedGib > 0 {
		allocation.utilization = decimal.NewFromInt(int64(allocation.RequestedGib)).
			Div(decimal.NewFromInt(int64(touchedGib)))
	}

	allocation.valid = true
	return allocation
}

func (a *StorageAllocation) IsValid() bool {
	return a.valid
}

// Utilization returns the requested storage over the available storage of the devices the volumes landed on.
func (a *StorageAllocation) Utilization() float64 {
	return a.utilization.InexactFloat64()
}

// DeviceFor returns the device chosen for the volume at the given index.
func (a *StorageAllocation) DeviceFor(index int) (string, bool) {
	for _, placement := range a.Placements {
		if placement.Index == index {
			return placement.DeviceID, true
		}
	}

	return "", false
}

func (a *StorageAllocation) String() string {
	return fmt.Sprintf("StorageAllocation[Valid=%v,RequestedGib=%d,Utilization=%s,Volumes=%d]",
		a.valid, a.RequestedGib, a.utilization.StringFixed(4), len(a.Placements))
}
