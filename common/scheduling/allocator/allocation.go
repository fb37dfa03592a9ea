package allocator

import (
	"fmt"
	"math"
	"slices"

	"github.com/scusemua/vm-control-plane/common/configuration"
	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
)

// Allocation pairs one candidate host with a Request. It holds the independent sub-allocations of the request and
// their aggregate score. Lower scores are better.
type Allocation struct {
	Host    inventory.HostSnapshot
	Request *Request

	Cores   *VmHostAllocation
	Memory  *VmHostAllocation
	Storage *StorageAllocation
	// Slice is nil when the VM is placed directly against the host's pools.
	Slice *SliceAllocation

	// VmCores is the VM's core count on this host.
	VmCores   int
	GpuGroups []int

	Score float64
}

// NewAllocation builds every sub-allocation of the request against the host and scores the result.
func NewAllocation(host inventory.HostSnapshot, request *Request, opts *configuration.AllocatorOptions, jitter float64) (*Allocation, error) {
	allocation := &Allocation{
		Host:    host,
		Request: request,
		VmCores: coresFor(&host, request.Vcpus),
	}

	requestedCores, requestedMemory := allocation.VmCores, request.MemoryGib
	if request.UseSlices && host.AcceptsSlices {
		if request.RequireSharedSlice {
			allocation.Slice = newSharedSliceAllocation(&host, request.Family, request.CpuPercentLimit, request.MemoryGib,
				opts.SharedSliceCores, opts.SharedSliceMemoryGib)
		} else {
			allocation.Slice = newDedicatedSliceAllocation(&host, allocation.VmCores, request.MemoryGib)
		}

		requestedCores, requestedMemory = allocation.Slice.HostCores(), allocation.Slice.HostMemoryGib()
	}

	var err error
	if allocation.Cores, err = NewVmHostAllocation(host.TotalCores, host.UsedCores, requestedCores); err != nil {
		return nil, fmt.Errorf("host %s cores: %w", host.ID, err)
	}

	if allocation.Memory, err = NewVmHostAllocation(host.TotalHugepages1G, host.UsedHugepages1G, requestedMemory); err != nil {
		return nil, fmt.Errorf("host %s memory: %w", host.ID, err)
	}

	allocation.Storage = NewStorageAllocation(host.StorageDevices, request.Volumes)

	if request.GpuCount > 0 && len(host.FreeGpuGroups) >= request.GpuCount {
		allocation.GpuGroups = append([]int(nil), host.FreeGpuGroups[:request.GpuCount]...)
	}

	allocation.Score = allocation.score(opts, jitter)
	return allocation, nil
}

func (a *Allocation) IsValid() bool {
	if !a.Cores.IsValid() || !a.Memory.IsValid() || !a.Storage.IsValid() {
		return false
	}

	if a.Slice != nil && !a.Slice.IsValid() {
		return false
	}

	return len(a.GpuGroups) == a.Request.GpuCount
}

// Utilizations returns the utilization of every scored dimension.
//
// A shared slice contributes its own utilization. A dedicated slice is sized exactly to the VM, so it would always
// score as fully utilized and is left out.
func (a *Allocation) Utilizations() []float64 {
	utilizations := []float64{a.Cores.Utilization(), a.Memory.Utilization(), a.Storage.Utilization()}

	if a.Slice != nil && a.Slice.Shared {
		utilizations = append(utilizations, a.Slice.Utilization())
	}

	return utilizations
}

// UtilizationScore returns the target-relative penalty of a set of utilizations, including the imbalance penalty.
func UtilizationScore(utilizations []float64, target float64, opts *configuration.AllocatorOptions) float64 {
	if len(utilizations) == 0 {
		return 0
	}

	score := 0.0
	lowest, highest := math.Inf(1), math.Inf(-1)
	for _, utilization := range utilizations {
		score += utilizationPenalty(utilization, target, opts)
		lowest = math.Min(lowest, utilization)
		highest = math.Max(highest, utilization)
	}

	return score + opts.ImbalanceWeight*(highest-lowest)
}

// utilizationPenalty is zero at the target. Above the target it starts with a flat step, so that overcommitting
// always costs more than leaving capacity idle.
func utilizationPenalty(utilization float64, target float64, opts *configuration.AllocatorOptions) float64 {
	switch {
	case utilization < target:
		return opts.IdleWeight * (target - utilization)
	case utilization > target:
		return opts.OvercommitStep + opts.OvercommitWeight*(utilization-target)
	default:
		return 0
	}
}

func (a *Allocation) score(opts *configuration.AllocatorOptions, jitter float64) float64 {
	target := a.Request.TargetHostUtilization
	score := UtilizationScore(a.Utilizations(), target, opts) + jitter

	if len(a.Request.LocationPreference) > 0 && !slices.Contains(a.Request.LocationPreference, a.Host.Location) {
		score += opts.LocationPenalty
	}

	if a.Host.NumGpus > 0 && a.Request.GpuCount == 0 {
		score += opts.GpuPenalty
	}

	score += opts.ProvisioningPenalty * float64(a.Host.ProvisioningCount)

	if slices.Contains(opts.HighChurnFamilyList(), a.Request.Family) {
		if a.Host.ProvisioningCount > 0 {
			score += opts.HighChurnPenalty
		}

		if opts.ConstrainedHostCores > 0 && a.Host.TotalCores == opts.ConstrainedHostCores {
			score += opts.ConstrainedHostPenalty
		}
	}

	if preferred, ok := opts.PreferredHostFamilyMap()[a.Request.Family]; ok && preferred == a.Host.Family {
		score -= opts.PreferredHostBonus
	}

	return score
}

func (a *Allocation) String() string {
	slice := "none"
	if a.Slice != nil {
		slice = a.Slice.String()
	}

	return fmt.Sprintf("Allocation[Host=%s,Score=%.4f,Valid=%v,Cores=%s,Memory=%s,%s,Slice=%s,Gpus=%v]",
		a.Host.ID, a.Score, a.IsValid(), a.Cores, a.Memory, a.Storage, slice, a.GpuGroups)
}
