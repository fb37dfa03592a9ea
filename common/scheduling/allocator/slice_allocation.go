package allocator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
	"github.com/scusemua/vm-control-plane/common/utils"
)

// SliceAllocation is the slice sub-allocation of a candidate: either the reuse of an existing shared slice or the
// plan for a new slice to be created at commit time.
type SliceAllocation struct {
	Shared bool

	// Existing is the shared slice being reused, or nil when a new slice is planned.
	Existing *inventory.SliceSnapshot

	// The shape of the planned slice. Zero when reusing.
	Cores           int
	Cpus            []int
	TotalCpuPercent int
	TotalMemoryGib  int

	// The share of the slice consumed by the VM.
	RequestedCpuPercent int
	RequestedMemoryGib  int

	valid bool
	err   error
}

// newSharedSliceAllocation reuses the oldest shared slice of the VM's family with enough headroom, or plans a new
// shared slice of the configured quantum.
func newSharedSliceAllocation(host *inventory.HostSnapshot, family string, cpuPercent int, memoryGib int,
	quantumCores int, quantumMemoryGib int) *SliceAllocation {

	allocation := &SliceAllocation{
		Shared:              true,
		RequestedCpuPercent: cpuPercent,
		RequestedMemoryGib:  memoryGib,
	}

	for i := range host.SharedSlices {
		slice := host.SharedSlices[i]
		if slice.Family != family {
			continue
		}

		if slice.SpareCpuPercent() >= cpuPercent && slice.SpareMemoryGib() >= memoryGib {
			allocation.Existing = &slice
			allocation.valid = true
			return allocation
		}
	}

	threadsPerCore := host.ThreadsPerCore()
	allocation.Cores = quantumCores
	allocation.TotalCpuPercent = quantumCores * threadsPerCore * 100
	allocation.TotalMemoryGib = quantumMemoryGib

	if cpuPercent > allocation.TotalCpuPercent || memoryGib > allocation.TotalMemoryGib {
		allocation.err = fmt.Errorf("VM does not fit into a shared slice of %d cores and %d GiB", quantumCores, quantumMemoryGib)
		return allocation
	}

	allocation.Cpus, allocation.err = selectCpus(host, quantumCores)
	allocation.valid = allocation.err == nil
	return allocation
}

// newDedicatedSliceAllocation plans a new slice sized exactly to the VM.
func newDedicatedSliceAllocation(host *inventory.HostSnapshot, cores int, memoryGib int) *SliceAllocation {
	threadsPerCore := host.ThreadsPerCore()
	allocation := &SliceAllocation{
		Cores:               cores,
		TotalCpuPercent:     cores * threadsPerCore * 100,
		TotalMemoryGib:      memoryGib,
		RequestedCpuPercent: cores * threadsPerCore * 100,
		RequestedMemoryGib:  memoryGib,
	}

	allocation.Cpus, allocation.err = selectCpus(host, cores)
	allocation.valid = allocation.err == nil
	return allocation
}

// selectCpus returns the cpu threads of the requested number of whole free cores.
//
// Cpu n is a thread of core n modulo the host's core count. Chosen cores need not be adjacent.
func selectCpus(host *inventory.HostSnapshot, cores int) ([]int, error) {
	if host.TotalCores <= 0 {
		return nil, fmt.Errorf("%w: host %s reports no cores", ErrFailedToAllocateCpus, host.ID)
	}

	threadsPerCore := host.ThreadsPerCore()
	freeThreads := make(map[int]int, host.TotalCores)
	for _, cpu := range host.FreeCpus {
		freeThreads[cpu%host.TotalCores]++
	}

	cpus := make([]int, 0, cores*threadsPerCore)
	selected := 0
	for core := 0; core < host.TotalCores && selected < cores; core++ {
		if freeThreads[core] < threadsPerCore {
			continue
		}

		for thread := 0; thread < threadsPerCore; thread++ {
			cpus = append(cpus, core+thread*host.TotalCores)
		}
		selected++
	}

	if selected < cores {
		return nil, fmt.Errorf("%w: host %s has %d of %d requested cores free", ErrFailedToAllocateCpus, host.ID, selected, cores)
	}

	return cpus, nil
}

func (a *SliceAllocation) IsValid() bool {
	return a.valid
}

// Err returns why the sub-allocation is invalid, if known.
func (a *SliceAllocation) Err() error {
	return a.err
}

// IsNew reports whether the slice is created by the commit.
func (a *SliceAllocation) IsNew() bool {
	return a.Existing == nil
}

// HostCores returns the cores the slice takes from the host's pool.
func (a *SliceAllocation) HostCores() int {
	if a.Existing != nil {
		return 0
	}

	return a.Cores
}

// HostMemoryGib returns the memory the slice takes from the host's pool.
func (a *SliceAllocation) HostMemoryGib() int {
	if a.Existing != nil {
		return 0
	}

	return a.TotalMemoryGib
}

// Utilization is the larger of the slice's cpu-percent and memory utilization after the placement.
func (a *SliceAllocation) Utilization() float64 {
	var usedCpu, totalCpu, usedMemory, totalMemory int
	if a.Existing != nil {
		usedCpu, totalCpu = a.Existing.UsedCpuPercent+a.RequestedCpuPercent, a.Existing.TotalCpuPercent
		usedMemory, totalMemory = a.Existing.UsedMemoryGib+a.RequestedMemoryGib, a.Existing.TotalMemoryGib
	} else {
		usedCpu, totalCpu = a.RequestedCpuPercent, a.TotalCpuPercent
		usedMemory, totalMemory = a.RequestedMemoryGib, a.TotalMemoryGib
	}

	cpuUtilization := ratio(usedCpu, totalCpu)
	memoryUtilization := ratio(usedMemory, totalMemory)

	return decimal.Max(cpuUtilization, memoryUtilization).InexactFloat64()
}

func ratio(used int, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}

	return decimal.NewFromInt(int64(used)).Div(decimal.NewFromInt(int64(total)))
}

func (a *SliceAllocation) String() string {
	if a.Existing != nil {
		return fmt.Sprintf("SliceAllocation[Reuse=%s,CpuPercent=+%d,MemoryGib=+%d]",
			a.Existing.ID, a.RequestedCpuPercent, a.RequestedMemoryGib)
	}

	return fmt.Sprintf("SliceAllocation[New,Shared=%v,Cores=%d,Cpus=%v,CpuPercent=%d/%d,MemoryGib=%d/%d,Valid=%v]",
		a.Shared, a.Cores, a.Cpus, a.RequestedCpuPercent, a.TotalCpuPercent, a.RequestedMemoryGib, a.TotalMemoryGib, a.valid)
}

// coresFor translates vcpus into whole cores of the host.
func coresFor(host *inventory.HostSnapshot, vcpus int) int {
	return utils.CeilDiv(vcpus, host.ThreadsPerCore())
}
