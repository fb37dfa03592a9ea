package allocator

import (
	"fmt"
)

// VmHostAllocation is the placement of one scalar dimension (cores or 1 GiB hugepages) against a pool.
type VmHostAllocation struct {
	Total     int
	Used      int
	Requested int
}

// NewVmHostAllocation returns ErrInvalidUsage if the pool is already over capacity.
func NewVmHostAllocation(total int, used int, requested int) (*VmHostAllocation, error) {
	if used > total {
		return nil, fmt.Errorf("%w: used=%d, total=%d", ErrInvalidUsage, used, total)
	}

	return &VmHostAllocation{
		Total:     total,
		Used:      used,
		Requested: requested,
	}, nil
}

func (a *VmHostAllocation) IsValid() bool {
	return a.Used+a.Requested <= a.Total
}

// Utilization returns the fraction of the pool in use after the allocation.
func (a *VmHostAllocation) Utilization() float64 {
	if a.Total <= 0 {
		return 0
	}

	return float64(a.Used+a.Requested) / float64(a.Total)
}

func (a *VmHostAllocation) String() string {
	return fmt.Sprintf("%d+%d/%d", a.Used, a.Requested, a.Total)
}
