package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/configuration"
	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/utils"
)

// AllocateOptions carries the optional arguments of Allocate.
type AllocateOptions struct {
	// HostIDs restricts placement to the listed hosts.
	HostIDs         []string
	ExcludedHostIDs []string
	Families        []string
	// ForcedHostID places the VM on exactly this host, whatever its allocation state.
	ForcedHostID string

	// AllocationStates overrides the default allow-list, which only admits accepting hosts.
	AllocationStates []string
	// Locations overrides the default location allow-list, which is the VM's own location.
	Locations          []string
	LocationPreference []string

	BootImage string
	GpuCount  int
	IPv4      bool
	UseSlices bool

	Diagnostics bool
}

// Allocator places VMs onto hosts.
type Allocator struct {
	db        *gorm.DB
	inventory *inventory.Inventory
	opts      *configuration.AllocatorOptions

	// jitter returns the tie-breaking value added to every score.
	jitter func() float64

	log logger.Logger
}

type Option func(*Allocator)

// WithJitter replaces the random tie-breaker, typically with a constant in tests.
func WithJitter(jitter func() float64) Option {
	return func(a *Allocator) {
		a.jitter = jitter
	}
}

func New(db *gorm.DB, opts *configuration.AllocatorOptions, options ...Option) *Allocator {
	if opts == nil {
		opts = configuration.DefaultAllocatorOptions()
	}

	allocator := &Allocator{
		db:        db,
		inventory: inventory.New(db),
		opts:      opts.Clone(),
	}

	jitterMax := allocator.opts.JitterMax
	allocator.jitter = func() float64 {
		return rand.Float64() * jitterMax
	}

	for _, option := range options {
		option(allocator)
	}

	config.InitLogger(&allocator.log, allocator)

	return allocator
}

// NewRequest builds a Request from a VM's declared shape, its volumes, and the optional arguments of Allocate.
func (a *Allocator) NewRequest(vm *storage.Vm, volumes []VolumeRequest, opts AllocateOptions) *Request {
	request := &Request{
		Vcpus:                 vm.Vcpus,
		MemoryGib:             vm.MemoryGib,
		Volumes:               volumes,
		BootImage:             opts.BootImage,
		GpuCount:              opts.GpuCount,
		IPv4:                  opts.IPv4,
		TargetHostUtilization: a.opts.TargetHostUtilization,
		Arch:                  vm.Arch,
		AllocationStates:      []string{storage.AllocationStateAccepting},
		HostIDs:               opts.HostIDs,
		ExcludedHostIDs:       opts.ExcludedHostIDs,
		Locations:             []string{vm.Location},
		Families:              opts.Families,
		LocationPreference:    opts.LocationPreference,
		Family:                vm.Family,
		CpuPercentLimit:       vm.CpuPercentLimit,
		UseSlices:             opts.UseSlices,
		RequireSharedSlice:    opts.UseSlices && slices.Contains(a.opts.SharedSliceFamilyList(), vm.Family),
		Diagnostics:           opts.Diagnostics,
	}

	if opts.AllocationStates != nil {
		request.AllocationStates = opts.AllocationStates
	}

	if opts.Locations != nil {
		request.Locations = opts.Locations
	}

	if opts.ForcedHostID != "" {
		request.HostIDs = []string{opts.ForcedHostID}
		request.AllocationStates = nil
	}

	if request.CpuPercentLimit <= 0 {
		request.CpuPercentLimit = request.Vcpus * 100
	}

	return request
}

// Allocate finds the best host for the VM and commits the placement.
//
// If no host can hold the VM, Allocate returns a *NoSpaceError naming the VM.
func (a *Allocator) Allocate(ctx context.Context, vm *storage.Vm, volumes []VolumeRequest, opts AllocateOptions) (*Placement, error) {
	request := a.NewRequest(vm, volumes, opts)

	allocation, err := a.BestAllocation(ctx, request, vm.ID)
	if err != nil {
		return nil, err
	}

	if allocation == nil {
		a.log.Warn(utils.OrangeStyle.Render("No space left on any eligible host for VM %s (%s)."), vm.ID, request.String())
		return nil, &NoSpaceError{Subject: vm.ID}
	}

	return a.Commit(ctx, vm, allocation)
}

// BestAllocation scores every candidate host and returns the valid Allocation with the lowest score.
// It returns nil and no error if there is no valid allocation.
//
// target identifies what is being placed. It is only used in diagnostic output.
func (a *Allocator) BestAllocation(ctx context.Context, request *Request, target string) (*Allocation, error) {
	query := request.inventoryQuery()

	if request.Diagnostics {
		a.log.Info("Candidate query for %s: %s", target, a.inventory.Describe(query))
	}

	candidates, err := a.inventory.Candidates(ctx, query)
	if err != nil {
		return nil, err
	}

	allocations := make([]*Allocation, 0, len(candidates))
	for _, candidate := range candidates {
		allocation, err := NewAllocation(candidate, request, a.opts, a.jitter())
		if err != nil {
			if errors.Is(err, ErrInvalidUsage) {
				a.log.Error(utils.RedStyle.Render("Skipping host %s with inconsistent usage: %v"), candidate.ID, err)
				continue
			}

			return nil, err
		}

		if request.Diagnostics {
			a.log.Info("Scored %s for %s.", allocation.String(), target)
		}

		if allocation.IsValid() {
			allocations = append(allocations, allocation)
		} else if allocation.Slice != nil && allocation.Slice.Err() != nil {
			a.log.Debug("Host %s cannot hold a slice for %s: %v", candidate.ID, target, allocation.Slice.Err())
		}
	}

	if len(allocations) == 0 {
		return nil, nil
	}

	sort.SliceStable(allocations, func(i, j int) bool {
		return allocations[i].Score < allocations[j].Score
	})

	best := allocations[0]
	a.log.Debug("Best allocation for %s out of %d valid candidate(s): %s", target, len(allocations), best.String())

	return best, nil
}

// Placement is the committed result of an allocation.
type Placement struct {
	VmID     string
	HostID   string
	Hostname string
	SliceID  *string

	Cores     int
	MemoryGib int
	Score     float64

	Volumes []storage.VmStorageVolume
	// Secrets holds the key material of every encrypted volume, keyed by disk index.
	Secrets map[int]VolumeSecret

	GpuGroups []int
	// IPv4 is the address assigned to the VM, or empty if none was requested.
	IPv4 string
}

func (p *Placement) String() string {
	return fmt.Sprintf("Placement[VM=%s,Host=%s,Cores=%d,MemoryGib=%d,Volumes=%d,Gpus=%v,IPv4=%s]",
		p.VmID, p.HostID, p.Cores, p.MemoryGib, len(p.Volumes), p.GpuGroups, p.IPv4)
}
