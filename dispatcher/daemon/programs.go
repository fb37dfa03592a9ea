package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/scusemua/vm-control-plane/common/scheduling/allocator"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/strand"
)

const (
	VmPlacementProgram = "VmPlacement"
	VmReleaseProgram   = "VmRelease"

	// DefaultPlacementAttempts is how often a placement that found no space is retried before giving up.
	DefaultPlacementAttempts = 10
	// PlacementRetryInterval is how long a placement naps after a race or a lack of space.
	PlacementRetryInterval = 15 * time.Second
)

// PlacementFrame returns the frame of a VmPlacement strand.
func PlacementFrame(vmId string, storageGib int, bootImage string, ipv4 bool, useSlices bool) *strand.Frame {
	return strand.FrameOf(
		"vm_id", vmId,
		"storage_gib", storageGib,
		"boot_image", bootImage,
		"ipv4", ipv4,
		"use_slices", useSlices,
		"attempts", 0,
	)
}

// RegisterVmPlacement registers the programs that place and release VMs through the allocator.
//
// A placement naps and retries when no host has room or when it lost a commit race. Running out of attempts, or a
// missing boot image, finishes the strand with an error instead.
func RegisterVmPlacement(registry *strand.Registry, alloc *allocator.Allocator) {
	registry.Register(VmPlacementProgram, "start", func(ctx context.Context, sc *strand.StepContext) (strand.Outcome, error) {
		frame := sc.Frame()

		vmId, _ := frame.GetString("vm_id")
		var vm storage.Vm
		if err := sc.DB.WithContext(ctx).Take(&vm, "id = ?", vmId).Error; err != nil {
			return strand.Outcome{}, err
		}

		if vm.VmHostID != nil {
			return strand.Exit(map[string]interface{}{"vm_host_id": *vm.VmHostID}), nil
		}

		storageGib, _ := frame.GetInt("storage_gib")
		bootImage, _ := frame.GetString("boot_image")
		ipv4, _ := frame.GetBool("ipv4")
		useSlices, _ := frame.GetBool("use_slices")

		volumes := []allocator.VolumeRequest{{SizeGib: storageGib, Boot: bootImage != "", Encrypted: true}}
		placement, err := alloc.Allocate(ctx, &vm, volumes, allocator.AllocateOptions{
			BootImage: bootImage,
			IPv4:      ipv4,
			UseSlices: useSlices,
		})

		switch {
		case err == nil:
			return strand.Exit(map[string]interface{}{
				"vm_host_id": placement.HostID,
				"hostname":   placement.Hostname,
				"cores":      placement.Cores,
			}), nil
		case errors.Is(err, allocator.ErrNoActivatedBootImage):
			return strand.Exit(map[string]interface{}{"error": err.Error()}), nil
		case errors.Is(err, allocator.ErrNoSpace),
			errors.Is(err, allocator.ErrCapacityExceeded),
			errors.Is(err, allocator.ErrConcurrentGpuAllocation),
			errors.Is(err, allocator.ErrFailedToAllocateCpus),
			errors.Is(err, allocator.ErrNoIPv4Available):
			attempts, _ := frame.GetInt("attempts")
			attempts++
			if attempts >= DefaultPlacementAttempts {
				return strand.Exit(map[string]interface{}{"error": err.Error(), "attempts": attempts}), nil
			}

			frame.Set("attempts", attempts)
			return strand.Nap(PlacementRetryInterval), nil
		default:
			return strand.Outcome{}, err
		}
	})

	registry.Register(VmReleaseProgram, "start", func(ctx context.Context, sc *strand.StepContext) (strand.Outcome, error) {
		vmId, _ := sc.Frame().GetString("vm_id")
		if err := alloc.Release(ctx, vmId); err != nil && !errors.Is(err, allocator.ErrVmNotFound) {
			return strand.Outcome{}, err
		}

		return strand.Exit(map[string]interface{}{"released": vmId}), nil
	})
}
