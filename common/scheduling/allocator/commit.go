package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/utils"
)

// Commit applies the allocation in a single transaction. Every counter is updated relative to its current value
// and guarded by the storage-layer ceiling checks, so a stale allocation fails with ErrCapacityExceeded instead of
// overcommitting.
//
// On failure nothing is persisted and the error is a *CommitError wrapping the reason.
func (a *Allocator) Commit(ctx context.Context, vm *storage.Vm, allocation *Allocation) (*Placement, error) {
	placement := &Placement{
		VmID:      vm.ID,
		HostID:    allocation.Host.ID,
		Hostname:  allocation.Host.Hostname,
		Cores:     allocation.VmCores,
		MemoryGib: allocation.Request.MemoryGib,
		Score:     allocation.Score,
		Secrets:   make(map[int]VolumeSecret),
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if allocation.Slice != nil {
			sliceId, err := a.commitSlice(tx, vm, allocation)
			if err != nil {
				return err
			}

			placement.SliceID = &sliceId
		}

		if err := a.commitHost(tx, allocation); err != nil {
			return err
		}

		if err := a.commitVolumes(tx, vm, allocation, placement); err != nil {
			return err
		}

		if len(allocation.GpuGroups) > 0 {
			if err := a.commitGpus(tx, vm, allocation); err != nil {
				return err
			}

			placement.GpuGroups = allocation.GpuGroups
		}

		allocatedAt := storage.Now()
		err := tx.Model(&storage.Vm{}).Where("id = ?", vm.ID).Updates(map[string]interface{}{
			"vm_host_id":       allocation.Host.ID,
			"vm_host_slice_id": placement.SliceID,
			"cores":            allocation.VmCores,
			"allocated_at":     allocatedAt,
		}).Error
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to update VM %s", vm.ID)
		}

		if allocation.Request.IPv4 {
			address, err := a.commitIPv4(tx, vm, allocation.Host.ID)
			if err != nil {
				return err
			}

			placement.IPv4 = address
		}

		return nil
	})

	if err != nil {
		a.log.Warn(utils.OrangeStyle.Render("Failed to commit VM %s onto host %s: %v"), vm.ID, allocation.Host.ID, err)
		return nil, NewCommitError(err, allocation.Host.ID)
	}

	hostId := allocation.Host.ID
	vm.VmHostID = &hostId
	vm.VmHostSliceID = placement.SliceID
	vm.Cores = allocation.VmCores

	a.log.Debug(utils.GreenStyle.Render("Committed %s."), placement.String())
	return placement, nil
}

func capacityError(err error, format string, args ...interface{}) error {
	if storage.IsCheckViolation(err) {
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, fmt.Sprintf(format, args...))
	}

	return pkgerrors.Wrapf(err, format, args...)
}

// commitSlice tops up the reused shared slice or creates the planned one and claims its cpus.
func (a *Allocator) commitSlice(tx *gorm.DB, vm *storage.Vm, allocation *Allocation) (string, error) {
	plan := allocation.Slice

	if existing := plan.Existing; existing != nil {
		result := tx.Model(&storage.VmHostSlice{}).
			Where("id = ? AND enabled = ?", existing.ID, true).
			Updates(map[string]interface{}{
				"used_cpu_percent": gorm.Expr("used_cpu_percent + ?", plan.RequestedCpuPercent),
				"used_memory_gib":  gorm.Expr("used_memory_gib + ?", plan.RequestedMemoryGib),
			})
		if result.Error != nil {
			return "", capacityError(result.Error, "slice %s", existing.ID)
		}

		if result.RowsAffected != 1 {
			return "", fmt.Errorf("%w: slice %s is no longer enabled", ErrCapacityExceeded, existing.ID)
		}

		return existing.ID, nil
	}

	id := uuid.NewString()
	slice := &storage.VmHostSlice{
		ID:              id,
		VmHostID:        allocation.Host.ID,
		Name:            fmt.Sprintf("%s-%s.slice", vm.Family, id[:8]),
		Family:          vm.Family,
		IsShared:        plan.Shared,
		Enabled:         true,
		Cores:           plan.Cores,
		TotalCpuPercent: plan.TotalCpuPercent,
		UsedCpuPercent:  plan.RequestedCpuPercent,
		TotalMemoryGib:  plan.TotalMemoryGib,
		UsedMemoryGib:   plan.RequestedMemoryGib,
	}
	if err := tx.Create(slice).Error; err != nil {
		return "", capacityError(err, "failed to create slice on host %s", allocation.Host.ID)
	}

	result := tx.Model(&storage.VmHostCpu{}).
		Where("vm_host_id = ? AND cpu_number IN ? AND vm_host_slice_id IS NULL", allocation.Host.ID, plan.Cpus).
		Update("vm_host_slice_id", id)
	if result.Error != nil {
		return "", pkgerrors.Wrapf(result.Error, "failed to claim cpus of host %s", allocation.Host.ID)
	}

	if result.RowsAffected != int64(len(plan.Cpus)) {
		return "", fmt.Errorf("%w: claimed %d of cpus %v on host %s", ErrFailedToAllocateCpus, result.RowsAffected, plan.Cpus, allocation.Host.ID)
	}

	return id, nil
}

func (a *Allocator) commitHost(tx *gorm.DB, allocation *Allocation) error {
	result := tx.Model(&storage.VmHost{}).
		Where("id = ?", allocation.Host.ID).
		Updates(map[string]interface{}{
			"used_cores":        gorm.Expr("used_cores + ?", allocation.Cores.Requested),
			"used_hugepages_1g": gorm.Expr("used_hugepages_1g + ?", allocation.Memory.Requested),
		})
	if result.Error != nil {
		return capacityError(result.Error, "host %s", allocation.Host.ID)
	}

	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: %s", ErrHostNotFound, allocation.Host.ID)
	}

	return nil
}

// commitVolumes takes each volume's size from its device and records the volume. Boot volumes reference the most
// recently activated image of the requested name.
func (a *Allocator) commitVolumes(tx *gorm.DB, vm *storage.Vm, allocation *Allocation, placement *Placement) error {
	var bootImageId *string

	for _, volumePlacement := range allocation.Storage.Placements {
		volume := volumePlacement.Volume

		result := tx.Model(&storage.StorageDevice{}).
			Where("id = ? AND enabled = ?", volumePlacement.DeviceID, true).
			Update("available_storage_gib", gorm.Expr("available_storage_gib - ?", volume.SizeGib))
		if result.Error != nil {
			return capacityError(result.Error, "storage device %s", volumePlacement.DeviceID)
		}

		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: storage device %s is no longer enabled", ErrCapacityExceeded, volumePlacement.DeviceID)
		}

		record := storage.VmStorageVolume{
			ID:                   uuid.NewString(),
			VmID:                 vm.ID,
			DiskIndex:            volumePlacement.Index,
			SizeGib:              volume.SizeGib,
			Boot:                 volume.Boot,
			ReadOnly:             volume.ReadOnly,
			StorageDeviceID:      volumePlacement.DeviceID,
			MaxIOPS:              volume.MaxIOPS,
			MaxReadMbytesPerSec:  volume.MaxReadMbytesPerSec,
			MaxWriteMbytesPerSec: volume.MaxWriteMbytesPerSec,
		}

		if volume.Boot {
			if bootImageId == nil {
				imageId, err := latestActivatedImage(tx, allocation.Host.ID, allocation.Request.BootImage)
				if err != nil {
					return err
				}

				bootImageId = &imageId
			}

			record.BootImageID = bootImageId
		}

		if volume.Encrypted && !volume.ReadOnly {
			kek, err := newKeyEncryptionKey(record.ID)
			if err != nil {
				return err
			}

			if err = tx.Create(kek).Error; err != nil {
				return pkgerrors.Wrap(err, "failed to store key encryption key")
			}

			record.KeyEncryptionKeyID = &kek.ID
			placement.Secrets[record.DiskIndex] = secretOf(kek)
		}

		if err := tx.Create(&record).Error; err != nil {
			return pkgerrors.Wrapf(err, "failed to create volume %d of VM %s", record.DiskIndex, vm.ID)
		}

		placement.Volumes = append(placement.Volumes, record)
	}

	return nil
}

func latestActivatedImage(tx *gorm.DB, hostId string, name string) (string, error) {
	var image storage.BootImage
	err := tx.Where("vm_host_id = ? AND name = ? AND activated_at IS NOT NULL", hostId, name).
		Order("activated_at DESC").
		Take(&image).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: \"%s\" on host %s", ErrNoActivatedBootImage, name, hostId)
	} else if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to look up boot image \"%s\"", name)
	}

	return image.ID, nil
}

// commitGpus claims every function of the selected IOMMU groups. Any function already owned by another VM means a
// concurrent allocation won the race.
func (a *Allocator) commitGpus(tx *gorm.DB, vm *storage.Vm, allocation *Allocation) error {
	var expected int64
	err := tx.Model(&storage.PciDevice{}).
		Where("vm_host_id = ? AND iommu_group IN ?", allocation.Host.ID, allocation.GpuGroups).
		Count(&expected).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to count pci devices")
	}

	result := tx.Model(&storage.PciDevice{}).
		Where("vm_host_id = ? AND iommu_group IN ? AND vm_id IS NULL", allocation.Host.ID, allocation.GpuGroups).
		Update("vm_id", vm.ID)
	if result.Error != nil {
		return pkgerrors.Wrap(result.Error, "failed to claim pci devices")
	}

	if result.RowsAffected != expected {
		return fmt.Errorf("%w: claimed %d of %d functions in IOMMU groups %v on host %s",
			ErrConcurrentGpuAllocation, result.RowsAffected, expected, allocation.GpuGroups, allocation.Host.ID)
	}

	return nil
}

// commitIPv4 assigns the lowest free address of the host's blocks and records it as the VM's reachability address.
func (a *Allocator) commitIPv4(tx *gorm.DB, vm *storage.Vm, hostId string) (string, error) {
	var addresses []storage.Address
	if err := tx.Where("vm_host_id = ?", hostId).Order("id").Find(&addresses).Error; err != nil {
		return "", pkgerrors.Wrap(err, "failed to query addresses")
	}

	for _, address := range addresses {
		var assigned []storage.AssignedVmAddress
		if err := tx.Where("address_id = ?", address.ID).Find(&assigned).Error; err != nil {
			return "", pkgerrors.Wrap(err, "failed to query assigned addresses")
		}

		taken := make(map[string]struct{}, len(assigned))
		for _, assignment := range assigned {
			taken[assignment.IP] = struct{}{}
		}

		ip, found, err := inventory.FirstFreeAddress(address.Cidr, taken)
		if err != nil {
			a.log.Warn("Skipping address block %s of host %s: %v", address.ID, hostId, err)
			continue
		}

		if !found {
			continue
		}

		assignment := &storage.AssignedVmAddress{
			ID:        uuid.NewString(),
			AddressID: address.ID,
			VmID:      vm.ID,
			IP:        ip,
		}
		if err = tx.Create(assignment).Error; err != nil {
			if storage.IsUniqueViolation(err) {
				continue
			}

			return "", pkgerrors.Wrap(err, "failed to assign address")
		}

		sshable := &storage.Sshable{ID: vm.ID, Host: ip}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"host"}),
		}).Create(sshable).Error
		if err != nil {
			return "", pkgerrors.Wrap(err, "failed to update reachability record")
		}

		return ip, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoIPv4Available, hostId)
}
