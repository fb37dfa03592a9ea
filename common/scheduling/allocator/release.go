package allocator

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

// Release returns every resource held by the VM to its host and detaches the VM from it.
//
// A VM that is not placed is left untouched. A shared slice is deleted once its last tenant leaves. A dedicated slice
// is always deleted.
func (a *Allocator) Release(ctx context.Context, vmId string) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm storage.Vm
		if err := tx.Take(&vm, "id = ?", vmId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrVmNotFound, vmId)
			}

			return pkgerrors.Wrapf(err, "failed to load VM %s", vmId)
		}

		if vm.VmHostID == nil {
			return nil
		}

		if err := releaseVolumes(tx, &vm); err != nil {
			return err
		}

		hostCores, hostMemory := vm.Cores, vm.MemoryGib
		if vm.VmHostSliceID != nil {
			var err error
			if hostCores, hostMemory, err = releaseSlice(tx, &vm); err != nil {
				return err
			}
		}

		err := tx.Model(&storage.VmHost{}).
			Where("id = ?", *vm.VmHostID).
			Updates(map[string]interface{}{
				"used_cores":        gorm.Expr("used_cores - ?", hostCores),
				"used_hugepages_1g": gorm.Expr("used_hugepages_1g - ?", hostMemory),
			}).Error
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to release cores and memory of host %s", *vm.VmHostID)
		}

		if err = tx.Model(&storage.PciDevice{}).Where("vm_id = ?", vm.ID).Update("vm_id", nil).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to release pci devices")
		}

		if err = tx.Where("vm_id = ?", vm.ID).Delete(&storage.AssignedVmAddress{}).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to release addresses")
		}

		if err = tx.Where("id = ?", vm.ID).Delete(&storage.Sshable{}).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to delete reachability record")
		}

		return tx.Model(&storage.Vm{}).Where("id = ?", vm.ID).Updates(map[string]interface{}{
			"vm_host_id":       nil,
			"vm_host_slice_id": nil,
			"allocated_at":     nil,
		}).Error
	})

	if err != nil {
		a.log.Error("Failed to release VM %s: %v", vmId, err)
		return err
	}

	a.log.Debug("Released VM %s.", vmId)
	return nil
}

func releaseVolumes(tx *gorm.DB, vm *storage.Vm) error {
	var volumes []storage.VmStorageVolume
	if err := tx.Where("vm_id = ?", vm.ID).Find(&volumes).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to load volumes")
	}

	for _, volume := range volumes {
		err := tx.Model(&storage.StorageDevice{}).
			Where("id = ?", volume.StorageDeviceID).
			Update("available_storage_gib", gorm.Expr("available_storage_gib + ?", volume.SizeGib)).Error
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to release storage of volume %s", volume.ID)
		}

		if volume.KeyEncryptionKeyID != nil {
			if err = tx.Where("id = ?", *volume.KeyEncryptionKeyID).Delete(&storage.StorageKeyEncryptionKey{}).Error; err != nil {
				return pkgerrors.Wrap(err, "failed to delete key encryption key")
			}
		}
	}

	if err := tx.Where("vm_id = ?", vm.ID).Delete(&storage.VmStorageVolume{}).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to delete volumes")
	}

	return nil
}

// releaseSlice removes the VM from its slice and returns the cores and memory to give back to the host.
func releaseSlice(tx *gorm.DB, vm *storage.Vm) (int, int, error) {
	var slice storage.VmHostSlice
	if err := tx.Take(&slice, "id = ?", *vm.VmHostSliceID).Error; err != nil {
		return 0, 0, pkgerrors.Wrapf(err, "failed to load slice %s", *vm.VmHostSliceID)
	}

	if slice.IsShared {
		var tenants int64
		err := tx.Model(&storage.Vm{}).
			Where("vm_host_slice_id = ? AND id <> ?", slice.ID, vm.ID).
			Count(&tenants).Error
		if err != nil {
			return 0, 0, pkgerrors.Wrap(err, "failed to count slice tenants")
		}

		if tenants > 0 {
			cpuPercent := vm.CpuPercentLimit
			if cpuPercent <= 0 {
				cpuPercent = vm.Vcpus * 100
			}

			err = tx.Model(&storage.VmHostSlice{}).
				Where("id = ?", slice.ID).
				Updates(map[string]interface{}{
					"used_cpu_percent": gorm.Expr("used_cpu_percent - ?", cpuPercent),
					"used_memory_gib":  gorm.Expr("used_memory_gib - ?", vm.MemoryGib),
				}).Error
			if err != nil {
				return 0, 0, pkgerrors.Wrapf(err, "failed to release share of slice %s", slice.ID)
			}

			return 0, 0, nil
		}
	}

	err := tx.Model(&storage.VmHostCpu{}).Where("vm_host_slice_id = ?", slice.ID).Update("vm_host_slice_id", nil).Error
	if err != nil {
		return 0, 0, pkgerrors.Wrapf(err, "failed to free cpus of slice %s", slice.ID)
	}

	if err = tx.Delete(&slice).Error; err != nil {
		return 0, 0, pkgerrors.Wrapf(err, "failed to delete slice %s", slice.ID)
	}

	return slice.Cores, slice.TotalMemoryGib, nil
}
