package allocator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/configuration"
	"github.com/scusemua/vm-control-plane/common/scheduling/allocator"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/test_utils"
)

func noJitter() float64 {
	return 0
}

func availableStorage(db *gorm.DB, hostId string) int {
	var total int
	Expect(db.Model(&storage.StorageDevice{}).
		Select("COALESCE(SUM(available_storage_gib), 0)").
		Where("vm_host_id = ?", hostId).
		Scan(&total).Error).To(BeNil())

	return total
}

var _ = Describe("Allocator", func() {
	var (
		db    *gorm.DB
		alloc *allocator.Allocator
		opts  *configuration.AllocatorOptions
		ctx   context.Context
	)

	BeforeEach(func() {
		db = test_utils.NewTestDatabase()
		opts = configuration.DefaultAllocatorOptions()
		alloc = allocator.New(db, opts, allocator.WithJitter(noJitter))
		ctx = context.Background()
	})

	AfterEach(func() {
		test_utils.CloseTestDatabase(db)
	})

	Context("Allocate", func() {
		It("Will place a VM's volumes and consume exactly its cores, memory, and storage", func() {
			host := test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", TotalCores: 12, TotalHugepages1G: 64, DevicesGib: []int{100, 90}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 4, 16)

			storageBefore := availableStorage(db, host.ID)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 85}, {SizeGib: 95}}, allocator.AllocateOptions{})
			Expect(err).To(BeNil())
			Expect(placement).ToNot(BeNil())
			Expect(placement.HostID).To(Equal("h1"))
			Expect(placement.Cores).To(Equal(2))
			Expect(placement.Volumes).To(HaveLen(2))
			Expect(placement.Volumes[0].SizeGib).To(Equal(85))
			Expect(placement.Volumes[0].StorageDeviceID).To(Equal("h1-sd1"))
			Expect(placement.Volumes[1].SizeGib).To(Equal(95))
			Expect(placement.Volumes[1].StorageDeviceID).To(Equal("h1-sd0"))

			updated := test_utils.Reload[storage.VmHost](db, host.ID)
			Expect(updated.UsedCores).To(Equal(host.UsedCores + 2))
			Expect(updated.UsedHugepages1G).To(Equal(host.UsedHugepages1G + 16))
			Expect(availableStorage(db, host.ID)).To(Equal(storageBefore - 180))

			record := test_utils.Reload[storage.Vm](db, vm.ID)
			Expect(record.VmHostID).ToNot(BeNil())
			Expect(*record.VmHostID).To(Equal("h1"))
			Expect(record.Cores).To(Equal(2))
			Expect(record.AllocatedAt).ToNot(BeNil())
		})

		It("Will return a no-space error naming the VM when nothing fits", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", TotalCores: 2, DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 8, 16)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{})
			Expect(placement).To(BeNil())
			Expect(errors.Is(err, allocator.ErrNoSpace)).To(BeTrue())

			var noSpace *allocator.NoSpaceError
			Expect(errors.As(err, &noSpace)).To(BeTrue())
			Expect(noSpace.Subject).To(Equal(vm.ID))
			Expect(err.Error()).To(ContainSubstring(vm.ID))
		})

		It("Will only consider accepting hosts in the VM's location by default", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "draining", AllocationState: storage.AllocationStateDraining, DevicesGib: []int{100}})
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "elsewhere", Location: "leaseweb-wdc02", DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			_, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{})
			Expect(err).To(MatchError(allocator.ErrNoSpace))
		})

		It("Will place onto a forced host regardless of its allocation state", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}})
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h2", AllocationState: storage.AllocationStateDraining, DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{ForcedHostID: "h2"})
			Expect(err).To(BeNil())
			Expect(placement.HostID).To(Equal("h2"))
		})

		It("Will pick the host with the lowest score", func() {
			// h1 ends up far below target, h2 lands near it.
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", TotalCores: 64, TotalHugepages1G: 512, DevicesGib: []int{2000}})
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h2", TotalCores: 8, UsedCores: 2, TotalHugepages1G: 32, UsedHugepages1G: 10, DevicesGib: []int{40}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 4, 8)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 20}}, allocator.AllocateOptions{})
			Expect(err).To(BeNil())
			Expect(placement.HostID).To(Equal("h2"))
		})

		It("Will apply requested volume limits verbatim and leave others unset", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			iops, read, write := 1000, 200, 100
			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{
				{SizeGib: 10, MaxIOPS: &iops, MaxReadMbytesPerSec: &read, MaxWriteMbytesPerSec: &write},
				{SizeGib: 10},
			}, allocator.AllocateOptions{})
			Expect(err).To(BeNil())

			limited := placement.Volumes[0]
			Expect(*limited.MaxIOPS).To(Equal(1000))
			Expect(*limited.MaxReadMbytesPerSec).To(Equal(200))
			Expect(*limited.MaxWriteMbytesPerSec).To(Equal(100))

			unlimited := placement.Volumes[1]
			Expect(unlimited.MaxIOPS).To(BeNil())
			Expect(unlimited.MaxReadMbytesPerSec).To(BeNil())
			Expect(unlimited.MaxWriteMbytesPerSec).To(BeNil())
		})

		It("Will mint a key encryption key per writable encrypted volume", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{
				{SizeGib: 10, Encrypted: true},
				{SizeGib: 10, Encrypted: true, ReadOnly: true},
				{SizeGib: 10},
			}, allocator.AllocateOptions{})
			Expect(err).To(BeNil())

			Expect(placement.Secrets).To(HaveLen(1))
			secret, ok := placement.Secrets[0]
			Expect(ok).To(BeTrue())
			Expect(secret.Algorithm).To(Equal(allocator.KeyEncryptionAlgorithm))
			Expect(secret.KeyB64).ToNot(BeEmpty())
			Expect(secret.AuthData).To(Equal(placement.Volumes[0].ID))

			Expect(placement.Volumes[0].KeyEncryptionKeyID).ToNot(BeNil())
			Expect(*placement.Volumes[0].KeyEncryptionKeyID).To(Equal(secret.KeyID))
			Expect(placement.Volumes[1].KeyEncryptionKeyID).To(BeNil())
			Expect(placement.Volumes[2].KeyEncryptionKeyID).To(BeNil())

			kek := test_utils.Reload[storage.StorageKeyEncryptionKey](db, secret.KeyID)
			Expect(kek.KeyB64).To(Equal(secret.KeyB64))
		})
	})

	Context("Boot images", func() {
		It("Will reference the most recently activated image", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}})

			older := storage.Now().Add(-48 * time.Hour)
			newer := storage.Now().Add(-time.Hour)
			test_utils.CreateBootImage(db, "h1", test_utils.DefaultImage, "20240101", &older)
			latest := test_utils.CreateBootImage(db, "h1", test_utils.DefaultImage, "20240601", &newer)
			test_utils.CreateBootImage(db, "h1", test_utils.DefaultImage, "20241201", nil)

			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)
			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 20, Boot: true}, {SizeGib: 10}},
				allocator.AllocateOptions{BootImage: test_utils.DefaultImage})
			Expect(err).To(BeNil())

			Expect(placement.Volumes[0].BootImageID).ToNot(BeNil())
			Expect(*placement.Volumes[0].BootImageID).To(Equal(latest.ID))
			Expect(placement.Volumes[1].BootImageID).To(BeNil())
		})

		It("Will surface a missing activated image at commit time", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}, ActivatedImages: []string{test_utils.DefaultImage}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			request := alloc.NewRequest(vm, []allocator.VolumeRequest{{SizeGib: 20, Boot: true}},
				allocator.AllocateOptions{BootImage: test_utils.DefaultImage})

			allocation, err := alloc.BestAllocation(ctx, request, vm.ID)
			Expect(err).To(BeNil())
			Expect(allocation).ToNot(BeNil())

			Expect(db.Model(&storage.BootImage{}).Where("vm_host_id = ?", "h1").Update("activated_at", nil).Error).To(BeNil())

			_, err = alloc.Commit(ctx, vm, allocation)
			Expect(err).To(MatchError(allocator.ErrNoActivatedBootImage))

			var commitErr *allocator.CommitError
			Expect(errors.As(err, &commitErr)).To(BeTrue())
			Expect(commitErr.HostID).To(Equal("h1"))

			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(0))
			Expect(availableStorage(db, "h1")).To(Equal(100))
		})
	})

	Context("Concurrent commits", func() {
		It("Will let exactly one of two stale allocations take the last cores", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", TotalCores: 4, UsedCores: 2, DevicesGib: []int{100}})
			first := test_utils.CreateVm(db, test_utils.DefaultFamily, 4, 4)
			second := test_utils.CreateVm(db, test_utils.DefaultFamily, 4, 4)

			firstAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(first, nil, allocator.AllocateOptions{}), first.ID)
			Expect(err).To(BeNil())
			secondAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(second, nil, allocator.AllocateOptions{}), second.ID)
			Expect(err).To(BeNil())

			_, err = alloc.Commit(ctx, first, firstAllocation)
			Expect(err).To(BeNil())

			_, err = alloc.Commit(ctx, second, secondAllocation)
			Expect(err).To(MatchError(allocator.ErrCapacityExceeded))

			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(4))
			Expect(test_utils.Reload[storage.Vm](db, second.ID).VmHostID).To(BeNil())
		})

		It("Will let exactly one of two stale allocations take the last GiB of a device", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{50}})
			first := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)
			second := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)
			volumes := []allocator.VolumeRequest{{SizeGib: 30}}

			firstAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(first, volumes, allocator.AllocateOptions{}), first.ID)
			Expect(err).To(BeNil())
			secondAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(second, volumes, allocator.AllocateOptions{}), second.ID)
			Expect(err).To(BeNil())

			_, err = alloc.Commit(ctx, first, firstAllocation)
			Expect(err).To(BeNil())

			_, err = alloc.Commit(ctx, second, secondAllocation)
			Expect(err).To(MatchError(allocator.ErrCapacityExceeded))

			Expect(availableStorage(db, "h1")).To(Equal(20))
			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(1))
		})

		It("Will raise a concurrent GPU allocation error when the group was claimed first", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}, GpuGroups: 1})
			first := test_utils.CreateVm(db, "gpu", 2, 4)
			second := test_utils.CreateVm(db, "gpu", 2, 4)
			gpuOpts := allocator.AllocateOptions{GpuCount: 1}

			firstAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(first, nil, gpuOpts), first.ID)
			Expect(err).To(BeNil())
			secondAllocation, err := alloc.BestAllocation(ctx, alloc.NewRequest(second, nil, gpuOpts), second.ID)
			Expect(err).To(BeNil())

			placement, err := alloc.Commit(ctx, first, firstAllocation)
			Expect(err).To(BeNil())
			Expect(placement.GpuGroups).To(Equal([]int{0}))

			_, err = alloc.Commit(ctx, second, secondAllocation)
			Expect(err).To(MatchError(allocator.ErrConcurrentGpuAllocation))

			var owned int64
			Expect(db.Model(&storage.PciDevice{}).Where("vm_id = ?", first.ID).Count(&owned).Error).To(BeNil())
			Expect(owned).To(Equal(int64(2)))

			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(1))
		})

		It("Will never overcommit a host under concurrent allocations", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", TotalCores: 8, TotalHugepages1G: 32, DevicesGib: []int{100, 100}})
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h2", TotalCores: 4, TotalHugepages1G: 16, DevicesGib: []int{60}})

			const numVms = 24
			vms := make([]*storage.Vm, 0, numVms)
			for i := 0; i < numVms; i++ {
				vms = append(vms, test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 2))
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				placed  int
				outcome []error
			)
			for _, vm := range vms {
				wg.Add(1)
				go func(vm *storage.Vm) {
					defer GinkgoRecover()
					defer wg.Done()

					_, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{})

					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						placed++
					} else {
						outcome = append(outcome, err)
					}
				}(vm)
			}
			wg.Wait()

			for _, err := range outcome {
				Expect(errors.Is(err, allocator.ErrNoSpace) || errors.Is(err, allocator.ErrCapacityExceeded)).To(BeTrue(), err.Error())
			}

			var hosts []storage.VmHost
			Expect(db.Find(&hosts).Error).To(BeNil())

			usedCores := 0
			for _, host := range hosts {
				Expect(host.UsedCores).To(BeNumerically("<=", host.TotalCores))
				Expect(host.UsedHugepages1G).To(BeNumerically("<=", host.TotalHugepages1G))
				usedCores += host.UsedCores
			}
			Expect(usedCores).To(Equal(placed))

			var devices []storage.StorageDevice
			Expect(db.Find(&devices).Error).To(BeNil())
			for _, device := range devices {
				Expect(device.AvailableStorageGib).To(BeNumerically(">=", 0))
			}
		})
	})

	Context("IPv4", func() {
		It("Will assign an address and propagate it to the reachability record", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}, Cidrs: []string{"10.0.0.0/30"}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			placement, err := alloc.Allocate(ctx, vm, nil, allocator.AllocateOptions{IPv4: true})
			Expect(err).To(BeNil())
			Expect(placement.IPv4).To(Equal("10.0.0.1"))

			sshable := test_utils.Reload[storage.Sshable](db, vm.ID)
			Expect(sshable.Host).To(Equal("10.0.0.1"))
		})

		It("Will roll back the whole placement when no address is left at commit time", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}, GpuGroups: 1, Cidrs: []string{"10.0.0.9/32"}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			request := alloc.NewRequest(vm, []allocator.VolumeRequest{{SizeGib: 10, Encrypted: true}}, allocator.AllocateOptions{IPv4: true, GpuCount: 1})
			allocation, err := alloc.BestAllocation(ctx, request, vm.ID)
			Expect(err).To(BeNil())
			Expect(allocation).ToNot(BeNil())

			Expect(db.Create(&storage.AssignedVmAddress{ID: "taken", AddressID: "h1-addr0", VmID: "other", IP: "10.0.0.9"}).Error).To(BeNil())

			_, err = alloc.Commit(ctx, vm, allocation)
			Expect(err).To(MatchError(allocator.ErrNoIPv4Available))

			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(0))
			Expect(availableStorage(db, "h1")).To(Equal(100))

			var count int64
			Expect(db.Model(&storage.VmStorageVolume{}).Where("vm_id = ?", vm.ID).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(db.Model(&storage.StorageKeyEncryptionKey{}).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(db.Model(&storage.PciDevice{}).Where("vm_id IS NOT NULL").Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(test_utils.Reload[storage.Vm](db, vm.ID).VmHostID).To(BeNil())
		})
	})

	Context("Slices", func() {
		It("Will fall back to a host without slices when no slice host has room", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "slices", AcceptsSlices: true, TotalCores: 2, SpdkCpus: 4, DevicesGib: []int{100}})
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "plain", DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 2, 4)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{UseSlices: true})
			Expect(err).To(BeNil())
			Expect(placement.HostID).To(Equal("plain"))
			Expect(placement.SliceID).To(BeNil())
		})

		It("Will create a dedicated slice and claim its cpus", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", AcceptsSlices: true, TotalCores: 4, DevicesGib: []int{100}})
			vm := test_utils.CreateVm(db, test_utils.DefaultFamily, 4, 8)

			placement, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10}}, allocator.AllocateOptions{UseSlices: true})
			Expect(err).To(BeNil())
			Expect(placement.SliceID).ToNot(BeNil())

			slice := test_utils.Reload[storage.VmHostSlice](db, *placement.SliceID)
			Expect(slice.IsShared).To(BeFalse())
			Expect(slice.Cores).To(Equal(2))
			Expect(slice.TotalMemoryGib).To(Equal(8))

			var cpus []storage.VmHostCpu
			Expect(db.Where("vm_host_slice_id = ?", slice.ID).Order("cpu_number").Find(&cpus).Error).To(BeNil())
			Expect(cpus).To(HaveLen(4))
			Expect(cpus[0].CpuNumber).To(Equal(0))
			Expect(cpus[1].CpuNumber).To(Equal(1))
			Expect(cpus[2].CpuNumber).To(Equal(4))
			Expect(cpus[3].CpuNumber).To(Equal(5))

			host := test_utils.Reload[storage.VmHost](db, "h1")
			Expect(host.UsedCores).To(Equal(2))
			Expect(host.UsedHugepages1G).To(Equal(8))

			By("Releasing the VM")

			Expect(alloc.Release(ctx, vm.ID)).To(Succeed())

			host = test_utils.Reload[storage.VmHost](db, "h1")
			Expect(host.UsedCores).To(Equal(0))
			Expect(host.UsedHugepages1G).To(Equal(0))
			Expect(availableStorage(db, "h1")).To(Equal(100))

			var count int64
			Expect(db.Model(&storage.VmHostSlice{}).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(db.Model(&storage.VmHostCpu{}).Where("vm_host_slice_id IS NOT NULL").Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
		})

		It("Will share a slice between burstable VMs and delete it with its last tenant", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", AcceptsSlices: true, TotalCores: 4, DevicesGib: []int{100}})
			first := test_utils.CreateVm(db, "burstable", 1, 1)
			second := test_utils.CreateVm(db, "burstable", 1, 1)

			firstPlacement, err := alloc.Allocate(ctx, first, nil, allocator.AllocateOptions{UseSlices: true})
			Expect(err).To(BeNil())
			Expect(firstPlacement.SliceID).ToNot(BeNil())

			secondPlacement, err := alloc.Allocate(ctx, second, nil, allocator.AllocateOptions{UseSlices: true})
			Expect(err).To(BeNil())
			Expect(secondPlacement.SliceID).ToNot(BeNil())
			Expect(*secondPlacement.SliceID).To(Equal(*firstPlacement.SliceID))

			slice := test_utils.Reload[storage.VmHostSlice](db, *firstPlacement.SliceID)
			Expect(slice.IsShared).To(BeTrue())
			Expect(slice.UsedCpuPercent).To(Equal(200))
			Expect(slice.UsedMemoryGib).To(Equal(2))

			host := test_utils.Reload[storage.VmHost](db, "h1")
			Expect(host.UsedCores).To(Equal(opts.SharedSliceCores))
			Expect(host.UsedHugepages1G).To(Equal(opts.SharedSliceMemoryGib))

			Expect(alloc.Release(ctx, first.ID)).To(Succeed())

			slice = test_utils.Reload[storage.VmHostSlice](db, slice.ID)
			Expect(slice.UsedCpuPercent).To(Equal(100))
			Expect(slice.UsedMemoryGib).To(Equal(1))
			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(opts.SharedSliceCores))

			Expect(alloc.Release(ctx, second.ID)).To(Succeed())

			var count int64
			Expect(db.Model(&storage.VmHostSlice{}).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(test_utils.Reload[storage.VmHost](db, "h1").UsedCores).To(Equal(0))
		})
	})

	Context("Release", func() {
		It("Will return GPUs and addresses", func() {
			test_utils.CreateHost(db, test_utils.HostSpec{ID: "h1", DevicesGib: []int{100}, GpuGroups: 1, Cidrs: []string{"10.0.0.0/30"}})
			vm := test_utils.CreateVm(db, "gpu", 2, 4)

			_, err := alloc.Allocate(ctx, vm, []allocator.VolumeRequest{{SizeGib: 10, Encrypted: true}}, allocator.AllocateOptions{GpuCount: 1, IPv4: true})
			Expect(err).To(BeNil())

			Expect(alloc.Release(ctx, vm.ID)).To(Succeed())

			var count int64
			Expect(db.Model(&storage.PciDevice{}).Where("vm_id IS NOT NULL").Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(db.Model(&storage.AssignedVmAddress{}).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(db.Model(&storage.StorageKeyEncryptionKey{}).Count(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(0)))
			Expect(test_utils.Reload[storage.Vm](db, vm.ID).VmHostID).To(BeNil())
		})

		It("Will report an unknown VM", func() {
			Expect(alloc.Release(ctx, "missing")).To(MatchError(allocator.ErrVmNotFound))
		})
	})
})
