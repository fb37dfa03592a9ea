package allocator_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/vm-control-plane/common/configuration"
	"github.com/scusemua/vm-control-plane/common/scheduling/allocator"
	"github.com/scusemua/vm-control-plane/common/scheduling/inventory"
	"github.com/scusemua/vm-control-plane/common/utils"
)

var _ = Describe("VmHostAllocation", func() {
	It("Will be valid while used plus requested fits the total", func() {
		allocation, err := allocator.NewVmHostAllocation(100, 50, 25)
		Expect(err).To(BeNil())
		Expect(allocation.IsValid()).To(BeTrue())
		Expect(allocation.Utilization()).To(BeNumerically("~", 0.75, utils.Epsilon))

		allocation, err = allocator.NewVmHostAllocation(100, 50, 50)
		Expect(err).To(BeNil())
		Expect(allocation.IsValid()).To(BeTrue())
		Expect(allocation.Utilization()).To(BeNumerically("~", 1.0, utils.Epsilon))
	})

	It("Will be invalid once used plus requested exceeds the total", func() {
		allocation, err := allocator.NewVmHostAllocation(100, 50, 51)
		Expect(err).To(BeNil())
		Expect(allocation.IsValid()).To(BeFalse())
	})

	It("Will refuse to be constructed when the pool is already overcommitted", func() {
		allocation, err := allocator.NewVmHostAllocation(100, 101, 1)
		Expect(err).To(MatchError(allocator.ErrInvalidUsage))
		Expect(allocation).To(BeNil())
	})
})

var _ = Describe("StorageAllocation", func() {
	devices := []inventory.StorageDeviceSnapshot{
		{ID: "sd1id", TotalStorageGib: 10, AvailableStorageGib: 10},
		{ID: "sd2id", TotalStorageGib: 91, AvailableStorageGib: 91},
	}

	It("Will stack volumes on the device with the most room", func() {
		allocation := allocator.NewStorageAllocation(devices, []allocator.VolumeRequest{{SizeGib: 12}, {SizeGib: 12}})
		Expect(allocation.IsValid()).To(BeTrue())
		Expect(allocation.Placements).To(HaveLen(2))
		Expect(allocation.Placements[0].DeviceID).To(Equal("sd2id"))
		Expect(allocation.Placements[1].DeviceID).To(Equal("sd2id"))
		Expect(allocation.Utilization()).To(BeNumerically("~", 24.0/91.0, utils.Epsilon))
	})

	It("Will spread distinct volumes over distinct devices", func() {
		allocation := allocator.NewStorageAllocation(devices, []allocator.VolumeRequest{
			{SizeGib: 50, Distinct: true},
			{SizeGib: 10, Distinct: true},
		})
		Expect(allocation.IsValid()).To(BeTrue())

		device, ok := allocation.DeviceFor(0)
		Expect(ok).To(BeTrue())
		Expect(device).To(Equal("sd2id"))

		device, ok = allocation.DeviceFor(1)
		Expect(ok).To(BeTrue())
		Expect(device).To(Equal("sd1id"))

		Expect(allocation.Utilization()).To(BeNumerically("~", 60.0/101.0, utils.Epsilon))
	})

	It("Will be invalid when there are more distinct volumes than devices", func() {
		allocation := allocator.NewStorageAllocation(devices, []allocator.VolumeRequest{
			{SizeGib: 1, Distinct: true},
			{SizeGib: 1, Distinct: true},
			{SizeGib: 1, Distinct: true},
		})
		Expect(allocation.IsValid()).To(BeFalse())
	})

	It("Will be invalid when the aggregate request exceeds the aggregate room", func() {
		allocation := allocator.NewStorageAllocation(devices, []allocator.VolumeRequest{{SizeGib: 100}, {SizeGib: 2}})
		Expect(allocation.IsValid()).To(BeFalse())
	})

	It("Will be invalid when no single device can hold a volume", func() {
		allocation := allocator.NewStorageAllocation(devices, []allocator.VolumeRequest{{SizeGib: 95}})
		Expect(allocation.IsValid()).To(BeFalse())
	})
})

var _ = Describe("Scoring", func() {
	var opts *configuration.AllocatorOptions

	BeforeEach(func() {
		opts = configuration.DefaultAllocatorOptions()
	})

	It("Will score zero when every dimension sits at the target", func() {
		Expect(allocator.UtilizationScore([]float64{0.55, 0.55, 0.55}, 0.55, opts)).To(BeNumerically("~", 0, utils.Epsilon))
	})

	It("Will penalize overcommit harder than idle capacity", func() {
		idle := allocator.UtilizationScore([]float64{0, 0, 0}, 0.55, opts)
		overcommitted := allocator.UtilizationScore([]float64{0.56, 0.56, 0.56}, 0.55, opts)

		Expect(idle).To(BeNumerically(">", 0))
		Expect(overcommitted).To(BeNumerically(">", idle))
	})

	It("Will penalize imbalanced dimensions", func() {
		even := allocator.UtilizationScore([]float64{0.4, 0.4, 0.4}, 0.55, opts)
		uneven := allocator.UtilizationScore([]float64{0.2, 0.4, 0.6}, 0.55, opts)

		Expect(uneven).To(BeNumerically(">", even))
	})

	Context("Candidate adjustments", func() {
		// Every dimension of this host lands exactly on a target of 0.5 for the request below.
		host := func() inventory.HostSnapshot {
			return inventory.HostSnapshot{
				ID:               "h1",
				Location:         "hetzner-fsn1",
				Family:           "standard",
				TotalCores:       10,
				UsedCores:        3,
				TotalCpus:        20,
				TotalHugepages1G: 10,
				UsedHugepages1G:  2,
				StorageDevices: []inventory.StorageDeviceSnapshot{
					{ID: "sd1", TotalStorageGib: 20, AvailableStorageGib: 20},
				},
				TotalStorageGib:     20,
				AvailableStorageGib: 20,
			}
		}

		request := func() *allocator.Request {
			return &allocator.Request{
				Vcpus:                 4,
				MemoryGib:             3,
				Volumes:               []allocator.VolumeRequest{{SizeGib: 10}},
				TargetHostUtilization: 0.5,
				Family:                "standard",
			}
		}

		It("Will score zero at the target without adjustments", func() {
			allocation, err := allocator.NewAllocation(host(), request(), opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.Score).To(BeNumerically("~", 0, utils.Epsilon))
		})

		It("Will include the jitter", func() {
			allocation, err := allocator.NewAllocation(host(), request(), opts, 0.005)
			Expect(err).To(BeNil())
			Expect(allocation.Score).To(BeNumerically("~", 0.005, utils.Epsilon))
		})

		It("Will not change the score of a host matching the location preference", func() {
			preferring := request()
			preferring.LocationPreference = []string{"hetzner-fsn1"}

			withPreference, err := allocator.NewAllocation(host(), preferring, opts, 0)
			Expect(err).To(BeNil())

			withoutPreference, err := allocator.NewAllocation(host(), request(), opts, 0)
			Expect(err).To(BeNil())

			Expect(withPreference.Score).To(BeNumerically("~", withoutPreference.Score, utils.Epsilon))
		})

		It("Will penalize a host outside the location preference", func() {
			matching := request()
			matching.LocationPreference = []string{"hetzner-fsn1"}

			elsewhere := request()
			elsewhere.LocationPreference = []string{"leaseweb-wdc02"}

			matched, err := allocator.NewAllocation(host(), matching, opts, 0)
			Expect(err).To(BeNil())

			unmatched, err := allocator.NewAllocation(host(), elsewhere, opts, 0)
			Expect(err).To(BeNil())

			Expect(unmatched.Score).To(BeNumerically(">", matched.Score))
			Expect(unmatched.Score - matched.Score).To(BeNumerically("~", opts.LocationPenalty, utils.Epsilon))
		})

		It("Will keep GPU hosts for GPU tenants", func() {
			gpuHost := host()
			gpuHost.NumGpus = 1
			gpuHost.FreeGpuGroups = []int{0}

			allocation, err := allocator.NewAllocation(gpuHost, request(), opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.Score).To(BeNumerically("~", opts.GpuPenalty, utils.Epsilon))

			gpuRequest := request()
			gpuRequest.GpuCount = 1

			allocation, err = allocator.NewAllocation(gpuHost, gpuRequest, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.GpuGroups).To(Equal([]int{0}))
			Expect(allocation.Score).To(BeNumerically("~", 0, utils.Epsilon))
		})

		It("Will apply the high-churn pool adjustments", func() {
			opts.HighChurnFamilies = "standard"
			opts.ConstrainedHostCores = 10
			opts.ProvisioningPenalty = 0

			busyHost := host()
			busyHost.ProvisioningCount = 1

			allocation, err := allocator.NewAllocation(busyHost, request(), opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.Score).To(BeNumerically("~", opts.HighChurnPenalty+opts.ConstrainedHostPenalty, utils.Epsilon))
		})

		It("Will reward the preferred host family", func() {
			opts.PreferredHostFamilies = "standard=standard"

			allocation, err := allocator.NewAllocation(host(), request(), opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.Score).To(BeNumerically("~", -opts.PreferredHostBonus, utils.Epsilon))
		})

		It("Will charge a penalty per provisioning VM", func() {
			busyHost := host()
			busyHost.ProvisioningCount = 2

			allocation, err := allocator.NewAllocation(busyHost, request(), opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.Score).To(BeNumerically("~", 2*opts.ProvisioningPenalty, utils.Epsilon))
		})
	})

	Context("Slices", func() {
		sliceHost := func() inventory.HostSnapshot {
			return inventory.HostSnapshot{
				ID:               "h1",
				AcceptsSlices:    true,
				TotalCores:       4,
				TotalCpus:        8,
				TotalHugepages1G: 32,
				StorageDevices: []inventory.StorageDeviceSnapshot{
					{ID: "sd1", TotalStorageGib: 100, AvailableStorageGib: 100},
				},
				FreeCpus: []int{1, 2, 3, 5, 6, 7},
			}
		}

		It("Will plan a dedicated slice from whole free cores", func() {
			request := &allocator.Request{Vcpus: 4, MemoryGib: 8, TargetHostUtilization: 0.5, UseSlices: true, Family: "standard"}

			allocation, err := allocator.NewAllocation(sliceHost(), request, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.Slice.Shared).To(BeFalse())
			Expect(allocation.Slice.Cpus).To(Equal([]int{1, 5, 2, 6}))
			Expect(allocation.Cores.Requested).To(Equal(2))
			Expect(allocation.Memory.Requested).To(Equal(8))
		})

		It("Will fail to allocate cpus when too few whole cores are free", func() {
			request := &allocator.Request{Vcpus: 8, MemoryGib: 8, TargetHostUtilization: 0.5, UseSlices: true, Family: "standard"}

			allocation, err := allocator.NewAllocation(sliceHost(), request, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeFalse())
			Expect(allocation.Slice.Err()).To(MatchError(allocator.ErrFailedToAllocateCpus))
			Expect(allocation.Slice.Err().Error()).To(ContainSubstring("failed to allocate cpus"))
		})

		It("Will reuse a shared slice with enough headroom", func() {
			host := sliceHost()
			host.SharedSlices = []inventory.SliceSnapshot{
				{ID: "full", Family: "burstable", Cores: 2, TotalCpuPercent: 400, UsedCpuPercent: 350, TotalMemoryGib: 4, UsedMemoryGib: 1},
				{ID: "roomy", Family: "burstable", Cores: 2, TotalCpuPercent: 400, UsedCpuPercent: 100, TotalMemoryGib: 4, UsedMemoryGib: 1},
			}

			request := &allocator.Request{
				Vcpus: 1, MemoryGib: 2, CpuPercentLimit: 100, TargetHostUtilization: 0.5,
				UseSlices: true, RequireSharedSlice: true, Family: "burstable",
			}

			allocation, err := allocator.NewAllocation(host, request, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.Slice.IsNew()).To(BeFalse())
			Expect(allocation.Slice.Existing.ID).To(Equal("roomy"))
			Expect(allocation.Cores.Requested).To(Equal(0))
			Expect(allocation.Memory.Requested).To(Equal(0))
			Expect(allocation.Slice.Utilization()).To(BeNumerically("~", 0.75, utils.Epsilon))
		})

		It("Will plan a new shared slice of the configured quantum", func() {
			request := &allocator.Request{
				Vcpus: 1, MemoryGib: 2, CpuPercentLimit: 100, TargetHostUtilization: 0.5,
				UseSlices: true, RequireSharedSlice: true, Family: "burstable",
			}

			allocation, err := allocator.NewAllocation(sliceHost(), request, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.Slice.IsNew()).To(BeTrue())
			Expect(allocation.Slice.Cores).To(Equal(opts.SharedSliceCores))
			Expect(allocation.Slice.TotalCpuPercent).To(Equal(400))
			Expect(allocation.Cores.Requested).To(Equal(opts.SharedSliceCores))
			Expect(allocation.Memory.Requested).To(Equal(opts.SharedSliceMemoryGib))
		})

		It("Will place directly against the host when the host does not accept slices", func() {
			host := sliceHost()
			host.AcceptsSlices = false

			request := &allocator.Request{Vcpus: 8, MemoryGib: 8, TargetHostUtilization: 0.5, UseSlices: true, Family: "standard"}

			allocation, err := allocator.NewAllocation(host, request, opts, 0)
			Expect(err).To(BeNil())
			Expect(allocation.Slice).To(BeNil())
			Expect(allocation.IsValid()).To(BeTrue())
			Expect(allocation.Cores.Requested).To(Equal(4))
		})
	})
})
