package test_utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

const (
	DefaultArch     = "x64"
	DefaultLocation = "hetzner-fsn1"
	DefaultFamily   = "standard"
	DefaultImage    = "ubuntu-jammy"
)

// HostSpec describes a host created by CreateHost. Zero values are replaced by sensible defaults.
type HostSpec struct {
	ID              string
	Arch            string
	Location        string
	Family          string
	AllocationState string
	AcceptsSlices   bool

	TotalCores       int
	UsedCores        int
	TotalCpus        int
	TotalHugepages1G int
	UsedHugepages1G  int

	// DevicesGib lists the available capacity of each enabled storage device, which is also its total capacity.
	DevicesGib []int
	// DisabledDevicesGib lists the capacity of each disabled storage device.
	DisabledDevicesGib []int
	// ActivatedImages lists the boot images activated on the host.
	ActivatedImages []string
	// PendingImages lists the boot images downloaded to the host but never activated.
	PendingImages []string
	Cidrs         []string
	// GpuGroups is the number of IOMMU groups holding one GPU and its audio function.
	GpuGroups int
	// SpdkCpus is the number of leading cpu threads reserved for SPDK.
	SpdkCpus int
}

// NewTestDatabase opens a fresh, private, in-memory database.
func NewTestDatabase() *gorm.DB {
	db, err := storage.Open(storage.InMemoryDSN(uuid.NewString()))
	Expect(err).To(BeNil())
	Expect(db).ToNot(BeNil())

	return db
}

// CloseTestDatabase releases the database, discarding its contents.
func CloseTestDatabase(db *gorm.DB) {
	sqlDB, err := db.DB()
	Expect(err).To(BeNil())
	Expect(sqlDB.Close()).To(Succeed())
}

// CreateHost inserts a host and every row hanging off of it.
func CreateHost(db *gorm.DB, spec HostSpec) *storage.VmHost {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Arch == "" {
		spec.Arch = DefaultArch
	}
	if spec.Location == "" {
		spec.Location = DefaultLocation
	}
	if spec.Family == "" {
		spec.Family = DefaultFamily
	}
	if spec.AllocationState == "" {
		spec.AllocationState = storage.AllocationStateAccepting
	}
	if spec.TotalCores == 0 {
		spec.TotalCores = 12
	}
	if spec.TotalCpus == 0 {
		spec.TotalCpus = 2 * spec.TotalCores
	}
	if spec.TotalHugepages1G == 0 {
		spec.TotalHugepages1G = 64
	}

	host := &storage.VmHost{
		ID:               spec.ID,
		Hostname:         fmt.Sprintf("%s.example.com", spec.ID),
		Arch:             spec.Arch,
		Location:         spec.Location,
		AllocationState:  spec.AllocationState,
		Family:           spec.Family,
		AcceptsSlices:    spec.AcceptsSlices,
		TotalCores:       spec.TotalCores,
		UsedCores:        spec.UsedCores,
		TotalCpus:        spec.TotalCpus,
		TotalSockets:     1,
		TotalDies:        1,
		TotalHugepages1G: spec.TotalHugepages1G,
		UsedHugepages1G:  spec.UsedHugepages1G,
	}
	Expect(db.Create(host).Error).To(BeNil())

	for i, size := range spec.DevicesGib {
		CreateStorageDevice(db, host.ID, fmt.Sprintf("%s-sd%d", host.ID, i), size, true)
	}

	for i, size := range spec.DisabledDevicesGib {
		CreateStorageDevice(db, host.ID, fmt.Sprintf("%s-disabled-sd%d", host.ID, i), size, false)
	}

	for _, name := range spec.ActivatedImages {
		activatedAt := storage.Now().Add(-time.Hour)
		CreateBootImage(db, host.ID, name, "20240101", &activatedAt)
	}

	for _, name := range spec.PendingImages {
		CreateBootImage(db, host.ID, name, "20240101", nil)
	}

	for i, cidr := range spec.Cidrs {
		address := &storage.Address{ID: fmt.Sprintf("%s-addr%d", host.ID, i), VmHostID: host.ID, Cidr: cidr}
		Expect(db.Create(address).Error).To(BeNil())
	}

	for group := 0; group < spec.GpuGroups; group++ {
		gpu := &storage.PciDevice{
			ID:          fmt.Sprintf("%s-gpu%d", host.ID, group),
			VmHostID:    host.ID,
			Slot:        fmt.Sprintf("0%d:00.0", group+1),
			DeviceClass: "0300",
			Vendor:      "10de",
			Device:      "27b0",
			IommuGroup:  group,
		}
		audio := &storage.PciDevice{
			ID:          fmt.Sprintf("%s-audio%d", host.ID, group),
			VmHostID:    host.ID,
			Slot:        fmt.Sprintf("0%d:00.1", group+1),
			DeviceClass: "0403",
			Vendor:      "10de",
			Device:      "22bc",
			IommuGroup:  group,
		}
		Expect(db.Create(gpu).Error).To(BeNil())
		Expect(db.Create(audio).Error).To(BeNil())
	}

	if spec.AcceptsSlices {
		cpus := make([]storage.VmHostCpu, 0, spec.TotalCpus)
		for cpu := 0; cpu < spec.TotalCpus; cpu++ {
			cpus = append(cpus, storage.VmHostCpu{VmHostID: host.ID, CpuNumber: cpu, Spdk: cpu < spec.SpdkCpus})
		}
		Expect(db.Create(&cpus).Error).To(BeNil())
	}

	return host
}

func CreateStorageDevice(db *gorm.DB, hostId string, id string, sizeGib int, enabled bool) *storage.StorageDevice {
	device := &storage.StorageDevice{
		ID:                  id,
		VmHostID:            hostId,
		Name:                id,
		Enabled:             enabled,
		TotalStorageGib:     sizeGib,
		AvailableStorageGib: sizeGib,
	}
	Expect(db.Create(device).Error).To(BeNil())

	return device
}

func CreateBootImage(db *gorm.DB, hostId string, name string, version string, activatedAt *time.Time) *storage.BootImage {
	image := &storage.BootImage{
		ID:          uuid.NewString(),
		VmHostID:    hostId,
		Name:        name,
		Version:     version,
		SizeGib:     3,
		ActivatedAt: activatedAt,
	}
	Expect(db.Create(image).Error).To(BeNil())

	return image
}

// CreateVm inserts an unplaced VM in the creating state.
func CreateVm(db *gorm.DB, family string, vcpus int, memoryGib int) *storage.Vm {
	vm := &storage.Vm{
		ID:              uuid.NewString(),
		Name:            fmt.Sprintf("vm-%s", family),
		Family:          family,
		Arch:            DefaultArch,
		Location:        DefaultLocation,
		Vcpus:           vcpus,
		CpuPercentLimit: vcpus * 100,
		MemoryGib:       memoryGib,
		DisplayState:    storage.VmStateCreating,
	}
	Expect(db.Create(vm).Error).To(BeNil())

	return vm
}

// CreateStrand inserts a top-level strand scheduled at the given time.
func CreateStrand(db *gorm.DB, id string, prog string, label string, schedule time.Time) *storage.Strand {
	if id == "" {
		id = uuid.NewString()
	}

	strand := &storage.Strand{
		ID:       id,
		Prog:     prog,
		Label:    label,
		Stack:    "[[]]",
		Schedule: schedule.UTC(),
	}
	Expect(db.Create(strand).Error).To(BeNil())

	return strand
}

// Reload re-reads a row by primary key.
func Reload[T any](db *gorm.DB, id string) *T {
	var row T
	Expect(db.First(&row, "id = ?", id).Error).To(BeNil())

	return &row
}
