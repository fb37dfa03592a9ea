package storage

import (
	"time"
)

const (
	AllocationStateUnprepared = "unprepared"
	AllocationStateAccepting  = "accepting"
	AllocationStateDraining   = "draining"

	// VmStateCreating is the display state of a VM that is still being provisioned on its host.
	VmStateCreating = "creating"
	VmStateRunning  = "running"
)

// VmHost is a physical machine that VMs are placed on.
//
// The used <= total invariant on cores and hugepages is enforced by CHECK constraints, so that concurrent commits
// against the same host cannot overcommit it.
type VmHost struct {
	ID               string `gorm:"primaryKey"`
	Hostname         string
	Arch             string `gorm:"index"`
	Location         string `gorm:"index"`
	AllocationState  string `gorm:"index"`
	Family           string
	AcceptsSlices    bool
	TotalCores       int
	UsedCores        int `gorm:"check:used_cores >= 0 AND used_cores <= total_cores"`
	TotalCpus        int
	TotalSockets     int
	TotalDies        int
	TotalHugepages1G int `gorm:"column:total_hugepages_1g"`
	UsedHugepages1G  int `gorm:"column:used_hugepages_1g;check:used_hugepages_1g >= 0 AND used_hugepages_1g <= total_hugepages_1g"`
	CreatedAt        time.Time
}

type StorageDevice struct {
	ID                  string `gorm:"primaryKey"`
	VmHostID            string `gorm:"index"`
	Name                string
	Enabled             bool
	TotalStorageGib     int
	AvailableStorageGib int `gorm:"check:available_storage_gib >= 0 AND available_storage_gib <= total_storage_gib"`
}

// BootImage is an image downloaded to a host. An image is only usable once it has been activated.
type BootImage struct {
	ID          string `gorm:"primaryKey"`
	VmHostID    string `gorm:"index"`
	Name        string `gorm:"index"`
	Version     string
	SizeGib     int
	ActivatedAt *time.Time
}

// Address is an IPv4 block routed to exactly one host.
type Address struct {
	ID       string `gorm:"primaryKey"`
	VmHostID string `gorm:"index"`
	Cidr     string
}

type AssignedVmAddress struct {
	ID        string `gorm:"primaryKey"`
	AddressID string `gorm:"index"`
	VmID      string `gorm:"index"`
	IP        string `gorm:"uniqueIndex"`
}

// PciDevice is a single PCI function. A GPU allocation claims every function of an IOMMU group.
type PciDevice struct {
	ID          string `gorm:"primaryKey"`
	VmHostID    string `gorm:"index"`
	Slot        string
	DeviceClass string
	Vendor      string
	Device      string
	IommuGroup  int
	VmID        *string `gorm:"index"`
}

// IsGpu reports whether the device is a display controller.
func (d *PciDevice) IsGpu() bool {
	return d.DeviceClass == "0300" || d.DeviceClass == "0302"
}

// VmHostSlice is a cgroup-style partition of a host's cores and memory.
type VmHostSlice struct {
	ID              string `gorm:"primaryKey"`
	VmHostID        string `gorm:"index"`
	Name            string
	Family          string
	IsShared        bool
	Enabled         bool
	Cores           int
	TotalCpuPercent int
	UsedCpuPercent  int `gorm:"check:used_cpu_percent >= 0 AND used_cpu_percent <= total_cpu_percent"`
	TotalMemoryGib  int
	UsedMemoryGib   int `gorm:"check:used_memory_gib >= 0 AND used_memory_gib <= total_memory_gib"`
	CreatedAt       time.Time
}

// VmHostCpu is a single cpu thread of a host, optionally assigned to a slice.
type VmHostCpu struct {
	VmHostID      string `gorm:"primaryKey"`
	CpuNumber     int    `gorm:"primaryKey;autoIncrement:false"`
	Spdk          bool
	VmHostSliceID *string `gorm:"index"`
}

type Vm struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Family          string
	Arch            string
	Location        string
	Vcpus           int
	CpuPercentLimit int
	MemoryGib       int
	DisplayState    string
	VmHostID        *string `gorm:"index"`
	VmHostSliceID   *string `gorm:"index"`
	Cores           int
	AllocatedAt     *time.Time
	CreatedAt       time.Time
}

type VmStorageVolume struct {
	ID                   string `gorm:"primaryKey"`
	VmID                 string `gorm:"index"`
	DiskIndex            int
	SizeGib              int
	Boot                 bool
	ReadOnly             bool
	StorageDeviceID      string `gorm:"index"`
	BootImageID          *string
	KeyEncryptionKeyID   *string
	MaxIOPS              *int `gorm:"column:max_iops"`
	MaxReadMbytesPerSec  *int
	MaxWriteMbytesPerSec *int
}

// StorageKeyEncryptionKey wraps the data encryption key of one encrypted volume.
type StorageKeyEncryptionKey struct {
	ID            string `gorm:"primaryKey"`
	Algorithm     string
	KeyB64        string
	InitVectorB64 string
	AuthData      string
	CreatedAt     time.Time
}

// Sshable is the out-of-band reachability record of a VM.
type Sshable struct {
	ID   string `gorm:"primaryKey"`
	Host string
}

// Strand is a durable, resumable unit of work.
type Strand struct {
	ID        string  `gorm:"primaryKey"`
	ParentID  *string `gorm:"index"`
	Prog      string
	Label     string
	Stack     string
	Schedule  time.Time `gorm:"index"`
	Lease     *time.Time
	ExitVal   *string
	Try       int
	CreatedAt time.Time
}

// Semaphore is a named signal flag raised on a strand.
type Semaphore struct {
	ID       string `gorm:"primaryKey"`
	StrandID string `gorm:"uniqueIndex:idx_semaphore_strand_name"`
	Name     string `gorm:"uniqueIndex:idx_semaphore_strand_name"`
}

// AllModels lists every model migrated by Open.
func AllModels() []interface{} {
	return []interface{}{
		&VmHost{},
		&StorageDevice{},
		&BootImage{},
		&Address{},
		&AssignedVmAddress{},
		&PciDevice{},
		&VmHostSlice{},
		&VmHostCpu{},
		&Vm{},
		&VmStorageVolume{},
		&StorageKeyEncryptionKey{},
		&Sshable{},
		&Strand{},
		&Semaphore{},
	}
}
