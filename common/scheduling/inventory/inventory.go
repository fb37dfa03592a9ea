package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

// Query describes the hard constraints a host must satisfy to become a placement candidate.
type Query struct {
	Arch string

	// AllocationStates is an allow-list. An empty list admits every state.
	AllocationStates []string
	// HostIDs is an allow-list. An empty list admits every host.
	HostIDs []string
	// ExcludedHostIDs is a deny-list.
	ExcludedHostIDs []string
	// Locations is an allow-list. An empty list admits every location.
	Locations []string
	// Families is an allow-list of host families. An empty list admits every family.
	Families []string

	// StorageGib is the aggregate storage the request needs across enabled devices.
	StorageGib int
	// DistinctDevices is the number of volumes that must each sit on their own device.
	DistinctDevices int
	// BootImage is the name of the image that must be activated on the host. Empty when no boot volume is requested.
	BootImage string

	IPv4     bool
	GpuCount int
}

// Inventory produces HostSnapshot values for candidate discovery.
type Inventory struct {
	db  *gorm.DB
	log logger.Logger
}

func New(db *gorm.DB) *Inventory {
	inventory := &Inventory{
		db: db,
	}

	config.InitLogger(&inventory.log, inventory)

	return inventory
}

// hostQuery applies the filters that can be expressed directly against the host table.
func hostQuery(tx *gorm.DB, query Query) *gorm.DB {
	tx = tx.Model(&storage.VmHost{}).Where("arch = ?", query.Arch)

	if len(query.AllocationStates) > 0 {
		tx = tx.Where("allocation_state IN ?", query.AllocationStates)
	}

	if len(query.HostIDs) > 0 {
		tx = tx.Where("id IN ?", query.HostIDs)
	}

	if len(query.ExcludedHostIDs) > 0 {
		tx = tx.Where("id NOT IN ?", query.ExcludedHostIDs)
	}

	if len(query.Locations) > 0 {
		tx = tx.Where("location IN ?", query.Locations)
	}

	if len(query.Families) > 0 {
		tx = tx.Where("family IN ?", query.Families)
	}

	return tx.Order("id")
}

// Describe renders the host query with its bound parameters. It is used for diagnostics only.
func (inv *Inventory) Describe(query Query) string {
	var hosts []storage.VmHost
	stmt := hostQuery(inv.db.Session(&gorm.Session{DryRun: true}), query).Find(&hosts).Statement

	return inv.db.Dialector.Explain(stmt.SQL.String(), stmt.Vars...)
}

// Candidates returns one snapshot per host satisfying every constraint of the query, ordered by host ID.
func (inv *Inventory) Candidates(ctx context.Context, query Query) ([]HostSnapshot, error) {
	db := inv.db.WithContext(ctx)

	var hosts []storage.VmHost
	if err := hostQuery(db, query).Find(&hosts).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query candidate hosts")
	}

	if len(hosts) == 0 {
		return nil, nil
	}

	snapshots := make(map[string]*HostSnapshot, len(hosts))
	hostIds := make([]string, 0, len(hosts))
	sliceHostIds := make([]string, 0, len(hosts))
	for _, host := range hosts {
		snapshots[host.ID] = newHostSnapshot(&host)
		hostIds = append(hostIds, host.ID)

		if host.AcceptsSlices {
			sliceHostIds = append(sliceHostIds, host.ID)
		}
	}

	if err := inv.loadStorageDevices(db, hostIds, snapshots); err != nil {
		return nil, err
	}

	activatedImages, err := inv.loadActivatedImages(db, hostIds, query.BootImage)
	if err != nil {
		return nil, err
	}

	if query.IPv4 {
		if err = inv.loadAddresses(db, hostIds, snapshots); err != nil {
			return nil, err
		}
	}

	if err = inv.loadPciDevices(db, hostIds, snapshots); err != nil {
		return nil, err
	}

	if err = inv.loadProvisioningCounts(db, hostIds, snapshots); err != nil {
		return nil, err
	}

	if len(sliceHostIds) > 0 {
		if err = inv.loadSlices(db, sliceHostIds, snapshots); err != nil {
			return nil, err
		}
	}

	candidates := make([]HostSnapshot, 0, len(hosts))
	for _, hostId := range hostIds {
		snapshot := snapshots[hostId]

		if reason := rejectionReason(snapshot, query, activatedImages); reason != "" {
			inv.log.Debug("Host %s is not a candidate: %s.", hostId, reason)
			continue
		}

		candidates = append(candidates, *snapshot)
	}

	return candidates, nil
}

// rejectionReason returns why the snapshot fails the query's resource constraints, or the empty string if it
// satisfies all of them.
func rejectionReason(snapshot *HostSnapshot, query Query, activatedImages map[string]bool) string {
	if snapshot.AvailableStorageGib < query.StorageGib {
		return fmt.Sprintf("insufficient storage (%d GiB < %d GiB)", snapshot.AvailableStorageGib, query.StorageGib)
	}

	if query.DistinctDevices > 0 {
		usable := 0
		for _, device := range snapshot.StorageDevices {
			if device.AvailableStorageGib > 0 {
				usable++
			}
		}

		if usable < query.DistinctDevices {
			return fmt.Sprintf("insufficient distinct storage devices (%d < %d)", usable, query.DistinctDevices)
		}
	}

	if query.BootImage != "" && !activatedImages[snapshot.ID] {
		return fmt.Sprintf("no activated boot image \"%s\"", query.BootImage)
	}

	if query.IPv4 && snapshot.AvailableIPv4 < 1 {
		return "no free IPv4 address"
	}

	if query.GpuCount > 0 && len(snapshot.FreeGpuGroups) < query.GpuCount {
		return fmt.Sprintf("insufficient free GPU IOMMU groups (%d < %d)", len(snapshot.FreeGpuGroups), query.GpuCount)
	}

	return ""
}

func newHostSnapshot(host *storage.VmHost) *HostSnapshot {
	return &HostSnapshot{
		ID:               host.ID,
		Hostname:         host.Hostname,
		Arch:             host.Arch,
		Location:         host.Location,
		Family:           host.Family,
		AllocationState:  host.AllocationState,
		AcceptsSlices:    host.AcceptsSlices,
		TotalCores:       host.TotalCores,
		UsedCores:        host.UsedCores,
		TotalCpus:        host.TotalCpus,
		TotalSockets:     host.TotalSockets,
		TotalDies:        host.TotalDies,
		TotalHugepages1G: host.TotalHugepages1G,
		UsedHugepages1G:  host.UsedHugepages1G,
	}
}

func (inv *Inventory) loadStorageDevices(db *gorm.DB, hostIds []string, snapshots map[string]*HostSnapshot) error {
	var devices []storage.StorageDevice
	err := db.Where("vm_host_id IN ? AND enabled = ?", hostIds, true).
		Order("available_storage_gib DESC").
		Order("id").
		Find(&devices).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to query storage devices")
	}

	for _, device := range devices {
		snapshot := snapshots[device.VmHostID]
		snapshot.StorageDevices = append(snapshot.StorageDevices, StorageDeviceSnapshot{
			ID:                  device.ID,
			Name:                device.Name,
			TotalStorageGib:     device.TotalStorageGib,
			AvailableStorageGib: device.AvailableStorageGib,
		})
		snapshot.TotalStorageGib += device.TotalStorageGib
		snapshot.AvailableStorageGib += device.AvailableStorageGib
	}

	return nil
}

// loadActivatedImages returns the set of hosts holding an activated image with the given name.
func (inv *Inventory) loadActivatedImages(db *gorm.DB, hostIds []string, name string) (map[string]bool, error) {
	activated := make(map[string]bool)
	if name == "" {
		return activated, nil
	}

	var images []storage.BootImage
	err := db.Where("vm_host_id IN ? AND name = ? AND activated_at IS NOT NULL", hostIds, name).
		Find(&images).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query boot images")
	}

	for _, image := range images {
		activated[image.VmHostID] = true
	}

	return activated, nil
}

func (inv *Inventory) loadAddresses(db *gorm.DB, hostIds []string, snapshots map[string]*HostSnapshot) error {
	var addresses []storage.Address
	if err := db.Where("vm_host_id IN ?", hostIds).Find(&addresses).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to query addresses")
	}

	if len(addresses) == 0 {
		return nil
	}

	addressIds := make([]string, 0, len(addresses))
	for _, address := range addresses {
		addressIds = append(addressIds, address.ID)
	}

	var counts []struct {
		AddressID string
		Count     int
	}
	err := db.Model(&storage.AssignedVmAddress{}).
		Select("address_id, count(*) AS count").
		Where("address_id IN ?", addressIds).
		Group("address_id").
		Scan(&counts).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to count assigned addresses")
	}

	assigned := make(map[string]int, len(counts))
	for _, count := range counts {
		assigned[count.AddressID] = count.Count
	}

	for _, address := range addresses {
		capacity, err := AddressCapacity(address.Cidr)
		if err != nil {
			inv.log.Warn("Skipping address %s of host %s: %v", address.ID, address.VmHostID, err)
			continue
		}

		if free := capacity - assigned[address.ID]; free > 0 {
			snapshots[address.VmHostID].AvailableIPv4 += free
		}
	}

	return nil
}

func (inv *Inventory) loadPciDevices(db *gorm.DB, hostIds []string, snapshots map[string]*HostSnapshot) error {
	var devices []storage.PciDevice
	if err := db.Where("vm_host_id IN ?", hostIds).Order("iommu_group").Find(&devices).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to query pci devices")
	}

	type groupKey struct {
		hostId string
		group  int
	}

	hasGpu := make(map[groupKey]bool)
	claimed := make(map[groupKey]bool)
	for _, device := range devices {
		key := groupKey{hostId: device.VmHostID, group: device.IommuGroup}

		if device.IsGpu() {
			hasGpu[key] = true
			snapshots[device.VmHostID].NumGpus++
		}

		if device.VmID != nil {
			claimed[key] = true
		}
	}

	for key := range hasGpu {
		if !claimed[key] {
			snapshot := snapshots[key.hostId]
			snapshot.FreeGpuGroups = append(snapshot.FreeGpuGroups, key.group)
		}
	}

	for _, snapshot := range snapshots {
		sort.Ints(snapshot.FreeGpuGroups)
	}

	return nil
}

func (inv *Inventory) loadProvisioningCounts(db *gorm.DB, hostIds []string, snapshots map[string]*HostSnapshot) error {
	var counts []struct {
		VmHostID string
		Count    int
	}

	err := db.Model(&storage.Vm{}).
		Select("vm_host_id, count(*) AS count").
		Where("vm_host_id IN ? AND display_state = ?", hostIds, storage.VmStateCreating).
		Group("vm_host_id").
		Scan(&counts).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to count provisioning VMs")
	}

	for _, count := range counts {
		snapshots[count.VmHostID].ProvisioningCount = count.Count
	}

	return nil
}

func (inv *Inventory) loadSlices(db *gorm.DB, hostIds []string, snapshots map[string]*HostSnapshot) error {
	var slices []storage.VmHostSlice
	err := db.Where("vm_host_id IN ? AND is_shared = ? AND enabled = ?", hostIds, true, true).
		Order("created_at").
		Find(&slices).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to query shared slices")
	}

	for _, slice := range slices {
		snapshot := snapshots[slice.VmHostID]
		snapshot.SharedSlices = append(snapshot.SharedSlices, SliceSnapshot{
			ID:              slice.ID,
			Name:            slice.Name,
			Family:          slice.Family,
			Cores:           slice.Cores,
			TotalCpuPercent: slice.TotalCpuPercent,
			UsedCpuPercent:  slice.UsedCpuPercent,
			TotalMemoryGib:  slice.TotalMemoryGib,
			UsedMemoryGib:   slice.UsedMemoryGib,
		})
	}

	var cpus []storage.VmHostCpu
	err = db.Where("vm_host_id IN ? AND vm_host_slice_id IS NULL AND spdk = ?", hostIds, false).
		Order("cpu_number").
		Find(&cpus).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to query free cpus")
	}

	for _, cpu := range cpus {
		snapshot := snapshots[cpu.VmHostID]
		snapshot.FreeCpus = append(snapshot.FreeCpus, cpu.CpuNumber)
	}

	return nil
}
