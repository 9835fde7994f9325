// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"github.com/sirupsen/logrus"

	"github.com/confidential-containers/pviommu/virtiommu/device/config"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

var devLogger = logrus.WithField("subsystem", "device")

// SetLogger sets the logger for device api package.
func SetLogger(logger *logrus.Entry) {
	fields := devLogger.Data
	devLogger = logger.WithFields(fields)
}

// DeviceLogger returns logger for device management
func DeviceLogger() *logrus.Entry {
	return devLogger
}

// MemoryDonor is the hypervisor memory-donation collaborator: it performs
// the actual page ownership transitions between host, hypervisor and guest
// stage-2. The registry decides whether a transition is allowed; the donor
// executes it.
type MemoryDonor interface {
	// AssignDeviceMMIO transitions the page from host to hypervisor
	// ownership with device-memory attributes.
	AssignDeviceMMIO(pfn uint64) error

	// ReclaimDeviceMMIO transitions a hypervisor-owned page back to the
	// host.
	ReclaimDeviceMMIO(pfn uint64) error

	// DonateGuestMMIO installs the hypervisor-owned page at gfn in the
	// VM's stage-2.
	DonateGuestMMIO(vm types.VMID, pfn, gfn uint64) error

	// ReturnGuestMMIO tears the page out of the VM's stage-2 and returns
	// it to host ownership.
	ReturnGuestMMIO(vm types.VMID, pfn uint64) error
}

// EndpointGuard is returned by Registry.LockEndpoint with the registry lock
// held. It pins the resolved device's ownership for the duration of an IOMMU
// operation; no ownership transition can interleave until Unlock.
type EndpointGuard interface {
	// Device returns the static description of the guarded device.
	Device() *config.DeviceInfo

	// Unlock releases the registry lock.
	Unlock()
}

// Registry tracks every passthrough-eligible device and its current owner,
// and mediates the transitions between them.
type Registry interface {
	// RegisterDevice adds a device from the static device table at boot.
	RegisterDevice(info config.DeviceInfo) error

	// RegisterReset installs or replaces a device's reset handler.
	RegisterReset(name string, fn config.ResetFunc) error

	// HostAssignMMIO moves one device MMIO page from host to hypervisor
	// ownership. The device must not be owned by any VM.
	HostAssignMMIO(pfn uint64) error

	// ReclaimMMIO undoes HostAssignMMIO.
	ReclaimMMIO(pfn uint64) error

	// MapGuestMMIO donates one device MMIO page into the VM's stage-2 at
	// gfn. On the first touch of a device the whole IOMMU group is
	// atomically assigned to the VM, resetting each member.
	MapGuestMMIO(vcpu *types.VCPU, pfn, gfn uint64) error

	// RequestMMIO verifies that the IPA resolves to a PA inside one of
	// the calling VM's assigned device resources and returns that PA.
	// May post a memory-top-up request if the stage-2 walk faults, in
	// which case types.ErrOutOfMem is returned.
	RequestMMIO(vcpu *types.VCPU, walker types.Stage2Walker, ipa uint64) (uint64, error)

	// LockEndpoint confirms that the caller (the host when owner is nil,
	// otherwise the given VM) rightfully owns the device behind the
	// (iommu, sid) endpoint, and returns a guard holding the registry
	// lock.
	LockEndpoint(iommuID, sid uint32, owner *types.VMID) (EndpointGuard, error)

	// TeardownVM resets and releases every device the dying VM owns and
	// returns its MMIO pages to the host. Per-device failures are
	// aggregated, not short-circuited.
	TeardownVM(vm types.VMID) error

	// Owner reports which VM, if any, currently owns the named device.
	Owner(name string) (types.VMID, bool, error)
}
