// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/confidential-containers/pviommu/virtiommu/device/api"
	"github.com/confidential-containers/pviommu/virtiommu/device/config"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

func deviceLogger() *logrus.Entry {
	return api.DeviceLogger()
}

// device is one registry entry: the static description plus the mutable
// ownership state, all guarded by the manager lock.
type device struct {
	info  config.DeviceInfo
	reset config.ResetFunc

	// owner is the VM the device's group is assigned to, nil when the
	// device is host/hyp side. Held as an ID, never a pointer into VM
	// state.
	owner *types.VMID

	// hypPages are the device MMIO pages currently donated from host to
	// hypervisor ownership, keyed by pfn.
	hypPages map[uint64]struct{}

	// guestPages are the pages donated onward into the owner's stage-2,
	// pfn -> gfn.
	guestPages map[uint64]uint64
}

func (d *device) fullyHypOwned() bool {
	return uint64(len(d.hypPages)) == d.info.TotalPages() && len(d.guestPages) == 0
}

func (d *device) runReset() error {
	if d.reset == nil {
		return nil
	}
	if err := d.reset(); err != nil {
		return errors.Wrapf(err, "reset of %s", d.info.Name)
	}
	return nil
}

// deviceManager implements api.Registry. A single lock covers the whole
// registry: hold times are short and ownership changes are not on a hot
// path. The lock also interlocks every IOMMU operation that inspects
// ownership (via LockEndpoint) against ownership transitions, so no IOMMU
// op can run against a device whose ownership is mid-transition.
type deviceManager struct {
	sync.Mutex
	donor   api.MemoryDonor
	devices []*device
}

// NewDeviceManager returns an empty registry backed by the given memory
// donor.
func NewDeviceManager(donor api.MemoryDonor) api.Registry {
	return &deviceManager{donor: donor}
}

// RegisterDevice implements api.Registry. Called while the static device
// table is built at boot, before any VM exists.
func (dm *deviceManager) RegisterDevice(info config.DeviceInfo) error {
	if err := info.Validate(); err != nil {
		return errors.Wrap(types.ErrInvalidParam, err.Error())
	}

	dm.Lock()
	defer dm.Unlock()

	for _, d := range dm.devices {
		if d.info.Name == info.Name {
			return errors.Wrapf(types.ErrInvalidParam, "device %s already registered", info.Name)
		}
		for _, ep := range info.Endpoints {
			if d.hasEndpoint(ep.IOMMUID, ep.SID) {
				return errors.Wrapf(types.ErrInvalidParam,
					"endpoint (%d, %#x) already claimed by %s", ep.IOMMUID, ep.SID, d.info.Name)
			}
		}
	}

	dm.devices = append(dm.devices, &device{
		info:       info,
		hypPages:   make(map[uint64]struct{}),
		guestPages: make(map[uint64]uint64),
	})

	deviceLogger().WithFields(logrus.Fields{
		"device":    info.Name,
		"group":     info.GroupID,
		"endpoints": len(info.Endpoints),
	}).Info("registered passthrough device")
	return nil
}

// RegisterReset implements api.Registry.
func (dm *deviceManager) RegisterReset(name string, fn config.ResetFunc) error {
	dm.Lock()
	defer dm.Unlock()

	d := dm.byName(name)
	if d == nil {
		return errors.Wrapf(types.ErrNotFound, "device %s", name)
	}
	d.reset = fn
	return nil
}

// HostAssignMMIO implements api.Registry.
func (dm *deviceManager) HostAssignMMIO(pfn uint64) error {
	dm.Lock()
	defer dm.Unlock()

	d := dm.byPFN(pfn)
	if d == nil {
		return errors.Wrapf(types.ErrNotFound, "no device MMIO at pfn %#x", pfn)
	}
	if d.owner != nil {
		return errors.Wrapf(types.ErrBusy, "device %s is guest owned", d.info.Name)
	}
	if _, ok := d.hypPages[pfn]; ok {
		return errors.Wrapf(types.ErrBusy, "pfn %#x already assigned", pfn)
	}
	if err := dm.donor.AssignDeviceMMIO(pfn); err != nil {
		return err
	}
	d.hypPages[pfn] = struct{}{}
	return nil
}

// ReclaimMMIO implements api.Registry.
func (dm *deviceManager) ReclaimMMIO(pfn uint64) error {
	dm.Lock()
	defer dm.Unlock()

	d := dm.byPFN(pfn)
	if d == nil {
		return errors.Wrapf(types.ErrNotFound, "no device MMIO at pfn %#x", pfn)
	}
	if d.owner != nil {
		return errors.Wrapf(types.ErrBusy, "device %s is guest owned", d.info.Name)
	}
	if _, ok := d.hypPages[pfn]; !ok {
		return errors.Wrapf(types.ErrBusy, "pfn %#x not assigned", pfn)
	}
	if err := dm.donor.ReclaimDeviceMMIO(pfn); err != nil {
		return err
	}
	delete(d.hypPages, pfn)
	return nil
}

// MapGuestMMIO implements api.Registry.
func (dm *deviceManager) MapGuestMMIO(vcpu *types.VCPU, pfn, gfn uint64) error {
	dm.Lock()
	defer dm.Unlock()

	vm := vcpu.VM
	d := dm.byPFN(pfn)
	if d == nil {
		return errors.Wrapf(types.ErrNotFound, "no device MMIO at pfn %#x", pfn)
	}

	if d.owner == nil {
		if err := dm.assignGroup(d.info.GroupID, vm); err != nil {
			return err
		}
	} else if *d.owner != vm {
		return errors.Wrapf(types.ErrDenied, "device %s owned by VM %d", d.info.Name, *d.owner)
	}

	if gfnPrev, ok := d.guestPages[pfn]; ok {
		// Re-executed hypercall: the page is already in the guest.
		if gfnPrev != gfn {
			return errors.Wrapf(types.ErrInvalidParam, "pfn %#x already donated at gfn %#x", pfn, gfnPrev)
		}
		return nil
	}
	if _, ok := d.hypPages[pfn]; !ok {
		return errors.Wrapf(types.ErrDenied, "pfn %#x not hyp owned", pfn)
	}
	if err := dm.donor.DonateGuestMMIO(vm, pfn, gfn); err != nil {
		return err
	}
	delete(d.hypPages, pfn)
	d.guestPages[pfn] = gfn
	return nil
}

// assignGroup transfers every device of the group to vm in one critical
// section. All members must be fully hyp-owned and none guest-owned; any
// violation aborts the whole assignment and rewinds every owner set so far.
// Caller holds the manager lock.
func (dm *deviceManager) assignGroup(groupID uint32, vm types.VMID) error {
	members := dm.group(groupID)

	for _, m := range members {
		if m.owner != nil {
			return errors.Wrapf(types.ErrDenied, "group %d member %s owned by VM %d",
				groupID, m.info.Name, *m.owner)
		}
		if !m.fullyHypOwned() {
			return errors.Wrapf(types.ErrDenied, "group %d member %s not fully hyp owned",
				groupID, m.info.Name)
		}
	}

	var assigned []*device
	for _, m := range members {
		owner := vm
		m.owner = &owner
		assigned = append(assigned, m)
		if err := m.runReset(); err != nil {
			for _, a := range assigned {
				a.owner = nil
			}
			return err
		}
	}

	deviceLogger().WithFields(logrus.Fields{
		"group":   groupID,
		"vm":      vm,
		"devices": len(members),
	}).Info("device group assigned")
	return nil
}

// RequestMMIO implements api.Registry.
func (dm *deviceManager) RequestMMIO(vcpu *types.VCPU, walker types.Stage2Walker, ipa uint64) (uint64, error) {
	pageIPA := ipa &^ uint64(types.PageSize-1)
	pte, _, err := walker.GetLeaf(pageIPA)
	if err != nil || !pte.Valid() {
		vcpu.PostRequest(types.HypRequestMap, pageIPA, types.PageSize)
		return 0, errors.Wrapf(types.ErrOutOfMem, "stage-2 walk of ipa %#x", ipa)
	}
	pa := pte.PA() | (ipa & (types.PageSize - 1))

	dm.Lock()
	defer dm.Unlock()

	d := dm.byPFN(pa >> types.PageShift)
	if d == nil {
		return 0, errors.Wrapf(types.ErrNotFound, "pa %#x is not device MMIO", pa)
	}
	if d.owner == nil || *d.owner != vcpu.VM {
		return 0, errors.Wrapf(types.ErrInvalidParam, "device %s not assigned to VM %d", d.info.Name, vcpu.VM)
	}
	return pa, nil
}

// LockEndpoint implements api.Registry.
func (dm *deviceManager) LockEndpoint(iommuID, sid uint32, owner *types.VMID) (api.EndpointGuard, error) {
	dm.Lock()

	d := dm.byEndpoint(iommuID, sid)
	if d == nil {
		dm.Unlock()
		return nil, errors.Wrapf(types.ErrNotFound, "no device at endpoint (%d, %#x)", iommuID, sid)
	}

	if owner == nil {
		// Host caller: the device must not be assigned to any guest.
		if d.owner != nil {
			dm.Unlock()
			return nil, errors.Wrapf(types.ErrDenied, "device %s owned by VM %d", d.info.Name, *d.owner)
		}
	} else if d.owner == nil || *d.owner != *owner {
		dm.Unlock()
		return nil, errors.Wrapf(types.ErrDenied, "device %s not owned by VM %d", d.info.Name, *owner)
	}

	return &endpointGuard{dm: dm, dev: d}, nil
}

type endpointGuard struct {
	dm  *deviceManager
	dev *device
}

func (g *endpointGuard) Device() *config.DeviceInfo {
	return &g.dev.info
}

func (g *endpointGuard) Unlock() {
	g.dm.Unlock()
}

// TeardownVM implements api.Registry. The VM's vCPUs have all parked by the
// time this runs, so no hypercall can race the release.
func (dm *deviceManager) TeardownVM(vm types.VMID) error {
	dm.Lock()
	defer dm.Unlock()

	var result *multierror.Error
	for _, d := range dm.devices {
		if d.owner == nil || *d.owner != vm {
			continue
		}
		if err := d.runReset(); err != nil {
			result = multierror.Append(result, err)
		}
		for pfn := range d.guestPages {
			if err := dm.donor.ReturnGuestMMIO(vm, pfn); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "return of pfn %#x", pfn))
				continue
			}
			delete(d.guestPages, pfn)
		}
		for pfn := range d.hypPages {
			if err := dm.donor.ReclaimDeviceMMIO(pfn); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "reclaim of pfn %#x", pfn))
				continue
			}
			delete(d.hypPages, pfn)
		}
		d.owner = nil

		deviceLogger().WithFields(logrus.Fields{
			"device": d.info.Name,
			"vm":     vm,
		}).Info("device released")
	}
	return result.ErrorOrNil()
}

// Owner implements api.Registry.
func (dm *deviceManager) Owner(name string) (types.VMID, bool, error) {
	dm.Lock()
	defer dm.Unlock()

	d := dm.byName(name)
	if d == nil {
		return 0, false, errors.Wrapf(types.ErrNotFound, "device %s", name)
	}
	if d.owner == nil {
		return 0, false, nil
	}
	return *d.owner, true, nil
}

// Lookup helpers. Linear scans are fine: the device table is small and
// static, and none of these run on a hot path. Callers hold the lock.

func (dm *deviceManager) byName(name string) *device {
	for _, d := range dm.devices {
		if d.info.Name == name {
			return d
		}
	}
	return nil
}

func (dm *deviceManager) byPFN(pfn uint64) *device {
	for _, d := range dm.devices {
		for _, r := range d.info.Resources {
			if r.Contains(pfn) {
				return d
			}
		}
	}
	return nil
}

func (dm *deviceManager) byEndpoint(iommuID, sid uint32) *device {
	for _, d := range dm.devices {
		if d.hasEndpoint(iommuID, sid) {
			return d
		}
	}
	return nil
}

func (d *device) hasEndpoint(iommuID, sid uint32) bool {
	for _, ep := range d.info.Endpoints {
		if ep.IOMMUID == iommuID && ep.SID == sid {
			return true
		}
	}
	return false
}

func (dm *deviceManager) group(groupID uint32) []*device {
	var members []*device
	for _, d := range dm.devices {
		if d.info.GroupID == groupID {
			members = append(members, d)
		}
	}
	return members
}
