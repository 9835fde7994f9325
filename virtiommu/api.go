// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtiommu

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	deviceApi "github.com/confidential-containers/pviommu/virtiommu/device/api"
	"github.com/confidential-containers/pviommu/virtiommu/device/config"
	"github.com/confidential-containers/pviommu/virtiommu/domain"
	"github.com/confidential-containers/pviommu/virtiommu/iommu"
	"github.com/confidential-containers/pviommu/virtiommu/route"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

var virtLog = logrus.WithField("source", "virtiommu")

// SetLogger sets the logger for the whole pvIOMMU core.
func SetLogger(ctx context.Context, logger *logrus.Entry) {
	fields := virtLog.Data
	virtLog = logger.WithFields(fields)

	deviceApi.SetLogger(virtLog)
	domain.SetLogger(virtLog)
	route.SetLogger(virtLog)
	iommu.SetLogger(virtLog)
}

// FaultFunc receives the per-pvIOMMU fault signal. Wiring only: no replay,
// no PRI handling.
type FaultFunc func(vm types.VMID, viommuID, vsid uint32)

// PVIOMMU is the hypervisor-side pvIOMMU core: it owns the domain ID
// allocator, the device registry, the per-VM state and the hypercall
// dispatcher, and drives the underlying IOMMU hardware driver on behalf of
// guests.
type PVIOMMU struct {
	mu        sync.Mutex
	driver    iommu.Driver
	allocator *domain.Allocator
	registry  deviceApi.Registry
	vms       map[types.VMID]*VM
	faultFn   FaultFunc
}

// VM is the per-guest state the core keeps: the vSID route table, the
// stage-2 walker, the IOMMU memory pool and the set of domains the guest
// has allocated.
type VM struct {
	id     types.VMID
	route  *route.Table
	walker types.Stage2Walker
	pool   types.MemPool

	mu      sync.Mutex
	domains map[uint32]struct{}
}

// ID returns the VM's identifier.
func (vm *VM) ID() types.VMID {
	return vm.id
}

// Pool returns the VM's IOMMU memory pool.
func (vm *VM) Pool() *types.MemPool {
	return &vm.pool
}

func (vm *VM) addDomain(id uint32) {
	vm.mu.Lock()
	vm.domains[id] = struct{}{}
	vm.mu.Unlock()
}

func (vm *VM) delDomain(id uint32) {
	vm.mu.Lock()
	delete(vm.domains, id)
	vm.mu.Unlock()
}

func (vm *VM) ownsDomain(id uint32) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := vm.domains[id]
	return ok
}

func (vm *VM) domainList() []uint32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	ids := make([]uint32, 0, len(vm.domains))
	for id := range vm.domains {
		ids = append(ids, id)
	}
	return ids
}

// New returns a core driving the given IOMMU driver and device registry.
func New(driver iommu.Driver, registry deviceApi.Registry) *PVIOMMU {
	return &PVIOMMU{
		driver:    driver,
		allocator: domain.NewAllocator(),
		registry:  registry,
		vms:       make(map[types.VMID]*VM),
	}
}

// Registry returns the device registry, through which the host performs
// MMIO assignment and reclaim.
func (p *PVIOMMU) Registry() deviceApi.Registry {
	return p.registry
}

// Driver returns the underlying IOMMU driver.
func (p *PVIOMMU) Driver() iommu.Driver {
	return p.driver
}

// CreateVM sets up per-VM state before guest launch. The walker resolves
// the VM's guest IPAs against its stage-2 tables.
func (p *PVIOMMU) CreateVM(id types.VMID, walker types.Stage2Walker) (*VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.vms[id]; ok {
		return nil, errors.Wrapf(types.ErrBusy, "VM %d exists", id)
	}
	vm := &VM{
		id:      id,
		route:   route.NewTable(),
		walker:  walker,
		domains: make(map[uint32]struct{}),
	}
	p.vms[id] = vm

	virtLog.WithField("vm", id).Info("VM registered with pvIOMMU core")
	return vm, nil
}

func (p *PVIOMMU) vm(id types.VMID) *VM {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vms[id]
}

// AttachVIOMMU declares that the guest will see the given virtual IOMMU.
// Part of the host setup interface, called before guest launch.
func (p *PVIOMMU) AttachVIOMMU(id types.VMID, viommuID uint32) error {
	vm := p.vm(id)
	if vm == nil {
		return errors.Wrapf(types.ErrNotFound, "VM %d", id)
	}
	return vm.route.Attach(viommuID)
}

// AddVSID routes one guest (viommu, vsid) pair to a physical endpoint. The
// physical IOMMU must be one the driver discovered at boot.
func (p *PVIOMMU) AddVSID(id types.VMID, viommuID, vsid, physIOMMU, physSID uint32) error {
	vm := p.vm(id)
	if vm == nil {
		return errors.Wrapf(types.ErrNotFound, "VM %d", id)
	}
	if !p.knownIOMMU(physIOMMU) {
		return errors.Wrapf(types.ErrInvalidParam, "physical iommu %d unknown", physIOMMU)
	}
	return vm.route.AddVSID(viommuID, vsid, physIOMMU, physSID)
}

// FinaliseVM seals the VM's route table. Idempotent.
func (p *PVIOMMU) FinaliseVM(id types.VMID) error {
	vm := p.vm(id)
	if vm == nil {
		return errors.Wrapf(types.ErrNotFound, "VM %d", id)
	}
	vm.route.Finalise()
	return nil
}

// RegisterDevice adds a passthrough-eligible device from the static device
// table at boot.
func (p *PVIOMMU) RegisterDevice(info config.DeviceInfo) error {
	for _, ep := range info.Endpoints {
		if !p.knownIOMMU(ep.IOMMUID) {
			return errors.Wrapf(types.ErrInvalidParam,
				"device %s endpoint references unknown iommu %d", info.Name, ep.IOMMUID)
		}
	}
	return p.registry.RegisterDevice(info)
}

// RegisterReset installs a device reset handler.
func (p *PVIOMMU) RegisterReset(name string, fn config.ResetFunc) error {
	return p.registry.RegisterReset(name, fn)
}

// RegisterFault wires the per-pvIOMMU fault signal.
func (p *PVIOMMU) RegisterFault(fn FaultFunc) {
	p.mu.Lock()
	p.faultFn = fn
	p.mu.Unlock()
}

// ReportFault delivers a translation fault signal for the given guest
// endpoint to whoever registered for it.
func (p *PVIOMMU) ReportFault(vm types.VMID, viommuID, vsid uint32) {
	p.mu.Lock()
	fn := p.faultFn
	p.mu.Unlock()

	if fn == nil {
		virtLog.WithFields(logrus.Fields{
			"vm":     vm,
			"viommu": viommuID,
			"vsid":   vsid,
		}).Warn("IOMMU fault with no handler registered")
		return
	}
	fn(vm, viommuID, vsid)
}

// DestroyVM tears down a dying VM: devices are reset and released, the
// guest's remaining domains are freed, per-VM state dropped. The caller
// guarantees all of the VM's vCPUs have parked. Failures are collected, not
// short-circuited; whatever can be released is released.
func (p *PVIOMMU) DestroyVM(ctx context.Context, id types.VMID) error {
	vm := p.vm(id)
	if vm == nil {
		return errors.Wrapf(types.ErrNotFound, "VM %d", id)
	}

	var result *multierror.Error
	if err := p.registry.TeardownVM(id); err != nil {
		result = multierror.Append(result, err)
	}

	for _, domainID := range vm.domainList() {
		if err := p.driver.FreeDomain(domainID); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "free of domain %#x", domainID))
			continue
		}
		p.allocator.Free(domainID)
		vm.delDomain(domainID)
		guestDomainsMetric.Dec()
	}

	p.mu.Lock()
	delete(p.vms, id)
	p.mu.Unlock()

	virtLog.WithField("vm", id).Info("VM released from pvIOMMU core")
	return result.ErrorOrNil()
}

func (p *PVIOMMU) knownIOMMU(id uint32) bool {
	for _, phys := range p.driver.IOMMUs() {
		if phys.ID == id {
			return true
		}
	}
	return false
}
