// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtiommu

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/confidential-containers/pviommu/pkg/pvmutils/pvtrace"
	"github.com/confidential-containers/pviommu/virtiommu/iommu"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

// CurrentVersion is the hypercall ABI version returned by FuncVersion.
// Drivers that observe a mismatch warn but continue.
const CurrentVersion = 0x1000

// Hypercall function IDs, vendor-hypervisor range, HVC64 calling
// convention: function ID in r0, arguments in r1..r6, return values written
// back to r0..r3.
//
// Historical documentation listed both UNMAP and ATTACH_DEV at 0xC6000021;
// the IDs here keep ATTACH_DEV there and give UNMAP its own slot at the end
// of the range, matching the symbolic IDs the reference headers use.
const (
	FuncMap         = 0xC6000020
	FuncAttachDev   = 0xC6000021
	FuncDetachDev   = 0xC6000022
	FuncVersion     = 0xC6000023
	FuncGetFeature  = 0xC6000024
	FuncAllocDomain = 0xC6000025
	FuncFreeDomain  = 0xC6000026
	FuncDevReqDMA   = 0xC6000027
	FuncUnmap       = 0xC6000028
)

// Feature selectors for FuncGetFeature.
const (
	// FeaturePgsizeBitmap asks for the translation granules available to
	// the guest. Only PageSize is ever advertised: guest IPA contiguity
	// says nothing about PA contiguity, so bigger granules would let a
	// guest claim contiguity the hypervisor cannot verify.
	FeaturePgsizeBitmap = 0x1
)

// Wire return codes, written to r0.
const (
	WireSuccess      int64 = 0
	WireNotSupported int64 = -1
	WireNotRequired  int64 = -2
	WireInvalidParam int64 = -3
)

// Guest-visible protection bitmask.
const (
	WireProtRead   = 0x01
	WireProtWrite  = 0x02
	WireProtCache  = 0x04
	WireProtNoExec = 0x08
	WireProtMMIO   = 0x10
	WireProtPriv   = 0x20

	wireProtMask = WireProtRead | WireProtWrite | WireProtCache |
		WireProtNoExec | WireProtMMIO | WireProtPriv
)

// topupBatchPages is the pool refill the host is asked for when a driver
// allocation runs dry without a specific IPA to blame.
const topupBatchPages = 8

// Dispatch decodes and runs one guest hypercall. It is invoked from the
// hypervisor exception handler, synchronously on the trapping vCPU's core.
// The returned exit code tells the caller whether to re-enter the guest or
// to exit to the host with the vCPU's pending hyp-request.
func (p *PVIOMMU) Dispatch(ctx context.Context, vcpu *types.VCPU) types.ExitCode {
	fid := vcpu.Regs[0]

	span, _ := pvtrace.Trace(ctx, virtLog, "hypercall", map[string]string{
		"function": funcName(fid),
		"vm":       fmt.Sprintf("%d", vcpu.VM),
	})
	defer span.End()

	hypercallsMetric.WithLabelValues(funcName(fid)).Inc()

	vm := p.vm(vcpu.VM)
	if vm == nil {
		writeReturn(vcpu, errors.Wrapf(types.ErrUnsupported, "VM %d unknown to pvIOMMU", vcpu.VM))
		return types.ExitHandled
	}

	// Refill the VM's IOMMU pool from the pre-deposited memcache before
	// anything else. Driver allocations must never reach back into the
	// host while hypervisor locks are held.
	vm.pool.Grow(vcpu.Memcache.Drain())

	// A request still unserviced from a prior exit means the host dropped
	// it; re-request rather than let the guest observe a partial result.
	if vcpu.PendingRequest() != nil {
		topupExitsMetric.Inc()
		vcpu.RewindPC()
		return types.ExitHypRequest
	}

	var data [3]uint64
	var err error

	switch fid {
	case FuncVersion:
		data[0] = CurrentVersion
	case FuncGetFeature:
		data[0], err = p.getFeature(vcpu.Regs[1], vcpu.Regs[2])
	case FuncAllocDomain:
		data[0], err = p.allocDomain(vm)
	case FuncFreeDomain:
		err = p.freeDomain(vm, vcpu.Regs[1])
	case FuncAttachDev:
		err = p.attachDev(vm, vcpu)
	case FuncDetachDev:
		err = p.detachDev(vm, vcpu)
	case FuncMap:
		data[0], err = p.mapPages(vm, vcpu)
	case FuncUnmap:
		data[0], err = p.unmapPages(vm, vcpu)
	case FuncDevReqDMA:
		data[0], data[1], err = p.devReqDMA(vm, vcpu)
	default:
		err = errors.Wrapf(types.ErrUnsupported, "hypercall %#x", fid)
	}

	if errors.Is(err, types.ErrOutOfMem) {
		// Escape to the host for more memory. A handler that knows the
		// faulting IPA has already posted a precise request and this
		// PostRequest is a no-op; otherwise ask for a batch refill.
		vcpu.PostRequest(types.HypRequestMap, 0, topupBatchPages*types.PageSize)
		vcpu.RewindPC()
		topupExitsMetric.Inc()
		return types.ExitHypRequest
	}

	writeReturn(vcpu, err, data[0], data[1], data[2])
	return types.ExitHandled
}

// writeReturn folds err into the wire return code in r0 and stores the data
// words in r1..r3. No driver error ever reaches the guest verbatim.
func writeReturn(vcpu *types.VCPU, err error, data ...uint64) {
	code := wireCode(err)
	if code != WireSuccess {
		failuresMetric.WithLabelValues(wireCodeName(code)).Inc()
		virtLog.WithField("vm", vcpu.VM).WithError(err).Debug("hypercall failed")
	}

	vcpu.Regs[0] = uint64(code)
	for i := 1; i < 4; i++ {
		vcpu.Regs[i] = 0
	}
	for i, d := range data {
		vcpu.Regs[i+1] = d
	}
}

func wireCode(err error) int64 {
	switch {
	case err == nil:
		return WireSuccess
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrDenied),
		errors.Is(err, types.ErrBusy),
		errors.Is(err, types.ErrInvalidParam):
		return WireInvalidParam
	case errors.Is(err, types.ErrUnsupported):
		return WireNotSupported
	default:
		// The safe default for anything unexpected.
		return WireNotSupported
	}
}

func wireCodeName(code int64) string {
	switch code {
	case WireSuccess:
		return "success"
	case WireNotSupported:
		return "not_supported"
	case WireNotRequired:
		return "not_required"
	case WireInvalidParam:
		return "invalid_param"
	default:
		return "unknown"
	}
}

func funcName(fid uint64) string {
	switch fid {
	case FuncMap:
		return "map"
	case FuncUnmap:
		return "unmap"
	case FuncAttachDev:
		return "attach_dev"
	case FuncDetachDev:
		return "detach_dev"
	case FuncVersion:
		return "version"
	case FuncGetFeature:
		return "get_feature"
	case FuncAllocDomain:
		return "alloc_domain"
	case FuncFreeDomain:
		return "free_domain"
	case FuncDevReqDMA:
		return "dev_req_dma"
	default:
		return "unknown"
	}
}

// asInvalidParam demotes driver failures to the invalid-parameter wire code
// while letting the out-of-memory escape through untouched.
func asInvalidParam(err error) error {
	if err == nil || errors.Is(err, types.ErrOutOfMem) || errors.Is(err, types.ErrInvalidParam) {
		return err
	}
	return errors.Wrap(types.ErrInvalidParam, err.Error())
}

func protFromWire(wire uint64) (iommu.Prot, error) {
	if wire&^uint64(wireProtMask) != 0 {
		return 0, errors.Wrapf(types.ErrInvalidParam, "prot %#x has unknown bits", wire)
	}

	var prot iommu.Prot
	for _, m := range []struct {
		wire uint64
		prot iommu.Prot
	}{
		{WireProtRead, iommu.ProtRead},
		{WireProtWrite, iommu.ProtWrite},
		{WireProtCache, iommu.ProtCache},
		{WireProtNoExec, iommu.ProtNoExec},
		{WireProtMMIO, iommu.ProtMMIO},
		{WireProtPriv, iommu.ProtPriv},
	} {
		if wire&m.wire != 0 {
			prot |= m.prot
		}
	}
	return prot, nil
}

func (p *PVIOMMU) getFeature(viommuID, feature uint64) (uint64, error) {
	switch feature {
	case FeaturePgsizeBitmap:
		return types.PageSize, nil
	default:
		return 0, errors.Wrapf(types.ErrInvalidParam, "feature %#x", feature)
	}
}

func (p *PVIOMMU) allocDomain(vm *VM) (uint64, error) {
	id, err := p.allocator.Alloc()
	if err != nil {
		return 0, err
	}

	if err := p.driver.AllocDomain(&vm.pool, id, iommu.DomainUnmanaged); err != nil {
		p.allocator.Free(id)
		return 0, asInvalidParam(err)
	}

	vm.addDomain(id)
	guestDomainsMetric.Inc()
	return uint64(id), nil
}

func (p *PVIOMMU) freeDomain(vm *VM, arg uint64) error {
	domainID := uint32(arg)
	if !vm.ownsDomain(domainID) {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x not owned by VM %d", domainID, vm.id)
	}

	// The driver refuses while mappings or attachments remain; the ID bit
	// is only released once it agrees the domain is gone.
	if err := p.driver.FreeDomain(domainID); err != nil {
		return asInvalidParam(err)
	}

	vm.delDomain(domainID)
	p.allocator.Free(domainID)
	guestDomainsMetric.Dec()
	return nil
}

func (p *PVIOMMU) attachDev(vm *VM, vcpu *types.VCPU) error {
	viommuID := uint32(vcpu.Regs[1])
	vsid := uint32(vcpu.Regs[2])
	pasid := uint32(vcpu.Regs[3])
	domainID := uint32(vcpu.Regs[4])
	pasidBits := uint32(vcpu.Regs[5])

	if !vm.ownsDomain(domainID) {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x not owned by VM %d", domainID, vm.id)
	}
	ep, err := vm.route.Route(viommuID, vsid)
	if err != nil {
		return err
	}

	owner := vm.id
	guard, err := p.registry.LockEndpoint(ep.IOMMUID, ep.SID, &owner)
	if err != nil {
		return err
	}
	defer guard.Unlock()

	return asInvalidParam(p.driver.AttachDev(&vm.pool, ep.IOMMUID, domainID, ep.SID, pasid, pasidBits))
}

func (p *PVIOMMU) detachDev(vm *VM, vcpu *types.VCPU) error {
	viommuID := uint32(vcpu.Regs[1])
	vsid := uint32(vcpu.Regs[2])
	pasid := uint32(vcpu.Regs[3])
	domainID := uint32(vcpu.Regs[4])

	if !vm.ownsDomain(domainID) {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x not owned by VM %d", domainID, vm.id)
	}
	ep, err := vm.route.Route(viommuID, vsid)
	if err != nil {
		return err
	}

	owner := vm.id
	guard, err := p.registry.LockEndpoint(ep.IOMMUID, ep.SID, &owner)
	if err != nil {
		return err
	}
	defer guard.Unlock()

	// Detach never allocates, so there is no top-up path here.
	return asInvalidParam(p.driver.DetachDev(ep.IOMMUID, domainID, ep.SID, pasid))
}

// mapPages installs pgcount translations one page at a time, resolving each
// guest IPA through the stage-2 walker. Per-page resolution is the point:
// the hypervisor never trusts the guest's claim of physical contiguity.
// The running byte count is returned to the guest in r1 even on failure, so
// a well-behaved guest can retry the unmapped suffix.
func (p *PVIOMMU) mapPages(vm *VM, vcpu *types.VCPU) (uint64, error) {
	domainID := uint32(vcpu.Regs[1])
	iova := vcpu.Regs[2]
	ipa := vcpu.Regs[3]
	pgsize := vcpu.Regs[4]
	pgcount := vcpu.Regs[5]
	wireProt := vcpu.Regs[6]

	if pgsize != types.PageSize {
		return 0, errors.Wrapf(types.ErrInvalidParam, "pgsize %#x", pgsize)
	}
	if iova%pgsize != 0 || ipa%pgsize != 0 {
		return 0, errors.Wrapf(types.ErrInvalidParam, "unaligned iova %#x or ipa %#x", iova, ipa)
	}
	if !vm.ownsDomain(domainID) {
		return 0, errors.Wrapf(types.ErrInvalidParam, "domain %#x not owned by VM %d", domainID, vm.id)
	}
	prot, err := protFromWire(wireProt)
	if err != nil {
		return 0, err
	}

	var total uint64
	for i := uint64(0); i < pgcount; i++ {
		pte, _, werr := vm.walker.GetLeaf(ipa)
		if werr != nil || !pte.Valid() {
			// The guest page is not backed yet. Fault the guest out
			// with a request for the remaining range; it re-executes
			// this hypercall once the host has provided the memory.
			vcpu.PostRequest(types.HypRequestMap, ipa, (pgcount-i)*pgsize)
			return total, errors.Wrapf(types.ErrOutOfMem, "ipa %#x not backed at stage-2", ipa)
		}

		mapped, merr := p.driver.MapPages(&vm.pool, domainID, iova, pte.PA(), pgsize, 1, prot)
		if mapped == 0 {
			if errors.Is(merr, types.ErrOutOfMem) || vcpu.PendingRequest() != nil {
				return total, errors.Wrapf(types.ErrOutOfMem, "map of iova %#x", iova)
			}
			if merr == nil {
				merr = errors.Errorf("driver mapped nothing at iova %#x", iova)
			}
			return total, asInvalidParam(merr)
		}

		iova += pgsize
		ipa += pgsize
		total += mapped
	}
	return total, nil
}

func (p *PVIOMMU) unmapPages(vm *VM, vcpu *types.VCPU) (uint64, error) {
	domainID := uint32(vcpu.Regs[1])
	iova := vcpu.Regs[2]
	pgsize := vcpu.Regs[3]
	pgcount := vcpu.Regs[4]

	if pgsize != types.PageSize {
		return 0, errors.Wrapf(types.ErrInvalidParam, "pgsize %#x", pgsize)
	}
	if !vm.ownsDomain(domainID) {
		return 0, errors.Wrapf(types.ErrInvalidParam, "domain %#x not owned by VM %d", domainID, vm.id)
	}

	unmapped, err := p.driver.UnmapPages(domainID, iova, pgsize, pgcount)
	if errors.Is(err, types.ErrOutOfMem) {
		return unmapped, err
	}
	if unmapped < pgsize*pgcount && vcpu.PendingRequest() == nil {
		if err == nil {
			err = errors.Errorf("unmapped %#x of %#x bytes", unmapped, pgsize*pgcount)
		}
		return unmapped, asInvalidParam(err)
	}
	return unmapped, nil
}

// devReqDMA returns the 128-bit identity token of the device behind a guest
// endpoint, for the guest firmware to cross-check against the platform
// attestation channel. The only bidirectional-identity call in the ABI.
func (p *PVIOMMU) devReqDMA(vm *VM, vcpu *types.VCPU) (uint64, uint64, error) {
	viommuID := uint32(vcpu.Regs[1])
	vsid := uint32(vcpu.Regs[2])

	ep, err := vm.route.Route(viommuID, vsid)
	if err != nil {
		return 0, 0, err
	}

	owner := vm.id
	guard, err := p.registry.LockEndpoint(ep.IOMMUID, ep.SID, &owner)
	if err != nil {
		return 0, 0, err
	}
	defer guard.Unlock()

	token := guard.Device().DMAToken
	return token[0], token[1], nil
}
