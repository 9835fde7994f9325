// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtiommu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confidential-containers/pviommu/virtiommu/device/api"
	"github.com/confidential-containers/pviommu/virtiommu/device/config"
	"github.com/confidential-containers/pviommu/virtiommu/device/manager"
	"github.com/confidential-containers/pviommu/virtiommu/domain"
	"github.com/confidential-containers/pviommu/virtiommu/iommu"
	"github.com/confidential-containers/pviommu/virtiommu/types"
)

const (
	testVM      = types.VMID(1)
	testDevBase = uint64(0x10000000)
	testPC      = uint64(0xffff0000)
)

type fakeWalker struct {
	leaves map[uint64]uint64 // ipa page -> pa page base
}

func (w *fakeWalker) GetLeaf(ipa uint64) (types.PTE, int, error) {
	pa, ok := w.leaves[ipa&^uint64(types.PageSize-1)]
	if !ok {
		return 0, 3, nil
	}
	return types.PTE(pa | 1), 3, nil
}

type testCore struct {
	p      *PVIOMMU
	vm     *VM
	driver *iommu.MockDriver
	donor  *api.MockDonor
	walker *fakeWalker
}

func newTestCore(t *testing.T) *testCore {
	driver := iommu.NewMockDriver(iommu.PhysicalIOMMU{ID: 0, PageSizeBitmap: 0x55000 | types.PageSize})
	donor := api.NewMockDonor()
	dm := manager.NewDeviceManager(donor)
	p := New(driver, dm)

	walker := &fakeWalker{leaves: make(map[uint64]uint64)}
	vm, err := p.CreateVM(testVM, walker)
	assert.NoError(t, err)

	assert.NoError(t, p.RegisterDevice(config.DeviceInfo{
		Name:      "0000:01:00.0",
		GroupID:   1,
		Resources: []config.MMIORange{{Base: testDevBase, Size: types.PageSize}},
		Endpoints: []config.Endpoint{{IOMMUID: 0, SID: 0x40}},
		DMAToken:  [2]uint64{0xfeedf00d, 0xdeadbeef},
	}))

	assert.NoError(t, p.AttachVIOMMU(testVM, 0))
	assert.NoError(t, p.AddVSID(testVM, 0, 7, 0, 0x40))
	assert.NoError(t, p.FinaliseVM(testVM))

	return &testCore{p: p, vm: vm, driver: driver, donor: donor, walker: walker}
}

// call runs one hypercall on a fresh vCPU with a generous memcache deposit.
func (tc *testCore) call(t *testing.T, fid uint64, args ...uint64) *types.VCPU {
	vcpu := tc.vcpu(args...)
	vcpu.Regs[0] = fid
	vcpu.Memcache.Topup(64)
	exit := tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(t, types.ExitHandled, exit)
	assert.Equal(t, testPC, vcpu.PC)
	return vcpu
}

func (tc *testCore) vcpu(args ...uint64) *types.VCPU {
	vcpu := &types.VCPU{VM: testVM, PC: testPC}
	for i, a := range args {
		vcpu.Regs[i+1] = a
	}
	return vcpu
}

// assignDevice walks the device's MMIO into guest hands so that IOMMU ops
// against its endpoint pass the ownership gate.
func (tc *testCore) assignDevice(t *testing.T) {
	reg := tc.p.Registry()
	assert.NoError(t, reg.HostAssignMMIO(testDevBase>>types.PageShift))
	assert.NoError(t, reg.MapGuestMMIO(&types.VCPU{VM: testVM}, testDevBase>>types.PageShift, 0x8000))
}

func wire(vcpu *types.VCPU) int64 {
	return int64(vcpu.Regs[0])
}

func TestVersion(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncVersion)
	assert.Equal(WireSuccess, wire(vcpu))
	assert.Equal(uint64(0x1000), vcpu.Regs[1])
}

func TestGetFeature(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncGetFeature, 0, FeaturePgsizeBitmap)
	assert.Equal(WireSuccess, wire(vcpu))
	// Only the smallest granule, never the physical IOMMU's bitmap.
	assert.Equal(uint64(types.PageSize), vcpu.Regs[1])

	vcpu = tc.call(t, FuncGetFeature, 0, 0x99)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestUnknownFunction(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, 0xC60000FF)
	assert.Equal(WireNotSupported, wire(vcpu))
}

func TestUnknownVM(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := &types.VCPU{VM: 99, PC: testPC}
	vcpu.Regs[0] = FuncVersion
	exit := tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(types.ExitHandled, exit)
	assert.Equal(WireNotSupported, wire(vcpu))
}

func TestAllocFreeRoundtrip(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncAllocDomain)
	assert.Equal(WireSuccess, wire(vcpu))
	d := vcpu.Regs[1]
	assert.GreaterOrEqual(d, uint64(domain.GuestBase))

	vcpu = tc.call(t, FuncFreeDomain, d)
	assert.Equal(WireSuccess, wire(vcpu))

	// The domain is gone; a second free must be refused.
	vcpu = tc.call(t, FuncFreeDomain, d)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestAllocDomainOOM(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	// No memcache deposit at all: the driver cannot get its root table.
	vcpu := tc.vcpu()
	vcpu.Regs[0] = FuncAllocDomain
	exit := tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(types.ExitHypRequest, exit)
	assert.Equal(testPC-types.HvcInstructionSize, vcpu.PC)
	assert.NotNil(vcpu.PendingRequest())

	// The ID reserved during the failed attempt was released: after the
	// host tops up, re-execution gets the same lowest ID.
	vcpu.AckRequest()
	vcpu.Memcache.Topup(8)
	exit = tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(types.ExitHandled, exit)
	assert.Equal(WireSuccess, wire(vcpu))
	assert.Equal(uint64(domain.GuestBase), vcpu.Regs[1])
}

func TestFreeForeignDomain(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	// A domain ID this VM never allocated, host half included.
	vcpu := tc.call(t, FuncFreeDomain, 5)
	assert.Equal(WireInvalidParam, wire(vcpu))

	vcpu = tc.call(t, FuncFreeDomain, uint64(domain.GuestBase+7))
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestAttachWithoutRoute(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncAttachDev, 9, 9, 0, d, 0)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestAttachDetach(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)
	tc.assignDevice(t)

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncAttachDev, 0, 7, 0, d, 0)
	assert.Equal(WireSuccess, wire(vcpu))

	// The domain has an attached endpoint now, so freeing is refused.
	vcpu = tc.call(t, FuncFreeDomain, d)
	assert.Equal(WireInvalidParam, wire(vcpu))

	vcpu = tc.call(t, FuncDetachDev, 0, 7, 0, d)
	assert.Equal(WireSuccess, wire(vcpu))

	vcpu = tc.call(t, FuncFreeDomain, d)
	assert.Equal(WireSuccess, wire(vcpu))
}

func TestAttachDeniedWithoutOwnership(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	// The route exists but the device is still host side.
	vcpu = tc.call(t, FuncAttachDev, 0, 7, 0, d, 0)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestMapBadPgsize(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncMap, d, 0x1000, 0x20000, 0x10000, 1, WireProtRead|WireProtWrite)
	assert.Equal(WireInvalidParam, wire(vcpu))
	assert.Zero(vcpu.Regs[1])
}

func TestMapUnmap(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	for i := uint64(0); i < 4; i++ {
		tc.walker.leaves[0x20000000+i*types.PageSize] = 0x90000000 + i*types.PageSize
	}

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncMap, d, 0x1000, 0x20000000, types.PageSize, 4, WireProtRead|WireProtWrite)
	assert.Equal(WireSuccess, wire(vcpu))
	assert.Equal(uint64(4*types.PageSize), vcpu.Regs[1])
	assert.Equal(4, tc.driver.Mappings(uint32(d)))

	vcpu = tc.call(t, FuncUnmap, d, 0x1000, types.PageSize, 4)
	assert.Equal(WireSuccess, wire(vcpu))
	assert.Equal(uint64(4*types.PageSize), vcpu.Regs[1])
	assert.Equal(0, tc.driver.Mappings(uint32(d)))
}

func TestMapUnbackedIPA(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	tc.walker.leaves[0x20000000] = 0x90000000
	// Page 2 of 3 is not backed.
	tc.walker.leaves[0x20002000] = 0x90002000

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	mapCall := tc.vcpu(d, 0x1000, 0x20000000, types.PageSize, 3, WireProtRead)
	mapCall.Regs[0] = FuncMap
	mapCall.Memcache.Topup(8)
	exit := tc.p.Dispatch(context.Background(), mapCall)
	assert.Equal(types.ExitHypRequest, exit)
	assert.Equal(testPC-types.HvcInstructionSize, mapCall.PC)

	// The request names the faulting IPA and the unmapped remainder.
	req := mapCall.PendingRequest()
	assert.NotNil(req)
	assert.Equal(types.HypRequestMap, req.Type)
	assert.Equal(uint64(0x20001000), req.IPA)
	assert.Equal(uint64(2*types.PageSize), req.Size)

	// Host backs the page and re-enters; the whole call re-executes and
	// completes.
	tc.walker.leaves[0x20001000] = 0x90001000
	mapCall.AckRequest()
	mapCall.PC = testPC
	exit = tc.p.Dispatch(context.Background(), mapCall)
	assert.Equal(types.ExitHandled, exit)
	assert.Equal(WireSuccess, wire(mapCall))
	assert.Equal(uint64(3*types.PageSize), mapCall.Regs[1])
}

func TestMapOOMThenRetry(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	tc.walker.leaves[0x20000000] = 0x90000000
	tc.walker.leaves[0x20001000] = 0x90001000

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	// Script the driver to fail its first map allocation.
	tc.driver.OOMNextMap = 1

	mapCall := tc.vcpu(d, 0x1000, 0x20000000, types.PageSize, 2, WireProtRead|WireProtWrite)
	mapCall.Regs[0] = FuncMap
	mapCall.Memcache.Topup(8)
	exit := tc.p.Dispatch(context.Background(), mapCall)
	assert.Equal(types.ExitHypRequest, exit)
	assert.Equal(testPC-types.HvcInstructionSize, mapCall.PC)
	assert.NotNil(mapCall.PendingRequest())

	// Host tops up and re-enters; the guest re-executes the hypercall
	// and observes nothing unusual.
	mapCall.AckRequest()
	mapCall.Memcache.Topup(8)
	mapCall.PC = testPC
	exit = tc.p.Dispatch(context.Background(), mapCall)
	assert.Equal(types.ExitHandled, exit)
	assert.Equal(WireSuccess, wire(mapCall))
	assert.Equal(uint64(2*types.PageSize), mapCall.Regs[1])
	assert.Equal(2, tc.driver.Mappings(uint32(d)))
}

func TestStaleRequestReexits(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	vcpu := tc.vcpu()
	vcpu.Regs[0] = FuncVersion
	vcpu.PostRequest(types.HypRequestMap, 0x20000000, types.PageSize)

	// The host never serviced the request; the dispatcher must not run
	// the handler and must re-exit.
	exit := tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(types.ExitHypRequest, exit)
	assert.Equal(testPC-types.HvcInstructionSize, vcpu.PC)
	assert.NotNil(vcpu.PendingRequest())
}

func TestMapUnknownProtBits(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	tc.walker.leaves[0x20000000] = 0x90000000
	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncMap, d, 0x1000, 0x20000000, types.PageSize, 1, 0x8000)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestUnmapPartialNoRequest(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	tc.walker.leaves[0x20000000] = 0x90000000

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]

	vcpu = tc.call(t, FuncMap, d, 0x1000, 0x20000000, types.PageSize, 1, WireProtRead)
	assert.Equal(WireSuccess, wire(vcpu))

	// Asking to unmap two pages when only one is mapped comes back short
	// with no pending request, so the guest is told InvalidParam; the one
	// unmapped page is still reported.
	vcpu = tc.call(t, FuncUnmap, d, 0x1000, types.PageSize, 2)
	assert.Equal(WireInvalidParam, wire(vcpu))
	assert.Equal(uint64(types.PageSize), vcpu.Regs[1])
}

func TestDevReqDMA(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)
	tc.assignDevice(t)

	vcpu := tc.call(t, FuncDevReqDMA, 0, 7)
	assert.Equal(WireSuccess, wire(vcpu))
	assert.Equal(uint64(0xfeedf00d), vcpu.Regs[1])
	assert.Equal(uint64(0xdeadbeef), vcpu.Regs[2])
}

func TestDevReqDMADenied(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)

	// Device not assigned to this VM.
	vcpu := tc.call(t, FuncDevReqDMA, 0, 7)
	assert.Equal(WireInvalidParam, wire(vcpu))

	// No route at all.
	vcpu = tc.call(t, FuncDevReqDMA, 3, 3)
	assert.Equal(WireInvalidParam, wire(vcpu))
}

func TestDestroyVM(t *testing.T) {
	assert := assert.New(t)
	tc := newTestCore(t)
	tc.assignDevice(t)

	vcpu := tc.call(t, FuncAllocDomain)
	d := vcpu.Regs[1]
	vcpu = tc.call(t, FuncAttachDev, 0, 7, 0, d, 0)
	assert.Equal(WireSuccess, wire(vcpu))
	vcpu = tc.call(t, FuncDetachDev, 0, 7, 0, d)
	assert.Equal(WireSuccess, wire(vcpu))

	assert.NoError(tc.p.DestroyVM(context.Background(), testVM))

	// Device back to host side, VM gone from the core.
	_, owned, err := tc.p.Registry().Owner("0000:01:00.0")
	assert.NoError(err)
	assert.False(owned)

	vcpu = &types.VCPU{VM: testVM, PC: testPC}
	vcpu.Regs[0] = FuncVersion
	tc.p.Dispatch(context.Background(), vcpu)
	assert.Equal(WireNotSupported, wire(vcpu))
}
