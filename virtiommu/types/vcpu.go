// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import "sync"

// NumRegs is the number of guest registers the hypercall ABI touches.
// The function ID arrives in register 0, arguments in 1..6; return values
// are written back to registers 0..3.
const NumRegs = 8

// VCPU models the register and request state of a trapping vCPU that the
// dispatcher needs. The dispatcher runs synchronously on the trapping core,
// so none of this state is shared and none of it is locked.
type VCPU struct {
	// VM is the guest this vCPU belongs to.
	VM VMID

	// Regs are the guest general-purpose registers visible to the
	// hypercall ABI.
	Regs [NumRegs]uint64

	// PC is the guest program counter at the trap.
	PC uint64

	// Memcache is the pool of pages the host pre-deposited for this
	// vCPU's near-term hypervisor allocations. Drained into the VM's
	// IOMMU pool at every dispatch entry.
	Memcache Memcache

	// pending is the one outstanding hyp-request record, nil when none.
	pending *HypRequest
}

// PostRequest reserves a hyp-request record. If one is already pending it is
// left in place: the earlier request describes memory the host still has not
// provided, and replacing it could let the guest observe a partial result.
func (v *VCPU) PostRequest(t HypRequestType, ipa, size uint64) {
	if v.pending != nil {
		return
	}
	v.pending = &HypRequest{Type: t, IPA: ipa, Size: size}
}

// PendingRequest returns the outstanding request, nil when none.
func (v *VCPU) PendingRequest() *HypRequest {
	return v.pending
}

// AckRequest is called by the host once it has serviced the pending request.
// Only then may the guest make forward progress on the rewound hypercall.
func (v *VCPU) AckRequest() {
	v.pending = nil
}

// RewindPC steps the guest back over the hypercall instruction so the same
// call re-executes transparently on the next guest entry.
func (v *VCPU) RewindPC() {
	v.PC -= HvcInstructionSize
}

// Memcache is the per-vCPU page deposit the host tops up from its own
// allocator. It is only ever touched by the host vCPU thread and the
// dispatcher running on that same core, so it carries no lock.
type Memcache struct {
	pages uint64
}

// Topup adds pages to the memcache. Called by the host when servicing a
// memory-top-up request, before re-entering the guest.
func (m *Memcache) Topup(pages uint64) {
	m.pages += pages
}

// Drain removes and returns every page currently deposited.
func (m *Memcache) Drain() uint64 {
	n := m.pages
	m.pages = 0
	return n
}

// Pages returns the current deposit without draining it.
func (m *Memcache) Pages() uint64 {
	return m.pages
}

// MemPool is a VM's IOMMU memory pool. The underlying driver draws page-table
// pages from here; the dispatcher refills it from the trapping vCPU's
// memcache before invoking any handler, which keeps driver allocations from
// ever reaching back into the host while hypervisor locks are held.
// Unlike the memcache, the pool is shared by every vCPU of the VM.
type MemPool struct {
	mu    sync.Mutex
	pages uint64
}

// Grow adds pages to the pool.
func (p *MemPool) Grow(pages uint64) {
	p.mu.Lock()
	p.pages += pages
	p.mu.Unlock()
}

// Alloc takes n pages from the pool, reporting whether enough were present.
// On failure the pool is left untouched.
func (p *MemPool) Alloc(n uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pages < n {
		return false
	}
	p.pages -= n
	return true
}

// Free returns n pages to the pool.
func (p *MemPool) Free(n uint64) {
	p.Grow(n)
}

// Pages returns the number of pages currently available.
func (p *MemPool) Pages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}
