// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package iommu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

// MockDriver is an in-memory Driver used by tests. It keeps real per-domain
// bookkeeping (attachments, mappings, table pages) so that invariants such as
// "a domain must be empty before free" behave the way hardware drivers do,
// and it charges the memory pool like a real io-pgtable: one page per
// domain root, one per endpoint context, one per last-level table.
type MockDriver struct {
	mu      sync.Mutex
	iommus  []PhysicalIOMMU
	domains map[uint32]*mockDomain

	// OOMNextMap forces the next n MapPages calls to fail with
	// types.ErrOutOfMem before touching any state, regardless of the
	// pool. Used to script the memory-top-up escape.
	OOMNextMap int

	// AttachErr, when non-nil, is returned (once) by the next AttachDev.
	AttachErr error
}

type mockEndpoint struct {
	iommuID uint32
	sid     uint32
	pasid   uint32
}

type mockDomain struct {
	typ      DomainType
	attached map[mockEndpoint]struct{}
	mappings map[uint64]mockMapping
	tables   map[uint64]struct{}
}

type mockMapping struct {
	pa   uint64
	prot Prot
}

// mockTableSpan is the IOVA range one last-level table covers.
const mockTableSpan = types.PageSize * 512

// NewMockDriver returns a mock controlling the given IOMMU instances.
func NewMockDriver(iommus ...PhysicalIOMMU) *MockDriver {
	if len(iommus) == 0 {
		iommus = []PhysicalIOMMU{{ID: 0, PageSizeBitmap: types.PageSize}}
	}
	return &MockDriver{
		iommus:  iommus,
		domains: make(map[uint32]*mockDomain),
	}
}

func init() {
	Register("mock", func() (Driver, error) {
		return NewMockDriver(), nil
	})
}

// AllocDomain implements Driver.
func (m *MockDriver) AllocDomain(pool *types.MemPool, domainID uint32, t DomainType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[domainID]; ok {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x exists", domainID)
	}
	if !pool.Alloc(1) {
		return types.ErrOutOfMem
	}
	m.domains[domainID] = &mockDomain{
		typ:      t,
		attached: make(map[mockEndpoint]struct{}),
		mappings: make(map[uint64]mockMapping),
		tables:   make(map[uint64]struct{}),
	}
	return nil
}

// FreeDomain implements Driver. It refuses while the domain still has
// attached devices or live mappings.
func (m *MockDriver) FreeDomain(domainID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.domains[domainID]
	if !ok {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x unknown", domainID)
	}
	if len(d.attached) != 0 || len(d.mappings) != 0 {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x not empty", domainID)
	}
	delete(m.domains, domainID)
	return nil
}

// AttachDev implements Driver.
func (m *MockDriver) AttachDev(pool *types.MemPool, iommuID, domainID, sid, pasid, pasidBits uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.AttachErr; err != nil {
		m.AttachErr = nil
		return err
	}
	d, ok := m.domains[domainID]
	if !ok {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x unknown", domainID)
	}
	ep := mockEndpoint{iommuID: iommuID, sid: sid, pasid: pasid}
	if _, ok := d.attached[ep]; ok {
		return errors.Wrapf(types.ErrInvalidParam, "endpoint %v already attached", ep)
	}
	if !pool.Alloc(1) {
		return types.ErrOutOfMem
	}
	d.attached[ep] = struct{}{}
	return nil
}

// DetachDev implements Driver.
func (m *MockDriver) DetachDev(iommuID, domainID, sid, pasid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.domains[domainID]
	if !ok {
		return errors.Wrapf(types.ErrInvalidParam, "domain %#x unknown", domainID)
	}
	ep := mockEndpoint{iommuID: iommuID, sid: sid, pasid: pasid}
	if _, ok := d.attached[ep]; !ok {
		return errors.Wrapf(types.ErrInvalidParam, "endpoint %v not attached", ep)
	}
	delete(d.attached, ep)
	return nil
}

// MapPages implements Driver. Remapping an already-mapped IOVA to the same
// PA succeeds, which keeps a transparently re-executed MAP hypercall
// idempotent.
func (m *MockDriver) MapPages(pool *types.MemPool, domainID uint32, iova, pa, pgsize, pgcount uint64, prot Prot) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OOMNextMap > 0 {
		m.OOMNextMap--
		return 0, types.ErrOutOfMem
	}
	if pgsize != types.PageSize {
		return 0, errors.Wrapf(types.ErrInvalidParam, "pgsize %#x", pgsize)
	}
	d, ok := m.domains[domainID]
	if !ok {
		return 0, errors.Wrapf(types.ErrInvalidParam, "domain %#x unknown", domainID)
	}

	var mapped uint64
	for i := uint64(0); i < pgcount; i++ {
		table := iova / mockTableSpan
		if _, ok := d.tables[table]; !ok {
			if !pool.Alloc(1) {
				return mapped, types.ErrOutOfMem
			}
			d.tables[table] = struct{}{}
		}
		if prev, ok := d.mappings[iova]; ok && prev.pa != pa {
			return mapped, errors.Wrapf(types.ErrInvalidParam, "iova %#x already mapped", iova)
		}
		d.mappings[iova] = mockMapping{pa: pa, prot: prot}
		iova += pgsize
		pa += pgsize
		mapped += pgsize
	}
	return mapped, nil
}

// UnmapPages implements Driver. Unmapping stops at the first hole and
// reports the bytes removed up to it.
func (m *MockDriver) UnmapPages(domainID uint32, iova, pgsize, pgcount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pgsize != types.PageSize {
		return 0, errors.Wrapf(types.ErrInvalidParam, "pgsize %#x", pgsize)
	}
	d, ok := m.domains[domainID]
	if !ok {
		return 0, errors.Wrapf(types.ErrInvalidParam, "domain %#x unknown", domainID)
	}

	var unmapped uint64
	for i := uint64(0); i < pgcount; i++ {
		if _, ok := d.mappings[iova]; !ok {
			break
		}
		delete(d.mappings, iova)
		iova += pgsize
		unmapped += pgsize
	}
	return unmapped, nil
}

// IOVAToPhys implements Driver.
func (m *MockDriver) IOVAToPhys(domainID uint32, iova uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.domains[domainID]
	if !ok {
		return 0, errors.Wrapf(types.ErrNotFound, "domain %#x", domainID)
	}
	mapping, ok := d.mappings[iova]
	if !ok {
		return 0, errors.Wrapf(types.ErrNotFound, "iova %#x", iova)
	}
	return mapping.pa, nil
}

// IOMMUs implements Driver.
func (m *MockDriver) IOMMUs() []PhysicalIOMMU {
	return m.iommus
}

// Mappings returns the number of live translations in a domain. Test helper.
func (m *MockDriver) Mappings(domainID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok {
		return 0
	}
	return len(d.mappings)
}
