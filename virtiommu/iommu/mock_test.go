// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package iommu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

func newPool(pages uint64) *types.MemPool {
	pool := &types.MemPool{}
	pool.Grow(pages)
	return pool
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	// The mock registers itself at init.
	assert.Contains(Drivers(), "mock")

	drv, err := New("mock")
	assert.NoError(err)
	assert.NotNil(drv)

	_, err = New("no-such-driver")
	assert.ErrorIs(err, types.ErrNotFound)
}

func TestDomainLifecycle(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(8)

	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))
	assert.ErrorIs(m.AllocDomain(pool, 100, DomainUnmanaged), types.ErrInvalidParam)

	// A domain with live state cannot be freed.
	mapped, err := m.MapPages(pool, 100, 0x1000, 0x90000000, types.PageSize, 1, ProtRead)
	assert.NoError(err)
	assert.Equal(uint64(types.PageSize), mapped)
	assert.ErrorIs(m.FreeDomain(100), types.ErrInvalidParam)

	unmapped, err := m.UnmapPages(100, 0x1000, types.PageSize, 1)
	assert.NoError(err)
	assert.Equal(uint64(types.PageSize), unmapped)
	assert.NoError(m.FreeDomain(100))

	assert.ErrorIs(m.FreeDomain(100), types.ErrInvalidParam)
}

func TestAllocDomainOOM(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(0)

	assert.ErrorIs(m.AllocDomain(pool, 100, DomainUnmanaged), types.ErrOutOfMem)

	pool.Grow(1)
	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))
	assert.Zero(pool.Pages())
}

func TestMapTableAccounting(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(2)

	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))

	// One table page covers the whole first chunk; the second page of the
	// pool goes to it, then the pool is dry but mapping within the same
	// chunk keeps succeeding.
	for i := uint64(0); i < 4; i++ {
		mapped, err := m.MapPages(pool, 100, i*types.PageSize, 0x90000000+i*types.PageSize,
			types.PageSize, 1, ProtRead|ProtWrite)
		assert.NoError(err)
		assert.Equal(uint64(types.PageSize), mapped)
	}
	assert.Zero(pool.Pages())

	// Crossing into a new chunk needs a new table and fails dry.
	mapped, err := m.MapPages(pool, 100, mockTableSpan, 0x98000000, types.PageSize, 1, ProtRead)
	assert.ErrorIs(err, types.ErrOutOfMem)
	assert.Zero(mapped)
}

func TestMapConflict(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(8)

	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))

	_, err := m.MapPages(pool, 100, 0x1000, 0x90000000, types.PageSize, 1, ProtRead)
	assert.NoError(err)

	// Same IOVA, same PA: idempotent remap for re-executed hypercalls.
	mapped, err := m.MapPages(pool, 100, 0x1000, 0x90000000, types.PageSize, 1, ProtRead)
	assert.NoError(err)
	assert.Equal(uint64(types.PageSize), mapped)

	// Same IOVA, different PA: refused.
	_, err = m.MapPages(pool, 100, 0x1000, 0xa0000000, types.PageSize, 1, ProtRead)
	assert.ErrorIs(err, types.ErrInvalidParam)
}

func TestAttachDetach(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(8)

	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))
	assert.NoError(m.AttachDev(pool, 0, 100, 0x40, 0, 0))
	assert.ErrorIs(m.AttachDev(pool, 0, 100, 0x40, 0, 0), types.ErrInvalidParam)

	assert.ErrorIs(m.FreeDomain(100), types.ErrInvalidParam)
	assert.NoError(m.DetachDev(0, 100, 0x40, 0))
	assert.NoError(m.FreeDomain(100))
}

func TestIOVAToPhys(t *testing.T) {
	assert := assert.New(t)
	m := NewMockDriver()
	pool := newPool(8)

	assert.NoError(m.AllocDomain(pool, 100, DomainUnmanaged))
	_, err := m.MapPages(pool, 100, 0x1000, 0x90000000, types.PageSize, 1, ProtRead)
	assert.NoError(err)

	pa, err := m.IOVAToPhys(100, 0x1000)
	assert.NoError(err)
	assert.Equal(uint64(0x90000000), pa)

	_, err = m.IOVAToPhys(100, 0x2000)
	assert.ErrorIs(err, types.ErrNotFound)
}
