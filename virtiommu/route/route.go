// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package route

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

const (
	// MaxVIOMMUs is the default cap on virtual IOMMUs per VM.
	MaxVIOMMUs = 8

	// MaxSIDsPerVIOMMU is the default cap on vSID entries per virtual
	// IOMMU.
	MaxSIDsPerVIOMMU = 64
)

var routeLog = logrus.WithField("subsystem", "route")

// SetLogger sets the logger for the route package.
func SetLogger(logger *logrus.Entry) {
	fields := routeLog.Data
	routeLog = logger.WithFields(fields)
}

// Endpoint is a physical (iommu, sid) pair, the result of routing a
// guest-visible (viommu, vsid) pair.
type Endpoint struct {
	IOMMUID uint32
	SID     uint32
}

type key struct {
	viommu uint32
	vsid   uint32
}

// Table maps a VM's (viommu, vsid) pairs to physical endpoints. The host
// populates it before guest launch and seals it with Finalise; from then on
// it is read-only for the lifetime of the VM and lookups take no lock.
type Table struct {
	mu        sync.Mutex
	finalised atomic.Bool

	maxVIOMMUs int
	maxSIDs    int

	viommus map[uint32]int // viommu id -> entry count
	entries map[key]Endpoint
}

// NewTable returns a table with the default limits.
func NewTable() *Table {
	return NewTableWithLimits(MaxVIOMMUs, MaxSIDsPerVIOMMU)
}

// NewTableWithLimits returns a table with explicit caps.
func NewTableWithLimits(maxVIOMMUs, maxSIDs int) *Table {
	return &Table{
		maxVIOMMUs: maxVIOMMUs,
		maxSIDs:    maxSIDs,
		viommus:    make(map[uint32]int),
		entries:    make(map[key]Endpoint),
	}
}

// Attach declares that the guest will see a virtual IOMMU with the given ID.
// Declaring the same viommu twice is a no-op.
func (t *Table) Attach(viommuID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalised.Load() {
		return errors.Wrap(types.ErrInvalidParam, "route table finalised")
	}
	if _, ok := t.viommus[viommuID]; ok {
		return nil
	}
	if len(t.viommus) >= t.maxVIOMMUs {
		return errors.Wrapf(types.ErrInvalidParam, "more than %d viommus", t.maxVIOMMUs)
	}
	t.viommus[viommuID] = 0
	return nil
}

// AddVSID adds one (viommu, vsid) -> (iommu, sid) entry.
func (t *Table) AddVSID(viommuID, vsid, physIOMMU, physSID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalised.Load() {
		return errors.Wrap(types.ErrInvalidParam, "route table finalised")
	}
	count, ok := t.viommus[viommuID]
	if !ok {
		return errors.Wrapf(types.ErrInvalidParam, "viommu %d not attached", viommuID)
	}
	if count >= t.maxSIDs {
		return errors.Wrapf(types.ErrInvalidParam, "more than %d vsids on viommu %d", t.maxSIDs, viommuID)
	}
	k := key{viommu: viommuID, vsid: vsid}
	if _, ok := t.entries[k]; ok {
		return errors.Wrapf(types.ErrInvalidParam, "vsid %d already routed on viommu %d", vsid, viommuID)
	}
	t.entries[k] = Endpoint{IOMMUID: physIOMMU, SID: physSID}
	t.viommus[viommuID] = count + 1
	return nil
}

// Finalise seals the table. Idempotent: finalising twice is a no-op.
func (t *Table) Finalise() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalised.Load() {
		return
	}
	routeLog.WithFields(logrus.Fields{
		"viommus": len(t.viommus),
		"entries": len(t.entries),
	}).Info("route table finalised")
	t.finalised.Store(true)
}

// Finalised reports whether the table has been sealed.
func (t *Table) Finalised() bool {
	return t.finalised.Load()
}

// Route resolves a guest (viommu, vsid) pair. After Finalise the lookup is
// lock-free; before it (host configuration still in flight) the lock is
// taken so a concurrent AddVSID cannot tear the map.
func (t *Table) Route(viommuID, vsid uint32) (Endpoint, error) {
	if !t.finalised.Load() {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	ep, ok := t.entries[key{viommu: viommuID, vsid: vsid}]
	if !ok {
		return Endpoint{}, errors.Wrapf(types.ErrNotFound, "no route for viommu %d vsid %d", viommuID, vsid)
	}
	return ep, nil
}
