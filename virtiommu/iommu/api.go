// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package iommu

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

var iommuLog = logrus.WithField("subsystem", "iommu")

// SetLogger sets the logger for the iommu package.
func SetLogger(logger *logrus.Entry) {
	fields := iommuLog.Data
	iommuLog = logger.WithFields(fields)
}

// DomainType selects the kind of translation regime a domain provides.
type DomainType int

const (
	// DomainUnmanaged is a domain whose mappings are driven entirely by
	// explicit map/unmap calls.
	DomainUnmanaged DomainType = iota

	// DomainDMA is a domain managed for in-kernel DMA API use.
	DomainDMA
)

// Prot is the driver-side protection form. The dispatcher translates the
// guest wire bitmask into this before calling into a driver.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtCache
	ProtNoExec
	ProtMMIO
	ProtPriv
)

// PhysicalIOMMU describes one hardware IOMMU instance. Discovered at boot,
// immutable thereafter.
type PhysicalIOMMU struct {
	ID uint32

	// PageSizeBitmap is the hardware's supported granule set. Never
	// forwarded to guests as-is; guests only ever see PageSize.
	PageSizeBitmap uint64
}

// Driver is the contract the pvIOMMU core consumes from an underlying IOMMU
// hardware driver. All identifiers are physical: the core has already routed
// virtual stream IDs and validated ownership by the time a Driver method
// runs.
//
// Methods that may need page-table memory draw it from the supplied pool and
// return types.ErrOutOfMem when it runs dry; the dispatcher reacts with a
// memory-top-up exit rather than surfacing the failure to the guest.
type Driver interface {
	// AllocDomain creates the translation regime for domainID.
	AllocDomain(pool *types.MemPool, domainID uint32, t DomainType) error

	// FreeDomain destroys a domain. It must refuse (ErrInvalidParam) while
	// mappings or attached devices remain.
	FreeDomain(domainID uint32) error

	// AttachDev binds the (iommu, sid, pasid) endpoint to a domain.
	AttachDev(pool *types.MemPool, iommuID, domainID, sid, pasid, pasidBits uint32) error

	// DetachDev releases the endpoint. Detach never allocates.
	DetachDev(iommuID, domainID, sid, pasid uint32) error

	// MapPages installs count translations of pgsize bytes each and
	// returns the number of bytes actually mapped. A short (or zero)
	// return with the pool exhausted is reported as types.ErrOutOfMem.
	MapPages(pool *types.MemPool, domainID uint32, iova, pa, pgsize, pgcount uint64, prot Prot) (uint64, error)

	// UnmapPages removes translations and returns the number of bytes
	// actually unmapped.
	UnmapPages(domainID uint32, iova, pgsize, pgcount uint64) (uint64, error)

	// IOVAToPhys resolves a single IOVA within a domain.
	IOVAToPhys(domainID uint32, iova uint64) (uint64, error)

	// IOMMUs enumerates the physical IOMMU instances the driver controls.
	IOMMUs() []PhysicalIOMMU
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]func() (Driver, error))
)

// Register makes a driver constructor available under name. Drivers register
// at init time; registering the same name twice panics, matching the usual
// database/sql-style registry contract.
func Register(name string, factory func() (Driver, error)) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		panic("iommu: driver " + name + " registered twice")
	}
	drivers[name] = factory
}

// New instantiates a registered driver by name.
func New(name string) (Driver, error) {
	driversMu.Lock()
	factory, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "iommu driver %q", name)
	}
	iommuLog.WithField("driver", name).Info("instantiating IOMMU driver")
	return factory()
}

// Drivers returns the sorted names of all registered drivers.
func Drivers() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
