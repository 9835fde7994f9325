// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"fmt"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

// ResetFunc is a device reset handler. It runs on every ownership
// transition: when a device's group is assigned to a VM and again when the
// VM is torn down. A device with no handler simply skips the reset step.
type ResetFunc func() error

// MMIORange is one MMIO window of a device. Base and Size are page-aligned.
type MMIORange struct {
	Base uint64
	Size uint64
}

// Contains reports whether the page at pfn falls inside the range.
func (r MMIORange) Contains(pfn uint64) bool {
	addr := pfn << types.PageShift
	return addr >= r.Base && addr < r.Base+r.Size
}

// Pages returns the number of pages the range spans.
func (r MMIORange) Pages() uint64 {
	return r.Size >> types.PageShift
}

// Endpoint is one (iommu, sid) pair a device issues DMA through. Most
// devices have exactly one; multi-function devices can carry several.
type Endpoint struct {
	IOMMUID uint32
	SID     uint32
}

// DeviceInfo describes one passthrough-eligible physical device, built from
// the static device table at boot and immutable afterwards. Ownership state
// lives in the registry, not here.
type DeviceInfo struct {
	// Name identifies the device to operators and reset-handler
	// registration, e.g. "0000:01:00.0".
	Name string

	// GroupID is the device's IOMMU group. Assignment to a VM is atomic
	// over the whole group: isolation is only as strong as the weakest
	// group member.
	GroupID uint32

	// Resources are the device's MMIO windows.
	Resources []MMIORange

	// Endpoints are the IOMMU endpoints the device uses.
	Endpoints []Endpoint

	// DMAToken is the 128-bit identity token returned to a protected
	// guest's firmware by the DMA verification hypercall, cross-checked
	// out of band against the platform attestation channel.
	DMAToken [2]uint64
}

// Validate checks the static description for internal consistency.
func (d *DeviceInfo) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device with empty name")
	}
	if len(d.Endpoints) == 0 {
		return fmt.Errorf("device %s has no IOMMU endpoints", d.Name)
	}
	for _, r := range d.Resources {
		if r.Size == 0 || r.Base%types.PageSize != 0 || r.Size%types.PageSize != 0 {
			return fmt.Errorf("device %s resource %#x/%#x not page aligned", d.Name, r.Base, r.Size)
		}
	}
	return nil
}

// TotalPages returns the number of MMIO pages across all resources.
func (d *DeviceInfo) TotalPages() uint64 {
	var n uint64
	for _, r := range d.Resources {
		n += r.Pages()
	}
	return n
}
