// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"github.com/pkg/errors"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

// MockDonor is a MemoryDonor for testing purposes. It tracks page ownership
// the way the real donation path does, so misordered transitions fail
// instead of silently passing.
type MockDonor struct {
	// HypOwned is the set of pages currently donated to the hypervisor.
	HypOwned map[uint64]struct{}

	// GuestOwned maps pages donated into a guest stage-2 to their owner.
	GuestOwned map[uint64]types.VMID

	// FailDonate, when non-nil, is returned by the next DonateGuestMMIO.
	FailDonate error

	// FailReturn, when non-nil, is returned by every ReturnGuestMMIO.
	FailReturn error
}

// NewMockDonor returns an empty mock donor.
func NewMockDonor() *MockDonor {
	return &MockDonor{
		HypOwned:   make(map[uint64]struct{}),
		GuestOwned: make(map[uint64]types.VMID),
	}
}

// AssignDeviceMMIO implements MemoryDonor.
func (m *MockDonor) AssignDeviceMMIO(pfn uint64) error {
	if _, ok := m.HypOwned[pfn]; ok {
		return errors.Wrapf(types.ErrBusy, "pfn %#x already hyp owned", pfn)
	}
	m.HypOwned[pfn] = struct{}{}
	return nil
}

// ReclaimDeviceMMIO implements MemoryDonor.
func (m *MockDonor) ReclaimDeviceMMIO(pfn uint64) error {
	if _, ok := m.HypOwned[pfn]; !ok {
		return errors.Wrapf(types.ErrBusy, "pfn %#x not hyp owned", pfn)
	}
	delete(m.HypOwned, pfn)
	return nil
}

// DonateGuestMMIO implements MemoryDonor.
func (m *MockDonor) DonateGuestMMIO(vm types.VMID, pfn, gfn uint64) error {
	if err := m.FailDonate; err != nil {
		m.FailDonate = nil
		return err
	}
	if _, ok := m.HypOwned[pfn]; !ok {
		return errors.Wrapf(types.ErrBusy, "pfn %#x not hyp owned", pfn)
	}
	delete(m.HypOwned, pfn)
	m.GuestOwned[pfn] = vm
	return nil
}

// ReturnGuestMMIO implements MemoryDonor.
func (m *MockDonor) ReturnGuestMMIO(vm types.VMID, pfn uint64) error {
	if err := m.FailReturn; err != nil {
		return err
	}
	owner, ok := m.GuestOwned[pfn]
	if !ok || owner != vm {
		return errors.Wrapf(types.ErrBusy, "pfn %#x not owned by VM %d", pfn, vm)
	}
	delete(m.GuestOwned, pfn)
	return nil
}
