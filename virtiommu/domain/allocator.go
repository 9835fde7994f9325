// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/confidential-containers/pviommu/virtiommu/types"
)

const (
	// TotalDomains is the size of the global domain ID space. The lower
	// half belongs to the host, the upper half to guests; the two never
	// overlap.
	TotalDomains = 1 << 16

	// GuestBase is the first guest-half domain ID.
	GuestBase = TotalDomains / 2

	guestIDs = TotalDomains - GuestBase
	wordBits = 64
	words    = guestIDs / wordBits
)

var domainLog = logrus.WithField("subsystem", "domain-allocator")

// SetLogger sets the logger for the domain package.
func SetLogger(logger *logrus.Entry) {
	fields := domainLog.Data
	domainLog = logger.WithFields(fields)
}

// Allocator hands out guest-half domain IDs from a fixed bitmap. A single
// lock covers the whole bitmap; allocation is a rare control-plane event
// (a guest allocates tens of domains over its lifetime), so a brute-force
// scan under one lock is fine.
type Allocator struct {
	mu     sync.Mutex
	bitmap [words]uint64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc returns the lowest free guest-half domain ID, or types.ErrBusy when
// the guest half is exhausted.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for w, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for bit := 0; bit < wordBits; bit++ {
			if word&(1<<bit) == 0 {
				a.bitmap[w] |= 1 << bit
				return uint32(w*wordBits+bit) + GuestBase, nil
			}
		}
	}
	return 0, errors.Wrap(types.ErrBusy, "guest domain ID space exhausted")
}

// Free releases a previously allocated ID. An ID outside the guest half is
// logged and ignored: it can only come from a buggy underlying driver
// handing back a stale ID, and corrupting the host half over it would be
// worse than leaking a bit.
func (a *Allocator) Free(id uint32) {
	if id < GuestBase || id >= TotalDomains {
		domainLog.WithField("domain-id", id).Warn("free of non-guest domain ID ignored")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := id - GuestBase
	w, bit := idx/wordBits, idx%wordBits
	if a.bitmap[w]&(1<<bit) == 0 {
		domainLog.WithField("domain-id", id).Warn("free of unallocated domain ID ignored")
		return
	}
	a.bitmap[w] &^= 1 << bit
}

// Allocated reports whether id is currently issued. Guest-half IDs only.
func (a *Allocator) Allocated(id uint32) bool {
	if id < GuestBase || id >= TotalDomains {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := id - GuestBase
	return a.bitmap[idx/wordBits]&(1<<(idx%wordBits)) != 0
}
