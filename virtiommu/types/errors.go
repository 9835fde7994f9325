// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import "github.com/pkg/errors"

// Sentinel errors produced by the pvIOMMU core. Callers compare with
// errors.Is; wrapped context added along the way does not break the match.
// None of these leak to the guest verbatim: the dispatcher folds them into
// the wire return codes, and ErrOutOfMem never surfaces at all (it turns
// into a memory-top-up exit to the host).
var (
	// ErrNotFound means a route, device or domain is unknown.
	ErrNotFound = errors.New("no such route, device or domain")

	// ErrDenied means the caller is not the owner of the device it is
	// operating on.
	ErrDenied = errors.New("caller does not own the device")

	// ErrBusy means a resource transition is in progress or an ID space is
	// exhausted.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidParam means the input was malformed.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrOutOfMem means an inner allocation failed. The dispatcher reacts
	// by posting a memory-top-up request and exiting to the host.
	ErrOutOfMem = errors.New("out of memory")

	// ErrUnsupported means an unknown function or feature ID.
	ErrUnsupported = errors.New("operation not supported")
)
