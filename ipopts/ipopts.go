// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ipopts encodes the IPv4 option profiles used to probe a ping
// client's option handling. Profiles are pure byte encodings; disabling
// kernel option processing for the raw profiles is the caller's job.
package ipopts

import (
	"fmt"
)

// Profile selects an IPv4 options encoding.
type Profile string

const (
	// None emits no options.
	None Profile = ""
	// EndOfList emits a single end-of-option-list byte.
	EndOfList Profile = "EOL"
	// NoOp emits a single no-operation byte.
	NoOp Profile = "NOP"
	// NoOpPadded emits a full 40 bytes of no-operation options.
	NoOpPadded Profile = "NOP-40"
	// RecordRoute emits a record-route option with all nine slots already
	// recorded and the pointer at the first unused slot.
	RecordRoute Profile = "RR"
	// RecordRouteSame emits a record-route option whose pointer overlaps the
	// start of the address list.
	RecordRouteSame Profile = "RR-same"
	// RecordRouteTrunc emits a record-route option whose declared length is
	// shorter than a single entry, while all nine slots are still present.
	RecordRouteTrunc Profile = "RR-trunc"
	// LooseSourceRoute emits a loose source route through nine routers.
	LooseSourceRoute Profile = "LSRR"
	// LooseSourceRouteTrunc emits a loose source route whose declared length
	// covers only the fixed option bytes.
	LooseSourceRouteTrunc Profile = "LSRR-trunc"
	// StrictSourceRoute emits a strict source route through nine routers.
	StrictSourceRoute Profile = "SSRR"
	// StrictSourceRouteTrunc emits a strict source route whose declared
	// length covers only the fixed option bytes.
	StrictSourceRouteTrunc Profile = "SSRR-trunc"
	// Unknown emits a single unassigned option code byte.
	Unknown Profile = "unk"
	// UnknownPadded emits a full 40 bytes of unassigned option code bytes.
	UnknownPadded Profile = "unk-40"
)

const (
	optEndOfList         = 0x00
	optNoOp              = 0x01
	optRecordRoute       = 0x07
	optLooseSourceRoute  = 0x83
	optStrictSourceRoute = 0x89
	optUnknown           = 0x9f

	// maxOptionsLength is the most option bytes an IPv4 header can carry.
	maxOptionsLength = 40
)

// routers are the placeholder addresses filling the nine route slots
// (TEST-NET-1, RFC 5737).
var routers = [9][4]byte{
	{192, 0, 2, 10},
	{192, 0, 2, 20},
	{192, 0, 2, 30},
	{192, 0, 2, 40},
	{192, 0, 2, 50},
	{192, 0, 2, 60},
	{192, 0, 2, 70},
	{192, 0, 2, 80},
	{192, 0, 2, 90},
}

// Profiles returns all supported profiles, in the order they are documented.
func Profiles() []Profile {
	return []Profile{
		None,
		EndOfList,
		NoOp,
		NoOpPadded,
		RecordRoute,
		RecordRouteSame,
		RecordRouteTrunc,
		LooseSourceRoute,
		LooseSourceRouteTrunc,
		StrictSourceRoute,
		StrictSourceRouteTrunc,
		Unknown,
		UnknownPadded,
	}
}

// Validate returns an error if the profile is not one of the supported
// selectors. Callers must validate before any network I/O occurs.
func (p Profile) Validate() error {
	for _, known := range Profiles() {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("unsupported options profile %q", string(p))
}

// NeedsRawOptions reports whether the profile requires kernel option
// processing to be disabled before its bytes can reach the wire unmodified.
func (p Profile) NeedsRawOptions() bool {
	switch p {
	case None, EndOfList, NoOp, NoOpPadded:
		return false
	default:
		return true
	}
}

// SourceRouting reports whether the profile carries a routing option, which
// the ping client must be told to expect.
func (p Profile) SourceRouting() bool {
	switch p {
	case RecordRoute, RecordRouteSame, RecordRouteTrunc,
		LooseSourceRoute, LooseSourceRouteTrunc,
		StrictSourceRoute, StrictSourceRouteTrunc:
		return true
	default:
		return false
	}
}

// Bytes returns the option bytes for the profile, unpadded. The header
// writer is responsible for padding to a 32-bit boundary. Bytes must only be
// called on a validated profile; an unknown profile yields no options.
func (p Profile) Bytes() []byte {
	switch p {
	case EndOfList:
		return []byte{optEndOfList}
	case NoOp:
		return []byte{optNoOp}
	case NoOpPadded:
		return repeat(optNoOp, maxOptionsLength)
	case RecordRoute:
		// Pointer past the last slot: every slot reads as already used.
		return routeOption(optRecordRoute, 39, 40, true)
	case RecordRouteSame:
		// Pointer overlapping the start of the address list.
		return routeOption(optRecordRoute, 39, 3, false)
	case RecordRouteTrunc:
		// Declared length shorter than a full entry.
		return routeOption(optRecordRoute, 7, 4, false)
	case LooseSourceRoute:
		return routeOption(optLooseSourceRoute, 39, 4, true)
	case LooseSourceRouteTrunc:
		return routeOption(optLooseSourceRoute, 3, 4, false)
	case StrictSourceRoute:
		return routeOption(optStrictSourceRoute, 39, 4, true)
	case StrictSourceRouteTrunc:
		return routeOption(optStrictSourceRoute, 3, 4, false)
	case Unknown:
		return []byte{optUnknown}
	case UnknownPadded:
		return repeat(optUnknown, maxOptionsLength)
	default:
		return nil
	}
}

// routeOption encodes a record-route or source-route option. All nine route
// slots are always emitted; length is the declared option length, which the
// truncated profiles deliberately understate.
func routeOption(kind, length, pointer byte, fillRouters bool) []byte {
	b := make([]byte, 3, 3+4*len(routers))
	b[0] = kind
	b[1] = length
	b[2] = pointer
	for _, router := range routers {
		if fillRouters {
			b = append(b, router[:]...)
		} else {
			b = append(b, 0, 0, 0, 0)
		}
	}
	return b
}

func repeat(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
