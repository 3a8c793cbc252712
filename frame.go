// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package pingforge forges ICMP replies to echo requests captured on a
// virtual network interface, so that a ping client can be probed with
// deliberately malformed responses.
package pingforge

const (
	// MaxFrameSize is the maximum size of an IPv4 frame exchanged with the
	// virtual interface.
	MaxFrameSize = 65535
)

// Frame is a single IPv4 frame, either a captured echo request or a forged
// reply.
type Frame struct {
	// Buf is the buffer containing the frame data.
	Buf [MaxFrameSize]byte
	// Size is the size of the frame data.
	Size int
	// pool is the pool from which the frame was borrowed.
	pool *FramePool
}

// Release returns the frame to its pool.
func (f *Frame) Release() {
	f.pool.Release(f)
}

// Reset resets the frame.
func (f *Frame) Reset() {
	f.Size = 0
}

// Bytes returns the frame data as a byte slice.
func (f *Frame) Bytes() []byte {
	return f.Buf[:f.Size]
}

// CopyFrom fills the frame with the given packet bytes.
func (f *Frame) CopyFrom(b []byte) {
	f.Size = copy(f.Buf[:], b)
}
