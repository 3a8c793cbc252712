// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pingforge

import (
	"github.com/noisysockets/netutil/waitpool"
)

// FramePool is a pool of reusable frames.
type FramePool struct {
	pool *waitpool.WaitPool[*Frame]
}

// NewFramePool creates a new frame pool with the given maximum number of
// frames (zero for unbounded).
func NewFramePool(max int) *FramePool {
	var fp *FramePool
	fp = &FramePool{
		pool: waitpool.New(uint32(max), func() *Frame {
			return &Frame{
				pool: fp,
			}
		}),
	}
	return fp
}

// Borrow takes a frame from the pool.
func (p *FramePool) Borrow() *Frame {
	frame := p.pool.Get()
	frame.Reset()
	return frame
}

// Release returns a frame to the pool.
func (p *FramePool) Release(frame *Frame) {
	p.pool.Put(frame)
}

// Count returns the number of frames currently borrowed from the pool.
func (p *FramePool) Count() int {
	return p.pool.Count()
}
