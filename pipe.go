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
	"context"
	"sync/atomic"
)

type pipeEndpoint struct {
	name        string
	cancel      context.CancelFunc
	sendClosing atomic.Bool
	recvCh      chan []byte
	sendCh      chan []byte
}

// Pipe creates a pair of connected interfaces that can be used to simulate a
// virtual network interface without any operating system involvement. Frames
// written to one end are read from the other.
func Pipe(depth int) (Interface, Interface) {
	ctx, cancel := context.WithCancel(context.Background())

	aToB := make(chan []byte, depth)
	bToA := make(chan []byte, depth)

	a := &pipeEndpoint{
		name:   "pipe0",
		cancel: cancel,
		recvCh: bToA,
		sendCh: aToB,
	}

	b := &pipeEndpoint{
		name:   "pipe1",
		cancel: cancel,
		recvCh: aToB,
		sendCh: bToA,
	}

	go func() {
		<-ctx.Done()

		// Signal that we are closing.
		a.sendClosing.Store(true)
		b.sendClosing.Store(true)

		// Drain the channels as they might be blocked on a send.
		for {
			select {
			case <-a.sendCh:
				continue
			default:
			}
			close(a.sendCh)
			break
		}

		for {
			select {
			case <-b.sendCh:
				continue
			default:
			}
			close(b.sendCh)
			break
		}
	}()

	return a, b
}

func (p *pipeEndpoint) Name() string {
	return p.name
}

func (p *pipeEndpoint) Read(ctx context.Context, frame *Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case packet, ok := <-p.recvCh:
		if !ok {
			return context.Canceled
		}
		frame.CopyFrom(packet)
		return nil
	}
}

func (p *pipeEndpoint) Write(ctx context.Context, frame *Frame) error {
	if p.sendClosing.Load() {
		return context.Canceled
	}

	packet := make([]byte, frame.Size)
	copy(packet, frame.Bytes())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sendCh <- packet:
		return nil
	}
}

func (p *pipeEndpoint) Close() error {
	p.cancel()
	return nil
}
