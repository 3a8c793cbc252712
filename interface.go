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
	"io"
)

// Interface is a duplex IPv4 frame channel, typically a TUN device. The
// forging loop treats it as opaque and never inspects its implementation.
type Interface interface {
	io.Closer

	// Name returns the name of the interface.
	Name() string

	// Read blocks until a single frame has been received from the interface
	// (or the context is canceled) and fills frame with its bytes.
	Read(ctx context.Context, frame *Frame) error

	// Write writes a single frame to the interface. The frame is not
	// consumed, so the same frame can be written more than once.
	Write(ctx context.Context, frame *Frame) error
}
