// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pingforge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noisysockets/pingforge"
)

func TestPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pingforge.Pipe(1)
	t.Cleanup(func() {
		_ = a.Close()
	})

	pool := pingforge.NewFramePool(0)

	out := pool.Borrow()
	defer out.Release()
	out.CopyFrom([]byte{1, 2, 3, 4})

	require.NoError(t, a.Write(ctx, out))

	in := pool.Borrow()
	defer in.Release()
	require.NoError(t, b.Read(ctx, in))

	assert.Equal(t, []byte{1, 2, 3, 4}, in.Bytes())

	// A write does not consume the frame; the same bytes can go out again.
	require.NoError(t, a.Write(ctx, out))
	require.NoError(t, b.Read(ctx, in))
	assert.Equal(t, []byte{1, 2, 3, 4}, in.Bytes())
}

func TestPipeClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pingforge.Pipe(1)
	require.NoError(t, a.Close())

	pool := pingforge.NewFramePool(0)
	frame := pool.Borrow()
	defer frame.Release()
	frame.CopyFrom([]byte{1})

	// Give the close goroutine a moment to drain and mark both ends.
	require.Eventually(t, func() bool {
		return b.Write(ctx, frame) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestPipeReadCancelled(t *testing.T) {
	a, b := pingforge.Pipe(1)
	t.Cleanup(func() {
		_ = a.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := pingforge.NewFramePool(0)
	frame := pool.Borrow()
	defer frame.Release()

	require.ErrorIs(t, b.Read(ctx, frame), context.Canceled)
}
