// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package testutil

import (
	"os"
	"testing"
)

// EnsureNetAdmin skips the test if it is not running with the privileges
// needed to create and address network interfaces.
func EnsureNetAdmin(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test requires CAP_NET_ADMIN privileges")
	}
}
