// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package sysctl toggles kernel handling of IP options, so that raw option
// bytes reach the ping client unmodified.
package sysctl

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

const optionProcessingKey = "net.inet.ip.process_options"

// Runner executes a sysctl invocation. It exists so tests can stub out the
// real command.
type Runner func(ctx context.Context, args ...string) error

func execRunner(logger *slog.Logger) Runner {
	return func(ctx context.Context, args ...string) error {
		logger.Debug("Running sysctl", slog.Any("args", args))

		out, err := exec.CommandContext(ctx, "sysctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("sysctl failed: %w: %s", err, string(out))
		}
		return nil
	}
}

// Toggle disables kernel option processing at most once per run.
type Toggle struct {
	run  Runner
	once sync.Once
	err  error
}

// NewToggle creates a toggle backed by the given runner, or by the real
// sysctl command when run is nil.
func NewToggle(logger *slog.Logger, run Runner) *Toggle {
	if run == nil {
		run = execRunner(logger)
	}
	return &Toggle{run: run}
}

// DisableOptionProcessing turns off kernel processing of received IP
// options. It is idempotent: the sysctl runs only on the first call and
// subsequent calls return the same result.
func (t *Toggle) DisableOptionProcessing(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.run(ctx, optionProcessingKey+"=0")
	})
	return t.err
}
