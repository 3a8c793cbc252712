// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package pingproc launches and monitors the external ping client under
// test. Its exit code is adopted as the run's exit code.
package pingproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// DefaultPath is where the ping client is expected to live.
const DefaultPath = "/sbin/ping"

// Config describes the ping invocation. Every field maps one-to-one onto a
// command line flag.
type Config struct {
	// Path is the ping binary, DefaultPath if empty.
	Path string
	// Destination is the address to ping.
	Destination string
	// Count is the number of requests to send; it doubles as the deadline in
	// seconds.
	Count int
	// Verbose enables verbose ping output.
	Verbose bool
	// Request selects a mask ("mask") or timestamp ("timestamp") request
	// instead of an echo request.
	Request string
	// SpecialPayload fills the payload with a fixed pattern, for runs where
	// the reply payload is mangled.
	SpecialPayload bool
	// SourceRouting tells the client to expect routing options on replies.
	SourceRouting bool
}

// Args returns the ping command line derived from the config, excluding the
// binary itself.
func (c Config) Args() []string {
	args := []string{
		"-c", strconv.Itoa(c.Count),
		"-t", strconv.Itoa(c.Count),
	}
	if c.Verbose {
		args = append(args, "-v")
	}
	switch c.Request {
	case "mask":
		args = append(args, "-Mm")
	case "timestamp":
		args = append(args, "-Mt")
	}
	if c.SpecialPayload {
		args = append(args, "-p1")
	}
	if c.SourceRouting {
		args = append(args, "-R")
	}
	return append(args, c.Destination)
}

// Process is a single ping invocation.
type Process struct {
	logger *slog.Logger
	cfg    Config
	cmd    *exec.Cmd
}

// New creates a process from the config. Nothing is launched until Start.
func New(logger *slog.Logger, cfg Config) *Process {
	return &Process{
		logger: logger,
		cfg:    cfg,
	}
}

// Start launches the ping client. Its output goes straight to the
// controlling terminal.
func (p *Process) Start(ctx context.Context) error {
	path := p.cfg.Path
	if path == "" {
		path = DefaultPath
	}

	p.cmd = exec.CommandContext(ctx, path, p.cfg.Args()...)
	p.cmd.Stdout = os.Stdout
	p.cmd.Stderr = os.Stderr

	p.logger.Debug("Starting ping client", slog.String("path", path), slog.Any("args", p.cfg.Args()))

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}

	return nil
}

// Wait blocks until the ping client exits and returns its exit code. A
// nonzero exit from ping is an expected outcome, not an error.
func (p *Process) Wait() (int, error) {
	if p.cmd == nil {
		return 0, errors.New("process not started")
	}

	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("failed to wait for ping client: %w", err)
	}

	return p.cmd.ProcessState.ExitCode(), nil
}
