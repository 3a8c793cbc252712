// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package session sequences a forging run: launch the echo-issuing process,
// answer its requests one at a time, then adopt its exit status.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/noisysockets/pingforge"
	"github.com/noisysockets/pingforge/forge"
)

// EchoProcess is the externally launched process that issues the echo
// requests answered by the session. It runs concurrently with the forging
// loop and is joined only after the loop completes.
type EchoProcess interface {
	// Start launches the process.
	Start(ctx context.Context) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Config holds the per-run forging inputs. They are read-only once the
// session starts.
type Config struct {
	// Count is the number of requests to answer.
	Count int
	// Duplicate transmits every forged reply twice.
	Duplicate bool
	// Template is the outer header skeleton shared by all replies.
	Template forge.ReplyTemplate
	// Params is the ICMP descriptor; its identifier and sequence are
	// overwritten per packet from the captured request.
	Params forge.ICMPParams
	// InnerHeaderLength, when nonzero, is forced into the embedded header.
	InnerHeaderLength uint8
	// Special is the optional special behavior tag.
	Special forge.Special
}

// Session drives the strictly sequential receive, build, transmit loop.
type Session struct {
	logger *slog.Logger
	nic    pingforge.Interface
	pool   *pingforge.FramePool
	echo   EchoProcess
	cfg    Config
}

// New creates a session over the given interface and echo process.
func New(logger *slog.Logger, nic pingforge.Interface, pool *pingforge.FramePool, echo EchoProcess, cfg Config) *Session {
	return &Session{
		logger: logger,
		nic:    nic,
		pool:   pool,
		echo:   echo,
		cfg:    cfg,
	}
}

// Run answers cfg.Count echo requests, waits for the echo process to
// terminate, and returns its exit code. Frame receipt blocks until the echo
// process produces traffic; its pace governs the loop.
func (s *Session) Run(ctx context.Context) (int, error) {
	if err := s.echo.Start(ctx); err != nil {
		return 0, fmt.Errorf("failed to start echo process: %w", err)
	}

	for i := 0; i < s.cfg.Count; i++ {
		if err := s.forgeOne(ctx, i); err != nil {
			return 0, err
		}
	}

	return s.echo.Wait()
}

func (s *Session) forgeOne(ctx context.Context, iteration int) error {
	frame := s.pool.Borrow()
	defer frame.Release()

	if err := s.nic.Read(ctx, frame); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}

	req, err := forge.ParseEchoRequest(frame.Bytes())
	if err != nil {
		return err
	}

	params := s.cfg.Params
	params.Ident = req.Ident()
	params.Seq = req.Sequence()

	reply, err := forge.BuildResponse(req, s.cfg.Template, params, s.cfg.InnerHeaderLength, s.cfg.Special)
	if err != nil {
		return err
	}

	out := s.pool.Borrow()
	defer out.Release()
	out.CopyFrom(reply)

	if err := s.nic.Write(ctx, out); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if s.cfg.Duplicate {
		// The identical bytes, not an independently rebuilt reply.
		if err := s.nic.Write(ctx, out); err != nil {
			return fmt.Errorf("failed to write duplicate frame: %w", err)
		}
	}

	s.logger.Debug("Forged reply",
		slog.Int("iteration", iteration),
		slog.Int("ident", int(params.Ident)),
		slog.Int("seq", int(params.Seq)),
		slog.Int("size", len(reply)))

	return nil
}
