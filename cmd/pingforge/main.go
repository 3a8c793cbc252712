//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package main provides the CLI entry point for pingforge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noisysockets/pingforge"
	"github.com/noisysockets/pingforge/internal/config"
	"github.com/noisysockets/pingforge/internal/pingproc"
	"github.com/noisysockets/pingforge/internal/sysctl"
	"github.com/noisysockets/pingforge/session"
	"github.com/noisysockets/pingforge/tun"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var exitCode int

	rootCmd := newRootCmd(&exitCode)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func newRootCmd(exitCode *int) *cobra.Command {
	var configPath string
	cfg := config.Defaults()

	cmd := &cobra.Command{
		Use:   "pingforge",
		Short: "Forge ICMP replies to probe a ping client",
		Long: `Pingforge creates a TUN interface, runs a ping client against it, and
answers each echo request with a forged reply: corrupted payloads,
nonstandard IP options, mismatched identifiers, foreign-protocol
embeddings and time-warped timestamps.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			code, err := run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			*exitCode = code
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Load the run configuration from a YAML file instead of flags")
	flags.StringVar(&cfg.Interface, "iface", "", "Interface to send packets to")
	flags.StringVar(&cfg.Source, "src", "", "Source packet IP")
	flags.StringVar(&cfg.Destination, "dst", "", "Destination packet IP")
	flags.IntVar(&cfg.ICMPType, "icmp-type", 0, "ICMP type of the forged replies")
	flags.IntVar(&cfg.ICMPCode, "icmp-code", 0, "ICMP code of the forged replies")
	flags.IntVar(&cfg.HeaderLength, "ihl", 0, "Forced outer IHL, in 32-bit words")
	flags.StringVar(&cfg.Flags, "flags", "", "IP flags (DF or MF)")
	flags.StringVar(&cfg.Options, "opts", "", "IP options profile")
	flags.IntVar(&cfg.InnerHeaderLength, "oip-ihl", 0, "Forced inner packet IHL, in 32-bit words")
	flags.StringVar(&cfg.Special, "special", "", "Send a special packet")
	flags.IntVar(&cfg.Pointer, "icmp-pptr", 0, "ICMP pointer")
	flags.StringVar(&cfg.Gateway, "icmp-gwaddr", "0.0.0.0", "ICMP gateway IP address")
	flags.IntVar(&cfg.NextHopMTU, "icmp-nextmtu", 0, "ICMP next MTU")
	flags.Uint32Var(&cfg.OriginateTime, "icmp-otime", 0, "ICMP originate timestamp")
	flags.Uint32Var(&cfg.ReceiveTime, "icmp-rtime", 0, "ICMP receive timestamp")
	flags.Uint32Var(&cfg.TransmitTime, "icmp-ttime", 0, "ICMP transmit timestamp")
	flags.StringVar(&cfg.AddressMask, "icmp-mask", "0.0.0.0", "ICMP address mask")
	flags.StringVar(&cfg.Request, "request", "", "Request type (mask or timestamp)")
	flags.IntVar(&cfg.Count, "count", 1, "Number of packets to send")
	flags.BoolVar(&cfg.Duplicate, "dup", false, "Duplicate packets")
	flags.BoolVar(&cfg.Verbose, "verbose", true, "Toggle verbosity on/off")
	flags.StringVar(&cfg.PingPath, "ping-path", pingproc.DefaultPath, "Path to the ping binary")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Raw option profiles only reach the client unmodified if the kernel
	// keeps its hands off received options. Toggled before anything is
	// built or transmitted.
	if cfg.Profile().NeedsRawOptions() {
		toggle := sysctl.NewToggle(logger, nil)
		if err := toggle.DisableOptionProcessing(ctx); err != nil {
			return 0, err
		}
	}

	logger.Info("Creating TUN interface", slog.String("name", cfg.Interface))

	nic, err := tun.Create(ctx, logger, cfg.Interface)
	if err != nil {
		return 0, fmt.Errorf("failed to create TUN interface: %w", err)
	}
	defer nic.Close()

	src, dst := cfg.Addresses()
	if err := nic.Configure(src, dst); err != nil {
		return 0, err
	}

	echo := pingproc.New(logger, cfg.PingConfig())
	pool := pingforge.NewFramePool(0)

	sess := session.New(logger, nic, pool, echo, cfg.SessionConfig())
	return sess.Run(ctx)
}
