// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package config loads and validates the run configuration. Every check
// happens here, eagerly, before any collaborator is touched: an unsupported
// selector must never degrade into a best-effort packet.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"gopkg.in/yaml.v3"

	"github.com/noisysockets/pingforge/forge"
	"github.com/noisysockets/pingforge/internal/pingproc"
	"github.com/noisysockets/pingforge/ipopts"
	"github.com/noisysockets/pingforge/session"
)

// Config describes a complete forging run.
type Config struct {
	// Interface is the name of the TUN interface to create.
	Interface string `yaml:"interface"`
	// Source is the address the ping client binds to on the interface.
	Source string `yaml:"source"`
	// Destination is the address being pinged; forged replies originate
	// from it.
	Destination string `yaml:"destination"`

	// ICMPType and ICMPCode select the outer ICMP header of the replies.
	ICMPType int `yaml:"icmp_type"`
	ICMPCode int `yaml:"icmp_code"`

	// HeaderLength, when nonzero, is forced into the outer IHL field (in
	// 32-bit words).
	HeaderLength int `yaml:"ihl"`
	// Flags is the IP flags selector: "", "DF" or "MF".
	Flags string `yaml:"flags"`
	// Options selects the IP options profile.
	Options string `yaml:"options"`
	// InnerHeaderLength, when nonzero, is forced into the embedded header's
	// IHL field.
	InnerHeaderLength int `yaml:"inner_ihl"`
	// Special selects the special behavior tag.
	Special string `yaml:"special"`

	// Auxiliary ICMP fields, serialized only for the types that carry them.
	Pointer       int    `yaml:"icmp_pointer"`
	Gateway       string `yaml:"icmp_gateway"`
	NextHopMTU    int    `yaml:"icmp_next_hop_mtu"`
	OriginateTime uint32 `yaml:"icmp_originate_time"`
	ReceiveTime   uint32 `yaml:"icmp_receive_time"`
	TransmitTime  uint32 `yaml:"icmp_transmit_time"`
	AddressMask   string `yaml:"icmp_address_mask"`

	// Request makes the ping client send mask ("mask") or timestamp
	// ("timestamp") requests instead of echo requests.
	Request string `yaml:"request"`

	// Count is the number of packets to answer.
	Count int `yaml:"count"`
	// Duplicate transmits every forged reply twice.
	Duplicate bool `yaml:"duplicate"`
	// Verbose toggles verbosity, both ours and the ping client's.
	Verbose bool `yaml:"verbose"`
	// PingPath overrides the location of the ping binary.
	PingPath string `yaml:"ping_path"`

	src     netip.Addr
	dst     netip.Addr
	gateway netip.Addr
	mask    netip.Addr
}

// Defaults returns a config populated with default values.
func Defaults() *Config {
	return &Config{
		Gateway:     "0.0.0.0",
		AddressMask: "0.0.0.0",
		Count:       1,
		Verbose:     true,
	}
}

// Load reads a config file, on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := Defaults()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks every selector and resolves the addresses. It must be
// called (and succeed) before any other method is used.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface name is required")
	}

	var err error
	if c.src, err = parseAddr4("source", c.Source); err != nil {
		return err
	}
	if c.dst, err = parseAddr4("destination", c.Destination); err != nil {
		return err
	}

	if c.ICMPType < 0 || c.ICMPType > 255 {
		return fmt.Errorf("icmp type %d out of range", c.ICMPType)
	}
	if c.ICMPCode < 0 || c.ICMPCode > 255 {
		return fmt.Errorf("icmp code %d out of range", c.ICMPCode)
	}

	if c.HeaderLength < 0 || c.HeaderLength > 15 {
		return fmt.Errorf("header length %d out of range", c.HeaderLength)
	}
	if c.InnerHeaderLength < 0 || c.InnerHeaderLength > 15 {
		return fmt.Errorf("inner header length %d out of range", c.InnerHeaderLength)
	}

	switch c.Flags {
	case "", "DF", "MF":
	default:
		return fmt.Errorf("unsupported IP flags %q", c.Flags)
	}

	if err := c.Profile().Validate(); err != nil {
		return err
	}
	if err := c.SpecialValue().Validate(); err != nil {
		return err
	}

	switch c.Request {
	case "", "mask", "timestamp":
	default:
		return fmt.Errorf("unsupported request type %q", c.Request)
	}

	if c.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", c.Count)
	}

	if c.Pointer < 0 || c.Pointer > 255 {
		return fmt.Errorf("icmp pointer %d out of range", c.Pointer)
	}
	if c.NextHopMTU < 0 || c.NextHopMTU > 65535 {
		return fmt.Errorf("icmp next hop MTU %d out of range", c.NextHopMTU)
	}

	if c.gateway, err = parseAddr4("icmp gateway", c.Gateway); err != nil {
		return err
	}
	if c.mask, err = parseAddr4("icmp address mask", c.AddressMask); err != nil {
		return err
	}

	return nil
}

// Profile returns the selected IP options profile.
func (c *Config) Profile() ipopts.Profile {
	return ipopts.Profile(c.Options)
}

// SpecialValue returns the selected special behavior tag.
func (c *Config) SpecialValue() forge.Special {
	return forge.Special(c.Special)
}

// Addresses returns the resolved source and destination addresses.
func (c *Config) Addresses() (src, dst netip.Addr) {
	return c.src, c.dst
}

// Template builds the reply's outer header skeleton. Source and destination
// are swapped: the reply travels from the probed destination back to the
// ping client.
func (c *Config) Template() forge.ReplyTemplate {
	var flags uint8
	switch c.Flags {
	case "DF":
		flags = forge.FlagDontFragment
	case "MF":
		flags = forge.FlagMoreFragments
	}

	return forge.ReplyTemplate{
		Src:          c.dst,
		Dst:          c.src,
		Flags:        flags,
		HeaderLength: uint8(c.HeaderLength),
		Options:      c.Profile().Bytes(),
	}
}

// Params builds the ICMP descriptor. Identifier and sequence are filled per
// packet by the session.
func (c *Config) Params() forge.ICMPParams {
	return forge.ICMPParams{
		Type:          header.ICMPv4Type(c.ICMPType),
		Code:          uint8(c.ICMPCode),
		Pointer:       uint8(c.Pointer),
		Gateway:       c.gateway,
		NextHopMTU:    uint16(c.NextHopMTU),
		OriginateTime: c.OriginateTime,
		ReceiveTime:   c.ReceiveTime,
		TransmitTime:  c.TransmitTime,
		AddressMask:   c.mask,
	}
}

// SessionConfig builds the session's forging inputs.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Count:             c.Count,
		Duplicate:         c.Duplicate,
		Template:          c.Template(),
		Params:            c.Params(),
		InnerHeaderLength: uint8(c.InnerHeaderLength),
		Special:           c.SpecialValue(),
	}
}

// PingConfig builds the ping client invocation.
func (c *Config) PingConfig() pingproc.Config {
	return pingproc.Config{
		Path:           c.PingPath,
		Destination:    c.Destination,
		Count:          c.Count,
		Verbose:        c.Verbose,
		Request:        c.Request,
		SpecialPayload: c.Special != "",
		SourceRouting:  c.Profile().SourceRouting(),
	}
}

func parseAddr4(name, value string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to parse %s address %q: %w", name, value, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s address %q is not IPv4", name, value)
	}
	return addr, nil
}
