// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package forge constructs the exact bytes of a forged ICMP reply from a
// captured echo request and a reply profile. Construction is pure: no I/O,
// no retries, and deliberately no guarantee that the output is a valid
// packet (producing invalid packets is the point).
package forge

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// ErrMalformedRequest is returned when a captured frame cannot be used as an
// echo request. It indicates a precondition violation in the caller, not a
// recoverable condition.
var ErrMalformedRequest = errors.New("malformed echo request")

const (
	// FlagDontFragment and FlagMoreFragments mirror the IPv4 header flag
	// bits carried by ReplyTemplate.Flags.
	FlagDontFragment  = header.IPv4FlagDontFragment
	FlagMoreFragments = header.IPv4FlagMoreFragments
)

// EchoRequest is a captured ICMP echo request frame, indexed into its outer
// IP header, ICMP header, and payload. The underlying frame must remain
// unmodified for the lifetime of the request.
type EchoRequest struct {
	ipHdr   header.IPv4
	icmpHdr header.ICMPv4
	payload []byte
}

// ParseEchoRequest indexes a captured IPv4 frame. A frame without an ICMP
// layer fails fast with ErrMalformedRequest.
func ParseEchoRequest(frame []byte) (*EchoRequest, error) {
	if len(frame) < header.IPv4MinimumSize {
		return nil, fmt.Errorf("%w: %d bytes is too short for an IPv4 header", ErrMalformedRequest, len(frame))
	}

	ipHdr := header.IPv4(frame)
	if version := frame[0] >> 4; version != ipVersion4 {
		return nil, fmt.Errorf("%w: unexpected IP version %d", ErrMalformedRequest, version)
	}

	hdrLen := int(ipHdr.HeaderLength())
	if hdrLen < header.IPv4MinimumSize || hdrLen+header.ICMPv4MinimumSize > len(frame) {
		return nil, fmt.Errorf("%w: header length %d leaves no room for an ICMP header", ErrMalformedRequest, hdrLen)
	}

	if ipHdr.Protocol() != uint8(header.ICMPv4ProtocolNumber) {
		return nil, fmt.Errorf("%w: request has no ICMP layer (protocol %d)", ErrMalformedRequest, ipHdr.Protocol())
	}

	return &EchoRequest{
		ipHdr:   ipHdr[:hdrLen],
		icmpHdr: header.ICMPv4(frame[hdrLen : hdrLen+header.ICMPv4MinimumSize]),
		payload: frame[hdrLen+header.ICMPv4MinimumSize:],
	}, nil
}

// Ident returns the identifier of the captured ICMP header.
func (r *EchoRequest) Ident() uint16 {
	return r.icmpHdr.Ident()
}

// Sequence returns the sequence number of the captured ICMP header.
func (r *EchoRequest) Sequence() uint16 {
	return r.icmpHdr.Sequence()
}

// Payload returns the bytes following the captured ICMP header.
func (r *EchoRequest) Payload() []byte {
	return r.payload
}

// ReplyTemplate is the outer IPv4 header skeleton shared by every forged
// reply in a run. It is constructed once; only per-packet ICMP fields vary
// between iterations.
type ReplyTemplate struct {
	// Src and Dst are the reply addresses, already swapped relative to the
	// probe (the reply travels from the probed destination back to the ping
	// client).
	Src, Dst netip.Addr
	// Flags is the 3-bit IPv4 flags value (FlagDontFragment or
	// FlagMoreFragments).
	Flags uint8
	// HeaderLength, when nonzero, is forced into the IHL field (in 32-bit
	// words) regardless of the real header size.
	HeaderLength uint8
	// Options holds raw, unpadded IPv4 option bytes.
	Options []byte
}

// ICMPParams describes the outer ICMP header of a forged reply. Ident and
// Seq are copied from the matching request; the auxiliary fields are only
// serialized for the types that carry them.
type ICMPParams struct {
	Type header.ICMPv4Type
	Code uint8

	Ident uint16
	Seq   uint16

	// Pointer is serialized for parameter problem replies.
	Pointer uint8
	// Gateway is serialized for redirect replies.
	Gateway netip.Addr
	// NextHopMTU is serialized for destination unreachable replies.
	NextHopMTU uint16
	// OriginateTime, ReceiveTime and TransmitTime are serialized for
	// timestamp replies.
	OriginateTime uint32
	ReceiveTime   uint32
	TransmitTime  uint32
	// AddressMask is serialized for address mask replies.
	AddressMask netip.Addr
}

// Special selects a deliberately broken transformation of the reply. At most
// one may be in effect for a run.
type Special string

const (
	// SpecialNone leaves the reply untouched.
	SpecialNone Special = ""
	// SpecialNoPayload strips the payload from the reply.
	SpecialNoPayload Special = "no-payload"
	// SpecialNotMine increments the embedded identifier so the reply no
	// longer matches the original request.
	SpecialNotMine Special = "not-mine"
	// SpecialTCP embeds a synthetic TCP segment in place of the inner ICMP
	// header.
	SpecialTCP Special = "tcp"
	// SpecialUDP embeds a synthetic UDP datagram in place of the inner ICMP
	// header.
	SpecialUDP Special = "udp"
	// SpecialWrong zeroes the final payload byte.
	SpecialWrong Special = "wrong"
	// SpecialWarp rewrites the leading payload timestamp to the maximum
	// signed 64-bit value.
	SpecialWarp Special = "warp"
	// SpecialEveryOther answers odd sequence numbers with a minimal,
	// protocol-invalid reply.
	SpecialEveryOther Special = "every-other"
)

// Specials returns all supported special behaviors, in the order they are
// documented.
func Specials() []Special {
	return []Special{
		SpecialNone,
		SpecialNoPayload,
		SpecialNotMine,
		SpecialTCP,
		SpecialUDP,
		SpecialWrong,
		SpecialWarp,
		SpecialEveryOther,
	}
}

// Validate returns an error if the special behavior is not one of the
// supported tags.
func (s Special) Validate() error {
	for _, known := range Specials() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unsupported special behavior %q", string(s))
}
