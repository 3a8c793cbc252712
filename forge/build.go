// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package forge

import (
	"encoding/binary"
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

const (
	ipVersion4  = 4
	ipv4IHLMask = 0x0f

	ipv4TotalLenOffset = 2
	ipv4IDOffset       = 4
	ipv4FlagsOffset    = 6
	ipv4ProtocolOffset = 9

	// headerID is the fixed identification value written to every header the
	// forge constructs, outer and embedded alike.
	headerID   = 1
	defaultTTL = 64

	// Fixed ports carried by the synthetic transport segments.
	transportSrcPort = 1234
	transportDstPort = 5678
)

// Address mask and domain name types are absent from the netstack header
// package.
const (
	icmpv4MaskRequest       header.ICMPv4Type = 17
	icmpv4MaskReply         header.ICMPv4Type = 18
	icmpv4DomainNameRequest header.ICMPv4Type = 37
	icmpv4DomainNameReply   header.ICMPv4Type = 38
)

// selfContained reports whether the type carries only the payload after the
// ICMP header. Every other type must embed a copy of the triggering packet's
// headers and leading payload.
func selfContained(t header.ICMPv4Type) bool {
	switch t {
	case header.ICMPv4EchoReply, header.ICMPv4Echo,
		header.ICMPv4Timestamp, header.ICMPv4TimestampReply,
		header.ICMPv4InfoRequest, header.ICMPv4InfoReply,
		icmpv4MaskRequest, icmpv4MaskReply,
		icmpv4DomainNameRequest, icmpv4DomainNameReply:
		return true
	default:
		return false
	}
}

// hasIdentSeq reports whether the type carries identifier and sequence
// fields in its header.
func hasIdentSeq(t header.ICMPv4Type) bool {
	switch t {
	case header.ICMPv4EchoReply, header.ICMPv4Echo,
		header.ICMPv4Timestamp, header.ICMPv4TimestampReply,
		header.ICMPv4InfoRequest, header.ICMPv4InfoReply,
		icmpv4MaskRequest, icmpv4MaskReply:
		return true
	default:
		return false
	}
}

// headerLength returns the length of the outer ICMP header for the type.
// Timestamp replies carry three 32-bit timestamps and mask replies a 32-bit
// mask after the identifier/sequence pair.
func (p ICMPParams) headerLength() int {
	switch p.Type {
	case header.ICMPv4Timestamp, header.ICMPv4TimestampReply:
		return header.ICMPv4MinimumSize + 12
	case icmpv4MaskRequest, icmpv4MaskReply:
		return header.ICMPv4MinimumSize + 4
	default:
		return header.ICMPv4MinimumSize
	}
}

// encode serializes the ICMP header (checksum left zero) into b, which must
// be at least p.headerLength() bytes.
func (p ICMPParams) encode(b []byte) {
	icmpHdr := header.ICMPv4(b)
	icmpHdr.SetType(p.Type)
	b[1] = p.Code

	switch {
	case hasIdentSeq(p.Type):
		icmpHdr.SetIdent(p.Ident)
		icmpHdr.SetSequence(p.Seq)
	case p.Type == header.ICMPv4Redirect:
		gw := addr4(p.Gateway)
		copy(b[4:8], gw[:])
	case p.Type == header.ICMPv4ParamProblem:
		b[4] = p.Pointer
	case p.Type == header.ICMPv4DstUnreachable:
		binary.BigEndian.PutUint16(b[6:8], p.NextHopMTU)
	}

	switch p.Type {
	case header.ICMPv4Timestamp, header.ICMPv4TimestampReply:
		binary.BigEndian.PutUint32(b[8:12], p.OriginateTime)
		binary.BigEndian.PutUint32(b[12:16], p.ReceiveTime)
		binary.BigEndian.PutUint32(b[16:20], p.TransmitTime)
	case icmpv4MaskRequest, icmpv4MaskReply:
		mask := addr4(p.AddressMask)
		copy(b[8:12], mask[:])
	}
}

// BuildResponse forges the reply bytes for a captured echo request.
//
// Self-contained ICMP types yield outer IP header + ICMP header + payload,
// with the template's options on the outer header. Every other type embeds a
// reconstruction of the request: outer IP header (options cleared) + ICMP
// header + normalized inner IP header + inner ICMP header (or a synthetic
// transport segment) + payload.
//
// innerHeaderLength, when nonzero, is written literally into the inner
// header's IHL field regardless of its real structural size.
func BuildResponse(req *EchoRequest, tmpl ReplyTemplate, params ICMPParams, innerHeaderLength uint8, special Special) ([]byte, error) {
	if err := special.Validate(); err != nil {
		return nil, err
	}

	// Respond badly every other packet.
	if special == SpecialEveryOther && params.Seq%2 == 1 {
		return minimalReply(), nil
	}

	payload := append([]byte(nil), req.Payload()...)
	switch special {
	case SpecialNoPayload:
		payload = nil
	case SpecialWarp:
		// A reply that appears to originate at the end of time.
		warped := []byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
		if len(payload) > 8 {
			payload = append(warped, payload[8:]...)
		} else {
			payload = warped
		}
	case SpecialWrong:
		if len(payload) == 0 {
			payload = []byte{0x00}
		} else {
			payload[len(payload)-1] = 0x00
		}
	}

	opts := pad4(tmpl.Options)
	icmpLen := params.headerLength()

	if selfContained(params.Type) {
		ipLen := header.IPv4MinimumSize + len(opts)
		pkt := make([]byte, ipLen+icmpLen+len(payload))
		writeOuterIP(pkt[:ipLen], tmpl, opts, len(pkt))
		params.encode(pkt[ipLen : ipLen+icmpLen])
		copy(pkt[ipLen+icmpLen:], payload)
		finishICMPChecksum(pkt[ipLen:])
		return pkt, nil
	}

	// Error-style reply: the request's headers are reconstructed for
	// embedding and the template's options move onto the inner header.
	innerIPLen := header.IPv4MinimumSize + len(opts)
	innerIP := make([]byte, innerIPLen)
	copy(innerIP, req.ipHdr[:header.IPv4MinimumSize])
	innerIPHdr := header.IPv4(innerIP)
	innerIPHdr.SetHeaderLength(uint8(innerIPLen))
	copy(innerIP[header.IPv4MinimumSize:], opts)

	// As if the client had sent its request freshly constructed with these
	// set.
	binary.BigEndian.PutUint16(innerIP[ipv4IDOffset:], headerID)
	binary.BigEndian.PutUint16(innerIP[ipv4FlagsOffset:], uint16(tmpl.Flags)<<13)

	var segment []byte
	switch special {
	case SpecialTCP:
		innerIP[ipv4ProtocolOffset] = uint8(header.TCPProtocolNumber)
		segment = tcpSegment(innerIPHdr, payload)
	case SpecialUDP:
		innerIP[ipv4ProtocolOffset] = uint8(header.UDPProtocolNumber)
		segment = udpSegment(innerIPHdr, payload)
	default:
		// The inner ICMP header keeps the checksum exactly as captured.
		segment = make([]byte, header.ICMPv4MinimumSize)
		copy(segment, req.icmpHdr[:header.ICMPv4MinimumSize])
		segHdr := header.ICMPv4(segment)
		segHdr.SetType(header.ICMPv4Echo)
		if special == SpecialNotMine {
			// Breaks identifier-based demultiplexing on the receiver.
			segHdr.SetIdent(segHdr.Ident() + 1)
		}
	}

	binary.BigEndian.PutUint16(innerIP[ipv4TotalLenOffset:], uint16(innerIPLen+len(segment)+len(payload)))
	if innerHeaderLength != 0 {
		// Forced IHL, independent of the real structural size.
		innerIP[0] = ipVersion4<<4 | innerHeaderLength&ipv4IHLMask
	}
	innerIPHdr.SetChecksum(0)
	innerIPHdr.SetChecksum(^checksum.Checksum(innerIP, 0))

	ipLen := header.IPv4MinimumSize
	pkt := make([]byte, ipLen+icmpLen+len(innerIP)+len(segment)+len(payload))
	writeOuterIP(pkt[:ipLen], tmpl, nil, len(pkt))
	params.encode(pkt[ipLen : ipLen+icmpLen])
	at := ipLen + icmpLen
	at += copy(pkt[at:], innerIP)
	at += copy(pkt[at:], segment)
	copy(pkt[at:], payload)
	finishICMPChecksum(pkt[ipLen:])
	return pkt, nil
}

// writeOuterIP encodes the reply's outer IPv4 header into b, which must be
// exactly IPv4MinimumSize+len(opts) bytes. totalLen is the length of the
// whole reply.
func writeOuterIP(b []byte, tmpl ReplyTemplate, opts []byte, totalLen int) {
	ipHdr := header.IPv4(b)
	src := addr4(tmpl.Src)
	dst := addr4(tmpl.Dst)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		ID:          headerID,
		Flags:       tmpl.Flags,
		TTL:         defaultTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(src[:]),
		DstAddr:     tcpip.AddrFromSlice(dst[:]),
	})
	if len(opts) > 0 {
		copy(b[header.IPv4MinimumSize:], opts)
		ipHdr.SetHeaderLength(uint8(header.IPv4MinimumSize + len(opts)))
	}
	if tmpl.HeaderLength != 0 {
		b[0] = ipVersion4<<4 | tmpl.HeaderLength&ipv4IHLMask
	}
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^checksum.Checksum(b, 0))
}

// minimalReply is the equivalent of a default IP/ICMP header pair: a bare
// loopback IP header and a bare echo request header with no content.
func minimalReply() []byte {
	pkt := make([]byte, header.IPv4MinimumSize+header.ICMPv4MinimumSize)
	ipHdr := header.IPv4(pkt[:header.IPv4MinimumSize])
	loopback := [4]byte{127, 0, 0, 1}
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		ID:          headerID,
		TTL:         defaultTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(loopback[:]),
		DstAddr:     tcpip.AddrFromSlice(loopback[:]),
	})
	ipHdr.SetChecksum(^checksum.Checksum(pkt[:header.IPv4MinimumSize], 0))

	icmpHdr := header.ICMPv4(pkt[header.IPv4MinimumSize:])
	icmpHdr.SetType(header.ICMPv4Echo)
	finishICMPChecksum(pkt[header.IPv4MinimumSize:])
	return pkt
}

// tcpSegment builds the synthetic TCP segment embedded by SpecialTCP. The
// checksum covers the segment and the payload that follows it.
func tcpSegment(innerIPHdr header.IPv4, payload []byte) []byte {
	segment := make([]byte, header.TCPMinimumSize)
	tcpHdr := header.TCP(segment)
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    transportSrcPort,
		DstPort:    transportDstPort,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagSyn,
		WindowSize: 8192,
	})
	length := uint16(header.TCPMinimumSize + len(payload))
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		innerIPHdr.SourceAddress(), innerIPHdr.DestinationAddress(), length)
	xsum = checksum.Checksum(payload, xsum)
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum))
	return segment
}

// udpSegment builds the synthetic UDP datagram embedded by SpecialUDP.
func udpSegment(innerIPHdr header.IPv4, payload []byte) []byte {
	segment := make([]byte, header.UDPMinimumSize)
	udpHdr := header.UDP(segment)
	length := uint16(header.UDPMinimumSize + len(payload))
	udpHdr.Encode(&header.UDPFields{
		SrcPort: transportSrcPort,
		DstPort: transportDstPort,
		Length:  length,
	})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		innerIPHdr.SourceAddress(), innerIPHdr.DestinationAddress(), length)
	xsum = checksum.Checksum(payload, xsum)
	udpHdr.SetChecksum(^udpHdr.CalculateChecksum(xsum))
	return segment
}

func finishICMPChecksum(b []byte) {
	icmpHdr := header.ICMPv4(b)
	icmpHdr.SetChecksum(0)
	icmpHdr.SetChecksum(^checksum.Checksum(b, 0))
}

// pad4 pads option bytes with zeros to a 32-bit boundary, as required of an
// IPv4 header.
func pad4(opts []byte) []byte {
	if len(opts)%4 == 0 {
		return opts
	}
	padded := make([]byte, (len(opts)+3)&^3)
	copy(padded, opts)
	return padded
}

func addr4(addr netip.Addr) [4]byte {
	if !addr.IsValid() {
		return [4]byte{}
	}
	return addr.As4()
}
