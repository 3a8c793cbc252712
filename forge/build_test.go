// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package forge_test

import (
	"encoding/binary"
	"math"
	"net/netip"
	"testing"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noisysockets/pingforge/forge"
	"github.com/noisysockets/pingforge/ipopts"
)

var (
	clientAddr = netip.MustParseAddr("192.0.2.1")
	probedAddr = netip.MustParseAddr("192.0.2.2")
)

// echoRequestFrame builds the kind of frame the ping client would put on
// the wire.
func echoRequestFrame(ident, seq uint16, payload []byte) []byte {
	buf := make([]byte, header.IPv4MinimumSize+header.ICMPv4MinimumSize+len(payload))

	src := clientAddr.As4()
	dst := probedAddr.As4()
	ipHdr := header.IPv4(buf)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		ID:          42,
		TTL:         64,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(src[:]),
		DstAddr:     tcpip.AddrFromSlice(dst[:]),
	})
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	icmpHdr := header.ICMPv4(buf[header.IPv4MinimumSize:])
	icmpHdr.SetType(header.ICMPv4Echo)
	icmpHdr.SetIdent(ident)
	icmpHdr.SetSequence(seq)
	copy(buf[header.IPv4MinimumSize+header.ICMPv4MinimumSize:], payload)
	icmpHdr.SetChecksum(^checksum.Checksum(buf[header.IPv4MinimumSize:], 0))

	return buf
}

func parseRequest(t *testing.T, ident, seq uint16, payload []byte) *forge.EchoRequest {
	t.Helper()

	req, err := forge.ParseEchoRequest(echoRequestFrame(ident, seq, payload))
	require.NoError(t, err)
	return req
}

func replyTemplate() forge.ReplyTemplate {
	return forge.ReplyTemplate{
		Src: probedAddr,
		Dst: clientAddr,
	}
}

// verifyInternetChecksum asserts that the ones-complement sum of the region
// (which includes the checksum field) folds to all ones.
func verifyInternetChecksum(t *testing.T, region []byte) {
	t.Helper()

	require.EqualValues(t, 0xffff, checksum.Checksum(region, 0))
}

func TestParseEchoRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		payload := []byte{0xde, 0xad, 0xbe, 0xef}
		req, err := forge.ParseEchoRequest(echoRequestFrame(321, 7, payload))
		require.NoError(t, err)

		assert.EqualValues(t, 321, req.Ident())
		assert.EqualValues(t, 7, req.Sequence())
		assert.Equal(t, payload, req.Payload())
	})

	t.Run("too short", func(t *testing.T) {
		_, err := forge.ParseEchoRequest([]byte{0x45, 0x00})
		require.ErrorIs(t, err, forge.ErrMalformedRequest)
	})

	t.Run("missing icmp layer", func(t *testing.T) {
		frame := echoRequestFrame(1, 1, nil)
		frame[9] = 6 // tcp
		_, err := forge.ParseEchoRequest(frame)
		require.ErrorIs(t, err, forge.ErrMalformedRequest)
	})

	t.Run("not ipv4", func(t *testing.T) {
		frame := echoRequestFrame(1, 1, nil)
		frame[0] = 0x60
		_, err := forge.ParseEchoRequest(frame)
		require.ErrorIs(t, err, forge.ErrMalformedRequest)
	})
}

func TestBuildEchoReply(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	req := parseRequest(t, 1234, 3, payload)

	params := forge.ICMPParams{
		Type:  header.ICMPv4EchoReply,
		Ident: req.Ident(),
		Seq:   req.Sequence(),
	}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialNone)
	require.NoError(t, err)

	// Self-contained type: outer header and payload only, no embedding.
	require.Len(t, pkt, header.IPv4MinimumSize+header.ICMPv4MinimumSize+len(payload))

	ipHdr := header.IPv4(pkt)
	assert.EqualValues(t, header.IPv4MinimumSize, ipHdr.HeaderLength())
	assert.EqualValues(t, len(pkt), binary.BigEndian.Uint16(pkt[2:4]))
	assert.EqualValues(t, 1, binary.BigEndian.Uint16(pkt[4:6]))
	assert.Equal(t, probedAddr.AsSlice(), pkt[12:16])
	assert.Equal(t, clientAddr.AsSlice(), pkt[16:20])
	verifyInternetChecksum(t, pkt[:header.IPv4MinimumSize])

	icmp := pkt[header.IPv4MinimumSize:]
	assert.EqualValues(t, header.ICMPv4EchoReply, icmp[0])
	assert.EqualValues(t, 0, icmp[1])
	assert.EqualValues(t, 1234, binary.BigEndian.Uint16(icmp[4:6]))
	assert.EqualValues(t, 3, binary.BigEndian.Uint16(icmp[6:8]))
	assert.Equal(t, payload, icmp[header.ICMPv4MinimumSize:])
	verifyInternetChecksum(t, icmp)
}

func TestBuildWithOptions(t *testing.T) {
	req := parseRequest(t, 1, 0, []byte{0xaa, 0xbb})

	tmpl := replyTemplate()
	tmpl.Options = ipopts.NoOp.Bytes()

	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	pkt, err := forge.BuildResponse(req, tmpl, params, 0, forge.SpecialNone)
	require.NoError(t, err)

	// The single no-op byte is padded to a 32-bit boundary.
	ipHdr := header.IPv4(pkt)
	require.EqualValues(t, 24, ipHdr.HeaderLength())
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, pkt[20:24])
	verifyInternetChecksum(t, pkt[:24])
}

func TestBuildTimestampReply(t *testing.T) {
	req := parseRequest(t, 55, 1, nil)

	params := forge.ICMPParams{
		Type:          header.ICMPv4TimestampReply,
		Ident:         req.Ident(),
		Seq:           req.Sequence(),
		OriginateTime: 1000,
		ReceiveTime:   2000,
		TransmitTime:  3000,
	}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialNone)
	require.NoError(t, err)

	// Timestamp replies carry three 32-bit timestamps after ident/seq.
	require.Len(t, pkt, header.IPv4MinimumSize+20)

	icmp := pkt[header.IPv4MinimumSize:]
	assert.EqualValues(t, 55, binary.BigEndian.Uint16(icmp[4:6]))
	assert.EqualValues(t, 1000, binary.BigEndian.Uint32(icmp[8:12]))
	assert.EqualValues(t, 2000, binary.BigEndian.Uint32(icmp[12:16]))
	assert.EqualValues(t, 3000, binary.BigEndian.Uint32(icmp[16:20]))
	verifyInternetChecksum(t, icmp)
}

func TestBuildMaskReply(t *testing.T) {
	req := parseRequest(t, 9, 2, nil)

	params := forge.ICMPParams{
		Type:        18, // address mask reply
		Ident:       req.Ident(),
		Seq:         req.Sequence(),
		AddressMask: netip.MustParseAddr("255.255.255.0"),
	}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialNone)
	require.NoError(t, err)

	require.Len(t, pkt, header.IPv4MinimumSize+12)

	icmp := pkt[header.IPv4MinimumSize:]
	assert.Equal(t, []byte{255, 255, 255, 0}, icmp[8:12])
}

func TestBuildErrorStyleReply(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30, 0x40}
	req := parseRequest(t, 77, 4, payload)

	tmpl := replyTemplate()
	tmpl.Options = ipopts.RecordRoute.Bytes()
	tmpl.Flags = forge.FlagDontFragment

	params := forge.ICMPParams{
		Type:       header.ICMPv4DstUnreachable,
		Code:       4, // fragmentation needed
		Ident:      req.Ident(),
		Seq:        req.Sequence(),
		NextHopMTU: 1280,
	}

	pkt, err := forge.BuildResponse(req, tmpl, params, 0, forge.SpecialNone)
	require.NoError(t, err)

	// Outer header: 20 bytes, the template's options must NOT appear on it.
	innerIPLen := header.IPv4MinimumSize + 40 // options padded to 40
	require.Len(t, pkt,
		header.IPv4MinimumSize+header.ICMPv4MinimumSize+innerIPLen+header.ICMPv4MinimumSize+len(payload))

	ipHdr := header.IPv4(pkt)
	assert.EqualValues(t, header.IPv4MinimumSize, ipHdr.HeaderLength())
	verifyInternetChecksum(t, pkt[:header.IPv4MinimumSize])

	icmp := pkt[header.IPv4MinimumSize:]
	assert.EqualValues(t, header.ICMPv4DstUnreachable, icmp[0])
	assert.EqualValues(t, 4, icmp[1])
	assert.EqualValues(t, 1280, binary.BigEndian.Uint16(icmp[6:8]))
	verifyInternetChecksum(t, icmp)

	// Inner IP header: normalized as freshly constructed, options moved on.
	inner := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
	assert.EqualValues(t, 0x4f, inner[0]) // IHL 15: 20 bytes + 40 bytes of options
	assert.EqualValues(t, 1, binary.BigEndian.Uint16(inner[4:6]))
	assert.EqualValues(t, uint16(forge.FlagDontFragment)<<13, binary.BigEndian.Uint16(inner[6:8]))
	assert.EqualValues(t, 1, inner[9]) // still icmp
	assert.Equal(t, clientAddr.AsSlice(), inner[12:16])
	assert.Equal(t, probedAddr.AsSlice(), inner[16:20])
	assert.Equal(t, byte(0x07), inner[20]) // record route option
	verifyInternetChecksum(t, inner[:innerIPLen])

	// Inner ICMP header: echo request type, captured ident/seq.
	innerICMP := inner[innerIPLen:]
	assert.EqualValues(t, header.ICMPv4Echo, innerICMP[0])
	assert.EqualValues(t, 77, binary.BigEndian.Uint16(innerICMP[4:6]))
	assert.EqualValues(t, 4, binary.BigEndian.Uint16(innerICMP[6:8]))

	assert.Equal(t, payload, innerICMP[header.ICMPv4MinimumSize:])
}

func TestInnerHeaderLengthOverride(t *testing.T) {
	req := parseRequest(t, 1, 0, []byte{0xff})

	params := forge.ICMPParams{Type: header.ICMPv4TimeExceeded}

	for _, ihl := range []uint8{1, 5, 7, 15} {
		pkt, err := forge.BuildResponse(req, replyTemplate(), params, ihl, forge.SpecialNone)
		require.NoError(t, err)

		// The declared length equals exactly the override, independent of
		// the real structural size (which stays 20 bytes).
		inner := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
		assert.Equal(t, 0x40|ihl, inner[0], "ihl %d", ihl)
		require.Len(t, pkt, 20+8+20+8+1, "ihl %d", ihl)
	}
}

func TestSkipAlternate(t *testing.T) {
	payload := []byte{1, 2, 3}

	for seq := uint16(0); seq < 6; seq++ {
		req := parseRequest(t, 10, seq, payload)
		params := forge.ICMPParams{
			Type:  header.ICMPv4EchoReply,
			Ident: req.Ident(),
			Seq:   req.Sequence(),
		}

		pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialEveryOther)
		require.NoError(t, err)

		if seq%2 == 1 {
			// Minimal, protocol-invalid reply: bare header pair.
			require.Len(t, pkt, header.IPv4MinimumSize+header.ICMPv4MinimumSize, "seq %d", seq)
			assert.Equal(t, []byte{127, 0, 0, 1}, pkt[12:16], "seq %d", seq)
			assert.Equal(t, []byte{127, 0, 0, 1}, pkt[16:20], "seq %d", seq)
			icmp := pkt[header.IPv4MinimumSize:]
			assert.EqualValues(t, header.ICMPv4Echo, icmp[0], "seq %d", seq)
			assert.EqualValues(t, 0, binary.BigEndian.Uint16(icmp[4:6]), "seq %d", seq)
			assert.EqualValues(t, 0, binary.BigEndian.Uint16(icmp[6:8]), "seq %d", seq)
		} else {
			// Full, type-appropriate reply.
			require.Len(t, pkt, header.IPv4MinimumSize+header.ICMPv4MinimumSize+len(payload), "seq %d", seq)
			assert.Equal(t, payload, pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:], "seq %d", seq)
		}
	}
}

func TestStripPayload(t *testing.T) {
	req := parseRequest(t, 1, 0, []byte{1, 2, 3, 4})
	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialNoPayload)
	require.NoError(t, err)

	require.Len(t, pkt, header.IPv4MinimumSize+header.ICMPv4MinimumSize)
}

func TestCorruptTail(t *testing.T) {
	payload := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	req := parseRequest(t, 1, 0, payload)
	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialWrong)
	require.NoError(t, err)

	got := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
	require.Len(t, got, len(payload))

	// Only the final byte differs, and it is zero.
	assert.Equal(t, payload[:len(payload)-1], got[:len(got)-1])
	assert.EqualValues(t, 0, got[len(got)-1])
}

func TestTimeWarp(t *testing.T) {
	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	req := parseRequest(t, 1, 0, payload)
	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialWarp)
	require.NoError(t, err)

	got := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
	require.Len(t, got, len(payload))

	// The originate timestamp decodes to the maximum signed 64-bit value;
	// everything after it is untouched.
	assert.EqualValues(t, uint64(math.MaxInt64), binary.BigEndian.Uint64(got[:8]))
	assert.Equal(t, payload[8:], got[8:])
}

func TestForeignIdentifier(t *testing.T) {
	req := parseRequest(t, 1000, 2, []byte{9, 9})
	params := forge.ICMPParams{
		Type:  header.ICMPv4TimeExceeded,
		Ident: req.Ident(),
		Seq:   req.Sequence(),
	}

	pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialNotMine)
	require.NoError(t, err)

	// The embedded identifier no longer matches the request.
	innerICMP := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize+header.IPv4MinimumSize:]
	assert.EqualValues(t, 1001, binary.BigEndian.Uint16(innerICMP[4:6]))
}

func TestForeignTransport(t *testing.T) {
	payload := []byte{5, 6, 7, 8}
	req := parseRequest(t, 1, 0, payload)
	params := forge.ICMPParams{Type: header.ICMPv4DstUnreachable}

	t.Run("tcp", func(t *testing.T) {
		pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialTCP)
		require.NoError(t, err)

		inner := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
		require.EqualValues(t, 6, inner[9])

		segment := inner[header.IPv4MinimumSize:]
		require.Len(t, segment, header.TCPMinimumSize+len(payload))
		assert.EqualValues(t, 1234, binary.BigEndian.Uint16(segment[0:2]))
		assert.EqualValues(t, 5678, binary.BigEndian.Uint16(segment[2:4]))
		assert.Equal(t, payload, segment[header.TCPMinimumSize:])
	})

	t.Run("udp", func(t *testing.T) {
		pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialUDP)
		require.NoError(t, err)

		inner := pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:]
		require.EqualValues(t, 17, inner[9])

		segment := inner[header.IPv4MinimumSize:]
		require.Len(t, segment, header.UDPMinimumSize+len(payload))
		assert.EqualValues(t, 1234, binary.BigEndian.Uint16(segment[0:2]))
		assert.EqualValues(t, 5678, binary.BigEndian.Uint16(segment[2:4]))
		assert.EqualValues(t, header.UDPMinimumSize+len(payload), binary.BigEndian.Uint16(segment[4:6]))
	})

	t.Run("informational type carries no embedding", func(t *testing.T) {
		params := forge.ICMPParams{Type: header.ICMPv4EchoReply}
		pkt, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.SpecialTCP)
		require.NoError(t, err)

		require.Len(t, pkt, header.IPv4MinimumSize+header.ICMPv4MinimumSize+len(payload))
	})
}

func TestOuterHeaderLengthOverride(t *testing.T) {
	req := parseRequest(t, 1, 0, nil)

	tmpl := replyTemplate()
	tmpl.HeaderLength = 6

	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	pkt, err := forge.BuildResponse(req, tmpl, params, 0, forge.SpecialNone)
	require.NoError(t, err)

	assert.EqualValues(t, 0x46, pkt[0])
}

func TestUnsupportedSpecial(t *testing.T) {
	req := parseRequest(t, 1, 0, nil)
	params := forge.ICMPParams{Type: header.ICMPv4EchoReply}

	_, err := forge.BuildResponse(req, replyTemplate(), params, 0, forge.Special("bogus"))
	require.Error(t, err)
}
