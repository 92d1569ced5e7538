package dqwire

import (
	"encoding/binary"
	"errors"

	"github.com/gordian-engine/dqengine/dqconn"
)

// ErrShortPacket is returned by a [Parser] when buf is too short to contain
// even a minimal header.
var ErrShortPacket = errors.New("dqwire: packet too short to parse a header")

// ErrUnsupportedVersion is returned by [SelectParser] when no parser in this
// package recognizes v.
var ErrUnsupportedVersion = errors.New("dqwire: unsupported QUIC version")

// MinStatelessResetSize is the smallest datagram that can plausibly carry a
// stateless reset: enough leading random bytes to disguise it as a short
// header packet, plus a 16-byte reset token.
const MinStatelessResetSize = 21

// StatelessResetTokenLen is the fixed length of a stateless reset token.
const StatelessResetTokenLen = 16

// Header is the subset of a QUIC packet header the engine's ingress path
// needs in order to route the packet to a connection and hand it to the
// connection interface.
type Header struct {
	// IsLongHeader reports whether this packet used the long header form.
	IsLongHeader bool

	// Version is the long-header version field. Zero for short-header
	// packets, whose version was settled during the handshake.
	Version Version

	// DestCID is the destination connection ID, possibly empty.
	DestCID dqconn.CID

	// SrcCID is the source connection ID. Only present on long-header
	// packets; empty otherwise.
	SrcCID dqconn.CID

	// HeaderLen is the number of bytes the header itself occupies, i.e.
	// where the packet payload begins.
	HeaderLen int

	// PacketLen is the total number of bytes this packet occupies in the
	// datagram, header plus payload. The Ingress Dispatcher advances past
	// this many bytes to find the next coalesced packet, if any. Always
	// equal to the number of bytes remaining in the buffer for a
	// short-header packet, since IETF QUIC never coalesces anything after
	// one (§4.5).
	PacketLen int

	// IsPublicReset reports whether this packet is a legacy gQUIC public
	// reset, identified by its public-flags byte. Only [LegacyParser] ever
	// sets this; IETF QUIC has no equivalent wire marker (its stateless
	// reset is recognized by trailing-token match instead, §4.5).
	IsPublicReset bool
}

// Parser extracts a [Header] from the front of a received datagram.
//
// A single datagram can coalesce more than one QUIC packet; callers parse
// headers in a loop, each time advancing past the previous packet's total
// length as reported in [Header.PacketLen] (for long-header packets the
// parser derives it from the header's payload-length field; this package
// only concerns itself with routing information, not full packet decode).
type Parser interface {
	// ParseHeader reads a header from the start of buf. scidLen is the
	// registry's configured source CID length, needed to know how many
	// bytes of a short-header packet's destination CID to read (the short
	// header form omits an explicit CID length field).
	ParseHeader(buf []byte, scidLen int) (Header, error)
}

// SelectParser returns the [Parser] appropriate for v.
func SelectParser(v Version) (Parser, error) {
	switch {
	case v == VersionIETF:
		return IETFParser{}, nil
	case v.IsLegacyHeader():
		return LegacyParser{}, nil
	default:
		return nil, ErrUnsupportedVersion
	}
}

// GenericParser sniffs a long-header packet's version field and dispatches
// to the matching [Parser]; a short-header packet is always handed to
// [IETFParser], since every version negotiation concludes before a
// connection's peer ever sends one. Used by the Ingress Dispatcher in CID
// registry mode (§4.5), where no connection is known yet to supply a
// negotiated version up front.
type GenericParser struct{}

// ParseHeader implements [Parser].
func (GenericParser) ParseHeader(buf []byte, scidLen int) (Header, error) {
	if len(buf) < 1 {
		return Header{}, ErrShortPacket
	}
	if !IsLongHeaderPacket(buf) {
		return IETFParser{}.ParseHeader(buf, scidLen)
	}
	if len(buf) < 5 {
		return Header{}, ErrShortPacket
	}
	v := Version(binary.BigEndian.Uint32(buf[1:5]))
	p, err := SelectParser(v)
	if err != nil {
		return Header{}, err
	}
	return p.ParseHeader(buf, scidLen)
}

// IsLongHeaderPacket reports whether the first byte of buf marks a
// long-header packet (the high bit set).
func IsLongHeaderPacket(buf []byte) bool {
	return len(buf) > 0 && buf[0]&0x80 != 0
}

// IsShortHeaderPacket reports whether the first byte of buf marks an IETF
// short-header packet: the high bit clear and the next bit set.
func IsShortHeaderPacket(buf []byte) bool {
	return len(buf) > 0 && buf[0]&0xC0 == 0x40
}
