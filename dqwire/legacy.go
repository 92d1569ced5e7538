package dqwire

import "github.com/gordian-engine/dqengine/dqconn"

// legacyCIDLen is the fixed 8-byte connection ID length gQUIC's public
// header family used; unlike IETF QUIC it never varies per-connection.
const legacyCIDLen = 8

// legacyPublicFlagCID is the public-flags bit indicating a full connection
// ID follows the flags byte.
const legacyPublicFlagCID = 0x08

// legacyPublicFlagReset is the public-flags bit marking a public reset
// packet, gQUIC's predecessor to IETF QUIC's stateless reset.
const legacyPublicFlagReset = 0x02

// LegacyParser reads the gQUIC-style public header used by the handful of
// pre-IETF versions this module still recognizes on the wire.
type LegacyParser struct{}

// ParseHeader implements [Parser].
func (LegacyParser) ParseHeader(buf []byte, _ int) (Header, error) {
	if len(buf) < 1 {
		return Header{}, ErrShortPacket
	}

	flags := buf[0]
	off := 1

	var dcid dqconn.CID
	if flags&legacyPublicFlagCID != 0 {
		if len(buf) < off+legacyCIDLen {
			return Header{}, ErrShortPacket
		}
		dcid = dqconn.CID(buf[off : off+legacyCIDLen])
		off += legacyCIDLen
	}

	return Header{
		IsLongHeader:  false,
		DestCID:       dcid,
		HeaderLen:     off,
		PacketLen:     len(buf),
		IsPublicReset: flags&legacyPublicFlagReset != 0,
	}, nil
}
