package dqwire_test

import (
	"testing"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/dqwire"
	"github.com/stretchr/testify/require"
)

func TestIETFParser_longHeader(t *testing.T) {
	t.Parallel()

	buf := []byte{
		0x80 | 0x01, // long header, arbitrary type bits
		0x00, 0x00, 0x00, 0x01, // version
		0x04,             // dcid len
		'a', 'b', 'c', 'd', // dcid
		0x02,      // scid len
		'x', 'y', // scid
		0x00, 0x03, // payload length = 3
		0xff, 0xff, 0xff, // payload
		0xee, 0xee, // trailing bytes of a second coalesced packet, ignored here
	}

	var p dqwire.IETFParser
	h, err := p.ParseHeader(buf, 8)
	require.NoError(t, err)

	require.True(t, h.IsLongHeader)
	require.Equal(t, dqwire.Version(1), h.Version)
	require.Equal(t, dqconn.CID("abcd"), h.DestCID)
	require.Equal(t, dqconn.CID("xy"), h.SrcCID)
	require.Equal(t, 15, h.HeaderLen)
	require.Equal(t, 18, h.PacketLen)
}

func TestIETFParser_longHeader_truncatedPayload(t *testing.T) {
	t.Parallel()

	buf := []byte{
		0x80 | 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x04,
		'a', 'b', 'c', 'd',
		0x02,
		'x', 'y',
		0x00, 0x05, // claims 5 bytes of payload
		0xff, 0xff, // but only 2 are present
	}

	var p dqwire.IETFParser
	_, err := p.ParseHeader(buf, 8)
	require.ErrorIs(t, err, dqwire.ErrShortPacket)
}

func TestIETFParser_shortHeader(t *testing.T) {
	t.Parallel()

	const scidLen = 8
	buf := append([]byte{0x40}, []byte("12345678")...)
	buf = append(buf, 0xaa, 0xbb)

	var p dqwire.IETFParser
	h, err := p.ParseHeader(buf, scidLen)
	require.NoError(t, err)

	require.False(t, h.IsLongHeader)
	require.Equal(t, dqconn.CID("12345678"), h.DestCID)
	require.Equal(t, 1+scidLen, h.HeaderLen)
	require.Equal(t, len(buf), h.PacketLen)
}

func TestIETFParser_shortPacket(t *testing.T) {
	t.Parallel()

	var p dqwire.IETFParser
	_, err := p.ParseHeader([]byte{0x80, 0x00}, 8)
	require.ErrorIs(t, err, dqwire.ErrShortPacket)
}

func TestExtractStatelessResetToken(t *testing.T) {
	t.Parallel()

	short := make([]byte, dqwire.MinStatelessResetSize-1)
	_, ok := dqwire.ExtractStatelessResetToken(short)
	require.False(t, ok)

	buf := make([]byte, dqwire.MinStatelessResetSize+4)
	for i := range buf {
		buf[i] = byte(i)
	}
	tok, ok := dqwire.ExtractStatelessResetToken(buf)
	require.True(t, ok)
	require.Equal(t, buf[len(buf)-dqwire.StatelessResetTokenLen:], tok[:])
}
