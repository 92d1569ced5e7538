package dingress_test

import (
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/dqwire"
	"github.com/gordian-engine/dqengine/internal/dflags"
	"github.com/gordian-engine/dqengine/internal/dingress"
	"github.com/gordian-engine/dqengine/internal/dreg"
	"github.com/gordian-engine/dqengine/internal/dsched"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in              []dqconn.IncomingPacket
	statelessResets int
	tickable        bool
}

func (c *fakeConn) Tick(time.Time) dqconn.Indicator { return 0 }
func (c *fakeConn) NextPacketToSend() dqconn.Packet { return nil }
func (c *fakeConn) PacketSent(dqconn.Packet)        {}
func (c *fakeConn) PacketNotSent(dqconn.Packet)     {}
func (c *fakeConn) PacketIn(p dqconn.IncomingPacket) {
	c.in = append(c.in, p)
}
func (c *fakeConn) IsTickable() bool        { return c.tickable }
func (c *fakeConn) NextTickTime() time.Time { return time.Time{} }
func (c *fakeConn) StatelessReset()         { c.statelessResets++ }
func (c *fakeConn) EncryptPacket(dqconn.Packet) dqconn.EncryptResult {
	return dqconn.EncryptOK
}
func (c *fakeConn) Destroy()                      {}
func (c *fakeConn) PrimaryCID() dqconn.CID        { return "" }
func (c *fakeConn) PeerAddrIsIPv6() bool          { return false }
func (c *fakeConn) NegotiatedVersion() uint32     { return uint32(dqwire.VersionIETF) }
func (c *fakeConn) SetAddrs(local, peer net.Addr) {}
func (c *fakeConn) PeerContext() any              { return nil }

func longHeaderPacket(dcid, scid string, payload []byte) []byte {
	buf := []byte{0x80 | 0x01, 0x00, 0x00, 0x00, 0x01}
	buf = append(buf, byte(len(dcid)))
	buf = append(buf, dcid...)
	buf = append(buf, byte(len(scid)))
	buf = append(buf, scid...)
	buf = append(buf, byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	return buf
}

func TestDispatch_singleLongHeaderPacketDelivered(t *testing.T) {
	t.Parallel()

	reg := dreg.New(dreg.ModeCID)
	tickable := dsched.NewTickableHeap()
	d := dingress.New(reg, tickable, 8, true, nil)

	conn := &fakeConn{}
	s := dflags.New(conn, nil)
	require.NoError(t, reg.InsertAllCIDs(s, []dqconn.CID{"abcd1234"}))
	s.Incref(dflags.Hashed)

	buf := longHeaderPacket("abcd1234", "xy", []byte("payload"))

	n, err := d.Dispatch(buf, &net.UDPAddr{Port: 1}, &net.UDPAddr{Port: 2}, nil, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n) // reached a connection, §4.5 step 4
	require.Len(t, conn.in, 1)
	require.Equal(t, []byte("payload"), conn.in[0].Data())
	require.True(t, s.Has(dflags.Tickable))
	require.Equal(t, 1, tickable.Len())
}

func TestDispatch_coalescedSecondPacketTruncated(t *testing.T) {
	t.Parallel()

	reg := dreg.New(dreg.ModeCID)
	tickable := dsched.NewTickableHeap()
	d := dingress.New(reg, tickable, 8, true, nil)

	conn := &fakeConn{}
	s := dflags.New(conn, nil)
	require.NoError(t, reg.InsertAllCIDs(s, []dqconn.CID{"abcd1234"}))
	s.Incref(dflags.Hashed)

	first := longHeaderPacket("abcd1234", "xy", []byte("payload"))
	// A second long-header packet claiming more payload than is present.
	second := []byte{0x80 | 0x01, 0x00, 0x00, 0x00, 0x01, 0x08}
	second = append(second, "abcd1234"...)
	second = append(second, 0x00) // scid len 0
	second = append(second, 0x00, 0x05) // claims 5 bytes of payload
	second = append(second, 0xff)       // only 1 present

	buf := append(first, second...)

	n, err := d.Dispatch(buf, &net.UDPAddr{Port: 1}, &net.UDPAddr{Port: 2}, nil, 0, time.Now())
	require.Error(t, err)
	require.ErrorIs(t, err, dingress.ErrParse)
	require.Equal(t, -1, n)
	require.Len(t, conn.in, 1) // the first packet still reached the connection
}

func TestDispatch_statelessResetMatch(t *testing.T) {
	t.Parallel()

	reg := dreg.New(dreg.ModeCID)
	tickable := dsched.NewTickableHeap()
	d := dingress.New(reg, tickable, 8, true, nil)

	conn := &fakeConn{}
	s := dflags.New(conn, nil)

	var tok [dqwire.StatelessResetTokenLen]byte
	for i := range tok {
		tok[i] = byte(i + 1)
	}
	d.RegisterResetToken(tok, s)

	// Short-header packet (top bits 01) with no known CID, long enough to
	// carry a trailing reset token.
	buf := make([]byte, dqwire.MinStatelessResetSize+4)
	buf[0] = 0x40
	copy(buf[len(buf)-dqwire.StatelessResetTokenLen:], tok[:])

	n, err := d.Dispatch(buf, &net.UDPAddr{Port: 1}, &net.UDPAddr{Port: 2}, nil, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n) // handled, but not delivered to a connection
	require.Equal(t, 1, conn.statelessResets)
	require.True(t, s.Has(dflags.Tickable))
}

// legacyVersionConn negotiates a legacy gQUIC version, so an
// address-keyed Dispatcher selects [dqwire.LegacyParser] for it.
type legacyVersionConn struct {
	*fakeConn
}

func (c legacyVersionConn) NegotiatedVersion() uint32 { return uint32(dqwire.VersionQ044) }

func TestDispatch_publicResetDroppedWhenNotHonored(t *testing.T) {
	t.Parallel()

	reg := dreg.New(dreg.ModeAddress)
	tickable := dsched.NewTickableHeap()
	d := dingress.New(reg, tickable, 0, false, nil)

	conn := legacyVersionConn{&fakeConn{}}
	s := dflags.New(conn, nil)
	s.LocalAddr = &net.UDPAddr{Port: 7}
	require.NoError(t, reg.InsertAllCIDs(s, []dqconn.CID{""}))
	s.Incref(dflags.Hashed)

	buf := []byte{0x02} // legacy public-flags byte with the reset bit set

	n, err := d.Dispatch(buf, &net.UDPAddr{Port: 7}, &net.UDPAddr{Port: 2}, nil, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n) // handled (discarded), but not delivered to a connection
	require.Empty(t, conn.in)
}
