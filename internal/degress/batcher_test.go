package degress_test

import (
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/internal/degress"
	"github.com/gordian-engine/dqengine/internal/dflags"
	"github.com/gordian-engine/dqengine/internal/dsched"
	"github.com/stretchr/testify/require"
)

type fakePacket struct {
	payload            []byte
	requiresEncryption bool
	encrypted          bool
}

func (p *fakePacket) Payload() []byte         { return p.payload }
func (p *fakePacket) ECN() uint8              { return 0 }
func (p *fakePacket) Encrypted() bool         { return p.encrypted }
func (p *fakePacket) EncryptedForIPv6() bool  { return false }
func (p *fakePacket) RequiresEncryption() bool { return p.requiresEncryption }

type fakeConn struct {
	toSend  []dqconn.Packet
	sent    []dqconn.Packet
	notSent []dqconn.Packet
}

func (c *fakeConn) Tick(time.Time) dqconn.Indicator { return 0 }
func (c *fakeConn) NextPacketToSend() dqconn.Packet {
	if len(c.toSend) == 0 {
		return nil
	}
	p := c.toSend[0]
	c.toSend = c.toSend[1:]
	return p
}
func (c *fakeConn) PacketSent(p dqconn.Packet) { c.sent = append(c.sent, p) }
func (c *fakeConn) PacketNotSent(p dqconn.Packet) {
	c.notSent = append(c.notSent, p)
	c.toSend = append([]dqconn.Packet{p}, c.toSend...)
}
func (c *fakeConn) PacketIn(dqconn.IncomingPacket) {}
func (c *fakeConn) IsTickable() bool               { return false }
func (c *fakeConn) NextTickTime() time.Time        { return time.Time{} }
func (c *fakeConn) StatelessReset()                {}
func (c *fakeConn) EncryptPacket(p dqconn.Packet) dqconn.EncryptResult {
	p.(*fakePacket).encrypted = true
	return dqconn.EncryptOK
}
func (c *fakeConn) Destroy()                      {}
func (c *fakeConn) PrimaryCID() dqconn.CID        { return "" }
func (c *fakeConn) PeerAddrIsIPv6() bool          { return false }
func (c *fakeConn) NegotiatedVersion() uint32     { return 0 }
func (c *fakeConn) SetAddrs(local, peer net.Addr) {}
func (c *fakeConn) PeerContext() any              { return nil }

type fakeSink struct {
	accept int // max entries to accept per call; -1 = accept all
	calls  [][]dqconn.BatchEntry
}

func (s *fakeSink) Send(batch []dqconn.BatchEntry) (int, error) {
	s.calls = append(s.calls, batch)
	if s.accept < 0 || s.accept >= len(batch) {
		return len(batch), nil
	}
	return s.accept, nil
}

type fakeAllocator struct{}

func (fakeAllocator) Alloc(any, int, bool) []byte       { return nil }
func (fakeAllocator) Release(any, []byte, bool)         {}
func (fakeAllocator) Return(any, []byte, bool)          {}

func TestBatcher_drainsFullyWhenSinkAcceptsAll(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{toSend: []dqconn.Packet{
		&fakePacket{payload: []byte("one")},
		&fakePacket{payload: []byte("two")},
	}}
	s := dflags.New(conn, nil)

	outgoing := dsched.NewOutgoingHeap()
	outgoing.Push(s)

	sink := &fakeSink{accept: -1}
	b := degress.New(sink, fakeAllocator{}, nil, nil)

	now := time.Now()
	result := b.Run(now, now.Add(time.Second), degress.InitialBatchSize, outgoing)

	require.Len(t, conn.sent, 2)
	require.Empty(t, conn.notSent)
	require.True(t, result.CanSend)
	require.Len(t, result.NothingMoreToSend, 1)
	require.Equal(t, 0, outgoing.Len())
}

func TestBatcher_backpressureShrinksAndReactivates(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{toSend: []dqconn.Packet{
		&fakePacket{payload: []byte("a")},
		&fakePacket{payload: []byte("b")},
		&fakePacket{payload: []byte("c")},
	}}
	s := dflags.New(conn, nil)

	outgoing := dsched.NewOutgoingHeap()
	outgoing.Push(s)

	sink := &fakeSink{accept: 1}
	b := degress.New(sink, fakeAllocator{}, nil, nil)

	now := time.Now()
	result := b.Run(now, now.Add(time.Second), 8, outgoing)

	require.False(t, result.CanSend)
	require.True(t, result.ResumeSendingAt.Equal(now.Add(time.Second)))
	require.Equal(t, 4, result.NewBatchSize) // 8 >> 1 == 4, at the floor
	require.Len(t, conn.sent, 1)
	require.Len(t, conn.notSent, 2)
}

func TestBatcher_badCryptoReportedAndNotReheaped(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{toSend: []dqconn.Packet{
		&fakePacket{payload: []byte("x"), requiresEncryption: true},
	}}
	s := dflags.New(badCryptoConn{conn}, nil)

	outgoing := dsched.NewOutgoingHeap()
	outgoing.Push(s)

	sink := &fakeSink{accept: -1}
	b := degress.New(sink, fakeAllocator{}, nil, nil)

	now := time.Now()
	result := b.Run(now, now.Add(time.Second), degress.InitialBatchSize, outgoing)

	require.Len(t, result.BadCrypto, 1)
	require.Same(t, s, result.BadCrypto[0])
	require.Equal(t, 0, outgoing.Len())
	require.Empty(t, result.NothingMoreToSend)
}

// badCryptoConn wraps *fakeConn but always reports BADCRYPT from
// EncryptPacket, to exercise the tear-down path independent of normal send
// bookkeeping.
type badCryptoConn struct {
	*fakeConn
}

func (c badCryptoConn) EncryptPacket(dqconn.Packet) dqconn.EncryptResult {
	return dqconn.EncryptBadCrypto
}
