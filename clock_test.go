package dqengine_test

import (
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/dqengine"
	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/dqenginetest"
	"github.com/gordian-engine/dqengine/dqwire"
	"github.com/stretchr/testify/require"
)

// TestEngine_resumeSendingAtBoundary drives spec.md §8's boundary scenario
// for the backpressure failsafe using a [dqenginetest.FakeClock] instead of
// sleeping real time: resume_sending_at exactly at now is still blocked;
// one tick later it is re-armed.
func TestEngine_resumeSendingAtBoundary(t *testing.T) {
	t.Parallel()

	clock := dqenginetest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	settings := baseSettings()
	settings.Clock = clock.Now
	sink := &fakeSink{accept: func(batch []dqconn.BatchEntry) int { return 0 }}
	eng, err := dqengine.New(settings, sink, fakeAlloc{}, nil)
	require.NoError(t, err)

	conn := &fakeConn{tickIndicator: dqconn.Send, nextTick: clock.Now().Add(time.Minute)}
	conn.toSend = []dqconn.Packet{&fakePacket{payload: []byte("x")}}

	local := &net.UDPAddr{Port: 1}
	require.NoError(t, eng.Connect(conn, local, &net.UDPAddr{Port: 2}, []dqconn.CID{"12345678"}))

	var tok [dqwire.StatelessResetTokenLen]byte
	eng.RegisterResetToken(conn, tok)
	short := make([]byte, dqwire.MinStatelessResetSize+2)
	short[0] = 0x40
	copy(short[len(short)-dqwire.StatelessResetTokenLen:], tok[:])
	_, _ = eng.PacketIn(short, local, &net.UDPAddr{Port: 2}, nil, 0)

	eng.ProcessConns() // backpressure: sink accepted 0 of 1, resume_sending_at = now + 1s
	require.True(t, eng.HasUnsentPackets())

	// Exactly at resume_sending_at: still blocked, so a second round with
	// nothing newly tickable must not call Send again.
	clock.Advance(time.Second)
	eng.ProcessConns()
	require.Equal(t, 1, sink.calls)

	// One tick past resume_sending_at: sending re-arms. Queue a fresh
	// packet (the fakeConn above does not requeue what came back via
	// PacketNotSent) and make the connection tickable again, the way a
	// real caller would via a new incoming packet; once ticked, egress
	// should run and reach the sink again.
	clock.Advance(time.Nanosecond)
	conn.toSend = append(conn.toSend, &fakePacket{payload: []byte("y")})
	_, _ = eng.PacketIn(short, local, &net.UDPAddr{Port: 2}, nil, 0)
	eng.ProcessConns()
	require.Equal(t, 2, sink.calls)
}
