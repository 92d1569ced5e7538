package dqenginetest

import (
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
)

// echoPacket is the outgoing packet type [EchoConn] emits: for every
// received payload, EchoConn queues an identical payload to be sent back
// out. Used by round-trip property tests (spec.md
// §8 property 6).
type echoPacket struct {
	payload []byte
}

func (p *echoPacket) Payload() []byte          { return p.payload }
func (p *echoPacket) ECN() uint8               { return 0 }
func (p *echoPacket) Encrypted() bool          { return false }
func (p *echoPacket) EncryptedForIPv6() bool   { return false }
func (p *echoPacket) RequiresEncryption() bool { return false }

// EchoConn is a minimal, goroutine-unsafe [dqconn.Connection] double: every
// payload delivered via PacketIn is queued verbatim for the next
// NextPacketToSend call, and Tick reports [dqconn.Send] exactly when
// something is queued. It never asks to close and never requires
// encryption, so it exercises the ingress→tick→egress path without needing
// a real handshake or cipher.
type EchoConn struct {
	mu sync.Mutex

	PrimaryCIDValue dqconn.CID
	Version         uint32

	// NextTick is what NextTickTime reports whenever the connection is not
	// otherwise tickable. It must never be the zero Time (the engine
	// treats that as a contract violation, §4.7), so [NewEchoConn] seeds it
	// far in the future; tests that care about ATTQ scheduling can
	// override it directly.
	NextTick time.Time

	pending   [][]byte
	inbox     []dqconn.IncomingPacket
	outbox    []dqconn.Packet
	notSent   []dqconn.Packet
	tickable  bool
	destroyed bool

	localAddr, peerAddr net.Addr
}

// NewEchoConn returns an EchoConn reporting primaryCID for registry
// address-mode verification.
func NewEchoConn(primaryCID dqconn.CID) *EchoConn {
	return &EchoConn{
		PrimaryCIDValue: primaryCID,
		NextTick:        time.Now().Add(time.Hour),
	}
}

func (c *EchoConn) Tick(time.Time) dqconn.Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tickable = false
	if len(c.pending) > 0 {
		return dqconn.Send
	}
	return 0
}

func (c *EchoConn) NextPacketToSend() dqconn.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	payload := c.pending[0]
	c.pending = c.pending[1:]
	pkt := &echoPacket{payload: payload}
	c.outbox = append(c.outbox, pkt)
	return pkt
}

func (c *EchoConn) PacketSent(dqconn.Packet) {}

func (c *EchoConn) PacketNotSent(p dqconn.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notSent = append(c.notSent, p)
	c.pending = append([][]byte{p.(*echoPacket).payload}, c.pending...)
}

func (c *EchoConn) PacketIn(p dqconn.IncomingPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := append([]byte(nil), p.Data()...)
	c.inbox = append(c.inbox, p)
	c.pending = append(c.pending, data)
	c.tickable = true
}

func (c *EchoConn) IsTickable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickable
}

func (c *EchoConn) NextTickTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NextTick
}

func (c *EchoConn) StatelessReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickable = true
}

func (c *EchoConn) EncryptPacket(dqconn.Packet) dqconn.EncryptResult { return dqconn.EncryptOK }

func (c *EchoConn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *EchoConn) PrimaryCID() dqconn.CID { return c.PrimaryCIDValue }

func (c *EchoConn) PeerAddrIsIPv6() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	udp, ok := c.peerAddr.(*net.UDPAddr)
	return ok && udp.IP.To4() == nil
}

func (c *EchoConn) NegotiatedVersion() uint32 { return c.Version }

func (c *EchoConn) SetAddrs(local, peer net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localAddr, c.peerAddr = local, peer
}

func (c *EchoConn) PeerContext() any { return nil }

// Destroyed reports whether the engine has released its last reference to
// this connection.
func (c *EchoConn) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// SentPayloads returns every payload this connection has handed to the
// engine via NextPacketToSend, in order, regardless of whether the sink
// ultimately accepted it.
func (c *EchoConn) SentPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.outbox))
	for i, p := range c.outbox {
		out[i] = p.(*echoPacket).payload
	}
	return out
}
