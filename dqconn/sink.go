package dqconn

import "net"

// BatchEntry is one datagram handed to a [Sink] in a single call. It is
// built from a connection's outgoing [Packet] plus the addressing the
// engine observed for that connection.
type BatchEntry struct {
	Payload []byte
	ECN     uint8

	LocalAddr net.Addr
	PeerAddr  net.Addr

	// PeerContext is the value returned by the owning connection's
	// PeerContext method, threaded through so a sink can route by peer
	// without the engine interpreting it.
	PeerContext any
}

// Sink is the datagram transport the engine hands finished batches to. It
// is the only place actual socket I/O happens, and this module never
// implements one itself.
type Sink interface {
	// Send transmits batch and reports how many entries were actually
	// sent, in order starting from index 0. A negative return is treated
	// as zero sent. Fewer than len(batch) signals backpressure; the engine
	// self-arms a resume timer rather than treating it as an error.
	Send(batch []BatchEntry) (nSent int, err error)
}

// Allocator manages the buffers backing encrypted packet payloads.
type Allocator interface {
	// Alloc returns a buffer of size bytes for a packet destined to
	// peerCtx, sized appropriately for the given address family.
	Alloc(peerCtx any, size int, isIPv6 bool) []byte

	// Release returns buf after it has been sent (or otherwise finished
	// with) to the allocator's pool.
	Release(peerCtx any, buf []byte, isIPv6 bool)

	// Return releases buf when re-encryption forced it out of use before
	// it was ever sent, as distinct from the normal post-send Release.
	Return(peerCtx any, buf []byte, isIPv6 bool)
}
