package dqconn

import (
	"net"
	"time"
)

// Indicator is the set of outcomes a [Connection.Tick] call reports back to
// the engine.
type Indicator uint8

const (
	// Send indicates the connection has at least one packet ready to be
	// collected via [Connection.NextPacketToSend].
	Send Indicator = 1 << iota

	// Close indicates the connection wants to be torn down. When Send is
	// reported alongside it (or the connection already has packets
	// queued), the engine gives it one more egress opportunity (so any
	// final CLOSE/reset packet is sent) before destroying it at the end of
	// the round.
	Close
)

// Has reports whether flag is set in i.
func (i Indicator) Has(flag Indicator) bool { return i&flag != 0 }

// EncryptResult is the outcome of [Connection.EncryptPacket].
type EncryptResult uint8

const (
	// EncryptOK means the packet's buffer now holds ciphertext ready to send.
	EncryptOK EncryptResult = iota

	// EncryptNoMem means encryption could not proceed due to a transient
	// resource shortage; the packet is handed back to the connection as
	// not-sent, and the current batch is flushed early.
	EncryptNoMem

	// EncryptBadCrypto means encryption failed unrecoverably; the owning
	// connection is synchronously torn down.
	EncryptBadCrypto
)

// Packet is a single outgoing datagram payload owned by a connection, handed
// to the engine by [Connection.NextPacketToSend] and returned to it via
// [Connection.PacketSent] / [Connection.PacketNotSent].
//
// The core treats Packet as opaque beyond the few accessors it needs to
// build a batch entry and perform the re-encryption fixup triggered by a
// mid-flight peer address-family change.
type Packet interface {
	// Payload is the wire bytes to hand to the sink. After encryption this
	// is ciphertext; before, it may be plaintext if Encrypted reports false.
	Payload() []byte

	// ECN is the explicit congestion notification codepoint to send with
	// this datagram.
	ECN() uint8

	// Encrypted reports whether Payload already holds the result of a prior
	// EncryptPacket call.
	Encrypted() bool

	// EncryptedForIPv6 reports the address family the packet was encrypted
	// for, when Encrypted is true.
	EncryptedForIPv6() bool

	// RequiresEncryption reports whether this packet must be encrypted
	// before it can be sent at all (some packet types, e.g. stateless
	// resets, are sent as-is).
	RequiresEncryption() bool
}

// Connection is the contract the engine drives every live connection
// through. It is intentionally a small, uniform surface: everything
// connection-state-machine-specific (handshake, streams, ACKs, congestion
// control, encryption internals) lives behind it, out of this module's
// scope.
type Connection interface {
	// Tick advances the connection's internal state machine and reports
	// what the engine should do next.
	Tick(now time.Time) Indicator

	// NextPacketToSend returns the next packet the connection wants sent,
	// or nil if it has nothing more to offer this round.
	NextPacketToSend() Packet

	// PacketSent notifies the connection that p was successfully handed
	// to the sink.
	PacketSent(p Packet)

	// PacketNotSent returns p to the connection unsent, so it can be
	// retried on a later round.
	PacketNotSent(p Packet)

	// PacketIn delivers a received, already-parsed packet to the
	// connection.
	PacketIn(p IncomingPacket)

	// IsTickable reports whether the connection currently wants to be
	// ticked again without waiting for its next scheduled tick time.
	IsTickable() bool

	// NextTickTime reports the earliest time, in absolute terms, that the
	// connection should next be ticked. A zero Time means "no preference";
	// this is only legal when the connection is otherwise tickable, and the
	// engine asserts that contract.
	NextTickTime() time.Time

	// StatelessReset notifies the connection that a stateless reset token
	// matching one of its registrations was received.
	StatelessReset()

	// EncryptPacket encrypts p in place (or in a connection-owned buffer
	// referenced by p), returning the outcome.
	EncryptPacket(p Packet) EncryptResult

	// Destroy releases any connection-owned resources. Called exactly once,
	// when the connection's last engine reference is released.
	Destroy()

	// PrimaryCID returns the connection's first published CID, used to
	// validate address-keyed registry lookups.
	PrimaryCID() CID

	// PeerAddrIsIPv6 reports the address family of the connection's current
	// peer address.
	PeerAddrIsIPv6() bool

	// NegotiatedVersion reports the QUIC version this connection settled
	// on, used to select a header parser in address-keyed registry mode.
	NegotiatedVersion() uint32

	// SetAddrs records the local/peer address pair most recently observed
	// for this connection.
	SetAddrs(local, peer net.Addr)

	// PeerContext returns the opaque value the caller associated with this
	// connection's peer at construction time, passed through unexamined to
	// the Allocator on every alloc/release/return call so a caller can key
	// a per-peer memory arena without the engine knowing anything about
	// its shape.
	PeerContext() any
}

// IncomingPacket is a parsed, received datagram handed to a connection via
// [Connection.PacketIn].
type IncomingPacket interface {
	// DestCID is the destination connection ID parsed from the packet
	// header, or "" if the header carries none.
	DestCID() CID

	// ReceivedAt is the time the engine observed the packet.
	ReceivedAt() time.Time

	// ECN is the 2-bit explicit congestion notification codepoint carried
	// alongside the datagram.
	ECN() uint8

	// Data is the packet's payload bytes, valid only until the connection
	// either copies it or returns from PacketIn.
	Data() []byte

	// ShortHeader reports whether the packet used the IETF short header
	// form, used by the stateless-reset path.
	ShortHeader() bool
}
