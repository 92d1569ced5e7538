// Package dqengine implements the connection multiplexing and
// packet-dispatch core of a QUIC transport engine: it owns every live
// connection in a single address space, routes incoming datagrams to them,
// schedules their ticks in time and priority order, and batches their
// outgoing packets onto a caller-supplied datagram sink.
//
// The engine never speaks a transport protocol itself. Per-connection state
// machines (handshake, streams, ACKs, congestion control, encryption) are
// supplied by the caller through the [github.com/gordian-engine/dqengine/dqconn]
// contract; this package only owns the bookkeeping that ties many of those
// connections together into one process: a registry, three priority queues,
// a reference-flag manager, an egress batcher, and an ingress dispatcher.
package dqengine
