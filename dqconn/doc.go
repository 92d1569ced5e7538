// Package dqconn declares the contract the engine uses to drive a single
// QUIC connection's state machine.
//
// Everything in this package is the boundary between the engine (connection
// multiplexing, scheduling, and packet dispatch) and a connection's own
// handshake, stream, ACK, and congestion-control logic, which this module
// never implements. A real implementation supplies a type satisfying
// [Connection] the way a thin wrapper around an existing QUIC connection
// type would: an adapter, not a reimplementation.
package dqconn
