// Package degress implements the egress batcher: it drains the outgoing
// heap round-robin, encrypts packets as needed, and hands fixed-size
// batches of datagrams to a [dqconn.Sink], adapting the batch size to
// observed backpressure.
package degress
