// Package dingress implements the ingress dispatcher: it walks a received
// datagram's (possibly coalesced) packets, resolves each to an owning
// connection via the registry, and hands it to that connection, making the
// connection tickable in the process. It also matches stateless-reset
// tokens for short-header packets that reach no connection (§4.5).
package dingress
