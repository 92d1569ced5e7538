// Package dqwire parses just enough of a QUIC packet header to route a
// received datagram: which connection ID it names, which version it
// carries, and where the header ends. It never decodes frames, and it
// never touches anything cryptographic beyond recognizing the shape of a
// stateless reset packet.
package dqwire
