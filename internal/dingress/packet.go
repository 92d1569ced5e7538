package dingress

import (
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
)

// incomingPacket is the non-owning view over a slice of the caller's
// datagram buffer handed to a connection via [dqconn.Connection.PacketIn].
// It stays valid only until the connection either copies it or PacketIn
// returns (§4.5 "non-owning view over the input buffer until copy-on-retain").
type incomingPacket struct {
	destCID     dqconn.CID
	receivedAt  time.Time
	ecn         uint8
	data        []byte
	shortHeader bool
}

func (p *incomingPacket) DestCID() dqconn.CID   { return p.destCID }
func (p *incomingPacket) ReceivedAt() time.Time { return p.receivedAt }
func (p *incomingPacket) ECN() uint8            { return p.ecn }
func (p *incomingPacket) Data() []byte          { return p.data }
func (p *incomingPacket) ShortHeader() bool     { return p.shortHeader }
