package dqengine

import (
	"errors"
	"fmt"
)

// ErrReentrant is wrapped into the "BUG:" panic raised when a caller invokes
// a guarded entry point — [Engine.ProcessConns],
// [Engine.SendUnsentPackets], [Engine.Connect], [Engine.PacketIn] — while
// another call into the same Engine is already in progress (§5). It is
// never returned as an ordinary error.
var ErrReentrant = errors.New("dqengine: re-entrant call into engine")

// ErrPortInUse is returned by [Engine.Connect] when the engine hashes by
// address (§4.1) and another connection already occupies the requested
// local port.
var ErrPortInUse = errors.New("dqengine: cannot have more than one connection on the same port")

// ErrParse is the sentinel wrapped into the error [Engine.PacketIn] returns
// when a datagram's header fails to parse (§4.5, §4.7 ProtocolParseError).
var ErrParse = errors.New("dqengine: malformed packet header")

// contractViolation panics with the "BUG:" idiom this module uses throughout
// for conditions the Connection Interface or calling convention forbids;
// these are bugs, not runtime errors (§7 ContractViolation).
func contractViolation(format string, args ...any) {
	panic(fmt.Errorf("BUG: "+format, args...))
}
