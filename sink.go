package dqengine

import "github.com/gordian-engine/dqengine/dqconn"

// Sink is the datagram transport the engine hands finished batches to. It
// is a direct alias of [dqconn.Sink]; the type exists at this package's
// level purely so callers constructing an [Engine] don't need to import
// dqconn just to name the collaborator type in their own code.
type Sink = dqconn.Sink

// Allocator manages the buffers backing encrypted packet payloads. A direct
// alias of [dqconn.Allocator]; see [Sink].
type Allocator = dqconn.Allocator

// BatchEntry is one datagram handed to a [Sink] in a single [Sink.Send]
// call. A direct alias of [dqconn.BatchEntry]; see [Sink].
type BatchEntry = dqconn.BatchEntry
