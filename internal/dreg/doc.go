// Package dreg implements the connection registry: the lookup table mapping
// either connection IDs or local-address ports to the connection that owns
// them, depending on how the engine was configured.
package dreg
