// Package model defines the identity and event model: systems (public keys),
// processes (per-device logs), pointers, events and signed events.
//
// # Identity
//
// An event is identified by (system, process, logicalClock). Within one
// process logical clocks are dense and start at 0. Two events with the same
// identity must have byte-identical canonical encodings; anything else is a
// protocol violation by the log owner.
//
// # Canonical encoding
//
// Events are encoded in protobuf wire format with fields in ascending order
// and zero values omitted (see package wire). Signatures cover exactly these
// bytes, and SignedEvent.Decode rejects any event whose signature does not
// verify against its own system key.
package model
