// Package contracts defines the values that travel through the bus.
//
// Every message in flight is an Envelope: a string message type, a Metadata
// block carrying routing and correlation fields, and an opaque payload.
// Message types are plain strings. A payload can name itself by implementing
// Named, or its Go type can be mapped to a name up front in a TypeRegistry;
// the bus never derives names from Go type information on its own.
//
// The package also holds the wire-level error payloads exchanged between
// handlers and callers:
//   - ErrorPayload: carried by a reply to reject the caller's request
//   - SystemError: carried by the system error event (SystemErrorType)
package contracts
