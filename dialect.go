package pactor

import "io"

// MessageReader decodes one logical Message at a time from a stream. A
// single call to ReadMessage must consume exactly the bytes of one
// message, buffering whatever else it read for the next call — this is
// the "codec adapter" of spec.md §4.1, plus, for dialects with no wire
// length prefix, the "incremental framer" of §4.2 folded in behind the
// same call.
//
// ReadMessage returns an error for any structural violation of the wire
// format (unknown type tag, wrong tuple/object shape, malformed framing).
// Per spec.md §4.1 such errors are fatal for the owning session: there is
// no partial recovery.
type MessageReader interface {
	ReadMessage() (*Message, error)
}

// Dialect is the pluggable wire format a Session speaks: msgpack-RPC or
// JSON-RPC 2.0 (spec.md §6). A Session is constructed with exactly one
// Dialect and uses it for the lifetime of the connection.
type Dialect interface {
	Name() string

	// NewReader wraps r in a MessageReader bound to this dialect.
	NewReader(r io.Reader) MessageReader

	// EncodeRequest, EncodeNotification and EncodeResponse each produce
	// exactly one framed wire message. args/result/callErr follow the
	// dialect's own encoding rules; args may be nil for a call with no
	// parameters.
	EncodeRequest(w io.Writer, id uint64, method string, args []any) error
	EncodeNotification(w io.Writer, method string, args []any) error
	EncodeResponse(w io.Writer, id uint64, result any, callErr *Error) error
}
