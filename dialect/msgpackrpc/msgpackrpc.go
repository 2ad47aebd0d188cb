// Package msgpackrpc implements the msgpack-RPC binary dialect of a
// pactor.Dialect: every message is a single self-delimiting msgpack
// array, so — unlike the JSON-RPC 2.0 dialect — no separate framing
// layer is needed; the codec's own array/map length headers tell the
// decoder exactly how many bytes to consume.
package msgpackrpc

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"pactor"
)

const (
	typeRequest      = 0
	typeResponse     = 1
	typeNotification = 2
)

// Dialect is the msgpack-RPC pactor.Dialect.
type Dialect struct{}

// New returns the msgpack-RPC dialect.
func New() Dialect { return Dialect{} }

func (Dialect) Name() string { return "msgpack-rpc" }

// rawValue adapts a msgpack.RawMessage to pactor.RawValue.
type rawValue msgpack.RawMessage

func (r rawValue) Decode(out any) error {
	if isNil(msgpack.RawMessage(r)) {
		return nil
	}
	return msgpack.Unmarshal(r, out)
}

func isNil(r msgpack.RawMessage) bool {
	return len(r) == 1 && r[0] == 0xc0 // msgpack nil
}

// reader implements pactor.MessageReader directly over a streaming
// msgpack.Decoder — each ReadMessage call consumes exactly one
// top-level array, since msgpack-RPC has no ambiguity about where a
// value ends the way an unframed JSON stream does (spec.md §4.2 applies
// only to dialects without their own length-prefixed framing).
type reader struct {
	dec *msgpack.Decoder
}

func (Dialect) NewReader(r io.Reader) pactor.MessageReader {
	return &reader{dec: msgpack.NewDecoder(r)}
}

func (rd *reader) ReadMessage() (*pactor.Message, error) {
	n, err := rd.dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}

	tag, err := rd.dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("msgpackrpc: malformed message tag: %w", err)
	}

	switch tag {
	case typeRequest:
		if n != 4 {
			return nil, fmt.Errorf("msgpackrpc: request array has %d elements, want 4", n)
		}
		id, err := rd.dec.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed request id: %w", err)
		}
		method, err := rd.dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed method name: %w", err)
		}
		args, err := decodeParamsArray(rd.dec)
		if err != nil {
			return nil, err
		}
		return &pactor.Message{
			Kind:   pactor.KindRequest,
			ID:     uint64(id),
			Method: method,
			Params: pactor.Params{Array: args},
		}, nil

	case typeResponse:
		if n != 4 {
			return nil, fmt.Errorf("msgpackrpc: response array has %d elements, want 4", n)
		}
		id, err := rd.dec.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed response id: %w", err)
		}
		errRaw, err := rd.dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed error field: %w", err)
		}
		resultRaw, err := rd.dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed result field: %w", err)
		}
		msg := &pactor.Message{Kind: pactor.KindResponse, ID: uint64(id)}
		if !isNil(errRaw) {
			var errMsg string
			if err := msgpack.Unmarshal(errRaw, &errMsg); err != nil {
				errMsg = fmt.Sprintf("%v", errRaw)
			}
			msg.Err = &pactor.Error{Code: pactor.CallError, Message: errMsg}
		} else {
			msg.Result = rawValue(resultRaw)
		}
		return msg, nil

	case typeNotification:
		if n != 3 {
			return nil, fmt.Errorf("msgpackrpc: notification array has %d elements, want 3", n)
		}
		method, err := rd.dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed method name: %w", err)
		}
		args, err := decodeParamsArray(rd.dec)
		if err != nil {
			return nil, err
		}
		return &pactor.Message{
			Kind:   pactor.KindNotification,
			Method: method,
			Params: pactor.Params{Array: args},
		}, nil

	default:
		return nil, fmt.Errorf("msgpackrpc: unknown message type %d", tag)
	}
}

func decodeParamsArray(dec *msgpack.Decoder) ([]pactor.RawValue, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("msgpackrpc: malformed params array: %w", err)
	}
	if n <= 0 {
		return []pactor.RawValue{}, nil
	}
	out := make([]pactor.RawValue, n)
	for i := 0; i < n; i++ {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("msgpackrpc: malformed param %d: %w", i, err)
		}
		out[i] = rawValue(raw)
	}
	return out, nil
}

func (Dialect) EncodeRequest(w io.Writer, id uint64, method string, args []any) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(typeRequest); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(id)); err != nil {
		return err
	}
	if err := enc.EncodeString(method); err != nil {
		return err
	}
	return encodeArgsArray(enc, args)
}

func (Dialect) EncodeNotification(w io.Writer, method string, args []any) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeInt(typeNotification); err != nil {
		return err
	}
	if err := enc.EncodeString(method); err != nil {
		return err
	}
	return encodeArgsArray(enc, args)
}

func (Dialect) EncodeResponse(w io.Writer, id uint64, result any, callErr *pactor.Error) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(typeResponse); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(id)); err != nil {
		return err
	}
	if callErr != nil {
		if err := enc.EncodeString(callErr.Message); err != nil {
			return err
		}
		return enc.EncodeNil()
	}
	if err := enc.EncodeNil(); err != nil {
		return err
	}
	return enc.Encode(result)
}

func encodeArgsArray(enc *msgpack.Encoder, args []any) error {
	if err := enc.EncodeArrayLen(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	return nil
}
