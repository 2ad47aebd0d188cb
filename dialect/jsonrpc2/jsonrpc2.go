// Package jsonrpc2 implements the JSON-RPC 2.0 text dialect of a
// pactor.Dialect: newline-agnostic, back-to-back JSON values framed by
// jsonframer rather than a length prefix, exactly as the wire format
// itself has no framing of its own.
package jsonrpc2

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pactor"
	"pactor/jsonframer"
)

const version = "2.0"

// Dialect is the JSON-RPC 2.0 pactor.Dialect.
type Dialect struct{}

// New returns the JSON-RPC 2.0 dialect. It holds no state of its own —
// every connection gets its own *reader from NewReader — so a single
// value may be shared across Sessions.
func New() Dialect { return Dialect{} }

func (Dialect) Name() string { return "jsonrpc2" }

// envelope covers every field either a request, a notification, or a
// response can carry; which subset is populated tells decode which kind
// it decoded.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.Number    `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rawValue adapts a json.RawMessage to pactor.RawValue.
type rawValue json.RawMessage

func (r rawValue) Decode(out any) error {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	return json.Unmarshal(r, out)
}

func toRaw(msgs []json.RawMessage) []pactor.RawValue {
	out := make([]pactor.RawValue, len(msgs))
	for i, m := range msgs {
		out[i] = rawValue(m)
	}
	return out
}

// reader implements pactor.MessageReader over an io.Reader, pulling
// small chunks through jsonframer until a complete top-level value is
// available to decode.
type reader struct {
	src    io.Reader
	framer *jsonframer.Framer
	buf    [4096]byte
}

func (Dialect) NewReader(r io.Reader) pactor.MessageReader {
	return &reader{src: r, framer: jsonframer.New()}
}

func (rd *reader) ReadMessage() (*pactor.Message, error) {
	for {
		if raw, ok := rd.framer.Pop(); ok {
			return decode(raw)
		}
		n, err := rd.src.Read(rd.buf[:])
		if n > 0 {
			rd.framer.Feed(rd.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func decode(raw []byte) (*pactor.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("jsonrpc2: malformed message: %w", err)
	}

	msg := &pactor.Message{}

	switch {
	case env.Method != "" && env.ID == nil:
		msg.Kind = pactor.KindNotification
		msg.Method = env.Method
		if err := decodeParams(env.Params, msg); err != nil {
			return nil, err
		}
	case env.Method != "":
		msg.Kind = pactor.KindRequest
		id, err := env.ID.Int64()
		if err != nil {
			return nil, fmt.Errorf("jsonrpc2: non-integer id: %w", err)
		}
		msg.ID = uint64(id)
		msg.Method = env.Method
		if err := decodeParams(env.Params, msg); err != nil {
			return nil, err
		}
	case env.ID != nil:
		msg.Kind = pactor.KindResponse
		id, err := env.ID.Int64()
		if err != nil {
			return nil, fmt.Errorf("jsonrpc2: non-integer id: %w", err)
		}
		msg.ID = uint64(id)
		if env.Error != nil {
			msg.Err = &pactor.Error{Code: pactor.CallError, Message: env.Error.Message}
		} else {
			msg.Result = rawValue(env.Result)
		}
	default:
		return nil, errors.New("jsonrpc2: message is neither a call, a notification, nor a response")
	}

	return msg, nil
}

func decodeParams(raw json.RawMessage, msg *pactor.Message) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch raw[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return fmt.Errorf("jsonrpc2: malformed params array: %w", err)
		}
		msg.Params.Array = toRaw(arr)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("jsonrpc2: malformed params object: %w", err)
		}
		msg.Params.Object = make(map[string]pactor.RawValue, len(obj))
		for k, v := range obj {
			msg.Params.Object[k] = rawValue(v)
		}
	default:
		return errors.New("jsonrpc2: params must be an array or an object")
	}
	return nil
}

func (Dialect) EncodeRequest(w io.Writer, id uint64, method string, args []any) error {
	env := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{version, id, method, orEmpty(args)}
	return json.NewEncoder(w).Encode(env)
}

func (Dialect) EncodeNotification(w io.Writer, method string, args []any) error {
	env := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{version, method, orEmpty(args)}
	return json.NewEncoder(w).Encode(env)
}

func (Dialect) EncodeResponse(w io.Writer, id uint64, result any, callErr *pactor.Error) error {
	if callErr != nil {
		env := struct {
			JSONRPC string     `json:"jsonrpc"`
			ID      uint64     `json:"id"`
			Error   *wireError `json:"error"`
		}{version, id, &wireError{Code: int(callErr.Code), Message: callErr.Message}}
		return json.NewEncoder(w).Encode(env)
	}
	env := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Result  any    `json:"result"`
	}{version, id, result}
	return json.NewEncoder(w).Encode(env)
}

func orEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
