package jsonrpc2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactor"
)

func TestEncodeDecodeRequest(t *testing.T) {
	var buf bytes.Buffer
	d := New()
	require.NoError(t, d.EncodeRequest(&buf, 7, "sum", []any{1, 2}))

	r := d.NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)

	assert.Equal(t, pactor.KindRequest, msg.Kind)
	assert.Equal(t, uint64(7), msg.ID)
	assert.Equal(t, "sum", msg.Method)
	require.Len(t, msg.Params.Array, 2)

	var a, b int
	require.NoError(t, msg.Params.Array[0].Decode(&a))
	require.NoError(t, msg.Params.Array[1].Decode(&b))
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEncodeDecodeNotification(t *testing.T) {
	var buf bytes.Buffer
	d := New()
	require.NoError(t, d.EncodeNotification(&buf, "tick", nil))

	msg, err := d.NewReader(&buf).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, pactor.KindNotification, msg.Kind)
	assert.Equal(t, "tick", msg.Method)
	assert.Equal(t, 0, msg.Params.Len())
}

func TestEncodeDecodeResponseSuccess(t *testing.T) {
	var buf bytes.Buffer
	d := New()
	require.NoError(t, d.EncodeResponse(&buf, 3, 42, nil))

	msg, err := d.NewReader(&buf).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, pactor.KindResponse, msg.Kind)
	assert.Equal(t, uint64(3), msg.ID)
	assert.Nil(t, msg.Err)

	var result int
	require.NoError(t, msg.Result.Decode(&result))
	assert.Equal(t, 42, result)
}

func TestEncodeDecodeResponseError(t *testing.T) {
	var buf bytes.Buffer
	d := New()
	callErr := &pactor.Error{Code: pactor.CallError, Message: "Unknown function"}
	require.NoError(t, d.EncodeResponse(&buf, 3, nil, callErr))

	msg, err := d.NewReader(&buf).ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Err)
	assert.Equal(t, "Unknown function", msg.Err.Message)
}

func TestReaderHandlesBackToBackMessagesOneByteAtATime(t *testing.T) {
	var buf bytes.Buffer
	d := New()
	require.NoError(t, d.EncodeNotification(&buf, "a", []any{1}))
	require.NoError(t, d.EncodeNotification(&buf, "b", []any{2}))

	slow := &byteAtATimeReader{data: buf.Bytes()}
	r := d.NewReader(slow)

	first, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "a", first.Method)

	second, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "b", second.Method)
}

func TestNamedParams(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0","id":1,"method":"greet","params":{"name":"Ada"}}`)

	d := New()
	msg, err := d.NewReader(&buf).ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Params.Object)

	var name string
	require.NoError(t, msg.Params.Object["name"].Decode(&name))
	assert.Equal(t, "Ada", name)
}

type byteAtATimeReader struct {
	data []byte
	pos  int
}

func (r *byteAtATimeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, nil
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}
