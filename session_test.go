package pactor_test

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactor"
	"pactor/dialect/jsonrpc2"
)

func newPipeSessions(t *testing.T, disp *pactor.Dispatcher) (client, server *pactor.Session) {
	t.Helper()
	c, s := net.Pipe()
	d := jsonrpc2.New()
	client = pactor.NewSession(c, d, disp)
	server = pactor.NewSession(s, d, disp)
	// Both ends of this pair must service inbound work regardless of
	// which side calls first, so start both explicitly rather than
	// relying on the client-role lazy-start trigger.
	client.Start()
	server.Start()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestSessionCallRoundTrip(t *testing.T) {
	disp := pactor.NewDispatcher()
	disp.Add("sum", nil, func(a, b int) (int, error) { return a + b, nil })

	client, _ := newPipeSessions(t, disp)

	raw, err := client.Call(context.Background(), "sum", []any{2, 3}, 0)
	require.NoError(t, err)

	var result int
	require.NoError(t, raw.Decode(&result))
	assert.Equal(t, 5, result)
}

func TestSessionCallUnknownMethod(t *testing.T) {
	disp := pactor.NewDispatcher()
	client, _ := newPipeSessions(t, disp)

	_, err := client.Call(context.Background(), "nope", nil, 0)
	require.Error(t, err)
	assert.Equal(t, "Unknown function", err.Error())
}

func TestSessionCallTimeout(t *testing.T) {
	disp := pactor.NewDispatcher()
	disp.AddAsync("hang", nil, func(h *pactor.CompletionHandle) {
		// intentionally never fires
	})
	client, _ := newPipeSessions(t, disp)

	_, err := client.Call(context.Background(), "hang", nil, 10*time.Millisecond)
	require.Error(t, err)
	rpcErr, ok := err.(*pactor.Error)
	require.True(t, ok)
	assert.Equal(t, pactor.Timeout, rpcErr.Code)
}

func TestSessionNotifyProducesNoReply(t *testing.T) {
	disp := pactor.NewDispatcher()
	received := make(chan int, 1)
	disp.Add("tick", nil, func(n int) {
		received <- n
	})

	client, _ := newPipeSessions(t, disp)
	require.NoError(t, client.Notify("tick", []any{7}))

	select {
	case n := <-received:
		assert.Equal(t, 7, n)
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestSessionCloseFailsOutstandingCalls(t *testing.T) {
	disp := pactor.NewDispatcher()
	disp.AddAsync("hang", nil, func(h *pactor.CompletionHandle) {})

	client, _ := newPipeSessions(t, disp)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil, 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("call never resolved after Close")
	}
}

func TestSessionReadLoopDoesNotStartUntilFirstCall(t *testing.T) {
	disp := pactor.NewDispatcher()
	c, s := net.Pipe()
	d := jsonrpc2.New()
	client := pactor.NewSession(c, d, disp)
	t.Cleanup(func() { _ = client.Close(); _ = s.Close() })

	select {
	case <-client.Done():
		t.Fatal("read loop must not run before the session is used")
	case <-time.After(20 * time.Millisecond):
	}

	go func() { _ = client.Notify("noop", nil) }()

	buf := make([]byte, 64)
	_ = s.SetReadDeadline(time.Now().Add(time.Second))
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "noop")
}

func TestSessionReadLoopStartsExactlyOnceAcrossConcurrentCalls(t *testing.T) {
	disp := pactor.NewDispatcher()
	disp.Add("echo", nil, func(n int) (int, error) { return n, nil })
	client, _ := newPipeSessions(t, disp)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := client.Call(context.Background(), "echo", []any{n}, time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestSessionDeadlineConnTearsDownOnPartialWrite(t *testing.T) {
	disp := pactor.NewDispatcher()
	inner := newFixedWriteConn(2, os.ErrDeadlineExceeded)
	dc := pactor.NewDeadlineConn(inner)

	client := pactor.NewSession(dc, jsonrpc2.New(), disp, pactor.WithWriteDeadline(time.Millisecond))
	t.Cleanup(func() { _ = client.Close() })

	err := client.Notify("boom", nil)
	require.Error(t, err)
	assert.True(t, client.ConnFailed())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("session never tore down after a partial write")
	}
}

func TestSessionBidirectionalCalls(t *testing.T) {
	disp := pactor.NewDispatcher()
	disp.Add("double", nil, func(n int) (int, error) { return n * 2, nil })

	client, server := newPipeSessions(t, disp)

	raw, err := server.Call(context.Background(), "double", []any{4}, 0)
	require.NoError(t, err)
	var result int
	require.NoError(t, raw.Decode(&result))
	assert.Equal(t, 8, result)

	raw, err = client.Call(context.Background(), "double", []any{5}, 0)
	require.NoError(t, err)
	require.NoError(t, raw.Decode(&result))
	assert.Equal(t, 10, result)
}
