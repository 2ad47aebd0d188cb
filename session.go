package pactor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Conn is the byte-stream a Session owns: a full-duplex, ordered,
// reliable transport (spec.md §2, "Transport assumptions"). A net.Conn
// satisfies it directly; anything with those three methods works, which
// is how tests substitute net.Pipe().
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is the per-connection state machine of spec.md §4.3: it owns
// exactly one Conn and one Dialect, runs the read loop, serializes
// writes, and correlates responses to outstanding calls through a
// pendingTable. It is grounded on the teacher's v1.ClientConn — a single
// mutex guarding writes instead of a central broker goroutine — extended
// to speak either wire dialect and to serve both call directions
// (spec.md §2: "sessions are symmetric; either side may issue requests
// or notifications at any time").
type Session struct {
	conn    Conn
	dialect Dialect
	disp    *Dispatcher

	writeMu sync.Mutex

	pending        *pendingTable
	nextID         atomic.Uint64
	defaultTimeout time.Duration
	writeDeadline  time.Duration

	log *zap.Logger

	// startMu serializes the "is a reader running" decision between
	// start and Close so the two never race over whether readDone is
	// closed by readLoop's defer or by Close itself.
	startMu sync.Mutex
	started bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	readDone chan struct{}
}

// SessionOption configures a Session at construction.
type SessionOption func(*Session)

// WithSessionLogger overrides the no-op default logger.
func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithDefaultTimeout sets the timeout applied to Call when the caller
// does not specify one of its own (0 disables the default, matching
// spec.md §4.4's "zero means no timeout").
func WithDefaultTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.defaultTimeout = d }
}

// WithWriteDeadline arms a per-write deadline on conn, provided conn
// implements SetWriteDeadline (as a *DeadlineConn or any net.Conn
// does). Pairing this with a *DeadlineConn lets the session detect a
// write left half-written by an expired deadline and tear itself down
// instead of continuing to write onto a stream a peer can no longer
// resynchronize with.
func WithWriteDeadline(d time.Duration) SessionOption {
	return func(s *Session) { s.writeDeadline = d }
}

// NewSession wraps conn in a Session speaking dialect, dispatching
// incoming requests and notifications to disp. The read loop does not
// start here: per spec.md §4.3's lazy-start contract (grounded in
// packio's client.h test-and-set on first call), it starts on the
// session's first outbound Call or Notify, or when a Server hands the
// session off for inbound dispatch by calling start explicitly — each
// role arms the reader independently.
func NewSession(conn Conn, dialect Dialect, disp *Dispatcher, opts ...SessionOption) *Session {
	s := &Session{
		conn:     conn,
		dialect:  dialect,
		disp:     disp,
		pending:  newPendingTable(),
		log:      zap.NewNop(),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the read loop if it has not already started. Call and
// Notify do this automatically on first use, and Server does it for
// every session it accepts; Start exists for a session constructed and
// used outside either of those paths — e.g. a symmetric pairing where
// one side only ever receives pushed requests or notifications and
// would otherwise never trigger the client-role lazy start on its own.
// It is safe to call more than once and concurrently with Call/Notify.
func (s *Session) Start() {
	s.start()
}

// start arms the read loop at most once, and never after Close has run.
// Both Call/Notify (client role) and Server (server role) call this;
// whichever fires first wins, and later callers are no-ops.
func (s *Session) start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	s.started = true
	go s.readLoop()
}

// readLoop is the session's single reader (spec.md §4.3, "at most one
// goroutine reads from the underlying Conn"). Every decoded message is
// handed to its own goroutine, mirroring packio's async_dispatch posting
// each call to the executor individually rather than batching a read's
// worth of messages before acting on any of them.
func (s *Session) readLoop() {
	defer close(s.readDone)
	reader := s.dialect.NewReader(s.conn)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			s.teardown(err)
			return
		}
		go s.handle(msg)
	}
}

func (s *Session) handle(msg *Message) {
	switch msg.Kind {
	case KindRequest:
		s.disp.Dispatch(s, true, msg.ID, msg.Method, msg.Params)
	case KindNotification:
		s.disp.Dispatch(s, false, 0, msg.Method, msg.Params)
	case KindResponse:
		if msg.Err != nil {
			s.pending.complete(msg.ID, nil, msg.Err)
		} else {
			s.pending.complete(msg.ID, msg.Result, nil)
		}
	}
}

// sendResponse implements the responder interface consumed by
// CompletionHandle and by Dispatch's own reply paths.
func (s *Session) sendResponse(id uint64, result any, callErr *Error) {
	if err := s.write(func() error {
		return s.dialect.EncodeResponse(s.conn, id, result, callErr)
	}); err != nil {
		s.log.Debug("failed to send response", zap.Uint64("id", id), zap.Error(err))
	}
}

func (s *Session) write(fn func() error) error {
	select {
	case <-s.closed:
		return newSessionClosedError()
	default:
	}
	s.writeMu.Lock()
	if s.writeDeadline > 0 {
		if dl, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = dl.SetWriteDeadline(time.Now().Add(s.writeDeadline))
		}
	}
	err := fn()
	s.writeMu.Unlock()

	if dc, ok := s.conn.(*DeadlineConn); ok && dc.Failed() {
		s.teardown(fmt.Errorf("pactor: write left a partial message on the wire after a deadline"))
	}
	return err
}

// ConnFailed reports whether the session's underlying connection is a
// *DeadlineConn that has recorded a partial write left on the wire by
// an expired deadline. It always reports false when WithWriteDeadline
// was never paired with a *DeadlineConn.
func (s *Session) ConnFailed() bool {
	dc, ok := s.conn.(*DeadlineConn)
	return ok && dc.Failed()
}

// Call issues a request and blocks until a response arrives, ctx is
// cancelled, or timeout elapses (0 falls back to the session's default
// timeout, which may itself be 0 for "no timeout"). It implements
// spec.md §4.4's pending-call lifecycle end to end.
func (s *Session) Call(ctx context.Context, method string, args []any, timeout time.Duration) (RawValue, error) {
	s.start()

	if timeout == 0 {
		timeout = s.defaultTimeout
	}

	id := s.nextID.Add(1)
	pc, ok := s.pending.register(id, timeout)
	if !ok {
		return nil, newSessionClosedError()
	}

	if err := s.write(func() error {
		return s.dialect.EncodeRequest(s.conn, id, method, args)
	}); err != nil {
		s.pending.cancel(id)
		return nil, err
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return nil, pc.err
		}
		return pc.result, nil
	case <-ctx.Done():
		s.pending.cancel(id)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, newSessionClosedError()
	}
}

// Notify sends a fire-and-forget message: no id, no reply expected
// (spec.md §3, "Notification").
func (s *Session) Notify(method string, args []any) error {
	s.start()
	return s.write(func() error {
		return s.dialect.EncodeNotification(s.conn, method, args)
	})
}

// Close tears the session down: it stops accepting new calls, fails
// every outstanding one with a session-closed error, and closes the
// underlying Conn. It is safe to call more than once and from any
// goroutine; only the first call has effect, and every caller observes
// the same combined error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		wasReading := s.started
		s.started = true // block any later start() from spawning a reader
		close(s.closed)
		s.startMu.Unlock()

		s.pending.closeAll()
		err := s.conn.Close()
		if !wasReading {
			close(s.readDone)
		}
		s.closeErr = err
	})
	// Wait for the reader outside closeOnce: readLoop ends by calling
	// teardown, which goes through closeOnce and would otherwise block
	// until this Do returned.
	<-s.readDone
	return s.closeErr
}

// Done returns a channel closed once the session's read loop has ended,
// whether due to Close, a wire error, or the peer disconnecting.
func (s *Session) Done() <-chan struct{} {
	return s.readDone
}

// teardown is invoked when the wire itself fails — by readLoop on a read
// error, and by write when a *DeadlineConn reports a partial write: it runs
// the same cleanup as Close, but also records the read error alongside
// whatever Close(conn) reports, combined with multierr the way the
// teacher combines its own multi-cause shutdown errors.
func (s *Session) teardown(readErr error) {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		s.started = true
		close(s.closed)
		s.startMu.Unlock()

		s.pending.closeAll()
		closeErr := s.conn.Close()
		s.closeErr = multierr.Combine(fmt.Errorf("pactor: read loop: %w", readErr), closeErr)
	})
}
