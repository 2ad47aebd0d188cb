package pactor

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server accepts connections on a net.Listener and binds each to a
// Session speaking the same Dialect and sharing the same Dispatcher
// (spec.md §3: "A single registry instance may be shared among multiple
// sessions and multiple servers"). It is grounded on the teacher's
// ServerConnection accept loop, adapted to hand out Sessions instead of
// copying per-connection handler maps — there is nothing to copy since
// the Dispatcher instance itself is shared.
type Server struct {
	listener net.Listener
	dialect  Dialect
	disp     *Dispatcher
	opts     []SessionOption
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	deadlineDetection bool
	writeDeadline     time.Duration
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithServerLogger overrides the no-op default logger.
func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerSessionOptions applies extra SessionOptions to every
// accepted connection, e.g. a shared default call timeout.
func WithServerSessionOptions(opts ...SessionOption) ServerOption {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

// WithDeadlineDetection wraps every accepted connection in a
// DeadlineConn and arms writeDeadline on the resulting Session, so a
// write left partially on the wire by an expired deadline tears the
// session down instead of leaving both peers desynchronized about
// where the next message starts.
func WithDeadlineDetection(writeDeadline time.Duration) ServerOption {
	return func(s *Server) {
		s.deadlineDetection = true
		s.writeDeadline = writeDeadline
	}
}

// NewServer accepts connections on l, wrapping each in a Session bound
// to disp. The accept loop starts immediately in the background.
func NewServer(l net.Listener, dialect Dialect, disp *Dispatcher, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		listener: l,
		dialect:  dialect,
		disp:     disp,
		log:      zap.NewNop(),
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(srv)
	}
	go srv.serve()
	return srv
}

func (srv *Server) serve() {
	defer srv.log.Info("server stopped")
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.ctx.Done():
			default:
				srv.log.Error("failed to accept connection", zap.Error(err))
			}
			return
		}
		srv.log.Debug("connection accepted", zap.Stringer("remote", conn.RemoteAddr()))

		var c Conn = conn
		opts := srv.opts
		if srv.deadlineDetection {
			c = NewDeadlineConn(conn)
			opts = append(append([]SessionOption{}, srv.opts...), WithWriteDeadline(srv.writeDeadline))
		}

		sess := NewSession(c, srv.dialect, srv.disp, opts...)
		// A server session must service inbound requests without
		// having sent anything itself first, so it starts reading as
		// soon as it is registered for inbound dispatch rather than
		// waiting on the client-role lazy-start trigger.
		sess.start()
		srv.track(sess)

		go func() {
			select {
			case <-srv.ctx.Done():
			case <-sess.Done():
			}
			srv.untrack(sess)
			_ = sess.Close()
		}()
	}
}

func (srv *Server) track(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[sess] = struct{}{}
}

func (srv *Server) untrack(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, sess)
}

// Close stops accepting new connections and closes every session
// currently tracked, combining any errors with multierr the way
// Session.teardown combines its own multi-cause failures.
func (srv *Server) Close() error {
	srv.cancel()
	err := srv.listener.Close()

	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.Unlock()

	for _, sess := range sessions {
		err = multierr.Append(err, sess.Close())
	}
	return err
}

// Addr returns the listener's bound address, useful when the caller let
// the OS choose a port (net.Listen("tcp", "127.0.0.1:0")).
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}
