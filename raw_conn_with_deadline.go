package pactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
)

// DeadlineConn wraps a net.Conn and remembers whether a write was ever
// left partially on the wire by a deadline. A byte-stream framing
// protocol has no way to resynchronize after a partial write — the
// remaining bytes of a message never arrive — so once Failed reports
// true the owning Session must treat the connection as unusable and
// tear down rather than issue further writes.
type DeadlineConn struct {
	net.Conn
	failed atomic.Bool
}

// NewDeadlineConn wraps c. Session.write can be paired with
// SetWriteDeadline on the returned conn to bound how long a single
// write is allowed to block without corrupting the framing on timeout.
func NewDeadlineConn(c net.Conn) *DeadlineConn {
	return &DeadlineConn{Conn: c}
}

// Write delegates to the wrapped connection, flagging Failed if a
// deadline expired mid-write and left a nonzero, incomplete prefix on
// the wire.
func (c *DeadlineConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if errors.Is(err, os.ErrDeadlineExceeded) && n != 0 && n < len(b) {
		c.failed.Store(true)
		err = fmt.Errorf("pactor: incomplete write: %w", err)
	}
	return n, err
}

// Failed reports whether a previous write left a partial message on the
// wire.
func (c *DeadlineConn) Failed() bool {
	return c.failed.Load()
}
