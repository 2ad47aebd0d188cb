package pactor

import (
	"sync"
	"time"
)

// pendingCall is one outstanding client-issued request awaiting a
// response, mirroring the teacher's per-request bookkeeping in
// v1/conn.go's pendingRequests map plus the timer packio's client.h
// arms alongside each entry in its own pending_ table.
type pendingCall struct {
	done  chan struct{}
	timer *time.Timer

	result RawValue
	err    *Error
}

// pendingTable correlates response ids back to the waiting caller and
// guarantees each call completes exactly once, whichever of "response
// arrived" or "timeout fired" wins the race (spec.md §4.4, "Race-free
// completion"). Every mutation happens under a single mutex; the
// teacher's v1 package reaches the same guarantee with its own
// pendingRequests-map mutex.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*pendingCall
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*pendingCall)}
}

// register inserts a new pending call under id and arms a timeout timer
// if timeout > 0. The timer resolves the call itself with a timeout
// error, but only if it is the one that wins the race to remove id from
// the table — a response arriving first disarms it via remove/complete.
func (t *pendingTable) register(id uint64, timeout time.Duration) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	pc := &pendingCall{done: make(chan struct{})}
	t.calls[id] = pc
	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() {
			if t.remove(id) {
				pc.err = newTimeoutError()
				close(pc.done)
			}
		})
	}
	return pc, true
}

// remove deletes id from the table and reports whether it was still
// present. The timeout path calls this; complete and cancel delete the
// entry the same way under the same mutex, so only one of them will ever
// find a given id, which is what makes completion race-free.
func (t *pendingTable) remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return false
	}
	delete(t.calls, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return true
}

// complete resolves id with a response, if it is still pending. It is a
// no-op if id already timed out, was cancelled, or never existed —
// exactly the case spec.md §4.4 calls a "late response".
func (t *pendingTable) complete(id uint64, result RawValue, callErr *Error) bool {
	t.mu.Lock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pc.result = result
	pc.err = callErr
	close(pc.done)
	return true
}

// cancel resolves id with a cancellation error, if still pending.
func (t *pendingTable) cancel(id uint64) bool {
	t.mu.Lock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pc.err = newCancelledError()
	close(pc.done)
	return true
}

// closeAll fails every still-pending call with a session-closed error
// and marks the table closed, so any later register call fails
// immediately (spec.md §4.3, teardown).
func (t *pendingTable) closeAll() {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*pendingCall)
	t.closed = true
	t.mu.Unlock()

	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.err = newSessionClosedError()
		close(pc.done)
	}
}

// len reports the number of calls currently awaiting a response. It is
// used by tests to detect leftover work.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
