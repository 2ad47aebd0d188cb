package pactor

import "sync/atomic"

// responder is the only session capability a CompletionHandle needs. A
// handle captures this narrow interface rather than the full Session, so
// a handler cannot reach into pending-table or dispatcher internals
// through the handle it was given (spec.md §9, "Cyclic ownership").
type responder interface {
	sendResponse(id uint64, result any, callErr *Error)
}

// CompletionHandle is the one-shot continuation passed to asynchronous
// handlers (spec.md §3, "Completion handle"). Exactly one of Complete,
// SetError or Drop may have an observable effect; every call after the
// first is silently discarded. Drop sends the error reply "Call finished
// with no result", e.g. from a defer, once a handler knows it will not
// reply. A handle that is never fired or dropped sends no reply at all:
// nothing synthesizes one when the handle is discarded.
type CompletionHandle struct {
	session responder
	id      uint64
	fired   atomic.Bool
}

func newCompletionHandle(s responder, id uint64) *CompletionHandle {
	return &CompletionHandle{session: s, id: id}
}

// Complete fires the handle with a successful result. Only the first call
// to Complete or SetError on a given handle has any effect.
func (h *CompletionHandle) Complete(result any) {
	if h.fired.CompareAndSwap(false, true) {
		h.session.sendResponse(h.id, result, nil)
	}
}

// SetError fires the handle with a call-level error. Called with no
// argument, the wire error message is the literal "Error during call"
// (spec.md §7); called with one argument, that string is the message
// verbatim.
func (h *CompletionHandle) SetError(message ...string) {
	msg := msgErrorDuringCall
	if len(message) > 0 {
		msg = message[0]
	}
	if h.fired.CompareAndSwap(false, true) {
		h.session.sendResponse(h.id, nil, newCallError(msg))
	}
}

// Drop fires the handle with the synthetic "no result" error if it has
// not already fired. It is a no-op on an already-fired handle.
func (h *CompletionHandle) Drop() {
	if h.fired.CompareAndSwap(false, true) {
		h.session.sendResponse(h.id, nil, newCallError(msgNoResult))
	}
}
