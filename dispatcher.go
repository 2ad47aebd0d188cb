package pactor

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// HandlerKind is a handler's call class (spec.md §3, "call class").
type HandlerKind uint8

const (
	KindSync HandlerKind = iota
	KindAsync
	KindCoroutine
)

var completionHandleType = reflect.TypeOf((*CompletionHandle)(nil))
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// handler is the "handler record" of spec.md §3: a callable adapter built
// once at registration time by reflecting over the caller's function
// signature, generalizing the arity/type-decoder table the design notes
// ask for (spec.md §9, "Replacing template-metaprogrammed argument
// adaptation"). It is grounded on the reflection-based handler wrapper in
// the teacher's jrpc1 package, extended with a call class and a spawn
// hook for coroutine handlers.
type handler struct {
	name       string
	kind       HandlerKind
	paramNames []string
	ins        []reflect.Type // excludes the leading *CompletionHandle for async handlers
	hasResult  bool           // sync/coroutine only: fn's first return value is a real value, not just error
	hasErrOut  bool           // sync/coroutine only: fn's last return value is error
	fn         reflect.Value
	spawn      func(func()) // coroutine only
}

// newValueHandler builds a handler record for sync and coroutine
// registrations, which share the same signature shape: N typed
// parameters followed by an optional result and/or a trailing error.
func newValueHandler(name string, fn any, paramNames []string, kind HandlerKind) (*handler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("pactor: handler %q is not a function", name)
	}
	if fnType.IsVariadic() {
		return nil, fmt.Errorf("pactor: handler %q: variadic handlers are not supported", name)
	}

	ins := make([]reflect.Type, fnType.NumIn())
	for i := range ins {
		t := fnType.In(i)
		if t.Kind() == reflect.Interface {
			return nil, fmt.Errorf("pactor: handler %q: interface parameter #%d not supported", name, i)
		}
		ins[i] = t
	}

	hasResult, hasErrOut, err := describeReturns(name, fnType)
	if err != nil {
		return nil, err
	}

	if paramNames != nil && len(paramNames) != len(ins) {
		return nil, fmt.Errorf(
			"pactor: handler %q: %d parameter names given for %d parameters",
			name, len(paramNames), len(ins))
	}

	return &handler{
		name:       name,
		kind:       kind,
		paramNames: paramNames,
		ins:        ins,
		hasResult:  hasResult,
		hasErrOut:  hasErrOut,
		fn:         reflect.ValueOf(fn),
	}, nil
}

func describeReturns(name string, fnType reflect.Type) (hasResult, hasErrOut bool, err error) {
	switch fnType.NumOut() {
	case 0:
		return false, false, nil
	case 1:
		if fnType.Out(0) == errorType {
			return false, true, nil
		}
		return true, false, nil
	case 2:
		if fnType.Out(1) != errorType {
			return false, false, fmt.Errorf("pactor: handler %q: second return value must be error", name)
		}
		return true, true, nil
	default:
		return false, false, fmt.Errorf("pactor: handler %q: too many return values", name)
	}
}

// newAsyncHandler builds a handler record for async registrations: the
// first declared parameter must be *CompletionHandle, and the function
// must have no return values — the reply travels through the handle.
func newAsyncHandler(name string, fn any, paramNames []string) (*handler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("pactor: handler %q is not a function", name)
	}
	if fnType.IsVariadic() {
		return nil, fmt.Errorf("pactor: handler %q: variadic handlers are not supported", name)
	}
	if fnType.NumIn() == 0 || fnType.In(0) != completionHandleType {
		return nil, fmt.Errorf("pactor: async handler %q must take *pactor.CompletionHandle as its first parameter", name)
	}
	if fnType.NumOut() != 0 {
		return nil, fmt.Errorf("pactor: async handler %q must have no return values", name)
	}

	ins := make([]reflect.Type, fnType.NumIn()-1)
	for i := range ins {
		t := fnType.In(i + 1)
		if t.Kind() == reflect.Interface {
			return nil, fmt.Errorf("pactor: handler %q: interface parameter #%d not supported", name, i+1)
		}
		ins[i] = t
	}

	if paramNames != nil && len(paramNames) != len(ins) {
		return nil, fmt.Errorf(
			"pactor: handler %q: %d parameter names given for %d parameters",
			name, len(paramNames), len(ins))
	}

	return &handler{
		name:       name,
		kind:       KindAsync,
		paramNames: paramNames,
		ins:        ins,
		fn:         reflect.ValueOf(fn),
	}, nil
}

// adaptArgs implements spec.md §4.5's argument adaptation: a positional
// array of exactly the right length, or a map keyed by the handler's
// declared parameter names, decoded element-by-element into the
// handler's declared types. Any other shape is "Incompatible arguments".
func (h *handler) adaptArgs(p Params) ([]reflect.Value, *Error) {
	n := len(h.ins)

	switch {
	case p.Array != nil || p.Object == nil:
		if len(p.Array) != n {
			return nil, newCallError(msgIncompatibleArgs)
		}
		out := make([]reflect.Value, n)
		for i, t := range h.ins {
			v := reflect.New(t)
			if err := p.Array[i].Decode(v.Interface()); err != nil {
				return nil, newCallError(msgIncompatibleArgs)
			}
			out[i] = v.Elem()
		}
		return out, nil

	default: // p.Object != nil
		if h.paramNames == nil || len(h.paramNames) != n {
			return nil, newCallError(msgIncompatibleArgs)
		}
		out := make([]reflect.Value, n)
		for i, t := range h.ins {
			raw, ok := p.Object[h.paramNames[i]]
			if !ok {
				return nil, newCallError(msgIncompatibleArgs)
			}
			v := reflect.New(t)
			if err := raw.Decode(v.Interface()); err != nil {
				return nil, newCallError(msgIncompatibleArgs)
			}
			out[i] = v.Elem()
		}
		return out, nil
	}
}

// Dispatcher is the name-indexed handler registry of spec.md §4.5. A
// single instance may be shared by multiple Sessions and Servers; every
// mutating method is safe under concurrent use, and lookups never block
// behind an in-flight handler invocation (spec.md §5, "Shared
// resources").
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]*handler
	log      *zap.Logger
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the no-op default logger.
func WithDispatcherLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher returns an empty, ready-to-use Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]*handler),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) register(name string, h *handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return false
	}
	d.handlers[name] = h
	return true
}

// Add registers a synchronous handler: fn is called directly with the
// decoded arguments and its return value (if any) becomes the reply.
// Returns false if name is already registered.
func (d *Dispatcher) Add(name string, paramNames []string, fn any) bool {
	h, err := newValueHandler(name, fn, paramNames, KindSync)
	if err != nil {
		d.log.Error("failed to register handler", zap.String("method", name), zap.Error(err))
		return false
	}
	return d.register(name, h)
}

// AddAsync registers a handler that retains a *CompletionHandle and
// replies whenever it is ready, possibly from another goroutine.
func (d *Dispatcher) AddAsync(name string, paramNames []string, fn any) bool {
	h, err := newAsyncHandler(name, fn, paramNames)
	if err != nil {
		d.log.Error("failed to register handler", zap.String("method", name), zap.Error(err))
		return false
	}
	return d.register(name, h)
}

// AddCoro registers a handler whose body runs on spawn (e.g. `func(f
// func()) { go f() }`, or a bounded worker pool's Submit) rather than
// inline on the dispatching goroutine, forwarding fn's eventual return
// value to the caller (spec.md §4.5, coroutine invocation path).
func (d *Dispatcher) AddCoro(name string, spawn func(func()), paramNames []string, fn any) bool {
	h, err := newValueHandler(name, fn, paramNames, KindCoroutine)
	if err != nil {
		d.log.Error("failed to register handler", zap.String("method", name), zap.Error(err))
		return false
	}
	h.spawn = spawn
	return d.register(name, h)
}

// Has reports whether name is currently registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Remove unregisters name. It does not affect any invocation already in
// flight (spec.md §5, "Cancellation").
func (d *Dispatcher) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; !ok {
		return false
	}
	delete(d.handlers, name)
	return true
}

// Clear unregisters every handler and reports how many were removed.
func (d *Dispatcher) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.handlers)
	d.handlers = make(map[string]*handler)
	return n
}

// Known returns the currently registered method names, in no particular
// order.
func (d *Dispatcher) Known() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) lookup(name string) (*handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Dispatch runs the registered handler for method against params, per the
// state machine in spec.md §4.5. s.sendResponse is called at most once,
// and never at all for a notification (isReply == false skips every reply path,
// including error replies for unknown methods and bad arguments).
func (d *Dispatcher) Dispatch(s responder, isReply bool, id uint64, method string, params Params) {
	h, ok := d.lookup(method)
	if !ok {
		d.log.Debug("unknown function", zap.String("method", method))
		if isReply {
			s.sendResponse(id, nil, newCallError(msgUnknownFunction))
		}
		return
	}

	args, adaptErr := h.adaptArgs(params)
	if adaptErr != nil {
		d.log.Debug("incompatible arguments", zap.String("method", method))
		if isReply {
			s.sendResponse(id, nil, adaptErr)
		}
		return
	}

	switch h.kind {
	case KindSync:
		d.invokeSync(s, isReply, id, h, args)
	case KindAsync:
		d.invokeAsync(s, isReply, id, h, args)
	case KindCoroutine:
		d.invokeCoroutine(s, isReply, id, h, args)
	}
}

func (d *Dispatcher) invokeSync(s responder, isReply bool, id uint64, h *handler, args []reflect.Value) {
	result, callErr := callValueHandler(h, args)
	if isReply {
		if callErr != nil {
			s.sendResponse(id, nil, callErr)
		} else {
			s.sendResponse(id, result, nil)
		}
	}
}

// invokeAsync hands the handler a CompletionHandle and returns as soon
// as the handler function itself returns, without waiting for the
// handle to fire. There is deliberately no defer here that fires "no
// result" once the handler returns: an async handler is allowed to
// retain the handle past its own return and complete it later from
// another goroutine (the block/unblock pattern), and nothing at return
// time distinguishes that case from a handler that simply forgot to
// reply. A handler wanting a reply guaranteed on every exit path should
// `defer handle.Drop()` itself; one that does neither leaves its call
// pending until the caller's own timeout or cancellation.
func (d *Dispatcher) invokeAsync(s responder, isReply bool, id uint64, h *handler, args []reflect.Value) {
	var handle *CompletionHandle
	if isReply {
		handle = newCompletionHandle(s, id)
	} else {
		handle = newCompletionHandle(discardResponder{}, id)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", zap.String("method", h.name), zap.Any("recover", r))
			handle.SetError(fmt.Sprint(r))
		}
	}()

	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(handle))
	in = append(in, args...)
	h.fn.Call(in)
}

// invokeCoroutine has no handle-abandonment case to guard against:
// coroutine handlers take no CompletionHandle and always yield a
// result-or-error pair from their return values once callValueHandler
// returns, so a reply is always sent (when isReply) unless the handler
// panics, which is recovered below and turned into a call-level error.
func (d *Dispatcher) invokeCoroutine(s responder, isReply bool, id uint64, h *handler, args []reflect.Value) {
	spawn := h.spawn
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	spawn(func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("coroutine handler panicked", zap.String("method", h.name), zap.Any("recover", r))
				if isReply {
					s.sendResponse(id, nil, newCallError(fmt.Sprint(r)))
				}
			}
		}()
		result, callErr := callValueHandler(h, args)
		if isReply {
			if callErr != nil {
				s.sendResponse(id, nil, callErr)
			} else {
				s.sendResponse(id, result, nil)
			}
		}
	})
}

// callValueHandler invokes a sync or coroutine handler's underlying
// function and normalizes its return values into a result-or-error pair.
func callValueHandler(h *handler, args []reflect.Value) (result any, callErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			callErr = newCallError(fmt.Sprint(r))
			result = nil
		}
	}()

	out := h.fn.Call(args)
	switch {
	case h.hasResult && h.hasErrOut:
		if errVal, _ := out[1].Interface().(error); errVal != nil {
			return nil, newCallError(errVal.Error())
		}
		return out[0].Interface(), nil
	case h.hasResult:
		return out[0].Interface(), nil
	case h.hasErrOut:
		if errVal, _ := out[0].Interface().(error); errVal != nil {
			return nil, newCallError(errVal.Error())
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// discardResponder swallows replies for handlers invoked on behalf of a
// notification, which has no id and expects no reply.
type discardResponder struct{}

func (discardResponder) sendResponse(uint64, any, *Error) {}

