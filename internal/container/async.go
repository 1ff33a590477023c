package container

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/admission/internal/wire"
)

// AsyncState is the lifecycle state of a suspended exchange.
type AsyncState int

const (
	AsyncNone AsyncState = iota
	AsyncSuspended
	AsyncDispatching
	AsyncCompleted
	AsyncTimedOut
	AsyncErrored
)

func (s AsyncState) String() string {
	switch s {
	case AsyncNone:
		return "not_async"
	case AsyncSuspended:
		return "suspended"
	case AsyncDispatching:
		return "dispatching"
	case AsyncCompleted:
		return "completed"
	case AsyncTimedOut:
		return "timed_out"
	case AsyncErrored:
		return "errored"
	default:
		return fmt.Sprintf("AsyncState(%d)", int(s))
	}
}

// AsyncListener observes the end of an async cycle.
type AsyncListener interface {
	OnComplete(ac *AsyncContext)
	OnTimeout(ac *AsyncContext)
	OnError(ac *AsyncContext, err error)
}

// ErrIllegalAsyncState is returned when an async operation does not apply to
// the current state.
var ErrIllegalAsyncState = errors.New("illegal async state transition")

// AsyncContext tracks a suspended exchange. Its methods may be called from
// any goroutine.
type AsyncContext struct {
	req *Request

	mu        sync.Mutex
	state     AsyncState
	err       error
	listeners []AsyncListener
}

// Request returns the suspended request, or nil once the exchange was
// recycled.
func (ac *AsyncContext) Request() *Request {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.req
}

// detach cuts the link to a recycled request. Later calls from application
// goroutines no longer reach the pooled wrappers.
func (ac *AsyncContext) detach() {
	ac.mu.Lock()
	ac.req = nil
	ac.listeners = nil
	ac.mu.Unlock()
}

// AddListener registers l for the current async cycle.
func (ac *AsyncContext) AddListener(l AsyncListener) {
	ac.mu.Lock()
	ac.listeners = append(ac.listeners, l)
	ac.mu.Unlock()
}

// State returns the current state.
func (ac *AsyncContext) State() AsyncState {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.state
}

// Err returns the error recorded by SetErrorState.
func (ac *AsyncContext) Err() error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.err
}

// IsAsync reports whether the exchange is still suspended or being
// dispatched.
func (ac *AsyncContext) IsAsync() bool {
	switch ac.State() {
	case AsyncSuspended, AsyncDispatching, AsyncTimedOut, AsyncErrored:
		return true
	}
	return false
}

// IsDispatching reports whether a dispatch back into the container is
// pending.
func (ac *AsyncContext) IsDispatching() bool { return ac.State() == AsyncDispatching }

func (ac *AsyncContext) start() error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	switch ac.state {
	case AsyncNone, AsyncDispatching, AsyncCompleted:
		ac.state = AsyncSuspended
		ac.err = nil
		ac.listeners = nil
		return nil
	}
	return fmt.Errorf("%w: start from %s", ErrIllegalAsyncState, ac.state)
}

// Dispatch asks the transport to run the container pipeline again for this
// exchange.
func (ac *AsyncContext) Dispatch() error {
	ac.mu.Lock()
	req := ac.req
	if req == nil || (ac.state != AsyncSuspended && ac.state != AsyncTimedOut) {
		s := ac.state
		ac.mu.Unlock()
		return fmt.Errorf("%w: dispatch from %s", ErrIllegalAsyncState, s)
	}
	ac.state = AsyncDispatching
	ac.mu.Unlock()
	req.wire.Notify(wire.EventOpenRead)
	return nil
}

// Complete ends the async cycle.
func (ac *AsyncContext) Complete() error {
	ac.mu.Lock()
	req := ac.req
	switch ac.state {
	case AsyncSuspended, AsyncTimedOut, AsyncErrored, AsyncDispatching:
	default:
		req = nil
	}
	if req == nil {
		s := ac.state
		ac.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrIllegalAsyncState, s)
	}
	ac.state = AsyncCompleted
	listeners := ac.listeners
	ac.mu.Unlock()

	for _, l := range listeners {
		l.OnComplete(ac)
	}
	req.wire.Notify(wire.EventOpenRead)
	return nil
}

// Timeout fires OnTimeout on every listener and reports whether one of them
// completed or dispatched the exchange.
func (ac *AsyncContext) Timeout() bool {
	ac.mu.Lock()
	if ac.state != AsyncSuspended {
		ac.mu.Unlock()
		return false
	}
	ac.state = AsyncTimedOut
	listeners := ac.listeners
	ac.mu.Unlock()

	for _, l := range listeners {
		l.OnTimeout(ac)
	}

	switch ac.State() {
	case AsyncCompleted, AsyncDispatching:
		return true
	}
	return false
}

// SetErrorState moves the exchange into the error state, sets a 500 status
// when nothing was committed and optionally notifies listeners.
func (ac *AsyncContext) SetErrorState(err error, fireListeners bool) {
	ac.mu.Lock()
	req := ac.req
	if req == nil || ac.state == AsyncCompleted {
		ac.mu.Unlock()
		return
	}
	ac.state = AsyncErrored
	ac.err = err
	listeners := ac.listeners
	ac.mu.Unlock()

	if resp := req.response; resp != nil {
		resp.SetError(err)
		resp.SetStatus(500)
	}
	if fireListeners {
		for _, l := range listeners {
			l.OnError(ac, err)
		}
	}
}

// DispatchDone ends a dispatch cycle. Unless the pipeline started async
// again the exchange is no longer suspended.
func (ac *AsyncContext) DispatchDone() {
	ac.mu.Lock()
	if ac.state == AsyncDispatching {
		ac.state = AsyncNone
	}
	ac.mu.Unlock()
}

// ErrorReported finishes an errored or timed-out cycle once the error-report
// pipeline ran.
func (ac *AsyncContext) ErrorReported() {
	ac.mu.Lock()
	if ac.state == AsyncErrored || ac.state == AsyncTimedOut {
		ac.state = AsyncCompleted
	}
	ac.mu.Unlock()
}
