// Package operation implements the Operation/cancellation facility: a
// process-wide registry of long-running, cooperatively cancellable
// operations, each carrying a status-report stack and an fd a caller
// can select/poll on to learn it has been cancelled.
//
// Grounded on the teacher's turbo/stages/headerdownload package: that
// package tracks a set of live in-flight requests behind one mutex,
// with explicit ref/release and a "this request is now stale, drop
// it" signal — generalized here to arbitrary long-running operations,
// their status stack, and a portable cancellation fd in place of a
// channel (since cancellation here must be observable by select/poll,
// not just by a Go reader).
package operation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evolution-ds/core/internal/msgport"
	"github.com/evolution-ds/core/metrics"
)

// Special pc values a status callback may observe, per spec.md §6.
const (
	PcStart = -1
	PcEnd   = -2
)

// TransientDelay is the number of quarter-second ticks a transient
// status frame must age past before it is ever reported (spec.md
// §4.O: "5 quarter-seconds", i.e. 1.25s).
const TransientDelay = 5

// StatusFunc is the operation status callback, fn(op, msg, pc, data)
// with pc in [0,100] or one of Start/End.
type StatusFunc func(op *Operation, msg string, pc int, data interface{})

type statusFrame struct {
	msg       string
	transient bool
	stamp     int64 // quarter-tick at push time
	reported  bool
	lastPC    int
	lastTick  int64
}

// Operation is a cancellable, reference-counted unit of long-running
// work with its own status-report stack.
type Operation struct {
	refcount int32 // atomic

	mu         sync.Mutex
	cancelled  bool
	muted      bool
	blockDepth int32
	cb         StatusFunc
	data       interface{}
	stack      []*statusFrame

	port *msgport.Port
}

var (
	regMu sync.Mutex
	live  = make(map[*Operation]struct{})
)

func quarterTick() int64 {
	return time.Now().UnixNano() / int64(250*time.Millisecond)
}

// New creates an operation with refcount 1, attaches it to the
// process-wide registry, and returns it. port creation failure (the
// OS running out of file descriptors) is the only way this can fail.
func New(cb StatusFunc, data interface{}) (*Operation, error) {
	port, err := msgport.New()
	if err != nil {
		return nil, fmt.Errorf("creating cancel port: %w", err)
	}
	op := &Operation{refcount: 1, cb: cb, data: data, port: port}
	regMu.Lock()
	live[op] = struct{}{}
	n := len(live)
	regMu.Unlock()
	if metrics.Enabled {
		metrics.LiveOperations.Set(float64(n))
	}
	return op, nil
}

// Ref increments op's reference count.
func Ref(op *Operation) { atomic.AddInt32(&op.refcount, 1) }

// Unref decrements op's reference count, removing it from the
// registry and closing its cancel port once it reaches zero.
func Unref(op *Operation) {
	if atomic.AddInt32(&op.refcount, -1) > 0 {
		return
	}
	regMu.Lock()
	delete(live, op)
	n := len(live)
	regMu.Unlock()
	if metrics.Enabled {
		metrics.LiveOperations.Set(float64(n))
	}
	op.port.Close()
}

// Mute drops op's status callback without affecting its lifetime.
func Mute(op *Operation) {
	op.mu.Lock()
	op.cb = nil
	op.muted = true
	op.mu.Unlock()
}

// Cancel marks op cancelled and posts exactly one cancellation
// message to its port. Cancel(nil) cancels every live operation.
func Cancel(op *Operation) {
	if op == nil {
		regMu.Lock()
		ops := make([]*Operation, 0, len(live))
		for o := range live {
			ops = append(ops, o)
		}
		regMu.Unlock()
		for _, o := range ops {
			Cancel(o)
		}
		return
	}
	op.mu.Lock()
	already := op.cancelled
	op.cancelled = true
	op.mu.Unlock()
	if !already {
		op.port.Send(msgport.Message{Body: "cancel"})
	}
}

// Uncancel drains op's port and clears the cancelled flag, making it
// eligible to be cancelled again later.
func Uncancel(op *Operation) {
	op.port.Drain()
	op.mu.Lock()
	op.cancelled = false
	op.mu.Unlock()
}

// Block increments op's block depth; while positive, CancelCheck
// never reports cancellation even if one is pending (spec.md §8's O2
// property).
func Block(op *Operation) {
	op.mu.Lock()
	op.blockDepth++
	op.mu.Unlock()
}

// Unblock decrements op's block depth.
func Unblock(op *Operation) {
	op.mu.Lock()
	if op.blockDepth > 0 {
		op.blockDepth--
	}
	op.mu.Unlock()
}

// Register sets the calling goroutine's current operation to op and
// returns whatever operation it replaces, so callers can restore it
// later with Register(previous).
func Register(op *Operation) *Operation { return register(op) }

// Unregister restores the calling goroutine's current operation to
// prev (conventionally the value an earlier Register returned).
func Unregister(prev *Operation) { register(prev) }

// Current returns the calling goroutine's currently registered
// operation, or nil.
func Current() *Operation { return currentOp() }

// resolve defaults op to the calling goroutine's current operation
// when op is nil, matching every "op | None" contract in spec.md §4.O.
func resolve(op *Operation) *Operation {
	if op != nil {
		return op
	}
	return currentOp()
}

// CancelCheck reports whether op (or the current operation, if nil)
// is cancelled and unblocked, consuming any pending cancellation
// message as a side effect.
func CancelCheck(op *Operation) bool {
	op = resolve(op)
	if op == nil {
		return false
	}
	op.port.Drain()
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.cancelled && op.blockDepth == 0
}

// CancelFd returns a non-blocking readable descriptor that becomes
// readable once op is cancelled, or -1 if op is nil and no operation
// is currently registered.
func CancelFd(op *Operation) int {
	op = resolve(op)
	if op == nil {
		return -1
	}
	return op.port.Fd()
}

// Start pushes a non-transient status frame and fires the callback
// immediately with pc = PcStart.
func Start(op *Operation, msg string) {
	op.mu.Lock()
	f := &statusFrame{msg: msg, stamp: quarterTick(), reported: true, lastPC: PcStart}
	op.stack = append(op.stack, f)
	cb, data, muted := op.cb, op.data, op.muted
	op.mu.Unlock()
	if cb != nil && !muted {
		cb(op, msg, PcStart, data)
	}
}

// StartTransient pushes a transient status frame. It does not fire
// until its age first exceeds TransientDelay and a later Progress
// call observes that transition.
func StartTransient(op *Operation, msg string) {
	op.mu.Lock()
	f := &statusFrame{msg: msg, transient: true, stamp: quarterTick()}
	op.stack = append(op.stack, f)
	op.mu.Unlock()
}

// Progress records pc against the top status frame, firing the
// callback unless the frame is a transient one still within its
// delay, or the quarter-second clock has not advanced since the last
// report.
func Progress(op *Operation, pc int) {
	op.mu.Lock()
	if len(op.stack) == 0 {
		op.mu.Unlock()
		return
	}
	f := op.stack[len(op.stack)-1]
	now := quarterTick()
	if f.transient && now-f.stamp < TransientDelay {
		op.mu.Unlock()
		return
	}
	if f.reported && f.lastTick == now {
		op.mu.Unlock()
		return
	}
	f.reported = true
	f.lastTick = now
	f.lastPC = pc
	msg := f.msg
	cb, data, muted := op.cb, op.data, op.muted
	op.mu.Unlock()
	if cb != nil && !muted {
		cb(op, msg, pc, data)
	}
}

// End pops the top status frame. A popped non-transient frame fires
// once more with pc = End. A popped transient frame that never
// reported fires nothing; one that did report causes the nearest
// already-reported frame below it to be re-fired as the current
// status, so the display falls back to whatever was visible before.
func End(op *Operation) {
	op.mu.Lock()
	n := len(op.stack)
	if n == 0 {
		op.mu.Unlock()
		return
	}
	f := op.stack[n-1]
	op.stack = op.stack[:n-1]
	cb, data, muted := op.cb, op.data, op.muted

	if !f.transient {
		op.mu.Unlock()
		if cb != nil && !muted {
			cb(op, f.msg, PcEnd, data)
		}
		return
	}
	if !f.reported {
		op.mu.Unlock()
		return
	}
	// find the nearest already-reported frame below it
	var fallback *statusFrame
	for i := len(op.stack) - 1; i >= 0; i-- {
		if op.stack[i].reported {
			fallback = op.stack[i]
			break
		}
	}
	op.mu.Unlock()
	if fallback != nil && cb != nil && !muted {
		cb(op, fallback.msg, fallback.lastPC, data)
	}
}
