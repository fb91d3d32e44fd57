package operation

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the calling goroutine's numeric id out of its
// own stack trace header ("goroutine 17 [running]:..."). It is the
// conventional way Go code fakes thread-local storage when nothing
// threads a context.Context through every call site — slow compared
// to a real TLS slot, but register/unregister are not hot-path calls.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseInt(string(buf), 10, 64)
	return id
}

var (
	currentMu sync.Mutex
	current   = make(map[int64]*Operation)
)

// register sets the calling goroutine's current operation to op and
// returns whatever it replaces, per spec.md §4.O's "register stacks by
// returning the previously-registered value so callers can restore
// it". Per spec.md §5, the thread-local is written without the
// registry lock.
func register(op *Operation) *Operation {
	id := goroutineID()
	currentMu.Lock()
	prev := current[id]
	if op == nil {
		delete(current, id)
	} else {
		current[id] = op
	}
	currentMu.Unlock()
	return prev
}

// currentOp reads the calling goroutine's current operation without
// taking the registry lock.
func currentOp() *Operation {
	id := goroutineID()
	currentMu.Lock()
	op := current[id]
	currentMu.Unlock()
	return op
}
