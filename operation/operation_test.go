package operation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOp(t *testing.T) *Operation {
	t.Helper()
	op, err := New(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { Unref(op) })
	return op
}

// O1: cancel followed by cancel_check returns true with no
// intervening poll.
func TestCancelThenCheck(t *testing.T) {
	op := newOp(t)
	Cancel(op)
	assert.True(t, CancelCheck(op))
}

// O2: blocked cancellation is invisible to cancel_check until
// unblock.
func TestBlockSuppressesCancelCheck(t *testing.T) {
	op := newOp(t)
	Block(op)
	Cancel(op)
	assert.False(t, CancelCheck(op))
	Unblock(op)
	assert.True(t, CancelCheck(op))
}

// Uncancel clears the sticky flag.
func TestUncancel(t *testing.T) {
	op := newOp(t)
	Cancel(op)
	require.True(t, CancelCheck(op))
	Uncancel(op)
	assert.False(t, CancelCheck(op))
}

// Cancel(nil) reaches every live operation.
func TestCancelAll(t *testing.T) {
	a := newOp(t)
	b := newOp(t)
	Cancel(nil)
	assert.True(t, CancelCheck(a))
	assert.True(t, CancelCheck(b))
}

// O4 (stack discipline): nested register/restore round-trips back to
// the original current operation.
func TestRegisterStackDiscipline(t *testing.T) {
	op1 := newOp(t)
	op2 := newOp(t)

	r0 := Register(op1)
	assert.Equal(t, op1, Current())
	r1 := Register(op2)
	assert.Equal(t, op2, Current())

	Unregister(r1) // back to op1
	assert.Equal(t, op1, Current())
	Unregister(r0) // back to whatever was current before the test
	assert.Nil(t, Current())
}

// O3 / E-O1-adjacent: start_transient never fires within the delay;
// after it, the next progress fires exactly once.
func TestTransientDelay(t *testing.T) {
	var fired []int
	op, err := New(func(op *Operation, msg string, pc int, data interface{}) {
		fired = append(fired, pc)
	}, nil)
	require.NoError(t, err)
	defer Unref(op)

	StartTransient(op, "scanning")
	Progress(op, 10)
	assert.Empty(t, fired, "must not fire within TransientDelay")

	time.Sleep(time.Duration(TransientDelay+1) * 250 * time.Millisecond)
	Progress(op, 20)
	assert.Equal(t, []int{20}, fired)

	End(op)
}

// Non-transient start/end always fire.
func TestStartEndFire(t *testing.T) {
	var fired []int
	op, err := New(func(op *Operation, msg string, pc int, data interface{}) {
		fired = append(fired, pc)
	}, nil)
	require.NoError(t, err)
	defer Unref(op)

	Start(op, "working")
	End(op)
	assert.Equal(t, []int{PcStart, PcEnd}, fired)
}

// E-O1: with the operation registered, CancelFd returns a descriptor,
// and a cancel posted on another goroutine is then seen by
// CancelCheck. The descriptor itself is not read or polled here.
func TestCancelFdWakesReader(t *testing.T) {
	op := newOp(t)
	Register(op)
	defer Unregister(nil)

	fd := CancelFd(op)
	require.NotEqual(t, -1, fd)

	done := make(chan struct{})
	go func() {
		Cancel(op)
		close(done)
	}()
	<-done
	assert.True(t, CancelCheck(op))
}
