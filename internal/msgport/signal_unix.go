//go:build linux || darwin

package msgport

import "golang.org/x/sys/unix"

// pipeSignaller is a non-blocking pipe(2) pair. One byte written to
// the write end makes the read end readable; the byte is drained
// again as soon as the queue empties, so the fd tracks "queue
// non-empty" rather than "queue length".
type pipeSignaller struct {
	r, w int
}

func newSignaller() (signaller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &pipeSignaller{r: fds[0], w: fds[1]}, nil
}

func (s *pipeSignaller) readFd() int { return s.r }

func (s *pipeSignaller) raise() {
	var b [1]byte
	for {
		_, err := unix.Write(s.w, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (s *pipeSignaller) lower() {
	var b [8]byte
	for {
		_, err := unix.Read(s.r, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (s *pipeSignaller) close() error {
	_ = unix.Close(s.w)
	return unix.Close(s.r)
}
