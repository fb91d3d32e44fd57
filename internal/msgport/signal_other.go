//go:build !linux && !darwin

package msgport

import (
	"os"
	"time"
)

// osPipeSignaller is the portable fallback for platforms without
// pipe2(2): a plain os.Pipe with the read end put in the readable
// state only while non-empty, emulated by draining fully on lower().
type osPipeSignaller struct {
	r, w *os.File
}

func newSignaller() (signaller, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &osPipeSignaller{r: r, w: w}, nil
}

func (s *osPipeSignaller) readFd() int { return int(s.r.Fd()) }

func (s *osPipeSignaller) raise() {
	_, _ = s.w.Write([]byte{0})
}

func (s *osPipeSignaller) lower() {
	buf := make([]byte, 8)
	_ = s.r.SetReadDeadline(time.Now().Add(-time.Second))
	for {
		n, err := s.r.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	_ = s.r.SetReadDeadline(time.Time{})
}

func (s *osPipeSignaller) close() error {
	_ = s.w.Close()
	return s.r.Close()
}
