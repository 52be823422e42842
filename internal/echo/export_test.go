package echo

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/tianyk/beansdb-research/internal/poller"
)

// SetAccept replaces the accept call and the backoff after a failure.
func (s *Server) SetAccept(fn func(fd int) (int, unix.Sockaddr, error), backoff time.Duration) {
	s.acceptFn = fn
	s.backoff = backoff
}

// AcceptOn drives a listener on fd once.
func (s *Server) AcceptOn(fd int) (poller.Mask, bool) {
	return s.accept(&listener{fd: fd})
}
