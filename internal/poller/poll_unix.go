//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	register("poll", 2, openPoll)
}

// pollSet implements [Poller] on top of poll(2).
//
// poll(2) has no kernel-side registration, so the armed set lives here and
// is snapshotted on every Poll. A self-pipe wakes a blocked Poll whenever
// the armed set changes so new registrations take effect immediately.
type pollSet struct {
	mu     sync.Mutex
	closed bool
	armed  map[int]Mask

	wakeR, wakeW int

	fds []unix.PollFd
	out []Event
}

func openPoll() (Poller, error) {
	var pipe [2]int

	err := unix.Pipe(pipe[:])
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}

	for _, fd := range pipe {
		unix.CloseOnExec(fd)

		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(pipe[0])
			_ = unix.Close(pipe[1])

			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}

	return &pollSet{
		armed: make(map[int]Mask),
		wakeR: pipe[0],
		wakeW: pipe[1],
		out:   make([]Event, 0, MaxEvents),
	}, nil
}

func (p *pollSet) Name() string { return "poll" }

func (p *pollSet) Add(fd int, m Mask) error {
	return p.arm(fd, m)
}

func (p *pollSet) Update(fd int, m Mask) error {
	return p.arm(fd, m)
}

func (p *pollSet) arm(fd int, m Mask) error {
	if m == 0 {
		return ErrEmptyMask
	}

	if fd < 0 {
		return fmt.Errorf("poll(add, %d): %w", fd, unix.EBADF)
	}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return ErrClosed
	}

	p.armed[fd] = m
	p.mu.Unlock()

	p.wake()

	return nil
}

func (p *pollSet) Delete(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	delete(p.armed, fd)

	return nil
}

// wake interrupts a blocked Poll. A full pipe already guarantees a wakeup.
func (p *pollSet) wake() {
	_, _ = unix.Write(p.wakeW, []byte{0})
}

func (p *pollSet) drain() {
	var buf [64]byte

	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollSet) Poll(timeout time.Duration) ([]Event, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return nil, ErrClosed
	}

	fds := append(p.fds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})

	for fd, m := range p.armed {
		var events int16
		if m&Readable != 0 {
			events |= unix.POLLIN
		}

		if m&Writable != 0 {
			events |= unix.POLLOUT
		}

		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	p.fds = fds
	p.mu.Unlock()

	_, err := unix.Poll(fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.out[:0], nil
		}

		return nil, fmt.Errorf("poll: %w", err)
	}

	if fds[0].Revents != 0 {
		p.drain()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.out[:0]

	for _, pfd := range fds[1:] {
		if pfd.Revents == 0 || len(out) == MaxEvents {
			continue
		}

		fd := int(pfd.Fd)

		armed, ok := p.armed[fd]
		if !ok {
			continue
		}

		var m Mask
		if pfd.Revents&unix.POLLIN != 0 {
			m |= Readable
		}

		if pfd.Revents&unix.POLLOUT != 0 {
			m |= Writable
		}

		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			m |= armed
		}

		m &= armed
		if m == 0 {
			// Re-armed with a different interest while we were blocked.
			continue
		}

		delete(p.armed, fd)

		out = append(out, Event{Fd: fd, Mask: m})
	}

	p.out = out

	return out, nil
}

func (p *pollSet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	clear(p.armed)

	return errors.Join(unix.Close(p.wakeR), unix.Close(p.wakeW))
}
