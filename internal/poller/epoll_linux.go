//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	register("epoll", 0, openEpoll)
}

// epoll implements [Poller] with EPOLLONESHOT registrations.
type epoll struct {
	fd     int
	closed atomic.Bool
	events []unix.EpollEvent
	out    []Event
}

func openEpoll() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, MaxEvents),
		out:    make([]Event, 0, MaxEvents),
	}, nil
}

func (e *epoll) Name() string { return "epoll" }

func epollEvent(fd int, m Mask) *unix.EpollEvent {
	events := uint32(unix.EPOLLONESHOT)
	if m&Readable != 0 {
		events |= unix.EPOLLIN
	}

	if m&Writable != 0 {
		events |= unix.EPOLLOUT
	}

	return &unix.EpollEvent{Events: events, Fd: int32(fd)}
}

func (e *epoll) Add(fd int, m Mask) error {
	if e.closed.Load() {
		return ErrClosed
	}

	if m == 0 {
		return ErrEmptyMask
	}

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, epollEvent(fd, m))
	if errors.Is(err, unix.EEXIST) {
		err = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, epollEvent(fd, m))
	}

	if err != nil {
		return fmt.Errorf("epoll_ctl(add, %d): %w", fd, err)
	}

	return nil
}

func (e *epoll) Update(fd int, m Mask) error {
	if e.closed.Load() {
		return ErrClosed
	}

	if m == 0 {
		return ErrEmptyMask
	}

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, epollEvent(fd, m))
	if errors.Is(err, unix.ENOENT) {
		err = unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, epollEvent(fd, m))
	}

	if err != nil {
		return fmt.Errorf("epoll_ctl(mod, %d): %w", fd, err)
	}

	return nil
}

func (e *epoll) Delete(fd int) error {
	if e.closed.Load() {
		return ErrClosed
	}

	// Kernels before 2.6.9 require a non-nil event even for EPOLL_CTL_DEL.
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{Fd: int32(fd)})
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl(del, %d): %w", fd, err)
	}

	return nil
}

func (e *epoll) Poll(timeout time.Duration) ([]Event, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(e.fd, e.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return e.out[:0], nil
		}

		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := e.out[:0]

	for i := range n {
		ev := &e.events[i]

		var m Mask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			m |= Readable
		}

		if ev.Events&unix.EPOLLOUT != 0 {
			m |= Writable
		}

		out = append(out, Event{Fd: int(ev.Fd), Mask: m})
	}

	return out, nil
}

func (e *epoll) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	return unix.Close(e.fd)
}
