//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	register("kqueue", 1, openKqueue)
}

// kqueue implements [Poller] with one EV_ONESHOT filter per direction.
//
// kqueue reports read and write readiness as separate events and keeps the
// sibling filter armed after one of them fires. To match the oneshot
// contract, Poll merges both directions into a single [Event] and deletes
// whatever filter of a delivered fd is still armed.
type kqueue struct {
	fd int

	mu     sync.Mutex
	closed bool
	armed  map[int]Mask

	events  []unix.Kevent_t
	out     []Event
	outIdx  map[int]int
	changes []unix.Kevent_t
}

func openKqueue() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}

	unix.CloseOnExec(fd)

	return &kqueue{
		fd:     fd,
		armed:  make(map[int]Mask),
		events: make([]unix.Kevent_t, MaxEvents),
		out:    make([]Event, 0, MaxEvents),
		outIdx: make(map[int]int),
	}, nil
}

func (k *kqueue) Name() string { return "kqueue" }

func (k *kqueue) Add(fd int, m Mask) error {
	return k.arm(fd, m)
}

func (k *kqueue) Update(fd int, m Mask) error {
	return k.arm(fd, m)
}

func (k *kqueue) arm(fd int, m Mask) error {
	if m == 0 {
		return ErrEmptyMask
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}

	// Drop a direction that was armed before but is no longer wanted.
	if prev := k.armed[fd] &^ m; prev != 0 {
		k.deleteFilters(fd, prev)
	}

	changes := k.changes[:0]

	if m&Readable != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT)
		changes = append(changes, ev)
	}

	if m&Writable != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ONESHOT)
		changes = append(changes, ev)
	}

	k.changes = changes

	_, err := unix.Kevent(k.fd, changes, nil, nil)
	if err != nil {
		return fmt.Errorf("kevent(add, %d): %w", fd, err)
	}

	k.armed[fd] = m

	return nil
}

func (k *kqueue) Delete(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}

	k.deleteFilters(fd, Readable|Writable)
	delete(k.armed, fd)

	return nil
}

// deleteFilters removes the filters for the given directions. Missing
// filters are expected (oneshot filters vanish after firing) and ignored.
// Callers hold k.mu.
func (k *kqueue) deleteFilters(fd int, m Mask) {
	if m&Readable != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		_, _ = unix.Kevent(k.fd, []unix.Kevent_t{ev}, nil, nil)
	}

	if m&Writable != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		_, _ = unix.Kevent(k.fd, []unix.Kevent_t{ev}, nil, nil)
	}
}

func (k *kqueue) Poll(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec

	if timeout >= 0 {
		spec := unix.NsecToTimespec(int64(timeout))
		ts = &spec
	}

	n, err := unix.Kevent(k.fd, nil, k.events, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return k.out[:0], nil
		}

		if errors.Is(err, unix.EBADF) {
			return nil, ErrClosed
		}

		return nil, fmt.Errorf("kevent(wait): %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	out := k.out[:0]
	clear(k.outIdx)

	for i := range n {
		ev := &k.events[i]
		fd := int(ev.Ident)

		armed, ok := k.armed[fd]
		if !ok {
			// Deleted between the kernel delivering and us taking the lock.
			continue
		}

		var m Mask

		switch ev.Filter {
		case unix.EVFILT_READ:
			m = Readable
		case unix.EVFILT_WRITE:
			m = Writable
		}

		if ev.Flags&unix.EV_ERROR != 0 {
			m = armed
		}

		if idx, seen := k.outIdx[fd]; seen {
			out[idx].Mask |= m

			continue
		}

		k.outIdx[fd] = len(out)
		out = append(out, Event{Fd: fd, Mask: m})
	}

	for _, ev := range out {
		if rest := k.armed[ev.Fd] &^ ev.Mask; rest != 0 {
			k.deleteFilters(ev.Fd, rest)
		}

		delete(k.armed, ev.Fd)
	}

	k.out = out

	return out, nil
}

func (k *kqueue) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}

	k.closed = true

	return unix.Close(k.fd)
}
