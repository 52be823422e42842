// Package poller turns OS readiness notification into a oneshot event API.
//
// Every backend behaves the same from the caller's point of view:
//
//   - [Poller.Add] arms an fd for one delivery of the requested directions.
//   - [Poller.Poll] reports each armed fd at most once and disarms it.
//   - [Poller.Update] re-arms after a delivery. Until then the fd is silent.
//   - [Poller.Delete] disarms. Deleting an unknown fd is not an error.
//
// Poll never reports an fd that is not currently registered, and never
// returns more than [MaxEvents] events per call.
//
// Backends are selected once at startup with [New]. The set compiled into a
// binary depends on the platform; [Backends] lists it in preference order.
package poller

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// Mask is a set of readiness directions.
type Mask uint8

const (
	// Readable asks for (or reports) read readiness, EOF or a socket error.
	Readable Mask = 1 << iota

	// Writable asks for (or reports) write readiness.
	Writable
)

// String renders the mask as "r", "w", "rw" or "-".
func (m Mask) String() string {
	switch m & (Readable | Writable) {
	case Readable:
		return "r"
	case Writable:
		return "w"
	case Readable | Writable:
		return "rw"
	default:
		return "-"
	}
}

// MaxEvents is the per-call capacity of [Poller.Poll] for every backend.
const MaxEvents = 1024 * 60

// Event is one delivered readiness notification.
type Event struct {
	Fd   int
	Mask Mask
}

var (
	// ErrUnknownBackend is returned by [New] for a backend name that is not
	// compiled into this binary.
	ErrUnknownBackend = errors.New("poller: unknown backend")

	// ErrClosed is returned by operations on a closed poller.
	ErrClosed = errors.New("poller: closed")

	// ErrEmptyMask is returned when Add or Update is called without any
	// direction set.
	ErrEmptyMask = errors.New("poller: empty interest mask")
)

// Poller is a oneshot readiness multiplexer.
//
// Add, Update and Delete may be called from any goroutine, also while
// another goroutine is blocked in Poll. Poll itself must only be called by
// one goroutine at a time: the returned slice is owned by the poller and is
// overwritten by the next call.
type Poller interface {
	// Name returns the backend name ("epoll", "kqueue", "poll").
	Name() string

	// Add arms fd for a single delivery of the directions in m.
	// Adding an fd that is already registered re-arms it.
	Add(fd int, m Mask) error

	// Update re-arms fd after a delivery.
	Update(fd int, m Mask) error

	// Delete disarms fd. Unknown fds are ignored.
	Delete(fd int) error

	// Poll waits for readiness. A negative timeout blocks until at least one
	// event arrives; zero returns immediately. An empty result means the
	// timeout elapsed.
	Poll(timeout time.Duration) ([]Event, error)

	// Close releases the backend state.
	Close() error
}

// Auto selects the most capable backend compiled for this platform.
const Auto = "auto"

type backend struct {
	name string
	rank int
	open func() (Poller, error)
}

var registry []backend

// register adds a backend. Lower rank is preferred by [Auto].
func register(name string, rank int, open func() (Poller, error)) {
	registry = append(registry, backend{name: name, rank: rank, open: open})
	slices.SortFunc(registry, func(a, b backend) int { return a.rank - b.rank })
}

// Backends lists the backend names available on this platform, preferred
// first.
func Backends() []string {
	names := make([]string, 0, len(registry))
	for _, b := range registry {
		names = append(names, b.name)
	}

	return names
}

// New creates a poller for the named backend. An empty name or [Auto]
// probes the backends in preference order and returns the first one that
// opens.
func New(name string) (Poller, error) {
	if name == "" || name == Auto {
		var errs []error

		for _, b := range registry {
			p, err := b.open()
			if err == nil {
				return p, nil
			}

			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}

		return nil, fmt.Errorf("poller: no usable backend: %w", errors.Join(errs...))
	}

	for _, b := range registry {
		if b.name == name {
			p, err := b.open()
			if err != nil {
				return nil, fmt.Errorf("poller: open %s: %w", name, err)
			}

			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, Backends())
}

// timeoutMillis converts a Poll timeout to the millisecond argument of
// epoll_wait(2) and poll(2). Positive sub-millisecond timeouts round up so
// they still block.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}

	if timeout == 0 {
		return 0
	}

	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(ms)
}
