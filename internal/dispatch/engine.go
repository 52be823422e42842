// Package dispatch runs connection handlers on a leader/follower worker pool
// fed by a oneshot [poller.Poller].
//
// One worker at a time holds leadership. The leader polls until it has
// ready events, pops exactly one, marks its connection delivered and hands
// leadership to the next worker before driving the connection. Because
// every registration is oneshot, a connection is driven by at most one
// worker at a time and is silent until the driver re-arms it.
//
// Each table slot follows a small state machine (unregistered, armed,
// delivered). Close removes a connection from the table before it is
// deregistered from the poller, so an event that was already queued for it,
// or fetched by a poll in flight at the time, finds a retired slot and is
// dropped as superseded. Any other delivery for an fd without a connection
// takes the containment path: the fd is deregistered, closed and logged.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tianyk/beansdb-research/internal/poller"
)

// DefaultPollTimeout bounds how long the leader blocks in one Poll, and so
// how long shutdown can take to be noticed.
const DefaultPollTimeout = time.Second

var (
	// ErrFdOutOfRange is returned by [Engine.Register] for fds that do not
	// fit the connection table.
	ErrFdOutOfRange = errors.New("dispatch: fd out of range")

	// ErrSlotBusy is returned by [Engine.Register] when the fd already has a
	// connection.
	ErrSlotBusy = errors.New("dispatch: fd already registered")

	// ErrAlreadyRun is returned by a second [Engine.Run].
	ErrAlreadyRun = errors.New("dispatch: engine already ran")
)

// Conn is a connection the engine multiplexes.
type Conn interface {
	Fd() int
}

// Protocol drives connections.
type Protocol interface {
	// Drive processes whatever is ready on c. It returns the directions to
	// wait for next and true to keep the connection, or false when the
	// connection is done.
	Drive(c Conn) (poller.Mask, bool)

	// Close releases c. The engine has already removed it from the table
	// and the poller.
	Close(c Conn)
}

// Options configures an [Engine].
type Options struct {
	// Threads is the total worker count including the caller of Run.
	// Values below 1 mean 1.
	Threads int

	// PollTimeout bounds a single Poll. Zero means [DefaultPollTimeout].
	PollTimeout time.Duration

	// Leader is the leadership token. Nil means a fresh [sync.Mutex]; tests
	// pass an instrumented lock.
	Leader sync.Locker

	// Logger receives anomalies and worker lifecycle events.
	Logger *zap.Logger
}

// Stats are cumulative engine counters.
type Stats struct {
	Polls      uint64
	Dispatched uint64
	Rearmed    uint64
	Closed     uint64
	Stray      uint64
	Superseded uint64
	Registered int
}

// Engine is the server context: connection table, ready list, leadership
// token and the poller they share. Create it with [New].
type Engine struct {
	p       poller.Poller
	proto   Protocol
	threads int
	timeout time.Duration
	leader  sync.Locker
	log     *zap.Logger

	// ready and readyGen are owned by the leader. Every event in ready
	// came from poll number readyGen.
	ready    []poller.Event
	readyGen uint64

	tableMu    sync.Mutex
	table      []slot
	registered int

	ran atomic.Bool

	polls      atomic.Uint64
	dispatched atomic.Uint64
	rearmed    atomic.Uint64
	closed     atomic.Uint64
	stray      atomic.Uint64
	superseded atomic.Uint64
}

// New creates an engine over p. The engine owns p from here on and closes
// it when Run returns.
func New(p poller.Poller, proto Protocol, opts Options) *Engine {
	if opts.Threads < 1 {
		opts.Threads = 1
	}

	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	if opts.Leader == nil {
		opts.Leader = &sync.Mutex{}
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Engine{
		p:       p,
		proto:   proto,
		threads: opts.Threads,
		timeout: opts.PollTimeout,
		leader:  opts.Leader,
		log:     opts.Logger,
		ready:   make([]poller.Event, 0, 64),
		table:   make([]slot, TableSize),
	}
}

// Poller returns the engine's poller backend.
func (e *Engine) Poller() poller.Poller { return e.p }

// Register adds c to the table and arms it for m.
//
// If the poller rejects the fd the slot is rolled back.
func (e *Engine) Register(c Conn, m poller.Mask) error {
	fd := c.Fd()
	if fd < 0 || fd >= TableSize {
		return fmt.Errorf("%w: %d (table size %d)", ErrFdOutOfRange, fd, TableSize)
	}

	e.tableMu.Lock()

	s := &e.table[fd]
	if s.conn != nil {
		e.tableMu.Unlock()

		return fmt.Errorf("%w: %d", ErrSlotBusy, fd)
	}

	*s = slot{conn: c, state: stateArmed, mask: m}
	e.registered++
	e.tableMu.Unlock()

	err := e.p.Add(fd, m)
	if err != nil {
		e.tableMu.Lock()
		if e.table[fd].conn == c {
			e.table[fd] = slot{}
			e.registered--
		}
		e.tableMu.Unlock()

		return fmt.Errorf("dispatch: register fd %d: %w", fd, err)
	}

	return nil
}

// Close removes c from the table, deregisters it and hands it to
// [Protocol.Close]. Closing a connection that is not registered is a no-op.
func (e *Engine) Close(c Conn) {
	fd := c.Fd()
	if fd < 0 || fd >= TableSize {
		return
	}

	e.tableMu.Lock()

	if e.table[fd].conn != c {
		e.tableMu.Unlock()

		return
	}

	// A poll already blocked in the kernel may still return this fd.
	e.table[fd] = slot{retiredAt: e.polls.Load() + 1}
	e.registered--
	e.tableMu.Unlock()

	if err := e.p.Delete(fd); err != nil && !errors.Is(err, poller.ErrClosed) {
		e.log.Warn("deregister fd", zap.Int("fd", fd), zap.Error(err))
	}

	e.proto.Close(c)
	e.closed.Add(1)
}

// rearm moves c from delivered back to armed and re-registers it with the
// poller. The slot is armed first so a delivery racing the Update finds it
// ready to claim.
func (e *Engine) rearm(c Conn, m poller.Mask) error {
	fd := c.Fd()

	e.tableMu.Lock()

	s := &e.table[fd]
	if s.conn != c || s.state != stateDelivered {
		state := s.state
		e.tableMu.Unlock()

		return fmt.Errorf("dispatch: rearm fd %d in state %s", fd, state)
	}

	s.state = stateArmed
	s.mask = m
	e.tableMu.Unlock()

	err := e.p.Update(fd, m)
	if err != nil {
		return fmt.Errorf("dispatch: rearm fd %d: %w", fd, err)
	}

	e.rearmed.Add(1)

	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.tableMu.Lock()
	registered := e.registered
	e.tableMu.Unlock()

	return Stats{
		Polls:      e.polls.Load(),
		Dispatched: e.dispatched.Load(),
		Rearmed:    e.rearmed.Load(),
		Closed:     e.closed.Load(),
		Stray:      e.stray.Load(),
		Superseded: e.superseded.Load(),
		Registered: registered,
	}
}

// Run starts Threads-1 workers, works as the last one itself and blocks
// until ctx is done or a worker fails. It then waits for every worker to
// stop, closes every connection still registered and closes the poller.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for id := 1; id < e.threads; id++ {
		g.Go(func() error { return e.worker(gctx, id) })
	}

	runErr := e.worker(gctx, 0)
	if runErr != nil {
		cancel()
	}

	waitErr := g.Wait()

	e.closeAll()

	closeErr := e.p.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("dispatch: close poller: %w", closeErr)
	}

	return errors.Join(runErr, waitErr, closeErr)
}

func (e *Engine) closeAll() {
	var conns []Conn

	e.tableMu.Lock()
	for _, s := range e.table {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	e.tableMu.Unlock()

	for _, c := range conns {
		e.Close(c)
	}
}

func (e *Engine) worker(ctx context.Context, id int) error {
	e.log.Debug("worker started", zap.Int("worker", id))
	defer e.log.Debug("worker stopped", zap.Int("worker", id))

	for ctx.Err() == nil {
		c, ev, err := e.next(ctx)
		if err != nil {
			return err
		}

		if c == nil {
			continue
		}

		e.drive(c, ev)
	}

	return nil
}

// next takes leadership, polls until there is an event and claims one.
// It returns a nil Conn when the popped event was not drivable or ctx is
// done.
func (e *Engine) next(ctx context.Context) (Conn, poller.Event, error) {
	e.leader.Lock()
	defer e.leader.Unlock()

	for len(e.ready) == 0 {
		if ctx.Err() != nil {
			return nil, poller.Event{}, nil
		}

		events, err := e.p.Poll(e.timeout)
		if err != nil {
			return nil, poller.Event{}, fmt.Errorf("dispatch: poll: %w", err)
		}

		e.readyGen = e.polls.Add(1)
		e.ready = append(e.ready, events...)
	}

	if ctx.Err() != nil {
		return nil, poller.Event{}, nil
	}

	n := len(e.ready) - 1
	ev := e.ready[n]
	e.ready = e.ready[:n]

	e.tableMu.Lock()
	c, res := e.claim(ev.Fd, e.readyGen)
	e.tableMu.Unlock()

	switch res {
	case claimDrive:
		return c, ev, nil
	case claimSuperseded:
		e.superseded.Add(1)
		e.log.Debug("dropping superseded delivery", zap.Int("fd", ev.Fd))
	case claimStray:
		e.contain(ev.Fd)
	}

	return nil, ev, nil
}

// contain handles a delivery for an fd with no connection. This means a
// registration leaked past the table, so the fd is closed to stop it from
// firing again.
func (e *Engine) contain(fd int) {
	e.stray.Add(1)
	e.log.Error("conn should not be nil", zap.Int("fd", fd))

	if err := e.p.Delete(fd); err != nil {
		e.log.Warn("deregister stray fd", zap.Int("fd", fd), zap.Error(err))
	}

	if err := unix.Close(fd); err != nil {
		e.log.Warn("close stray fd", zap.Int("fd", fd), zap.Error(err))
	}
}

func (e *Engine) drive(c Conn, ev poller.Event) {
	e.dispatched.Add(1)

	m, keep := e.proto.Drive(c)
	if !keep {
		e.Close(c)

		return
	}

	err := e.rearm(c, m)
	if err != nil {
		e.log.Warn("rearm failed, closing", zap.Int("fd", ev.Fd), zap.Stringer("mask", m), zap.Error(err))
		e.Close(c)
	}
}
