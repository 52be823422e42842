// Package echo is a byte echo protocol for the dispatch engine.
//
// It exercises the engine end to end: a non-blocking listener accepts
// connections and registers them, and every client connection writes back
// whatever it reads, waiting for WRITABLE when the socket buffer is full.
// Connection structs and read buffers are recycled through freelists.
package echo

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/tianyk/beansdb-research/internal/dispatch"
	"github.com/tianyk/beansdb-research/internal/poller"
)

const (
	// BufferSize is the read buffer of each connection.
	BufferSize = 16 << 10

	// FreelistSize is how many idle conns and buffers are kept.
	FreelistSize = 1024

	// AcceptBackoff is how long the listener stays unarmed after accept
	// fails for a reason other than an empty queue, such as running out of
	// fds. The pending connection would otherwise wake the poller again at
	// once.
	AcceptBackoff = 20 * time.Millisecond

	listenBacklog = 1024
)

// Server is the echo [dispatch.Protocol].
type Server struct {
	log    *zap.Logger
	engine *dispatch.Engine

	// acceptLog logs at most one accept failure per second.
	acceptLog *zap.Logger
	acceptFn  func(fd int) (int, unix.Sockaddr, error)
	backoff   time.Duration

	conns *dispatch.Freelist[*client]
	bufs  *dispatch.Freelist[*[]byte]

	accepted     atomic.Uint64
	acceptErrors atomic.Uint64
	echoed       atomic.Uint64
}

// New returns an echo server. Attach it to an engine with [Server.Listen].
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		log: logger,
		acceptLog: logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(c, time.Second, 1, 0)
		})),
		acceptFn: unix.Accept,
		backoff:  AcceptBackoff,
		conns: dispatch.NewFreelist(FreelistSize, func() *client { return &client{} }),
		bufs: dispatch.NewFreelist(FreelistSize, func() *[]byte {
			b := make([]byte, BufferSize)

			return &b
		}),
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() uint64 { return s.accepted.Load() }

// AcceptErrors returns the number of failed accepts that backed off.
func (s *Server) AcceptErrors() uint64 { return s.acceptErrors.Load() }

// Echoed returns the number of bytes written back so far.
func (s *Server) Echoed() uint64 { return s.echoed.Load() }

type listener struct{ fd int }

func (l *listener) Fd() int { return l.fd }

type client struct {
	fd      int
	buf     *[]byte
	pending []byte
}

func (c *client) Fd() int { return c.fd }

// Listen opens a non-blocking TCP listener on addr, registers it with e and
// returns the bound address.
func (s *Server) Listen(e *dispatch.Engine, addr string) (string, error) {
	s.engine = e

	sa, family, err := sockaddr(addr)
	if err != nil {
		return "", err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return "", fmt.Errorf("echo: socket: %w", err)
	}

	unix.CloseOnExec(fd)

	err = listen(fd, sa)
	if err != nil {
		_ = unix.Close(fd)

		return "", fmt.Errorf("echo: listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)

		return "", fmt.Errorf("echo: getsockname: %w", err)
	}

	err = e.Register(&listener{fd: fd}, poller.Readable)
	if err != nil {
		_ = unix.Close(fd)

		return "", err
	}

	return formatSockaddr(bound), nil
}

func listen(fd int, sa unix.Sockaddr) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}

	if err := unix.Bind(fd, sa); err != nil {
		return err
	}

	return unix.Listen(fd, listenBacklog)
}

func sockaddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("echo: address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xffff {
		return nil, 0, fmt.Errorf("echo: address %q: bad port", addr)
	}

	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("echo: address %q: cannot resolve host", addr)
		}

		ip = ips[0]
	}

	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)

		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())

	return sa, unix.AF_INET6, nil
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return fmt.Sprintf("%v", sa)
	}
}

// Drive implements [dispatch.Protocol].
func (s *Server) Drive(c dispatch.Conn) (poller.Mask, bool) {
	switch conn := c.(type) {
	case *listener:
		return s.accept(conn)
	case *client:
		return s.echo(conn)
	default:
		s.log.Error("unknown conn type", zap.Int("fd", c.Fd()))

		return 0, false
	}
}

// Close implements [dispatch.Protocol].
func (s *Server) Close(c dispatch.Conn) {
	if err := unix.Close(c.Fd()); err != nil {
		s.log.Warn("close conn", zap.Int("fd", c.Fd()), zap.Error(err))
	}

	cl, ok := c.(*client)
	if !ok {
		return
	}

	s.bufs.Put(cl.buf)
	*cl = client{}
	s.conns.Put(cl)
}

func (s *Server) accept(l *listener) (poller.Mask, bool) {
	for {
		fd, _, err := s.acceptFn(l.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return poller.Readable, true
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				s.acceptErrors.Add(1)
				s.acceptLog.Warn("accept failed, backing off",
					zap.Duration("backoff", s.backoff),
					zap.Uint64("failures", s.acceptErrors.Load()),
					zap.Error(err),
				)

				time.Sleep(s.backoff)

				return poller.Readable, true
			}
		}

		unix.CloseOnExec(fd)

		if err := unix.SetNonblock(fd, true); err != nil {
			s.log.Warn("set nonblock", zap.Int("fd", fd), zap.Error(err))
			_ = unix.Close(fd)

			continue
		}

		cl := s.conns.Get()
		cl.fd = fd
		cl.buf = s.bufs.Get()

		if err := s.engine.Register(cl, poller.Readable); err != nil {
			s.log.Warn("register conn", zap.Int("fd", fd), zap.Error(err))
			s.Close(cl)

			continue
		}

		s.accepted.Add(1)
	}
}

func (s *Server) echo(c *client) (poller.Mask, bool) {
	if len(c.pending) > 0 {
		mask, ok, done := s.flush(c)
		if !done {
			return mask, ok
		}
	}

	buf := *c.buf

	for {
		n, err := unix.Read(c.fd, buf)

		switch {
		case n > 0:
			c.pending = buf[:n]

			mask, ok, done := s.flush(c)
			if !done {
				return mask, ok
			}
		case err == nil:
			return 0, false
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return poller.Readable, true
		default:
			s.log.Debug("read", zap.Int("fd", c.fd), zap.Error(err))

			return 0, false
		}
	}
}

// flush writes c.pending. done is true once it is empty; otherwise mask and
// ok are what Drive should return.
func (s *Server) flush(c *client) (mask poller.Mask, ok, done bool) {
	for len(c.pending) > 0 {
		n, err := unix.Write(c.fd, c.pending)
		if n > 0 {
			c.pending = c.pending[n:]
			s.echoed.Add(uint64(n))
		}

		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return poller.Writable, true, false
		default:
			s.log.Debug("write", zap.Int("fd", c.fd), zap.Error(err))

			return 0, false, false
		}
	}

	c.pending = nil

	return 0, true, true
}
