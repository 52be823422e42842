package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tianyk/beansdb-research/internal/poller"
)

// nopPoller accepts every registration and never delivers.
type nopPoller struct{}

func (nopPoller) Name() string { return "nop" }
func (nopPoller) Add(int, poller.Mask) error { return nil }
func (nopPoller) Update(int, poller.Mask) error { return nil }
func (nopPoller) Delete(int) error { return nil }
func (nopPoller) Poll(time.Duration) ([]poller.Event, error) { return nil, nil }
func (nopPoller) Close() error { return nil }

type nopConn int

func (c nopConn) Fd() int { return int(c) }

type nopProto struct{ closed []Conn }

func (p *nopProto) Drive(Conn) (poller.Mask, bool) { return poller.Readable, true }
func (p *nopProto) Close(c Conn) { p.closed = append(p.closed, c) }

func claimLocked(e *Engine, fd int, gen uint64) (Conn, claimResult) {
	e.tableMu.Lock()
	defer e.tableMu.Unlock()

	return e.claim(fd, gen)
}

func Test_Claim_Follows_Slot_State_Machine(t *testing.T) {
	t.Parallel()

	proto := &nopProto{}
	e := New(nopPoller{}, proto, Options{})
	c := nopConn(7)

	_, res := claimLocked(e, 7, 1)
	require.Equal(t, claimStray, res, "never registered")

	require.NoError(t, e.Register(c, poller.Readable))
	require.Equal(t, stateArmed, e.table[7].state)

	got, res := claimLocked(e, 7, 1)
	require.Equal(t, claimDrive, res)
	require.Equal(t, Conn(c), got)
	require.Equal(t, stateDelivered, e.table[7].state)

	_, res = claimLocked(e, 7, 1)
	require.Equal(t, claimSuperseded, res, "second delivery before rearm")

	require.NoError(t, e.rearm(c, poller.Writable))
	require.Equal(t, stateArmed, e.table[7].state)
	require.Equal(t, poller.Writable, e.table[7].mask)

	require.Error(t, e.rearm(c, poller.Readable), "rearm while armed")

	e.Close(c)
	require.Equal(t, []Conn{c}, proto.closed)
	require.Equal(t, uint64(1), e.table[7].retiredAt, "covers the poll in flight")

	_, res = claimLocked(e, 7, 0)
	require.Equal(t, claimSuperseded, res, "queued delivery after close")

	_, res = claimLocked(e, 7, 1)
	require.Equal(t, claimSuperseded, res, "delivery from the poll in flight at close")

	_, res = claimLocked(e, 7, 2)
	require.Equal(t, claimStray, res, "delivery from a later poll")

	require.NoError(t, e.Register(c, poller.Readable))
	require.Zero(t, e.table[7].retiredAt, "re-registration clears retirement")

	_, res = claimLocked(e, TableSize, 1)
	require.Equal(t, claimStray, res)
}

func Test_Drive_Closes_Conn_When_Rearm_Fails(t *testing.T) {
	t.Parallel()

	proto := &nopProto{}
	e := New(nopPoller{}, proto, Options{})
	c := nopConn(9)

	require.NoError(t, e.Register(c, poller.Readable))

	// Not delivered, so the rearm after Drive is rejected.
	e.drive(c, poller.Event{Fd: 9, Mask: poller.Readable})

	require.Equal(t, []Conn{c}, proto.closed)
	require.Zero(t, e.Stats().Registered)
}
