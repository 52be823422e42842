package dispatch

import "github.com/tianyk/beansdb-research/internal/poller"

// TableSize bounds the fds the engine can track. It matches
// [poller.MaxEvents].
const TableSize = poller.MaxEvents

// slotState is where a connection is in its oneshot cycle.
//
//	unregistered --Register--> armed --delivery--> delivered
//	delivered --rearm--> armed
//	armed|delivered --Close--> unregistered (retired)
type slotState uint8

const (
	stateUnregistered slotState = iota
	stateArmed
	stateDelivered
)

func (s slotState) String() string {
	switch s {
	case stateArmed:
		return "armed"
	case stateDelivered:
		return "delivered"
	default:
		return "unregistered"
	}
}

// slot is one connection table entry, indexed by fd.
type slot struct {
	conn  Conn
	state slotState
	mask  poller.Mask

	// retiredAt is the last poll generation that may still hold a delivery
	// for a connection closed by the engine. Zero means not retired.
	// Deliveries from later polls are strays.
	retiredAt uint64
}

// retired reports whether a delivery from poll generation gen predates
// the close of this slot's last connection.
func (s *slot) retired(gen uint64) bool {
	return s.retiredAt != 0 && gen <= s.retiredAt
}

// claimResult tells the worker what to do with a popped event.
type claimResult uint8

const (
	claimDrive claimResult = iota
	claimStray
	claimSuperseded
)

// claim moves the slot for fd from armed to delivered and returns its
// connection. gen is the poll generation the delivery came from. Callers
// hold e.tableMu.
func (e *Engine) claim(fd int, gen uint64) (Conn, claimResult) {
	if fd < 0 || fd >= TableSize {
		return nil, claimStray
	}

	s := &e.table[fd]

	switch s.state {
	case stateArmed:
		s.state = stateDelivered

		return s.conn, claimDrive
	case stateDelivered:
		return nil, claimSuperseded
	default:
		if s.retired(gen) {
			return nil, claimSuperseded
		}

		return nil, claimStray
	}
}
