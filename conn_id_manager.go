package quic

import (
	"fmt"
	"sync"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

type receivedConnID struct {
	seq               uint64
	connectionID      protocol.ConnectionID
	statelessResetToken protocol.StatelessResetToken
}

// connIDManager is the peer-issuance counterpart to connIDGenerator: it tracks the connection
// IDs the peer has offered us via NEW_CONNECTION_ID, picks which one we currently send to
// (activeConnectionID), and retires the others once our queue grows past
// active_connection_id_limit.
type connIDManager struct {
	mu sync.Mutex

	queue []receivedConnID

	activeSequenceNumber      uint64
	activeConnectionID        protocol.ConnectionID
	activeStatelessResetToken *protocol.StatelessResetToken

	activeConnectionIDLimit uint64

	addStatelessResetToken    func(protocol.StatelessResetToken)
	removeStatelessResetToken func(protocol.StatelessResetToken)
	queueControlFrame         func(wire.Frame)
}

func newConnIDManager(
	initialDestConnID protocol.ConnectionID,
	activeConnectionIDLimit uint64,
	addStatelessResetToken func(protocol.StatelessResetToken),
	removeStatelessResetToken func(protocol.StatelessResetToken),
	queueControlFrame func(wire.Frame),
) *connIDManager {
	if activeConnectionIDLimit == 0 {
		activeConnectionIDLimit = 2
	}
	return &connIDManager{
		activeConnectionID:        initialDestConnID,
		activeConnectionIDLimit:   activeConnectionIDLimit,
		addStatelessResetToken:    addStatelessResetToken,
		removeStatelessResetToken: removeStatelessResetToken,
		queueControlFrame:         queueControlFrame,
	}
}

// Add handles a NEW_CONNECTION_ID frame: records the offered ID, retires anything the frame's
// RetirePriorTo asks us to drop, and switches the active ID if it was just retired.
func (h *connIDManager) Add(f *wire.NewConnectionIDFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.queue {
		if c.seq == f.SequenceNumber {
			if !c.connectionID.Equal(f.ConnectionID) {
				return fmt.Errorf("received conflicting connection IDs for sequence number %d", f.SequenceNumber)
			}
			if c.statelessResetToken != f.StatelessResetToken {
				return fmt.Errorf("received conflicting stateless reset tokens for sequence number %d", f.SequenceNumber)
			}
			return nil
		}
	}

	retained := h.queue[:0]
	for _, c := range h.queue {
		if c.seq < f.RetirePriorTo {
			h.queueControlFrame(&wire.RetireConnectionIDFrame{SequenceNumber: c.seq})
			h.removeStatelessResetToken(c.statelessResetToken)
			continue
		}
		retained = append(retained, c)
	}
	h.queue = retained

	h.queue = append(h.queue, receivedConnID{
		seq:                 f.SequenceNumber,
		connectionID:        f.ConnectionID,
		statelessResetToken: f.StatelessResetToken,
	})

	if h.activeSequenceNumber < f.RetirePriorTo {
		h.updateConnectionIDLocked()
	}
	if uint64(len(h.queue)) > h.activeConnectionIDLimit {
		h.updateConnectionIDLocked()
	}
	return nil
}

func (h *connIDManager) updateConnectionIDLocked() {
	if len(h.queue) == 0 {
		return
	}
	h.queueControlFrame(&wire.RetireConnectionIDFrame{SequenceNumber: h.activeSequenceNumber})
	next := h.queue[0]
	h.queue = h.queue[1:]
	h.activeSequenceNumber = next.seq
	h.activeConnectionID = next.connectionID
	h.activeStatelessResetToken = &next.statelessResetToken
	h.addStatelessResetToken(next.statelessResetToken)
}

// ChangeInitialConnID replaces the connection ID used before any NEW_CONNECTION_ID was
// received, for a server-chosen ID on the first Initial or after a Retry.
func (h *connIDManager) ChangeInitialConnID(newConnID protocol.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeSequenceNumber != 0 {
		panic("connIDManager: expected first connection ID to have sequence number 0")
	}
	h.activeConnectionID = newConnID
}

// SetStatelessResetToken records the token the peer advertised in its transport parameters for
// connection ID sequence 0 (which never arrives via NEW_CONNECTION_ID).
func (h *connIDManager) SetStatelessResetToken(token protocol.StatelessResetToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeSequenceNumber != 0 {
		return
	}
	h.activeStatelessResetToken = &token
	h.addStatelessResetToken(token)
}

func (h *connIDManager) Get() protocol.ConnectionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeConnectionID
}
