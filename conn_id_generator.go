package quic

import (
	"sync"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// issuedConnID is a connection ID we handed to the peer via NEW_CONNECTION_ID, and its
// retirement bookkeeping.
type issuedConnID struct {
	seq      uint64
	id       protocol.ConnectionID
	token    protocol.StatelessResetToken
	retired  bool
}

// connIDGenerator issues new connection IDs to the peer up to their advertised
// active_connection_id_limit, and tracks which of our previously issued IDs have since been
// retired via RETIRE_CONNECTION_ID, so the packet-handler map entry for a retired CID can be
// torn down once it is safe to do so (§3 "connection IDs" in the data model; no multipath here,
// one active path's worth of issuance).
type connIDGenerator struct {
	mu sync.Mutex

	cidLen int

	issued       map[uint64]*issuedConnID
	nextSeq      uint64
	activeCount  int // not yet retired by peer
	peerLimit    uint64

	queueControlFrame    func(wire.Frame)
	addConnectionID      func(protocol.ConnectionID, protocol.StatelessResetToken)
	removeConnectionID   func(protocol.ConnectionID)
	newStatelessResetTok func(protocol.ConnectionID) protocol.StatelessResetToken
}

func newConnIDGenerator(
	cidLen int,
	initialPeerLimit uint64,
	queueControlFrame func(wire.Frame),
	addConnectionID func(protocol.ConnectionID, protocol.StatelessResetToken),
	removeConnectionID func(protocol.ConnectionID),
	newStatelessResetTok func(protocol.ConnectionID) protocol.StatelessResetToken,
) *connIDGenerator {
	return &connIDGenerator{
		cidLen:               cidLen,
		issued:               make(map[uint64]*issuedConnID),
		peerLimit:            initialPeerLimit,
		queueControlFrame:    queueControlFrame,
		addConnectionID:      addConnectionID,
		removeConnectionID:   removeConnectionID,
		newStatelessResetTok: newStatelessResetTok,
	}
}

// SetPeerLimit applies the peer's advertised active_connection_id_limit transport parameter,
// then tops up issuance if it grew.
func (g *connIDGenerator) SetPeerLimit(n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peerLimit = n
	g.fillLocked()
}

// Start issues the initial batch of connection IDs once the handshake parameters are known.
func (g *connIDGenerator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillLocked()
}

func (g *connIDGenerator) fillLocked() {
	for uint64(g.activeCount) < g.peerLimit {
		id, err := protocol.GenerateConnectionID(g.cidLen)
		if err != nil {
			return
		}
		seq := g.nextSeq
		g.nextSeq++
		token := g.newStatelessResetTok(id)
		g.issued[seq] = &issuedConnID{seq: seq, id: id, token: token}
		g.activeCount++
		g.addConnectionID(id, token)
		g.queueControlFrame(&wire.NewConnectionIDFrame{
			SequenceNumber:      seq,
			ConnectionID:        id,
			StatelessResetToken: token,
		})
	}
}

// Retire handles RETIRE_CONNECTION_ID for a connection ID we issued, freeing a slot to issue a
// replacement.
func (g *connIDGenerator) Retire(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cid, ok := g.issued[seq]
	if !ok || cid.retired {
		return
	}
	cid.retired = true
	g.activeCount--
	delete(g.issued, seq)
	g.removeConnectionID(cid.id)
	g.fillLocked()
}

// RemoveAll retires every connection ID we've issued, e.g. on connection close.
func (g *connIDGenerator) RemoveAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for seq, cid := range g.issued {
		g.removeConnectionID(cid.id)
		delete(g.issued, seq)
	}
	g.activeCount = 0
}
