package quic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/scheduler"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// streamGroup is the optional membership every stream can carry (§3 "group membership"). It
// holds nothing but identity and policy; a group never outlives the connection, and dropping the
// last member doesn't tear it down; only an explicit GROUP_RESET or connection close does.
type streamGroup struct {
	id       StreamGroupID
	uni      bool
	policy   *StreamGroupPolicy
	members  map[protocol.StreamID]struct{}
	reset    bool
	resetErr *StreamGroupError
}

// connRunner is everything the streams map needs from the connection engine: handing data
// streams to the scheduler, flushing control frames outside it, and reporting when a stream's
// both directions have gone terminal.
type connRunner interface {
	queueControlFrame(wire.Frame)
	queueControlFrameWithAckCallback(wire.Frame, func())
	onStreamCompleted(id protocol.StreamID)
}

// halfClosed tracks, per stream, which of its two directions (for a bidi stream) have finished,
// so a stream only gets removed from the manager's interest once both have (§3 "leaves the
// manager only after both directions are terminal").
type halfClosed struct {
	count int
}

// streamsMap owns every stream's lifecycle: allocation of locally-initiated IDs, acceptance of
// peer-initiated ones subject to the advertised concurrency limit, group bookkeeping, and the
// streamSender plumbing (control-frame queue, round-robin scheduler membership) that every
// sendStream/receiveStream is handed at construction.
type streamsMap struct {
	mutex sync.Mutex

	perspective protocol.Perspective
	runner      connRunner

	rttStats *utils.RTTStats
	connFC   flowcontrol.ConnectionFlowController

	initialStreamRecvWindow uint64
	maxStreamRecvWindow     uint64

	outgoingBidiStreams *outgoingStreamsGeneric[*sendRecvPair]
	outgoingUniStreams  *outgoingStreamsGeneric[*sendStream]

	incomingBidiStreams map[protocol.StreamID]*sendRecvPair
	incomingUniStreams  map[protocol.StreamID]*receiveStream

	nextIncomingBidi protocol.StreamID // lowest peer-initiated bidi ID not yet opened
	nextIncomingUni  protocol.StreamID

	maxIncomingBidiStreams uint64
	maxIncomingUniStreams  uint64

	halfClosedBidi map[protocol.StreamID]*halfClosed

	newIncomingBidi chan *sendRecvPair
	newIncomingUni  chan *receiveStream

	scheduler *scheduler.RoundRobin

	groups      map[StreamGroupID]*streamGroup
	nextGroupID StreamGroupID
	maxGroups   uint64

	closeErr error
}

// sendRecvPair is a bidirectional stream's two halves, bundled so the outgoing-ID allocator and
// the public Stream type can share one construction path.
type sendRecvPair struct {
	*sendStream
	*receiveStream
	id protocol.StreamID
}

var _ Stream = &sendRecvPair{}

func (p *sendRecvPair) StreamID() StreamID { return p.id }

func (p *sendRecvPair) SetDeadline(t time.Time) error {
	_ = p.sendStream.SetWriteDeadline(t)
	_ = p.receiveStream.SetReadDeadline(t)
	return nil
}

func (p *sendRecvPair) closeForShutdown(err error) {
	p.sendStream.closeForShutdown(err)
	p.receiveStream.closeForShutdown(err)
}

func newStreamsMap(
	perspective protocol.Perspective,
	runner connRunner,
	connFC flowcontrol.ConnectionFlowController,
	rttStats *utils.RTTStats,
	maxIncomingBidiStreams, maxIncomingUniStreams uint64,
	initialStreamRecvWindow, maxStreamRecvWindow uint64,
	maxGroups uint64,
) *streamsMap {
	m := &streamsMap{
		perspective:             perspective,
		runner:                  runner,
		connFC:                  connFC,
		rttStats:                rttStats,
		initialStreamRecvWindow: initialStreamRecvWindow,
		maxStreamRecvWindow:     maxStreamRecvWindow,
		incomingBidiStreams:     make(map[protocol.StreamID]*sendRecvPair),
		incomingUniStreams:      make(map[protocol.StreamID]*receiveStream),
		halfClosedBidi:          make(map[protocol.StreamID]*halfClosed),
		newIncomingBidi:         make(chan *sendRecvPair, 16),
		newIncomingUni:          make(chan *receiveStream, 16),
		scheduler:               scheduler.NewRoundRobin(),
		groups:                  make(map[StreamGroupID]*streamGroup),
		nextGroupID:             1,
		maxIncomingBidiStreams:  maxIncomingBidiStreams,
		maxIncomingUniStreams:   maxIncomingUniStreams,
		maxGroups:               maxGroups,
	}
	// First bidi/uni ID each peer may open: client-initiated bidi 0, server-initiated bidi 1,
	// client-initiated uni 2, server-initiated uni 3 (protocol.StreamID.InitiatedBy/IsUniDirectional).
	var firstOutgoingBidi, firstOutgoingUni, firstIncomingBidi, firstIncomingUni protocol.StreamID
	if perspective == protocol.PerspectiveClient {
		firstOutgoingBidi, firstIncomingBidi = 0, 1
		firstOutgoingUni, firstIncomingUni = 2, 3
	} else {
		firstOutgoingBidi, firstIncomingBidi = 1, 0
		firstOutgoingUni, firstIncomingUni = 3, 2
	}
	m.nextIncomingBidi = firstIncomingBidi
	m.nextIncomingUni = firstIncomingUni
	m.outgoingBidiStreams = newOutgoingStreamsGeneric(firstOutgoingBidi, func(id protocol.StreamID) *sendRecvPair {
		return m.newBidiStreamLocked(id, nil)
	})
	m.outgoingUniStreams = newOutgoingStreamsGeneric(firstOutgoingUni, func(id protocol.StreamID) *sendStream {
		return m.newSendStreamLocked(id, nil)
	})
	return m
}

// newStreamFlowController builds the one flowcontrol.StreamFlowController shared by a stream's
// send and receive halves (flowcontrol.StreamFlowController combines both directions in a single
// interface; see internal/flowcontrol/interface.go), so a read on one half and a send-window
// update on the other see the same counters.
func (m *streamsMap) newStreamFlowController(id protocol.StreamID) flowcontrol.StreamFlowController {
	return flowcontrol.NewStreamFlowController(
		id, m.connFC,
		protocol.ByteCount(m.initialStreamRecvWindow),
		protocol.ByteCount(m.maxStreamRecvWindow),
		protocol.ByteCount(m.initialStreamRecvWindow),
		m.rttStats,
	)
}

func (m *streamsMap) newSendStreamLocked(id protocol.StreamID, grp *streamGroup) *sendStream {
	s := newSendStream(id, m, m.newStreamFlowController(id))
	s.group = grp
	if grp != nil {
		grp.members[id] = struct{}{}
	}
	return s
}

func (m *streamsMap) newReceiveStreamLocked(id protocol.StreamID, fc flowcontrol.StreamFlowController) *receiveStream {
	return newReceiveStream(id, m, fc)
}

func (m *streamsMap) newBidiStreamLocked(id protocol.StreamID, grp *streamGroup) *sendRecvPair {
	fc := m.newStreamFlowController(id)
	send := newSendStream(id, m, fc)
	send.group = grp
	recv := m.newReceiveStreamLocked(id, fc)
	if grp != nil {
		grp.members[id] = struct{}{}
	}
	return &sendRecvPair{sendStream: send, receiveStream: recv, id: id}
}

// --- streamSender: queueControlFrame / onHasStreamData / onStreamCompleted -------------------

func (m *streamsMap) queueControlFrame(f wire.Frame) { m.runner.queueControlFrame(f) }

func (m *streamsMap) queueControlFrameWithAckCallback(f wire.Frame, onAcked func()) {
	m.runner.queueControlFrameWithAckCallback(f, onAcked)
}

func (m *streamsMap) onHasStreamData(id protocol.StreamID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closeErr != nil {
		return
	}
	m.scheduler.Insert(id)
}

func (m *streamsMap) onStreamCompleted(id protocol.StreamID) {
	m.mutex.Lock()
	m.scheduler.Erase(id)
	done := m.markHalfClosedLocked(id)
	m.mutex.Unlock()
	if done {
		m.runner.onStreamCompleted(id)
	}
}

// markHalfClosedLocked records that one direction of id has gone terminal and reports whether
// the stream is now fully done: immediately for a uni stream (it only has one direction, so the
// single onStreamCompleted call it ever makes is enough), once both halves of a bidi stream have
// each called onStreamCompleted exactly once.
func (m *streamsMap) markHalfClosedLocked(id protocol.StreamID) bool {
	if id.IsUniDirectional() {
		return true
	}
	hc := m.halfClosedBidi[id]
	if hc == nil {
		hc = &halfClosed{}
		m.halfClosedBidi[id] = hc
	}
	hc.count++
	if hc.count >= 2 {
		delete(m.halfClosedBidi, id)
		return true
	}
	return false
}

// --- outgoing stream allocation ----------------------------------------------------------------

// outgoingStreamsGeneric allocates locally-initiated stream IDs in order, blocking OpenXSync
// callers until the peer's advertised limit makes room. T is *sendStream for uni streams or
// *sendRecvPair for bidi streams.
type outgoingStreamsGeneric[T any] struct {
	mutex sync.Mutex
	cond  sync.Cond

	nextID  protocol.StreamID
	maxOpen uint64
	opened  uint64

	streams   map[protocol.StreamID]T
	newStream func(protocol.StreamID) T

	closeErr error
}

func newOutgoingStreamsGeneric[T any](first protocol.StreamID, newStream func(protocol.StreamID) T) *outgoingStreamsGeneric[T] {
	o := &outgoingStreamsGeneric[T]{
		nextID:    first,
		streams:   make(map[protocol.StreamID]T),
		newStream: newStream,
	}
	o.cond.L = &o.mutex
	return o
}

func (o *outgoingStreamsGeneric[T]) setMaxStreams(n uint64) {
	o.mutex.Lock()
	if n > o.maxOpen {
		o.maxOpen = n
		o.cond.Broadcast()
	}
	o.mutex.Unlock()
}

func (o *outgoingStreamsGeneric[T]) open() (T, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	var zero T
	if o.closeErr != nil {
		return zero, o.closeErr
	}
	if o.opened >= o.maxOpen {
		return zero, qerr.NewTransportError(qerr.StreamLimitError, "peer stream limit reached")
	}
	return o.openLocked(), nil
}

// openSync blocks until a slot opens up, ctx is canceled, or the streams map closes. It polls
// ctx via a helper goroutine rather than selecting directly on ctx.Done, because sync.Cond has
// no channel to select against.
func (o *outgoingStreamsGeneric[T]) openSync(ctx context.Context) (T, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.mutex.Lock()
			o.cond.Broadcast()
			o.mutex.Unlock()
		case <-done:
		}
	}()
	defer close(done)
	for {
		if o.closeErr != nil {
			return zero, o.closeErr
		}
		if o.opened < o.maxOpen {
			return o.openLocked(), nil
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		o.cond.Wait()
	}
}

func (o *outgoingStreamsGeneric[T]) openLocked() T {
	id := o.nextID
	o.nextID += 4
	o.opened++
	s := o.newStream(id)
	o.streams[id] = s
	return s
}

func (o *outgoingStreamsGeneric[T]) closeWithError(err error) {
	o.mutex.Lock()
	o.closeErr = err
	o.cond.Broadcast()
	o.mutex.Unlock()
}

// --- public-facing operations on streamsMap -----------------------------------------------------

func (m *streamsMap) OpenStream() (Stream, error) {
	p, err := m.outgoingBidiStreams.open()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *streamsMap) OpenStreamSync(ctx context.Context) (Stream, error) {
	p, err := m.outgoingBidiStreams.openSync(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *streamsMap) OpenUniStream() (SendStream, error) {
	s, err := m.outgoingUniStreams.open()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *streamsMap) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	s, err := m.outgoingUniStreams.openSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *streamsMap) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case p := <-m.newIncomingBidi:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *streamsMap) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case r := <-m.newIncomingUni:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- stream groups ---------------------------------------------------------------------------

func (m *streamsMap) createGroup(uni bool) (StreamGroupID, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.maxGroups == 0 {
		return 0, qerr.NewLocalError(qerr.ErrInvalidOperation, "stream groups not enabled")
	}
	if uint64(len(m.groups)) >= m.maxGroups {
		return 0, qerr.NewLocalError(qerr.ErrInvalidOperation, "max concurrent stream groups reached")
	}
	gid := m.nextGroupID
	m.nextGroupID++
	m.groups[gid] = &streamGroup{id: gid, uni: uni, members: make(map[protocol.StreamID]struct{})}
	return gid, nil
}

func (m *streamsMap) CreateBidiGroup() (StreamGroupID, error) { return m.createGroup(false) }
func (m *streamsMap) CreateUniGroup() (StreamGroupID, error)  { return m.createGroup(true) }

func (m *streamsMap) groupLocked(gid StreamGroupID) (*streamGroup, error) {
	grp, ok := m.groups[gid]
	if !ok {
		return nil, qerr.NewLocalError(qerr.ErrInvalidOperation, fmt.Sprintf("no such stream group %d", gid))
	}
	if grp.reset {
		return nil, grp.resetErr
	}
	return grp, nil
}

func (m *streamsMap) OpenStreamInGroup(gid StreamGroupID) (Stream, error) {
	m.mutex.Lock()
	grp, err := m.groupLocked(gid)
	if err != nil {
		m.mutex.Unlock()
		return nil, err
	}
	if grp.uni {
		m.mutex.Unlock()
		return nil, qerr.NewLocalError(qerr.ErrInvalidOperation, "group is unidirectional")
	}
	m.mutex.Unlock()
	p, err := m.outgoingBidiStreams.open()
	if err != nil {
		return nil, err
	}
	m.mutex.Lock()
	p.sendStream.group = grp
	grp.members[p.id] = struct{}{}
	m.mutex.Unlock()
	return p, nil
}

func (m *streamsMap) OpenUniStreamInGroup(gid StreamGroupID) (SendStream, error) {
	m.mutex.Lock()
	grp, err := m.groupLocked(gid)
	if err != nil {
		m.mutex.Unlock()
		return nil, err
	}
	if !grp.uni {
		m.mutex.Unlock()
		return nil, qerr.NewLocalError(qerr.ErrInvalidOperation, "group is bidirectional")
	}
	m.mutex.Unlock()
	s, err := m.outgoingUniStreams.open()
	if err != nil {
		return nil, err
	}
	m.mutex.Lock()
	s.group = grp
	grp.members[s.streamID] = struct{}{}
	m.mutex.Unlock()
	return s, nil
}

func (m *streamsMap) SetStreamGroupRetransmissionPolicy(gid StreamGroupID, policy *StreamGroupPolicy) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.maxGroups == 0 {
		return qerr.NewLocalError(qerr.ErrInvalidOperation, "stream groups not enabled")
	}
	grp, err := m.groupLocked(gid)
	if err != nil {
		return err
	}
	grp.policy = policy
	return nil
}

// --- peer-driven setup -------------------------------------------------------------------------

// HandleMaxStreamsFrame applies the peer's advertised concurrency limit to our outgoing streams.
func (m *streamsMap) HandleMaxStreamsFrame(uni bool, limit uint64) {
	if uni {
		m.outgoingUniStreams.setMaxStreams(limit)
	} else {
		m.outgoingBidiStreams.setMaxStreams(limit)
	}
}

// SetMaxIncomingStreams applies our own advertised concurrency limit to the peer's incoming bidi
// streams, e.g. once the handshake negotiates it (SPEC_FULL §4.5's per-stream window walk uses
// the analogous per-stream call; this is the stream-count counterpart for bidi streams).
func (m *streamsMap) SetMaxIncomingStreams(n uint64) {
	m.mutex.Lock()
	m.maxIncomingBidiStreams = n
	m.mutex.Unlock()
}

// SetMaxIncomingUniStreams is the uni-stream counterpart of SetMaxIncomingStreams.
func (m *streamsMap) SetMaxIncomingUniStreams(n uint64) {
	m.mutex.Lock()
	m.maxIncomingUniStreams = n
	m.mutex.Unlock()
}

// ApplyPeerInitialStreamWindows pushes the peer's initial_max_stream_data_* transport parameters
// onto every stream that already exists (opened during 0-RTT, before these values were known),
// matching RFC 9000 Section 18.2's local/remote naming from the sender's point of view: bidiLocal
// is the window for streams the peer itself initiated (our incomingBidiStreams), bidiRemote for
// streams we initiated (our outgoingBidiStreams), uni for our outgoingUniStreams.
func (m *streamsMap) ApplyPeerInitialStreamWindows(bidiLocal, bidiRemote, uni protocol.ByteCount) {
	m.mutex.Lock()
	for _, s := range m.incomingBidiStreams {
		s.sendStream.flowController().UpdateSendWindow(bidiLocal)
	}
	m.mutex.Unlock()

	m.outgoingBidiStreams.mutex.Lock()
	for _, s := range m.outgoingBidiStreams.streams {
		s.sendStream.flowController().UpdateSendWindow(bidiRemote)
	}
	m.outgoingBidiStreams.mutex.Unlock()

	m.outgoingUniStreams.mutex.Lock()
	for _, s := range m.outgoingUniStreams.streams {
		s.flowController().UpdateSendWindow(uni)
	}
	m.outgoingUniStreams.mutex.Unlock()
}

// resolveRemoteBidi materializes every not-yet-seen peer-initiated bidi stream up to and
// including id, delivering each to the Accept channel in order, matching the "every ID skipped
// over is implicitly opened" rule in RFC 9000 §2.1.
func (m *streamsMap) resolveRemoteBidi(id protocol.StreamID) (*sendRecvPair, error) {
	m.mutex.Lock()
	if m.closeErr != nil {
		m.mutex.Unlock()
		return nil, m.closeErr
	}
	if p, ok := m.incomingBidiStreams[id]; ok {
		m.mutex.Unlock()
		return p, nil
	}
	if id < m.nextIncomingBidi {
		m.mutex.Unlock()
		return nil, nil // already closed and forgotten
	}
	opened := uint64(id-m.nextIncomingBidi)/4 + 1
	if opened > m.maxIncomingBidiStreams {
		m.mutex.Unlock()
		return nil, qerr.NewTransportError(qerr.StreamLimitError, fmt.Sprintf("peer opened stream %d beyond advertised limit", id))
	}
	var last *sendRecvPair
	for sid := m.nextIncomingBidi; sid <= id; sid += 4 {
		p := m.newBidiStreamLocked(sid, nil)
		m.incomingBidiStreams[sid] = p
		last = p
		select {
		case m.newIncomingBidi <- p:
		default:
			// Accept backlog full; the stream is still reachable via getReceiveStream/getSendStream,
			// just not yet handed to a blocked AcceptStream caller.
		}
	}
	m.nextIncomingBidi = id + 4
	m.mutex.Unlock()
	return last, nil
}

func (m *streamsMap) resolveRemoteUni(id protocol.StreamID) (*receiveStream, error) {
	m.mutex.Lock()
	if m.closeErr != nil {
		m.mutex.Unlock()
		return nil, m.closeErr
	}
	if r, ok := m.incomingUniStreams[id]; ok {
		m.mutex.Unlock()
		return r, nil
	}
	if id < m.nextIncomingUni {
		m.mutex.Unlock()
		return nil, nil
	}
	opened := uint64(id-m.nextIncomingUni)/4 + 1
	if opened > m.maxIncomingUniStreams {
		m.mutex.Unlock()
		return nil, qerr.NewTransportError(qerr.StreamLimitError, fmt.Sprintf("peer opened uni stream %d beyond advertised limit", id))
	}
	var last *receiveStream
	for sid := m.nextIncomingUni; sid <= id; sid += 4 {
		fc := m.newStreamFlowController(sid)
		r := m.newReceiveStreamLocked(sid, fc)
		m.incomingUniStreams[sid] = r
		last = r
		select {
		case m.newIncomingUni <- r:
		default:
		}
	}
	m.nextIncomingUni = id + 4
	m.mutex.Unlock()
	return last, nil
}

// getSendStream locates the send half of id, resolving a not-yet-seen remote stream as needed.
// Returns nil, nil for an id that belongs to a direction this endpoint never sends on.
func (m *streamsMap) getSendStream(id protocol.StreamID) (*sendStream, error) {
	if id.IsUniDirectional() {
		if id.InitiatedBy() == m.perspective {
			m.mutex.Lock()
			s := m.outgoingUniStreams.streams[id]
			m.mutex.Unlock()
			return s, nil
		}
		return nil, nil // peer-initiated uni stream has no local send half
	}
	if id.InitiatedBy() == m.perspective {
		m.mutex.Lock()
		p := m.outgoingBidiStreams.streams[id]
		m.mutex.Unlock()
		if p == nil {
			return nil, nil
		}
		return p.sendStream, nil
	}
	p, err := m.resolveRemoteBidi(id)
	if err != nil || p == nil {
		return nil, err
	}
	return p.sendStream, nil
}

// getReceiveStream locates the receive half of id, resolving a not-yet-seen remote stream.
func (m *streamsMap) getReceiveStream(id protocol.StreamID) (*receiveStream, error) {
	if id.IsUniDirectional() {
		if id.InitiatedBy() == m.perspective {
			return nil, nil // we don't receive on our own outgoing uni streams
		}
		return m.resolveRemoteUni(id)
	}
	if id.InitiatedBy() == m.perspective {
		m.mutex.Lock()
		p := m.outgoingBidiStreams.streams[id]
		m.mutex.Unlock()
		if p == nil {
			return nil, nil
		}
		return p.receiveStream, nil
	}
	p, err := m.resolveRemoteBidi(id)
	if err != nil || p == nil {
		return nil, err
	}
	return p.receiveStream, nil
}

// HandleStreamFrame dispatches an incoming STREAM frame to its stream's receive half.
func (m *streamsMap) HandleStreamFrame(f *wire.StreamFrame) error {
	r, err := m.getReceiveStream(f.StreamID)
	if err != nil {
		return err
	}
	if r == nil {
		return qerr.NewTransportError(qerr.StreamStateError, fmt.Sprintf("received STREAM frame for send-only stream %d", f.StreamID))
	}
	return r.handleStreamFrame(f)
}

// HandleResetStreamFrame dispatches an incoming RESET_STREAM(_AT) frame.
func (m *streamsMap) HandleResetStreamFrame(f *wire.ResetStreamFrame) error {
	r, err := m.getReceiveStream(f.StreamID)
	if err != nil {
		return err
	}
	if r == nil {
		return qerr.NewTransportError(qerr.StreamStateError, fmt.Sprintf("received RESET_STREAM for send-only stream %d", f.StreamID))
	}
	return r.handleResetStreamFrame(f)
}

// HandleStopSendingFrame dispatches an incoming STOP_SENDING frame to the stream's send half.
func (m *streamsMap) HandleStopSendingFrame(f *wire.StopSendingFrame, cb func(StreamID, StreamErrorCode)) error {
	s, err := m.getSendStream(f.StreamID)
	if err != nil {
		return err
	}
	if s == nil {
		return qerr.NewTransportError(qerr.StreamStateError, fmt.Sprintf("received STOP_SENDING for receive-only stream %d", f.StreamID))
	}
	s.handleStopSendingFrame(f, func(code StreamErrorCode) {
		if cb != nil {
			cb(f.StreamID, code)
		}
	})
	return nil
}

// HandleMaxStreamDataFrame dispatches an incoming MAX_STREAM_DATA frame to the stream's send half.
func (m *streamsMap) HandleMaxStreamDataFrame(f *wire.MaxStreamDataFrame) error {
	s, err := m.getSendStream(f.StreamID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	s.handleMaxStreamDataFrame(f)
	return nil
}

// ResetGroup implements GROUP_RESET: every current member of gid is torn down with the same
// error, and the group is marked so OpenStreamInGroup on it fails from then on.
func (m *streamsMap) ResetGroup(gid StreamGroupID, errCode StreamErrorCode, remote bool) {
	m.mutex.Lock()
	grp, ok := m.groups[gid]
	if !ok || grp.reset {
		m.mutex.Unlock()
		return
	}
	grp.reset = true
	grp.resetErr = &StreamGroupError{GroupID: gid, ErrorCode: errCode, Remote: remote}
	members := make([]protocol.StreamID, 0, len(grp.members))
	for id := range grp.members {
		members = append(members, id)
	}
	m.mutex.Unlock()
	for _, id := range members {
		groupErr := &StreamGroupError{GroupID: gid, StreamID: id, ErrorCode: errCode, Remote: remote}
		if s, _ := m.getSendStream(id); s != nil {
			s.closeForShutdown(groupErr)
		}
		if r, _ := m.getReceiveStream(id); r != nil {
			r.closeForShutdown(groupErr)
		}
	}
}

// popStreamFrame asks the scheduler which stream is due next and pops a frame from it, retrying
// the next stream in line if that one turns out to have nothing left (e.g. it was reset between
// being scheduled and being serviced). Returns nil once no active stream has data to contribute.
func (m *streamsMap) popStreamFrame(maxBytes protocol.ByteCount) *ackhandler.Frame {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for !m.scheduler.Empty() {
		id := m.scheduler.PeekNext()
		s, err := m.getSendStream(id)
		if err != nil || s == nil {
			m.scheduler.Erase(id)
			continue
		}
		af := s.popStreamFrame(maxBytes)
		if af == nil {
			m.scheduler.Erase(id)
			continue
		}
		n := protocol.ByteCount(0)
		if sf, ok := af.Frame.(*wire.StreamFrame); ok {
			n = protocol.ByteCount(len(sf.Data))
		}
		m.scheduler.Consume(uint64(n))
		if !s.hasDataForWriting() {
			m.scheduler.Erase(id)
		}
		return af
	}
	return nil
}

// CloseWithError tears down every stream without peer notification, used when the connection
// itself is closing.
func (m *streamsMap) CloseWithError(err error) {
	m.mutex.Lock()
	m.closeErr = err
	m.outgoingBidiStreams.closeWithError(err)
	m.outgoingUniStreams.closeWithError(err)
	bidi := make([]*sendRecvPair, 0, len(m.incomingBidiStreams))
	for _, p := range m.incomingBidiStreams {
		bidi = append(bidi, p)
	}
	uni := make([]*receiveStream, 0, len(m.incomingUniStreams))
	for _, r := range m.incomingUniStreams {
		uni = append(uni, r)
	}
	outBidi := make([]*sendRecvPair, 0, len(m.outgoingBidiStreams.streams))
	for _, p := range m.outgoingBidiStreams.streams {
		outBidi = append(outBidi, p)
	}
	outUni := make([]*sendStream, 0, len(m.outgoingUniStreams.streams))
	for _, s := range m.outgoingUniStreams.streams {
		outUni = append(outUni, s)
	}
	m.mutex.Unlock()

	for _, p := range bidi {
		p.closeForShutdown(err)
	}
	for _, r := range uni {
		r.closeForShutdown(err)
	}
	for _, p := range outBidi {
		p.closeForShutdown(err)
	}
	for _, s := range outUni {
		s.closeForShutdown(err)
	}
}

// ResetNonControlStreams resets every open stream except IDs 0 and 1, which §6 reserves for
// application-level transport control and leaves untouched by a bulk reset.
func (m *streamsMap) ResetNonControlStreams(code ApplicationErrorCode, msg string) error {
	_ = msg
	m.mutex.Lock()
	ids := make(map[protocol.StreamID]struct{})
	for id := range m.incomingBidiStreams {
		ids[id] = struct{}{}
	}
	for id := range m.incomingUniStreams {
		ids[id] = struct{}{}
	}
	for id := range m.outgoingBidiStreams.streams {
		ids[id] = struct{}{}
	}
	for id := range m.outgoingUniStreams.streams {
		ids[id] = struct{}{}
	}
	m.mutex.Unlock()

	for id := range ids {
		if id == 0 || id == 1 {
			continue
		}
		if s, _ := m.getSendStream(id); s != nil {
			_ = s.CancelWrite(StreamErrorCode(code))
		}
		if r, _ := m.getReceiveStream(id); r != nil {
			_ = r.CancelRead(StreamErrorCode(code))
		}
	}
	return nil
}
