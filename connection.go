package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/batchwriter"
	"github.com/frostgate-labs/qtransport/internal/congestion"
	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/handshake"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// connState is the coarse lifecycle of the connection engine, independent of the handshake state
// machine tracked inside cryptoSetup.
type connState uint8

const (
	stateHandshaking connState = iota
	stateConnected
	stateClosing  // CONNECTION_CLOSE sent locally, draining for 3 PTOs
	stateDraining // CONNECTION_CLOSE received from the peer, or local close acked by silence
	stateClosed
)

// packetSpace bundles ingress bookkeeping the ack handler doesn't already own: the largest
// packet number seen in this space, needed both for decoding future packet numbers and for the
// Largest field of outgoing ACKs.
type packetSpace struct {
	largestRcvdPacketNumber protocol.PacketNumber
}

// connection is the connection engine orchestrator. It owns every per-connection object named in
// the data model, drives the handshake to completion, demultiplexes incoming datagrams to
// streams and control state, and assembles outgoing datagrams from whatever has data queued,
// highest priority first: ACKs, retransmissions, CRYPTO data, then control frames, stream data,
// and datagrams.
type connection struct {
	ctx       context.Context
	ctxCancel context.CancelCauseFunc

	perspective protocol.Perspective
	version     protocol.Version
	config      *Config
	logger      utils.Logger

	// srcConnID is the connection ID this endpoint puts in the source field of every packet it
	// sends; destConnID (accessed through connIDManager.Get) is the one it addresses packets to.
	srcConnID      protocol.ConnectionID
	origDestConnID protocol.ConnectionID // server only: the client's first Initial's dest CID
	retrySrcConnID *protocol.ConnectionID
	retryToken     []byte
	lastPacked     []byte // the most recently packed datagram, kept around only so sendConnectionClose can hand it off for retransmission
	closePacket    []byte // the CONNECTION_CLOSE datagram last sent, handed to the packet-handler map's closedLocalConn stand-in

	connIDManager   *connIDManager
	connIDGenerator *connIDGenerator
	statelessReset  *statelessResetter

	conn       batchwriter.Sender
	remoteAddr *net.UDPAddr
	localAddr  net.Addr
	sendQueue  *batchwriter.Writer

	rttStats *utils.RTTStats

	cryptoSetup         *handshake.CryptoSetup
	cryptoStreamManager *cryptoStreamManager
	initialStream       cryptoStream
	handshakeStream     cryptoStream

	packer   *packetPacker
	unpacker *packetUnpacker

	sentPacketHandler     ackhandler.SentPacketHandler
	receivedPacketHandler ackhandler.ReceivedPacketHandler
	congestionFactory     congestion.ControllerFactory

	initialSpace   packetSpace
	handshakeSpace packetSpace
	appDataSpace   packetSpace

	retransmissionQueue *retransmissionQueue
	framer              *framer
	windowUpdateQueue   *windowUpdateQueue
	datagramQueue       *datagramQueue
	mtu                 mtuDiscoverer

	connFlowController flowcontrol.ConnectionFlowController
	streamsMap          *streamsMap

	frameParser *wire.FrameParser

	state     connState
	closeErr  error // reason CloseWithError/the peer's CONNECTION_CLOSE or a local transport error closed the connection
	closeOnce sync.Once

	handshakeConfirmedChan chan struct{}
	closedChan             chan struct{}

	datagramCallback func([]byte)
	pingCallback     func(PingResult)
	byteEvents       map[StreamID][]*byteEventReg
	byteEventsMu     sync.Mutex

	idleTimeout            time.Duration
	lastPacketReceivedTime time.Time

	timer *utils.Timer

	sendQueued chan struct{} // signaled whenever something becomes sendable, to wake run()

	// peer-advertised extension support, applied once in applyPeerTransportParameters and
	// reported back out through ConnectionState.
	peerSupportsKnobFrames    bool
	peerSupportsReliableReset bool
	peerMaxStreamGroups       uint64
	peerAckReceiveTimestamps  bool
	peerExtendedAckFeatures   wire.ExtendedAckFeature
	peerMaxDatagramFrameSize  protocol.ByteCount
	ackFrequencySent          bool
}

// byteEventReg is a pending SetByteEventCallback registration. Registrations are not checked
// against stream progress: they fire only when the connection closes, with the close error, and
// onStreamCompleted discards a stream's registrations without firing them.
type byteEventReg struct {
	typ    ByteEventType
	offset int64
	cb     ByteEventCallback
	fired  bool
}

// connConfig bundles what client.go/server.go have already resolved before they can construct a
// connection: addresses, chosen version, connection IDs, and role. Socket I/O itself is the
// caller's responsibility; connection only needs a Sender to write batches to and the peer's
// address to write them to, decoupling the engine from net.UDPConn specifics.
type connConfig struct {
	perspective       protocol.Perspective
	version           protocol.Version
	config            *Config
	conn              batchwriter.Sender
	localAddr         net.Addr
	remoteAddr        *net.UDPAddr
	srcConnID         protocol.ConnectionID
	destConnID        protocol.ConnectionID
	origDestConnID    protocol.ConnectionID // client: equals destConnID unless a Retry changes it; server: the client's very first dest CID
	statelessResetKey *StatelessResetKey
	tracer            utils.Logger
}

// StatelessResetKey seeds HMAC-derived stateless reset tokens (RFC 9000 Section 10.3); nil
// disables the feature and falls back to a random per-connection-ID token.
type StatelessResetKey [32]byte

func newConnection(cc connConfig) (*connection, error) {
	logger := utils.DefaultLogger
	if cc.tracer != nil {
		logger = cc.tracer
	}
	logger = logger.WithPrefix(fmt.Sprintf("conn %s ", cc.srcConnID))

	config := cc.config

	c := &connection{
		perspective:              cc.perspective,
		version:                  cc.version,
		config:                   config,
		logger:                   logger,
		srcConnID:                cc.srcConnID,
		origDestConnID:           cc.origDestConnID,
		conn:                     cc.conn,
		remoteAddr:               cc.remoteAddr,
		localAddr:                cc.localAddr,
		rttStats:                 &utils.RTTStats{},
		initialStream:            newCryptoStream(),
		handshakeStream:          newCryptoStream(),
		congestionFactory:        congestion.NewRenoControllerFactory,
		handshakeConfirmedChan:   make(chan struct{}),
		closedChan:               make(chan struct{}),
		byteEvents:               make(map[StreamID][]*byteEventReg),
		idleTimeout:              config.HandshakeIdleTimeout,
		timer:                    utils.NewTimer(),
		sendQueued:               make(chan struct{}, 1),
		peerMaxDatagramFrameSize: protocol.InvalidByteCount,
	}
	c.ctx, c.ctxCancel = context.WithCancelCause(context.Background())
	c.rttStats.SetMaxAckDelay(100 * time.Millisecond)

	var resetKey *StatelessResetKey
	if cc.statelessResetKey != nil {
		resetKey = cc.statelessResetKey
	}
	c.statelessReset = newStatelessResetter(resetKey)

	var err error
	if cc.perspective == protocol.PerspectiveClient {
		c.cryptoSetup, err = handshake.NewCryptoSetupClient(config.TLSConfig, cc.destConnID, cc.version)
	} else {
		c.cryptoSetup, err = handshake.NewCryptoSetupServer(config.TLSConfig, cc.destConnID, cc.version)
	}
	if err != nil {
		return nil, err
	}

	c.connIDGenerator = newConnIDGenerator(
		config.ConnectionIDLength,
		config.ActiveConnectionIDLimit,
		func(f wire.Frame) { c.queueControlFrame(f) },
		func(protocol.ConnectionID, protocol.StatelessResetToken) {},
		func(protocol.ConnectionID) {},
		func(id protocol.ConnectionID) protocol.StatelessResetToken { return c.statelessReset.GetStatelessResetToken(id) },
	)
	c.connIDManager = newConnIDManager(
		cc.destConnID,
		config.ActiveConnectionIDLimit,
		func(protocol.StatelessResetToken) {},
		func(protocol.StatelessResetToken) {},
		func(f wire.Frame) { c.queueControlFrame(f) },
	)

	c.connFlowController = flowcontrol.NewConnectionFlowController(
		protocol.ByteCount(config.InitialConnectionReceiveWindow),
		protocol.ByteCount(config.MaxConnectionReceiveWindow),
		protocol.ByteCount(config.InitialConnectionReceiveWindow),
		c.rttStats,
	)
	c.streamsMap = newStreamsMap(
		cc.perspective,
		c,
		c.connFlowController,
		c.rttStats,
		uint64(config.MaxIncomingStreams),
		uint64(config.MaxIncomingUniStreams),
		config.InitialStreamReceiveWindow,
		config.MaxStreamReceiveWindow,
		config.MaxStreamGroups,
	)

	c.framer = newFramer(newCryptoStream(), cc.version)
	c.retransmissionQueue = newRetransmissionQueue()
	c.windowUpdateQueue = newWindowUpdateQueue(c.connFlowController, func(f wire.Frame) { c.queueControlFrame(f) })
	c.datagramQueue = newDatagramQueue(func() { c.signalSend() }, logger)
	c.cryptoStreamManager = newCryptoStreamManager(c, c.initialStream, c.handshakeStream)

	sph, rph := ackhandler.NewAckHandler(0, c.rttStats, cc.perspective, c.congestionFactory, logger, cc.version)
	c.sentPacketHandler = sph
	c.receivedPacketHandler = rph

	c.packer = newPacketPacker(cc.srcConnID, c.connIDManager.Get, c.cryptoSetup, cc.version)
	c.unpacker = newPacketUnpacker(c.cryptoSetup, cc.srcConnID.Len())

	c.frameParser = wire.NewFrameParser(config.EnableDatagrams, config.EnableReliableStreamReset, config.EnableAckFrequency, config.EnableKnobFrames)

	if !config.DisablePathMTUDiscovery {
		c.mtu = newMTUDiscoverer(c.rttStats, protocol.ByteCount(config.InitialPacketSize), 1452, func(protocol.ByteCount) {}, logger)
	}

	c.sendQueue = batchwriter.NewWriter(cc.conn, cc.remoteAddr, config.BatchSize)
	c.connIDGenerator.Start()

	return c, nil
}

// --- connRunner (streamsMap callback surface) ---

func (c *connection) queueControlFrame(f wire.Frame) {
	c.framer.QueueControlFrame(f)
	c.signalSend()
}

// queueControlFrameWithAckCallback is queueControlFrame plus an onAcked hook; used by
// sendStream.resetLocked so a RESET_STREAM(_AT)'s ack can drive the §4.3 ackOfReset transition
// (handleResetAcked), which otherwise has no real packet-receive path that reaches it.
func (c *connection) queueControlFrameWithAckCallback(f wire.Frame, onAcked func()) {
	c.framer.QueueControlFrameWithAckCallback(f, onAcked)
	c.signalSend()
}

func (c *connection) onStreamCompleted(id protocol.StreamID) {
	c.byteEventsMu.Lock()
	delete(c.byteEvents, id)
	c.byteEventsMu.Unlock()
}

func (c *connection) onHasStreamData(protocol.StreamID) { c.signalSend() }

// --- cryptoDataHandler (cryptoStreamManager callback surface) ---

func (c *connection) HandleData(data []byte, encLevel protocol.EncryptionLevel) error {
	events, err := c.cryptoSetup.HandleMessage(data, encLevel)
	if err != nil {
		return err
	}
	return c.processHandshakeEvents(events)
}

func (c *connection) processHandshakeEvents(events []handshake.Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case handshake.EventWriteInitialData:
			if _, err := c.initialStream.Write(ev.Data); err != nil {
				return err
			}
		case handshake.EventWriteHandshakeData:
			if _, err := c.handshakeStream.Write(ev.Data); err != nil {
				return err
			}
		case handshake.EventReceivedReadKeys:
			// nothing to do: GetXOpener() on the unpacker picks up new keys lazily
		case handshake.EventHandshakeComplete:
			c.onHandshakeComplete()
		}
	}
	c.signalSend()
	return nil
}

func (c *connection) onHandshakeComplete() {
	if c.state == stateHandshaking {
		c.state = stateConnected
	}
	c.idleTimeout = c.config.MaxIdleTimeout
	c.applyPeerTransportParameters()
	if c.perspective == protocol.PerspectiveServer {
		// Only the server sends HANDSHAKE_DONE (RFC 9000 Section 19.20); the client confirms the
		// handshake upon receiving that frame instead of unilaterally, since an on-path attacker
		// can't forge it once sealed under Handshake keys.
		c.framer.QueueControlFrame(&wire.HandshakeDoneFrame{})
		c.cryptoSetup.HandshakeConfirmed()
		c.sentPacketHandler.SetHandshakeConfirmed()
		c.dropEncryptionLevel(protocol.EncryptionHandshake)
		c.maybeSendAckFrequencyFrame()
		close(c.handshakeConfirmedChan)
	}
}

// applyPeerTransportParameters folds every peer-advertised transport parameter into the engine's
// running state: flow-control windows (connection-level and every stream that already exists,
// since 0-RTT may have opened some before these values were known), outgoing stream concurrency,
// the connection ID churn budget, the stateless reset token to watch for, and the extension
// flags ConnectionState reports back to the application.
func (c *connection) applyPeerTransportParameters() {
	raw := c.cryptoSetup.PeerTransportParameters()
	if raw == nil {
		return
	}
	tp, err := wire.UnmarshalTransportParameters(raw, c.perspective.Opposite())
	if err != nil {
		return // malformed transport parameters would already have failed the TLS handshake
	}

	if tp.MaxIdleTimeout > 0 && (c.idleTimeout == 0 || tp.MaxIdleTimeout < c.idleTimeout) {
		c.idleTimeout = tp.MaxIdleTimeout
	}
	c.connFlowController.UpdateSendWindow(tp.InitialMaxData)
	c.streamsMap.HandleMaxStreamsFrame(false, uint64(tp.MaxBidiStreamNum))
	c.streamsMap.HandleMaxStreamsFrame(true, uint64(tp.MaxUniStreamNum))
	c.streamsMap.ApplyPeerInitialStreamWindows(
		tp.InitialMaxStreamDataBidiLocal,
		tp.InitialMaxStreamDataBidiRemote,
		tp.InitialMaxStreamDataUni,
	)
	c.connIDGenerator.SetPeerLimit(tp.ActiveConnectionIDLimit)
	if tp.StatelessResetToken != nil {
		c.connIDManager.SetStatelessResetToken(*tp.StatelessResetToken)
	}

	c.peerSupportsKnobFrames = tp.KnobFramesSupported
	c.peerSupportsReliableReset = tp.ReliableStreamReset
	c.peerMaxStreamGroups = tp.MaxStreamGroups
	c.peerAckReceiveTimestamps = tp.AckReceiveTimestampsSupported
	c.peerExtendedAckFeatures = tp.ExtendedAckFeatures
	c.peerMaxDatagramFrameSize = tp.MaxDatagramFrameSize
}

// maybeSendAckFrequencyFrame queues one AckFrequencyFrame right after the handshake confirms, if
// both sides negotiated the extended-ack extension; mvfst's maybeSendAckFrequencyFrame does this
// exactly once per connection rather than renegotiating later.
func (c *connection) maybeSendAckFrequencyFrame() {
	if !c.config.EnableAckFrequency || c.peerExtendedAckFeatures == 0 || c.ackFrequencySent {
		return
	}
	c.ackFrequencySent = true
	c.framer.QueueControlFrame(&wire.AckFrequencyFrame{
		SequenceNumber:        1,
		AckElicitingThreshold: c.config.AckElicitingThreshold,
		RequestedMaxAckDelay:  uint64(c.config.MaxAckDelay.Microseconds()),
		ReorderingThreshold:   c.config.ReorderingThreshold,
		ExtendedAckFeatures:   uint64(c.peerExtendedAckFeatures),
	})
}

func (c *connection) dropEncryptionLevel(encLevel protocol.EncryptionLevel) {
	c.sentPacketHandler.DropPackets(encLevel)
	c.receivedPacketHandler.DropPackets(encLevel)
	c.retransmissionQueue.DropPackets(encLevel)
}

// --- run loop ---

// run drives the connection until it closes. It is meant to be called from its own goroutine;
// CloseWithError/CloseGracefully from any other goroutine just signal it to stop.
func (c *connection) run() error {
	defer close(c.closedChan)

	if err := c.startHandshake(); err != nil {
		return c.handleCloseError(err)
	}

	for {
		c.maybeResetTimer()
		select {
		case <-c.ctx.Done():
			return c.handleCloseError(context.Cause(c.ctx))
		case <-c.timer.Chan():
			c.timer.SetRead()
			if err := c.onTimeout(); err != nil {
				return c.handleCloseError(err)
			}
		case <-c.sendQueued:
		}

		if err := c.sendPackets(); err != nil {
			return c.handleCloseError(err)
		}
		if c.state == stateClosed {
			return c.closeErr
		}
	}
}

func (c *connection) startHandshake() error {
	var params wire.TransportParameters
	c.populateTransportParameters(&params)
	events, err := c.cryptoSetup.StartHandshake(c.ctx, params.Marshal(c.perspective))
	if err != nil {
		return err
	}
	return c.processHandshakeEvents(events)
}

func (c *connection) populateTransportParameters(p *wire.TransportParameters) {
	p.InitialSourceConnectionID = c.srcConnID
	if c.perspective == protocol.PerspectiveServer {
		p.OriginalDestinationConnectionID = c.origDestConnID
		if c.retrySrcConnID != nil {
			p.RetrySourceConnectionID = c.retrySrcConnID
		}
		token := c.statelessReset.GetStatelessResetToken(c.srcConnID)
		p.StatelessResetToken = &token
	}
	p.MaxIdleTimeout = c.config.MaxIdleTimeout
	p.MaxUDPPayloadSize = 1452
	p.InitialMaxData = protocol.ByteCount(c.config.InitialConnectionReceiveWindow)
	p.InitialMaxStreamDataBidiLocal = protocol.ByteCount(c.config.InitialStreamReceiveWindow)
	p.InitialMaxStreamDataBidiRemote = protocol.ByteCount(c.config.InitialStreamReceiveWindow)
	p.InitialMaxStreamDataUni = protocol.ByteCount(c.config.InitialStreamReceiveWindow)
	p.MaxBidiStreamNum = protocol.StreamNum(c.config.MaxIncomingStreams)
	p.MaxUniStreamNum = protocol.StreamNum(c.config.MaxIncomingUniStreams)
	p.ActiveConnectionIDLimit = c.config.ActiveConnectionIDLimit
	p.MaxDatagramFrameSize = -1
	if c.config.EnableDatagrams {
		p.MaxDatagramFrameSize = 1452
	}
	p.KnobFramesSupported = c.config.EnableKnobFrames
	p.ReliableStreamReset = c.config.EnableReliableStreamReset
	p.AckReceiveTimestampsSupported = c.config.AckReceiveTimestamps
	if c.config.EnableAckFrequency {
		p.ExtendedAckFeatures = wire.ExtendedAckReceiveTimestamps
	}
	if c.config.MaxStreamGroups > 0 {
		p.StreamGroupsEnabled = true
		p.MaxStreamGroups = c.config.MaxStreamGroups
	}
}

// signalSend wakes run() without blocking if it's already busy composing a packet.
func (c *connection) signalSend() {
	select {
	case c.sendQueued <- struct{}{}:
	default:
	}
}

func (c *connection) maybeResetTimer() {
	var deadline time.Time
	if t := c.sentPacketHandler.GetLossDetectionTimeout(); !t.IsZero() {
		deadline = t
	}
	if t := c.receivedPacketHandler.GetAlarmTimeout(); !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
		deadline = t
	}
	if c.idleTimeout > 0 && !c.lastPacketReceivedTime.IsZero() {
		if t := c.lastPacketReceivedTime.Add(c.idleTimeout); deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	if !deadline.IsZero() {
		c.timer.Reset(deadline)
	}
}

func (c *connection) onTimeout() error {
	now := time.Now()
	if c.idleTimeout > 0 && !c.lastPacketReceivedTime.IsZero() && now.Sub(c.lastPacketReceivedTime) >= c.idleTimeout {
		if c.state == stateHandshaking {
			return &HandshakeTimeoutError{}
		}
		return &IdleTimeoutError{}
	}
	if lt := c.sentPacketHandler.GetLossDetectionTimeout(); !lt.IsZero() && !lt.After(now) {
		if err := c.sentPacketHandler.OnLossDetectionTimeout(); err != nil {
			return err
		}
	}
	c.signalSend()
	return nil
}

// --- ingress ---

// handlePacket is called by the packet-handler map (server.go/client.go's read loop) for every
// datagram addressed to this connection; a datagram may coalesce several packets.
func (c *connection) handlePacket(data []byte, remoteAddr net.Addr) {
	c.lastPacketReceivedTime = time.Now()
	for len(data) > 0 {
		n, err := c.handleSinglePacket(data, remoteAddr)
		if err != nil {
			if c.logger.Debug() {
				c.logger.Debugf("error handling packet: %s", err)
			}
			return
		}
		if n <= 0 || n > len(data) {
			return
		}
		data = data[n:]
	}
	c.signalSend()
}

func (c *connection) handleSinglePacket(data []byte, remoteAddr net.Addr) (int, error) {
	if !wire.IsLongHeaderPacket(data[0]) {
		return c.handleShortHeaderPacket(data, remoteAddr)
	}
	if wire.IsVersionNegotiationPacket(data) {
		// This implementation only speaks versions it advertises; a stray VN packet arriving
		// mid-connection (the real negotiation, if any, happens before a connection object even
		// exists) is dropped.
		return len(data), nil
	}
	hdr, err := wire.ParseHeader(data)
	if err != nil {
		return 0, err
	}
	if hdr.Type == wire.PacketTypeRetry {
		if err := c.handleRetry(hdr, data); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	up, n, err := c.unpacker.UnpackLongHeader(hdr, data, c.largestAcked(encLevelFor(hdr.Type)))
	if err != nil {
		return len(data), nil // packets that fail to decrypt are dropped silently, not fatal
	}
	if err := c.handleUnpackedPacket(up); err != nil {
		return 0, err
	}
	return n, nil
}

func encLevelFor(t wire.PacketType) protocol.EncryptionLevel {
	switch t {
	case wire.PacketTypeInitial:
		return protocol.EncryptionInitial
	case wire.PacketTypeHandshake:
		return protocol.EncryptionHandshake
	default:
		return protocol.Encryption0RTT
	}
}

func (c *connection) handleShortHeaderPacket(data []byte, remoteAddr net.Addr) (int, error) {
	up, err := c.unpacker.UnpackShortHeader(data, c.largestAcked(protocol.Encryption1RTT))
	if err != nil {
		return len(data), nil
	}
	if err := c.handleUnpackedPacket(up); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (c *connection) largestAcked(encLevel protocol.EncryptionLevel) protocol.PacketNumber {
	return c.space(encLevel).largestRcvdPacketNumber
}

func (c *connection) space(encLevel protocol.EncryptionLevel) *packetSpace {
	switch encLevel {
	case protocol.EncryptionInitial:
		return &c.initialSpace
	case protocol.EncryptionHandshake:
		return &c.handshakeSpace
	default:
		return &c.appDataSpace
	}
}

func (c *connection) handleUnpackedPacket(up *unpackedPacket) error {
	sp := c.space(up.encryptionLevel)
	if up.packetNumber > sp.largestRcvdPacketNumber {
		sp.largestRcvdPacketNumber = up.packetNumber
	}
	if up.hdr != nil && c.perspective == protocol.PerspectiveServer && c.origDestConnID.Len() == 0 {
		c.origDestConnID = up.hdr.DestConnectionID
	}

	isAckEliciting := false
	data := up.data
	for len(data) > 0 {
		frame, n, err := c.frameParser.ParseNext(data, up.encryptionLevel)
		if err != nil {
			return err
		}
		if n <= 0 {
			break
		}
		data = data[n:]
		if frame == nil {
			continue
		}
		if _, ok := frame.(*wire.AckFrame); !ok && !wire.IsProbingFrame(frame) {
			isAckEliciting = true
		}
		if err := c.handleFrame(frame, up.encryptionLevel); err != nil {
			return err
		}
	}

	return c.receivedPacketHandler.ReceivedPacket(up.packetNumber, up.encryptionLevel, time.Now(), isAckEliciting)
}

func (c *connection) handleFrame(f wire.Frame, encLevel protocol.EncryptionLevel) error {
	switch frame := f.(type) {
	case *wire.CryptoFrame:
		return c.cryptoStreamManager.HandleCryptoFrame(frame, encLevel)
	case *wire.AckFrame:
		return c.sentPacketHandler.ReceivedAck(frame, encLevel, time.Now())
	case *wire.StreamFrame:
		return c.streamsMap.HandleStreamFrame(frame)
	case *wire.ResetStreamFrame:
		return c.streamsMap.HandleResetStreamFrame(frame)
	case *wire.StopSendingFrame:
		return c.streamsMap.HandleStopSendingFrame(frame, func(StreamID, StreamErrorCode) {})
	case *wire.MaxStreamDataFrame:
		return c.streamsMap.HandleMaxStreamDataFrame(frame)
	case *wire.MaxStreamsFrame:
		c.streamsMap.HandleMaxStreamsFrame(frame.Bidi, uint64(frame.MaxStreamNum))
		return nil
	case *wire.MaxDataFrame:
		c.connFlowController.UpdateSendWindow(frame.MaximumData)
		return nil
	case *wire.DataBlockedFrame, *wire.StreamDataBlockedFrame, *wire.StreamsBlockedFrame:
		return nil // informational only; no action required of the receiver
	case *wire.NewConnectionIDFrame:
		return c.connIDManager.Add(frame)
	case *wire.RetireConnectionIDFrame:
		c.connIDGenerator.Retire(frame.SequenceNumber)
		return nil
	case *wire.PathChallengeFrame:
		c.queueControlFrame(&wire.PathResponseFrame{Data: frame.Data})
		return nil
	case *wire.PathResponseFrame:
		return nil // no active migration support yet, so we never sent a PATH_CHALLENGE to match
	case *wire.PingFrame:
		return nil // no payload; the packet being ack-eliciting is enough
	case *wire.HandshakeDoneFrame:
		if c.perspective == protocol.PerspectiveClient {
			c.cryptoSetup.HandshakeConfirmed()
			c.sentPacketHandler.SetHandshakeConfirmed()
			c.dropEncryptionLevel(protocol.EncryptionHandshake)
			c.maybeSendAckFrequencyFrame()
			close(c.handshakeConfirmedChan)
		}
		return nil
	case *wire.DatagramFrame:
		c.datagramQueue.HandleDatagramFrame(frame)
		if c.datagramCallback != nil {
			c.datagramCallback(frame.Data)
		}
		return nil
	case *wire.NewTokenFrame:
		return nil // caching tokens for a future 0-RTT attempt is client.go's concern
	case *wire.ConnectionCloseFrame:
		return c.handlePeerClose(frame)
	case *wire.KnobFrame:
		if c.config.KnobCallback != nil {
			c.config.KnobCallback(frame.KnobSpace, frame.KnobID, frame.KnobBlob)
		}
		return nil
	case *wire.AckFrequencyFrame:
		return nil // we only ever send these; honoring a peer-requested cadence is unimplemented
	default:
		return nil
	}
}

func (c *connection) handlePeerClose(f *wire.ConnectionCloseFrame) error {
	if f.IsApplicationError {
		return &qerr.ApplicationError{ErrorCode: qerr.ApplicationErrorCode(f.ErrorCode), ErrorMessage: f.ReasonPhrase, Remote: true}
	}
	err := qerr.NewTransportError(qerr.TransportErrorCode(f.ErrorCode), f.ReasonPhrase)
	err.Remote = true
	return err
}

// handleRetry implements the state-preservation rules: on a valid Retry, only zero-RTT
// outstandings are carried across (they get remarked lost and retransmitted under the new
// Initial keys via sentPacketHandler.ResetForRetry); everything else tied to the old Initial
// keying (the crypto setup's TLS state, which has exchanged nothing but the first ClientHello at
// this point) restarts against the server-chosen connection ID.
func (c *connection) handleRetry(hdr *wire.Header, raw []byte) error {
	if c.perspective != protocol.PerspectiveClient || c.state != stateHandshaking || c.retryToken != nil {
		return nil // servers never receive Retry; a client honors only the first one it sees
	}
	if !verifyRetryIntegrityTag(c.origDestConnID, raw) {
		return nil // silently dropped per RFC 9001 Section 5.8
	}

	c.connIDManager.ChangeInitialConnID(hdr.SrcConnectionID)

	newCS, err := handshake.NewCryptoSetupClient(c.config.TLSConfig, hdr.SrcConnectionID, c.version)
	if err != nil {
		return err
	}
	c.cryptoSetup = newCS
	c.packer = newPacketPacker(c.srcConnID, c.connIDManager.Get, c.cryptoSetup, c.version)
	c.unpacker = newPacketUnpacker(c.cryptoSetup, c.srcConnID.Len())

	if err := c.sentPacketHandler.ResetForRetry(); err != nil {
		return err
	}
	c.retransmissionQueue.DropPackets(protocol.EncryptionInitial)
	c.initialStream = newCryptoStream()
	c.cryptoStreamManager = newCryptoStreamManager(c, c.initialStream, c.handshakeStream)
	c.retryToken = hdr.Token

	return c.startHandshake()
}

// verifyRetryIntegrityTag checks the AEAD tag every Retry packet carries in its final 16 bytes,
// computed over a pseudo-header built from the original destination connection ID (RFC 9001
// Section 5.8).
func verifyRetryIntegrityTag(origDstCID protocol.ConnectionID, raw []byte) bool {
	if len(raw) < 16 {
		return false
	}
	var tag [16]byte
	copy(tag[:], raw[len(raw)-16:])
	return handshake.VerifyRetryIntegrityTag(raw[:len(raw)-16], tag, origDstCID)
}

// --- egress ---

// sendPackets assembles and writes as many packets as the ack handler's send mode and the batch
// writer currently allow, highest-priority encryption level first.
func (c *connection) sendPackets() error {
	for {
		mode := c.sentPacketHandler.SendMode()
		if mode == ackhandler.SendNone {
			break
		}
		if mode == ackhandler.SendPacingLimited {
			if until := c.sentPacketHandler.TimeUntilSend(); !until.IsZero() {
				c.timer.Reset(until)
				break
			}
		}

		sent, err := c.maybeSendOnePacket(mode)
		if err != nil {
			return err
		}
		if !sent {
			break
		}
	}
	if _, err := c.sendQueue.Flush(); err != nil && !errors.Is(err, batchwriter.ErrPartialSend) {
		return err
	}
	return nil
}

// maybeSendOnePacket tries each encryption level from lowest to highest, returning true if it
// produced and queued a packet for the batch writer.
func (c *connection) maybeSendOnePacket(mode ackhandler.SendMode) (bool, error) {
	levels := [...]protocol.EncryptionLevel{protocol.EncryptionInitial, protocol.EncryptionHandshake, protocol.Encryption0RTT, protocol.Encryption1RTT}
	for _, encLevel := range levels {
		if !c.hasKeysFor(encLevel) {
			continue
		}
		if encLevel == protocol.Encryption0RTT && c.available1RTT() {
			continue // 1-RTT keys installed: stop sending 0-RTT, even for already-queued data
		}

		pl, ackFrame, onlyAck := c.composePayload(encLevel, mode)
		if len(pl.frames) == 0 && ackFrame == nil {
			continue
		}
		if onlyAck && mode != ackhandler.SendAck && mode != ackhandler.SendAny {
			continue
		}

		pn, pnLen := c.sentPacketHandler.PeekPacketNumber(encLevel)
		if ackFrame != nil {
			pl.frames = append([]*ackhandler.Frame{{Frame: ackFrame}}, pl.frames...)
		}

		var packed *packedPacket
		var err error
		const maxSize = protocol.ByteCount(1452)
		if encLevel == protocol.Encryption1RTT {
			packed, err = c.packer.packShortHeaderPacket(pn, pnLen, pl, maxSize)
		} else {
			packed, err = c.packer.packLongHeaderPacket(encLevel, pn, pnLen, c.tokenFor(encLevel), pl, maxSize)
		}
		if err != nil {
			if errors.Is(err, errNothingToPack) {
				continue
			}
			return false, err
		}

		c.sentPacketHandler.PopPacketNumber(encLevel)
		c.sentPacketHandler.SentPacket(&ackhandler.Packet{
			PacketNumber:    packed.packetNumber,
			Frames:          packed.frames,
			LargestAcked:    ackFrameLargest(ackFrame),
			Length:          packed.length(),
			EncryptionLevel: packed.encryptionLevel,
			SendTime:        time.Now(),
		})
		c.sendQueue.Write(packed.buffer)
		c.lastPacked = packed.buffer
		return true, nil
	}
	return false, nil
}

func ackFrameLargest(f *wire.AckFrame) protocol.PacketNumber {
	if f == nil || len(f.AckRanges) == 0 {
		return protocol.InvalidPacketNumber
	}
	return f.AckRanges[0].Largest
}

func (c *connection) hasKeysFor(encLevel protocol.EncryptionLevel) bool {
	switch encLevel {
	case protocol.EncryptionInitial:
		_, err := c.cryptoSetup.GetInitialSealer()
		return err == nil
	case protocol.EncryptionHandshake:
		_, err := c.cryptoSetup.GetHandshakeSealer()
		return err == nil
	case protocol.Encryption0RTT:
		_, err := c.cryptoSetup.Get0RTTSealer()
		return err == nil
	default:
		_, err := c.cryptoSetup.Get1RTTSealer()
		return err == nil
	}
}

func (c *connection) available1RTT() bool {
	_, err := c.cryptoSetup.Get1RTTSealer()
	return err == nil
}

func (c *connection) tokenFor(encLevel protocol.EncryptionLevel) []byte {
	if encLevel == protocol.EncryptionInitial {
		return c.retryToken
	}
	return nil
}

// composePayload gathers the frames for one packet at encLevel, in priority order: ACK,
// retransmissions, CRYPTO data, and — only at 1-RTT — window updates, control frames, stream
// data, a datagram, and an MTU probe. onlyAck reports whether the payload is nothing but an ACK,
// which bars it from satisfying a PTO probe that must be ack-eliciting.
func (c *connection) composePayload(encLevel protocol.EncryptionLevel, mode ackhandler.SendMode) (payload, *wire.AckFrame, bool) {
	const budgetStart = protocol.ByteCount(1200)
	var pl payload
	budget := budgetStart

	ackFrame := c.receivedPacketHandler.GetAckFrame(encLevel, true)

	if probeLevel := ptoLevelFor(mode); probeLevel == encLevel {
		c.sentPacketHandler.QueueProbePacket(encLevel)
	}

	if c.retransmissionQueue.HasData(encLevel) {
		for budget > 0 {
			f := c.retransmissionQueue.GetFrame(encLevel, budget, c.version)
			if f == nil {
				break
			}
			pl.frames = append(pl.frames, &ackhandler.Frame{Frame: f})
			budget -= f.Length(c.version)
		}
	}

	var cs cryptoStream
	switch encLevel {
	case protocol.EncryptionInitial:
		cs = c.initialStream
	case protocol.EncryptionHandshake:
		cs = c.handshakeStream
	}
	if cs != nil {
		for cs.HasData() && budget > 0 {
			cf := cs.PopCryptoFrame(budget)
			if cf == nil {
				break
			}
			af := c.retransmissionQueue.wrap(encLevel, cf)
			pl.frames = append(pl.frames, af)
			budget -= cf.Length(c.version)
		}
	}

	onlyAck := len(pl.frames) == 0 && ackFrame != nil

	if encLevel == protocol.Encryption1RTT || encLevel == protocol.Encryption0RTT {
		if encLevel == protocol.Encryption1RTT {
			c.windowUpdateQueue.QueueAll()

			controlFrames, used := c.framer.AppendControlFrames(nil, budget)
			budget -= used
			for _, af := range controlFrames {
				pl.frames = append(pl.frames, af)
				onlyAck = false
			}
		}

		for budget > 0 {
			sf := c.streamsMap.popStreamFrame(budget)
			if sf == nil {
				break
			}
			pl.frames = append(pl.frames, sf)
			budget -= sf.Frame.Length(c.version)
			onlyAck = false
		}

		if encLevel == protocol.Encryption1RTT {
			if dg := c.datagramQueue.Peek(); dg != nil && dg.Length(c.version) <= budget {
				budget -= dg.Length(c.version)
				pl.frames = append(pl.frames, &ackhandler.Frame{Frame: dg})
				onlyAck = false
				c.datagramQueue.Pop(nil)
			}
			if c.mtu != nil && c.mtu.ShouldSendProbe(time.Now()) {
				if ping, size := c.mtu.GetPing(); ping != nil {
					pl.frames = append(pl.frames, ping)
					if pad := size - (budgetStart - budget) - 1; pad > 0 {
						pl.frames = append(pl.frames, &ackhandler.Frame{Frame: &wire.PaddingFrame{Length_: pad}})
					}
					onlyAck = false
				}
			}
		}
	}

	return pl, ackFrame, onlyAck
}

func ptoLevelFor(mode ackhandler.SendMode) protocol.EncryptionLevel {
	switch mode {
	case ackhandler.SendPTOInitial:
		return protocol.EncryptionInitial
	case ackhandler.SendPTOHandshake:
		return protocol.EncryptionHandshake
	case ackhandler.SendPTOAppData:
		return protocol.Encryption1RTT
	default:
		return protocol.EncryptionLevel(255) // never matches a real level: no probe owed
	}
}

// --- close ---

func (c *connection) handleCloseError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		err = &qerr.ApplicationError{ErrorMessage: "connection closed"}
	}
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.state = stateClosed
		c.sendConnectionClose(err)
		c.streamsMap.CloseWithError(err)
		c.fireRemainingByteEvents(err)
	})
	return c.closeErr
}

func (c *connection) fireRemainingByteEvents(err error) {
	c.byteEventsMu.Lock()
	defer c.byteEventsMu.Unlock()
	for id, regs := range c.byteEvents {
		for _, r := range regs {
			if !r.fired {
				r.fired = true
				r.cb(id, r.offset, err)
			}
		}
	}
	c.byteEvents = nil
}

func (c *connection) sendConnectionClose(err error) {
	var frame *wire.ConnectionCloseFrame
	switch e := err.(type) {
	case *qerr.TransportError:
		frame = &wire.ConnectionCloseFrame{ErrorCode: uint64(e.ErrorCode), FrameType: e.FrameType, ReasonPhrase: e.ErrorMessage}
	case *qerr.ApplicationError:
		frame = &wire.ConnectionCloseFrame{IsApplicationError: true, ErrorCode: uint64(e.ErrorCode), ReasonPhrase: e.ErrorMessage}
	case *IdleTimeoutError, *HandshakeTimeoutError:
		return // RFC 9000 Section 10.1: go silent, don't send anything
	default:
		frame = &wire.ConnectionCloseFrame{ErrorCode: uint64(qerr.InternalError), ReasonPhrase: err.Error()}
	}
	c.framer.QueueControlFrame(frame)
	sent, sendErr := c.maybeSendOnePacket(ackhandler.SendAny)
	if sendErr != nil && c.logger.Debug() {
		c.logger.Debugf("failed to send CONNECTION_CLOSE: %s", sendErr)
	}
	if sent {
		c.closePacket = append([]byte(nil), c.lastPacked...)
	}
	_, _ = c.sendQueue.Flush()
}

// closePacketForRetransmit returns the raw bytes of the CONNECTION_CLOSE packet this connection
// last sent, for the packet-handler map's closedLocalConn stand-in to keep retransmitting.
func (c *connection) closePacketForRetransmit() []byte { return c.closePacket }

// CloseWithError sends CONNECTION_CLOSE(code, msg) and tears down immediately.
func (c *connection) CloseWithError(code ApplicationErrorCode, msg string) error {
	c.ctxCancel(&qerr.ApplicationError{ErrorCode: code, ErrorMessage: msg})
	<-c.closedChan
	return nil
}

// CloseGracefully sends CONNECTION_CLOSE once every open stream finishes, or after the drain
// timeout (3 PTOs) elapses, whichever comes first.
func (c *connection) CloseGracefully(msg string) error {
	drain := 3 * c.rttStats.PTO(true)
	if drain <= 0 {
		drain = 3 * time.Second
	}
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-c.allStreamsDone():
	case <-timer.C:
	case <-c.ctx.Done():
	}
	return c.CloseWithError(0, msg)
}

// allStreamsDone polls the scheduler for emptiness; the drain window in CloseGracefully bounds
// how long this can matter.
func (c *connection) allStreamsDone() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		defer close(done)
		for range ticker.C {
			if c.streamsMap.scheduler.Empty() {
				return
			}
		}
	}()
	return done
}

func (c *connection) ResetNonControlStreams(code ApplicationErrorCode, msg string) error {
	return c.streamsMap.ResetNonControlStreams(code, msg)
}

// destroy is called by the packet-handler map when the whole listener is torn down; unlike
// CloseWithError it does not wait for run() to notice, since the caller may be holding a lock
// the packet-handler map needs elsewhere.
func (c *connection) destroy(err error) {
	c.ctxCancel(err)
}

// --- Connection interface passthroughs ---

func (c *connection) AcceptStream(ctx context.Context) (Stream, error) { return c.streamsMap.AcceptStream(ctx) }
func (c *connection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	return c.streamsMap.AcceptUniStream(ctx)
}
func (c *connection) OpenStream() (Stream, error)                        { return c.streamsMap.OpenStream() }
func (c *connection) OpenStreamSync(ctx context.Context) (Stream, error) { return c.streamsMap.OpenStreamSync(ctx) }
func (c *connection) OpenUniStream() (SendStream, error)                 { return c.streamsMap.OpenUniStream() }
func (c *connection) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	return c.streamsMap.OpenUniStreamSync(ctx)
}
func (c *connection) CreateBidiGroup() (StreamGroupID, error) { return c.streamsMap.CreateBidiGroup() }
func (c *connection) CreateUniGroup() (StreamGroupID, error)  { return c.streamsMap.CreateUniGroup() }
func (c *connection) OpenStreamInGroup(gid StreamGroupID) (Stream, error) {
	return c.streamsMap.OpenStreamInGroup(gid)
}
func (c *connection) OpenUniStreamInGroup(gid StreamGroupID) (SendStream, error) {
	return c.streamsMap.OpenUniStreamInGroup(gid)
}
func (c *connection) SetStreamGroupRetransmissionPolicy(gid StreamGroupID, policy *StreamGroupPolicy) error {
	return c.streamsMap.SetStreamGroupRetransmissionPolicy(gid, policy)
}

func (c *connection) LocalAddr() net.Addr  { return c.localAddr }
func (c *connection) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *connection) ConnectionState() ConnectionState {
	hs := c.cryptoSetup.ConnectionState()
	maxDatagram := int64(0)
	if c.config.EnableDatagrams {
		maxDatagram = 1452
	}
	return ConnectionState{
		TLS:                       tls.ConnectionState{CipherSuite: hs.CipherSuite, HandshakeComplete: hs.HandshakeComplete},
		Used0RTT:                  c.cryptoSetup.GetZeroRTTRejected(),
		SupportsDatagrams:         c.config.EnableDatagrams,
		MaxDatagramFrameSize:      maxDatagram,
		SupportsKnobFrames:        c.config.EnableKnobFrames && c.peerSupportsKnobFrames,
		SupportsReliableReset:     c.config.EnableReliableStreamReset && c.peerSupportsReliableReset,
		AdvertisedMaxStreamGroups: c.peerMaxStreamGroups,
		AckReceiveTimestamps:      c.config.AckReceiveTimestamps && c.peerAckReceiveTimestamps,
		ExtendedAckFeatures:       uint64(c.peerExtendedAckFeatures),
	}
}

func (c *connection) Context() context.Context { return c.ctx }

func (c *connection) SendDatagram(data []byte) error {
	if !c.config.EnableDatagrams {
		return qerr.NewLocalError(qerr.ErrInvalidOperation, "datagrams not enabled")
	}
	if c.peerMaxDatagramFrameSize < 0 {
		return qerr.NewLocalError(qerr.ErrInvalidOperation, "peer did not advertise max_datagram_frame_size")
	}
	if protocol.ByteCount(len(data)) > c.peerMaxDatagramFrameSize {
		return qerr.NewLocalError(qerr.ErrInvalidOperation, "datagram exceeds the peer's advertised max_datagram_frame_size")
	}
	return c.datagramQueue.AddAndWait(c.ctx, &wire.DatagramFrame{DataLenPresent: true, Data: data})
}

func (c *connection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.datagramQueue.Receive(ctx)
}

func (c *connection) SetDatagramCallback(cb DatagramCallback) { c.datagramCallback = cb }
func (c *connection) SetPingCallback(cb PingCallback)         { c.pingCallback = cb }

func (c *connection) SendPing(timeout time.Duration) error {
	af := &ackhandler.Frame{Frame: &wire.PingFrame{}}
	af.OnAcked = func(*ackhandler.Frame) {
		if c.pingCallback != nil {
			c.pingCallback(PingAcked)
		}
	}
	af.OnLost = func(*ackhandler.Frame) {
		if c.pingCallback != nil {
			c.pingCallback(PingTimedOut)
		}
	}
	c.framer.queueAckHandlerFrame(af)
	c.signalSend()
	return nil
}

func (c *connection) SetByteEventCallback(typ ByteEventType, id StreamID, offset int64, cb ByteEventCallback) error {
	c.byteEventsMu.Lock()
	defer c.byteEventsMu.Unlock()
	if c.byteEvents == nil {
		return ErrConnectionClosed
	}
	c.byteEvents[id] = append(c.byteEvents[id], &byteEventReg{typ: typ, offset: offset, cb: cb})
	return nil
}

func (c *connection) GetConnectionFlowControlWindow() int64 {
	return int64(c.connFlowController.SendWindowSize())
}

func (c *connection) SetConnectionFlowControlWindow(w int64) {
	c.connFlowController.EnsureMinimumWindowSize(protocol.ByteCount(w))
}

func (c *connection) SetStreamFlowControlWindow(id StreamID, w int64) error {
	r, err := c.streamsMap.getReceiveStream(id)
	if err != nil {
		return err
	}
	if r == nil {
		return qerr.NewLocalError(qerr.ErrStreamNotExists, "no such stream")
	}
	r.flowController().UpdateSendWindow(protocol.ByteCount(w))
	return nil
}

func (c *connection) GetMaxWritableOnStream(id StreamID) (int64, error) {
	s, err := c.streamsMap.getSendStream(id)
	if err != nil {
		return 0, err
	}
	if s == nil {
		return 0, qerr.NewLocalError(qerr.ErrStreamNotExists, "no such stream")
	}
	return int64(s.flowController().SendWindowSize()), nil
}

// HandshakeComplete (EarlyConnection) is closed once the handshake is confirmed.
func (c *connection) HandshakeComplete() <-chan struct{} { return c.handshakeConfirmedChan }

// NextConnection (EarlyConnection) blocks until the handshake is confirmed, then returns the same
// engine as a plain Connection with the 0-RTT risk resolved.
func (c *connection) NextConnection(ctx context.Context) (Connection, error) {
	select {
	case <-c.handshakeConfirmedChan:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

var (
	_ Connection      = &connection{}
	_ EarlyConnection = &connection{}
	_ packetHandler   = &connection{}
)
