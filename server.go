package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/frostgate-labs/qtransport/internal/batchwriter"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// baseServer owns one UDP socket and demultiplexes every datagram that arrives on it to the
// connection engine responsible for it, creating a new one on the first Initial packet for an
// unseen destination connection ID. It backs both Listener and EarlyListener; the two differ
// only in when a freshly accepted connection is handed to the application (after the handshake
// is confirmed, or as soon as its Initial packet has been processed).
type baseServer struct {
	conn   *net.UDPConn
	sender batchwriter.Sender

	tlsConfig *tls.Config
	config    *Config
	logger    utils.Logger

	statelessResetKey *StatelessResetKey
	early             bool

	handlers *packetHandlerMap

	acceptQueue chan *connection

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// listener serves confirmed connections only, handing one to Accept once its handshake is
// confirmed; earlyListener shares the same baseServer but hands a connection to Accept the
// moment its Initial flight is processed, for an application willing to act on 0-RTT data.
// They're separate types, not one type implementing both public interfaces, because Listener
// and EarlyListener each declare an Accept method with a different return type.
type listener struct{ *baseServer }
type earlyListener struct{ *baseServer }

var (
	_ Listener      = &listener{}
	_ EarlyListener = &earlyListener{}
)

// Listen starts serving confirmed connections on conn.
func Listen(conn *net.UDPConn, tlsConfig *tls.Config, config *Config) (*listener, error) {
	s, err := newBaseServer(conn, tlsConfig, config, false)
	if err != nil {
		return nil, err
	}
	return &listener{s}, nil
}

// ListenEarly starts serving connections on conn, handing each to Accept before its handshake
// is confirmed.
func ListenEarly(conn *net.UDPConn, tlsConfig *tls.Config, config *Config) (*earlyListener, error) {
	s, err := newBaseServer(conn, tlsConfig, config, true)
	if err != nil {
		return nil, err
	}
	return &earlyListener{s}, nil
}

func newBaseServer(conn *net.UDPConn, tlsConfig *tls.Config, config *Config, early bool) (*baseServer, error) {
	if tlsConfig == nil {
		return nil, errors.New("quic: Listen requires a tls.Config")
	}
	config = populateConfig(config)
	config.TLSConfig = tlsConfig

	isIPv6, err := isConnIPv6(conn)
	if err != nil {
		return nil, err
	}

	s := &baseServer{
		conn:        conn,
		sender:      batchwriter.NewBatchSender(conn, isIPv6),
		tlsConfig:   tlsConfig,
		config:      config,
		logger:      utils.DefaultLogger.WithPrefix("server "),
		handlers:    newPacketHandlerMap(),
		acceptQueue: make(chan *connection, 16),
		closed:      make(chan struct{}),
		early:       early,
	}
	go s.run()
	return s, nil
}

func isConnIPv6(conn *net.UDPConn) (bool, error) {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return false, fmt.Errorf("quic: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.To4() == nil, nil
}

func (s *baseServer) Addr() net.Addr { return s.conn.LocalAddr() }

func (l *listener) Accept(ctx context.Context) (Connection, error) {
	c, err := l.accept(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *earlyListener) Accept(ctx context.Context) (EarlyConnection, error) {
	c, err := l.accept(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *baseServer) accept(ctx context.Context) (*connection, error) {
	select {
	case c := <-s.acceptQueue:
		return c, nil
	case <-s.closed:
		return nil, s.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *baseServer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = ErrConnectionClosed
		s.handlers.CloseServer()
		close(s.closed)
		s.conn.Close()
	})
	return nil
}

// run is the server's read loop: one goroutine, reading and demultiplexing datagrams for as
// long as the socket is open.
func (s *baseServer) run() {
	buf := make([]byte, protocol.MaxPacketBufferSize)
	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed out from under us; Close() already tore down the handlers
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data, remoteAddr)
	}
}

func (s *baseServer) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	connID, err := wire.ParseConnectionID(data, s.config.ConnectionIDLength)
	if err != nil {
		return
	}
	if handler, ok := s.handlers.Get(connID); ok {
		handler.handlePacket(data, remoteAddr)
		return
	}
	if !wire.IsLongHeaderPacket(data[0]) {
		return // a short-header packet for an unknown connection ID: nothing we can do with it
	}
	hdr, err := wire.ParseHeader(data)
	if err != nil || hdr.Type != wire.PacketTypeInitial {
		return
	}
	if len(data) < protocol.MinInitialPacketSize {
		return // RFC 9000 Section 14.1: a client MUST pad its first Initial to at least this size
	}
	if !protocol.IsSupportedVersion(protocol.SupportedVersions, hdr.Version) {
		s.sendVersionNegotiation(hdr, remoteAddr)
		return
	}
	s.acceptNewConnection(hdr, remoteAddr)
}

func (s *baseServer) acceptNewConnection(hdr *wire.Header, remoteAddr *net.UDPAddr) {
	srcConnID, err := protocol.GenerateConnectionID(s.config.ConnectionIDLength)
	if err != nil {
		s.logger.Errorf("failed to generate connection ID: %s", err)
		return
	}
	c, err := newConnection(connConfig{
		perspective:       protocol.PerspectiveServer,
		version:           hdr.Version,
		config:            s.config,
		conn:              s.sender,
		localAddr:         s.conn.LocalAddr(),
		remoteAddr:        remoteAddr,
		srcConnID:         srcConnID,
		destConnID:        hdr.SrcConnectionID,
		origDestConnID:    hdr.DestConnectionID,
		statelessResetKey: s.statelessResetKey,
		tracer:            s.logger,
	})
	if err != nil {
		s.logger.Errorf("failed to set up connection: %s", err)
		return
	}

	s.handlers.Add(srcConnID, c)
	s.handlers.Add(hdr.DestConnectionID, c) // so a retransmitted first Initial still demuxes here

	go func() {
		c.run()
		s.handlers.Replace(srcConnID, closedHandlerFor(c, s.sender, s.logger))
	}()

	if s.early {
		s.deliver(c)
		return
	}
	go func() {
		select {
		case <-c.HandshakeComplete():
			s.deliver(c)
		case <-c.closedChan:
		}
	}()
}

func (s *baseServer) deliver(c *connection) {
	select {
	case s.acceptQueue <- c:
	case <-s.closed:
	}
}

// closedHandlerFor picks the packet-handler-map stand-in for a connection that just finished
// running: one that keeps retransmitting our own CONNECTION_CLOSE if we closed it, or one that
// silently absorbs stragglers if the peer closed it (handlePeerClose never calls
// sendConnectionClose, so there's nothing of ours to retransmit).
func closedHandlerFor(c *connection, sender batchwriter.Sender, logger utils.Logger) packetHandler {
	packet := c.closePacketForRetransmit()
	if len(packet) == 0 {
		return newClosedRemoteConn()
	}
	return newClosedLocalConn(packet, func(addr net.Addr, buf []byte) {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			sender.SendBatch([][]byte{buf}, udpAddr)
		}
	}, logger)
}

// sendVersionNegotiation replies to an Initial carrying an unsupported version with the list of
// versions we do support, echoing the connection IDs so the client can match the reply up (RFC
// 9000 Section 6).
func (s *baseServer) sendVersionNegotiation(hdr *wire.Header, remoteAddr *net.UDPAddr) {
	buf := make([]byte, 0, 64)
	buf = append(buf, 0x80|randomByte()&0x7f) // the first byte's low 7 bits are unused / can be random
	buf = append(buf, 0, 0, 0, 0)             // Version field is 0 for a VN packet
	buf = append(buf, byte(len(hdr.SrcConnectionID)))
	buf = append(buf, hdr.SrcConnectionID.Bytes()...)
	buf = append(buf, byte(len(hdr.DestConnectionID)))
	buf = append(buf, hdr.DestConnectionID.Bytes()...)
	for _, v := range protocol.SupportedVersions {
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	s.sender.SendBatch([][]byte{buf}, remoteAddr)
}

func randomByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}
