package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frostgate-labs/qtransport/internal/batchwriter"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// happyEyeballsHeadStart is how much of a lead an IPv6 dial attempt gets over IPv4 before both
// race in parallel, mirroring the head start browsers give IPv6 in RFC 8305.
const happyEyeballsHeadStart = 50 * time.Millisecond

// DialAddr resolves addr, races a UDP "dial" (really just opening a socket and starting the
// handshake) over every address family it resolves to — IPv6 first, IPv4 joining in after a
// short head start — and returns as soon as one candidate's handshake is confirmed, canceling
// the others.
func DialAddr(ctx context.Context, addr string, tlsConfig *tls.Config, config *Config) (EarlyConnection, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("quic: no addresses found for %s", host)
	}

	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("quic: invalid port %q", portStr)
	}

	var v6, v4 []net.IP
	for _, ip := range ips {
		if ip.IP.To4() == nil {
			v6 = append(v6, ip.IP)
		} else {
			v4 = append(v4, ip.IP)
		}
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	type result struct {
		conn *connection
		err  error
	}
	results := make(chan result, len(v6)+len(v4))
	g, gctx := errgroup.WithContext(raceCtx)

	dialOne := func(ip net.IP, delay time.Duration) {
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return nil
				}
			}
			c, err := dialOneAddr(gctx, &net.UDPAddr{IP: ip, Port: port}, tlsConfig, config)
			select {
			case results <- result{c, err}:
			case <-gctx.Done():
				if c != nil {
					c.destroy(context.Canceled)
				}
			}
			return nil
		})
	}
	for _, ip := range v6 {
		dialOne(ip, 0)
	}
	for _, ip := range v4 {
		dialOne(ip, happyEyeballsHeadStart)
	}

	total := len(v6) + len(v4)
	var firstErr error
	for i := 0; i < total; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				cancelRace()
				go func() { _ = g.Wait() }() // let the losers unwind in the background
				return r.conn, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			cancelRace()
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = errors.New("quic: dial failed")
	}
	return nil, firstErr
}

// dialOneAddr opens a dedicated UDP socket to remoteAddr, starts a connection engine against it,
// and waits for the handshake to confirm (or ctx to end first).
func dialOneAddr(ctx context.Context, remoteAddr *net.UDPAddr, tlsConfig *tls.Config, config *Config) (*connection, error) {
	if tlsConfig == nil {
		return nil, errors.New("quic: DialAddr requires a tls.Config")
	}
	config = populateConfig(config)
	config.TLSConfig = tlsConfig

	localAddr := &net.UDPAddr{IP: zeroIPFor(remoteAddr.IP), Port: 0}
	udpConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, err
	}

	sender := batchwriter.NewUDPSender(udpConn)

	srcConnID, err := protocol.GenerateConnectionID(config.ConnectionIDLength)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	destConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	c, err := newConnection(connConfig{
		perspective:    protocol.PerspectiveClient,
		version:        protocol.SupportedVersions[0],
		config:         config,
		conn:           sender,
		localAddr:      udpConn.LocalAddr(),
		remoteAddr:     remoteAddr,
		srcConnID:      srcConnID,
		destConnID:     destConnID,
		origDestConnID: destConnID,
		tracer:         utils.DefaultLogger.WithPrefix(fmt.Sprintf("client %s ", remoteAddr)),
	})
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	go readLoop(ctx, udpConn, c)
	go func() {
		_ = c.run()
		udpConn.Close()
	}()

	select {
	case <-c.HandshakeComplete():
		return c, nil
	case <-c.closedChan:
		return nil, c.closeErr
	case <-ctx.Done():
		c.destroy(ctx.Err())
		return nil, ctx.Err()
	}
}

// readLoop feeds every datagram from conn to c until ctx ends or the connection's own lifetime
// does; closing udpConn (done by the caller once c.run() returns) unblocks ReadFromUDP.
func readLoop(ctx context.Context, conn *net.UDPConn, c *connection) {
	buf := make([]byte, protocol.MaxPacketBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handlePacket(data, c.remoteAddr)
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		default:
		}
	}
}

func zeroIPFor(remote net.IP) net.IP {
	if remote.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6zero
}
