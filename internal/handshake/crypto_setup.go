package handshake

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// levelMap translates between this module's protocol.EncryptionLevel and the stdlib's
// tls.QUICEncryptionLevel, which are deliberately kept as distinct types so that
// internal/protocol has no dependency on crypto/tls.
func toTLSLevel(l protocol.EncryptionLevel) tls.QUICEncryptionLevel {
	switch l {
	case protocol.EncryptionInitial:
		return tls.QUICEncryptionLevelInitial
	case protocol.Encryption0RTT:
		return tls.QUICEncryptionLevelEarly
	case protocol.EncryptionHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func fromTLSLevel(l tls.QUICEncryptionLevel) protocol.EncryptionLevel {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return protocol.EncryptionInitial
	case tls.QUICEncryptionLevelEarly:
		return protocol.Encryption0RTT
	case tls.QUICEncryptionLevelHandshake:
		return protocol.EncryptionHandshake
	default:
		return protocol.Encryption1RTT
	}
}

// oneRTTKeys bundles the current read or write secret, the cipher suite it was derived
// under, and the rotation counter parity, so a successor secret can be derived on demand
// without re-running the TLS key schedule (§4.1 key rotation).
type oneRTTKeys struct {
	suite  cipherSuite
	secret []byte
	phase  protocol.KeyPhaseBit
}

func (k *oneRTTKeys) sealer() ShortHeaderSealer {
	return &shortHeaderSealer{
		longHeaderSealer: *newLongHeaderSealer(createAEAD(k.suite, k.secret), createHeaderProtector(k.suite, k.secret)),
		phase:            k.phase,
	}
}

func (k *oneRTTKeys) opener() ShortHeaderOpener {
	return &shortHeaderOpener{
		longHeaderOpener: *newLongHeaderOpener(createAEAD(k.suite, k.secret), createHeaderProtector(k.suite, k.secret)),
		phase:            k.phase,
	}
}

func (k *oneRTTKeys) next() *oneRTTKeys {
	return &oneRTTKeys{suite: k.suite, secret: getNextTrafficSecret(k.suite.hash, k.secret), phase: k.phase.Bit()}
}

type shortHeaderSealer struct {
	longHeaderSealer
	phase protocol.KeyPhaseBit
}

func (s *shortHeaderSealer) KeyPhase() protocol.KeyPhaseBit { return s.phase }

type shortHeaderOpener struct {
	longHeaderOpener
	phase protocol.KeyPhaseBit
}

func (o *shortHeaderOpener) DecodeKeyPhase(kp protocol.KeyPhaseBit, _ protocol.PacketNumber) protocol.KeyPhaseBit {
	return kp
}

// CryptoSetup drives the handshake state machine described in §4.1, for a client or a server,
// delegating the TLS 1.3 record layer and certificate verification to crypto/tls's
// QUIC-aware connection, and owning only the QUIC-specific concerns: per-level key
// installation, CRYPTO byte buffering, and 1-RTT key rotation.
type CryptoSetup struct {
	perspective protocol.Perspective
	tlsConn     *tls.QUICConn

	started bool

	initialOpener Opener
	initialSealer Sealer

	handshakeOpener Opener
	handshakeSealer Sealer

	zeroRTTSealer Sealer
	zeroRTTOpener Opener

	readKeys  *oneRTTKeys
	writeKeys *oneRTTKeys

	readCipherSuite uint16

	handshakeComplete  bool
	handshakeConfirmed bool

	zeroRTTRejected      bool
	zeroRTTRejectedRead  bool // edge-triggered per §4.1 getZeroRttRejected
	zeroRTTResendAllowed bool

	peerTransportParameters []byte
}

// NewCryptoSetupClient constructs the handshake state machine for the client role.
// destConnID is the client's randomly chosen original destination connection ID, used
// to derive Initial keys (RFC 9001 Section 5.2).
func NewCryptoSetupClient(tlsConfig *tls.Config, destConnID protocol.ConnectionID, version protocol.Version) (*CryptoSetup, error) {
	sealer, opener, err := NewInitialAEAD(destConnID, protocol.PerspectiveClient, version)
	if err != nil {
		return nil, err
	}
	cs := &CryptoSetup{
		perspective:   protocol.PerspectiveClient,
		initialSealer: sealer,
		initialOpener: opener,
	}
	cs.tlsConn = tls.QUICClient(&tls.QUICConfig{TLSConfig: tlsConfig})
	return cs, nil
}

// NewCryptoSetupServer constructs the handshake state machine for the server role.
// destConnID is the client's original destination connection ID, used to derive Initial
// keys in the same way the client does (RFC 9001 Section 5.2).
func NewCryptoSetupServer(tlsConfig *tls.Config, destConnID protocol.ConnectionID, version protocol.Version) (*CryptoSetup, error) {
	sealer, opener, err := NewInitialAEAD(destConnID, protocol.PerspectiveServer, version)
	if err != nil {
		return nil, err
	}
	cs := &CryptoSetup{
		perspective:   protocol.PerspectiveServer,
		initialSealer: sealer,
		initialOpener: opener,
	}
	cs.tlsConn = tls.QUICServer(&tls.QUICConfig{TLSConfig: tlsConfig})
	return cs, nil
}

// StartHandshake begins the handshake, installing Initial keys and emitting the first
// flight of CRYPTO bytes as an EventWriteInitialData event (§4.1 connect()).
func (cs *CryptoSetup) StartHandshake(ctx context.Context, localTransportParams []byte) ([]Event, error) {
	if cs.started {
		return nil, ErrHandshakeAlreadyStarted
	}
	cs.started = true
	cs.tlsConn.SetTransportParameters(localTransportParams)
	if err := cs.tlsConn.Start(ctx); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return cs.drainEvents()
}

// HandleMessage feeds received CRYPTO bytes at the given level into the TLS state
// machine (§4.1 doHandshake) and returns the events the connection engine must act on.
func (cs *CryptoSetup) HandleMessage(data []byte, level protocol.EncryptionLevel) ([]Event, error) {
	if err := cs.tlsConn.HandleData(toTLSLevel(level), data); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return cs.drainEvents()
}

func (cs *CryptoSetup) drainEvents() ([]Event, error) {
	var out []Event
	for {
		ev := cs.tlsConn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return out, nil
		case tls.QUICSetReadSecret:
			if err := cs.installSecret(ev.Level, ev.Suite, ev.Data, false); err != nil {
				return nil, err
			}
			out = append(out, Event{Kind: EventReceivedReadKeys})
		case tls.QUICSetWriteSecret:
			if err := cs.installSecret(ev.Level, ev.Suite, ev.Data, true); err != nil {
				return nil, err
			}
		case tls.QUICWriteData:
			level := fromTLSLevel(ev.Level)
			kind := EventWriteHandshakeData
			if level == protocol.EncryptionInitial {
				kind = EventWriteInitialData
			}
			out = append(out, Event{Kind: kind, Data: ev.Data})
		case tls.QUICTransportParameters:
			cs.peerTransportParameters = ev.Data
		case tls.QUICHandshakeDone:
			cs.handshakeComplete = true
			out = append(out, Event{Kind: EventHandshakeComplete})
		case tls.QUICRejectedEarlyData:
			cs.zeroRTTRejected = true
		default:
			// QUICTransportParametersRequired and other events this engine doesn't act on.
		}
	}
}

func (cs *CryptoSetup) installSecret(level tls.QUICEncryptionLevel, suiteID uint16, secret []byte, write bool) error {
	suite, err := cipherSuiteForID(suiteID)
	if err != nil {
		return err
	}
	plainLevel := fromTLSLevel(level)

	switch plainLevel {
	case protocol.EncryptionHandshake:
		aead := createAEAD(suite, secret)
		hp := createHeaderProtector(suite, secret)
		if write {
			cs.handshakeSealer = newLongHeaderSealer(aead, hp)
		} else {
			cs.handshakeOpener = newLongHeaderOpener(aead, hp)
		}
	case protocol.Encryption0RTT:
		aead := createAEAD(suite, secret)
		hp := createHeaderProtector(suite, secret)
		if write {
			cs.zeroRTTSealer = newLongHeaderSealer(aead, hp)
		} else {
			cs.zeroRTTOpener = newLongHeaderOpener(aead, hp)
		}
	case protocol.Encryption1RTT:
		keys := &oneRTTKeys{suite: suite, secret: secret, phase: protocol.KeyPhaseZero}
		if write {
			cs.writeKeys = keys
		} else {
			cs.readKeys = keys
			cs.readCipherSuite = suiteID
		}
	}
	return nil
}

// HandshakeConfirmed is invoked on receipt of HANDSHAKE_DONE (§4.1 handshakeConfirmed):
// the Handshake space and its keys can now be dropped.
func (cs *CryptoSetup) HandshakeConfirmed() {
	cs.handshakeConfirmed = true
	cs.handshakeSealer = nil
	cs.handshakeOpener = nil
}

func (cs *CryptoSetup) HandshakeComplete() bool  { return cs.handshakeComplete }
func (cs *CryptoSetup) IsHandshakeConfirmed() bool { return cs.handshakeConfirmed }

func (cs *CryptoSetup) GetInitialSealer() (Sealer, error) {
	if cs.initialSealer == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.initialSealer, nil
}

func (cs *CryptoSetup) GetInitialOpener() (Opener, error) {
	if cs.initialOpener == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.initialOpener, nil
}

func (cs *CryptoSetup) GetHandshakeSealer() (Sealer, error) {
	if cs.handshakeSealer == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.handshakeSealer, nil
}

func (cs *CryptoSetup) GetHandshakeOpener() (Opener, error) {
	if cs.handshakeOpener == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.handshakeOpener, nil
}

func (cs *CryptoSetup) Get0RTTSealer() (Sealer, error) {
	if cs.zeroRTTSealer == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.zeroRTTSealer, nil
}

func (cs *CryptoSetup) Get0RTTOpener() (Opener, error) {
	if cs.zeroRTTOpener == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.zeroRTTOpener, nil
}

// Get1RTTSealer returns the sealer for the current write key phase (§4.1).
func (cs *CryptoSetup) Get1RTTSealer() (ShortHeaderSealer, error) {
	if cs.writeKeys == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.writeKeys.sealer(), nil
}

// Get1RTTOpener returns the opener for the current read key phase.
func (cs *CryptoSetup) Get1RTTOpener() (ShortHeaderOpener, error) {
	if cs.readKeys == nil {
		return nil, ErrKeysNotYetAvailable
	}
	return cs.readKeys.opener(), nil
}

// GetNextOneRTTWriteCipher derives the successor write secret and advances the write
// side of the rotation counter (§4.1 key rotation). The new keys replace the current
// write keys at once: Get1RTTSealer returns the new phase's sealer from then on.
func (cs *CryptoSetup) GetNextOneRTTWriteCipher() (ShortHeaderSealer, error) {
	if cs.writeKeys == nil {
		return nil, ErrKeysNotYetAvailable
	}
	cs.writeKeys = cs.writeKeys.next()
	return cs.writeKeys.sealer(), nil
}

// GetNextOneRTTReadCipher derives the successor read secret ahead of receiving the
// peer's first packet in the new phase.
func (cs *CryptoSetup) GetNextOneRTTReadCipher() (ShortHeaderOpener, error) {
	if cs.readKeys == nil {
		return nil, ErrKeysNotYetAvailable
	}
	cs.readKeys = cs.readKeys.next()
	return cs.readKeys.opener(), nil
}

// PeerTransportParameters returns the raw transport_parameters extension value the peer
// sent, for the connection engine to hand to wire.UnmarshalTransportParameters, or nil
// if it hasn't arrived yet.
func (cs *CryptoSetup) PeerTransportParameters() []byte { return cs.peerTransportParameters }

// GetZeroRTTRejected is edge-triggered: the first call after a rejection reports true,
// every subsequent call reports false (§4.1 getZeroRttRejected).
func (cs *CryptoSetup) GetZeroRTTRejected() bool {
	if cs.zeroRTTRejected && !cs.zeroRTTRejectedRead {
		cs.zeroRTTRejectedRead = true
		return true
	}
	return false
}

// GetCanResendZeroRTT reports whether a rejected zero-RTT payload is safe to retry on
// the successor connection (§4.1 getCanResendZeroRtt) — only once we know for certain
// the server never acted on it, i.e. once rejection has actually been observed.
func (cs *CryptoSetup) GetCanResendZeroRTT() bool {
	return cs.zeroRTTRejected
}

// ConnectionState exposes the minimal details the spec considers observable (§4.1 is
// silent beyond the operations above; this mirrors the teacher's exposed surface).
type ConnectionState struct {
	HandshakeComplete bool
	CipherSuite       uint16
}

func (cs *CryptoSetup) ConnectionState() ConnectionState {
	return ConnectionState{HandshakeComplete: cs.handshakeComplete, CipherSuite: cs.readCipherSuite}
}
