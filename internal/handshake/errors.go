package handshake

import "errors"

// ErrDecryptionFailed is returned by Opener.Open on an AEAD authentication failure. The
// caller (ackhandler / connection engine) treats this as a silently-dropped packet, not
// a connection-level error, matching RFC 9001 Section 5.8's guidance against timing
// oracles from decrypt-failure handling.
var ErrDecryptionFailed = errors.New("handshake: decryption failed")

// ErrKeysNotYetAvailable is returned when a packet arrives for an encryption level
// whose keys have not been installed yet. The connection engine treats this as the
// benign KeyUnavailable case (see internal/qerr) and buffers the packet.
var ErrKeysNotYetAvailable = errors.New("handshake: keys for this encryption level are not yet available")

// ErrHandshakeAlreadyStarted is returned by CryptoSetup.StartHandshake if invoked a
// second time (§4.1 "Fails with INTERNAL_ERROR if reinvoked").
var ErrHandshakeAlreadyStarted = errors.New("handshake: already started")
