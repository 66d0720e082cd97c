package handshake

import (
	"crypto"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// hkdfExpandLabel HKDF expands a label as defined in RFC 8446, section 7.1.
func hkdfExpandLabel(hash crypto.Hash, secret, context []byte, label string, length int) []byte {
	b := make([]byte, 3, 3+6+len(label)+1+len(context))
	binary.BigEndian.PutUint16(b, uint16(length))
	b[2] = uint8(6 + len(label))
	b = append(b, []byte("tls13 ")...)
	b = append(b, []byte(label)...)
	b = b[:3+6+len(label)+1]
	b[3+6+len(label)] = uint8(len(context))
	b = append(b, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hash.New, secret, b)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Errorf("qtransport: HKDF-Expand-Label invocation failed unexpectedly: %w", err))
	}
	return out
}

// getNextTrafficSecret derives the successor 1-RTT traffic secret for the given direction,
// implementing key update (RFC 9001 Section 6).
func getNextTrafficSecret(hash crypto.Hash, secret []byte) []byte {
	return hkdfExpandLabel(hash, secret, []byte{}, "quic ku", hash.Size())
}
