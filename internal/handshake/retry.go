package handshake

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

var retryAEAD cipher.AEAD

func init() {
	key := [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	retryAEAD = aead
}

var (
	retryBuf   bytes.Buffer
	retryMutex sync.Mutex
	retryNonce = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// GetRetryIntegrityTag computes the integrity tag on a Retry packet, keyed by the
// original destination connection ID the client used in its first Initial packet
// (RFC 9001 Section 5.8). The retry byte slice passed in must exclude the tag itself.
func GetRetryIntegrityTag(retry []byte, origDestConnID protocol.ConnectionID) *[16]byte {
	retryMutex.Lock()
	defer retryMutex.Unlock()
	retryBuf.Reset()
	retryBuf.WriteByte(uint8(origDestConnID.Len()))
	retryBuf.Write(origDestConnID.Bytes())
	retryBuf.Write(retry)

	var tag [16]byte
	sealed := retryAEAD.Seal(tag[:0], retryNonce[:], nil, retryBuf.Bytes())
	if len(sealed) != 16 {
		panic(fmt.Sprintf("handshake: unexpected Retry integrity tag length: %d", len(sealed)))
	}
	return &tag
}

// VerifyRetryIntegrityTag recomputes the tag and compares it in constant time against
// the one carried on the wire (§4.1 verifyRetryIntegrityTag). On mismatch the caller
// must silently drop the Retry packet rather than treat it as a transport error.
func VerifyRetryIntegrityTag(retryWithoutTag []byte, tagOnWire [16]byte, origDestConnID protocol.ConnectionID) bool {
	want := GetRetryIntegrityTag(retryWithoutTag, origDestConnID)
	return bytes.Equal(want[:], tagOnWire[:])
}
