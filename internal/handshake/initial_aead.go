package handshake

import (
	"crypto"
	"crypto/aes"

	"golang.org/x/crypto/hkdf"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

var (
	quicSaltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}
	quicSaltV2 = []byte{0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9}
)

func saltForVersion(v protocol.Version) []byte {
	if v == protocol.Version2 {
		return quicSaltV2
	}
	return quicSaltV1
}

// NewInitialAEAD derives the Initial sealer/opener pair from the client's chosen
// destination connection ID, the only secret available before any handshake bytes
// have been exchanged (RFC 9001 Section 5.2).
func NewInitialAEAD(connID protocol.ConnectionID, pers protocol.Perspective, v protocol.Version) (Sealer, Opener, error) {
	clientSecret, serverSecret := computeInitialSecrets(connID, v)
	var mySecret, otherSecret []byte
	if pers == protocol.PerspectiveClient {
		mySecret, otherSecret = clientSecret, serverSecret
	} else {
		mySecret, otherSecret = serverSecret, clientSecret
	}
	suite := cipherSuite{hash: crypto.SHA256, keyLen: 16, aead: aeadAESGCM}

	myKey, myHPKey, myIV := computeInitialKeyIVHP(suite, mySecret)
	otherKey, otherHPKey, otherIV := computeInitialKeyIVHP(suite, otherSecret)

	myAEAD := &fixedNonceAEAD{aead: aeadAESGCM(myKey), iv: myIV}
	hpEnc, err := aes.NewCipher(myHPKey)
	if err != nil {
		return nil, nil, err
	}
	otherAEAD := &fixedNonceAEAD{aead: aeadAESGCM(otherKey), iv: otherIV}
	hpDec, err := aes.NewCipher(otherHPKey)
	if err != nil {
		return nil, nil, err
	}
	return newLongHeaderSealer(myAEAD, hpEnc), newLongHeaderOpener(otherAEAD, hpDec), nil
}

func computeInitialSecrets(connID protocol.ConnectionID, v protocol.Version) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(crypto.SHA256, connID.Bytes(), saltForVersion(v))
	clientSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, []byte{}, "client in", crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, []byte{}, "server in", crypto.SHA256.Size())
	return
}

func computeInitialKeyIVHP(suite cipherSuite, secret []byte) (key, hpKey, iv []byte) {
	key = hkdfExpandLabel(suite.hash, secret, []byte{}, "quic key", suite.keyLen)
	hpKey = hkdfExpandLabel(suite.hash, secret, []byte{}, "quic hp", suite.keyLen)
	iv = hkdfExpandLabel(suite.hash, secret, []byte{}, "quic iv", ivLen)
	return
}

func hkdfExtract(hash crypto.Hash, secret, salt []byte) []byte {
	return hkdf.Extract(hash.New, secret, salt)
}
