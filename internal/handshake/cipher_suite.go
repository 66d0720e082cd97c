package handshake

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	_ "crypto/sha256" // link crypto.SHA256's hash.Hash constructor
	_ "crypto/sha512" // link crypto.SHA384's hash.Hash constructor
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// cipherSuite bundles the hash and AEAD constructor needed to turn a traffic secret
// into packet protection keys, independent of the stdlib's tls.CipherSuite (which
// doesn't expose this as a reusable type).
type cipherSuite struct {
	hash   crypto.Hash
	keyLen int
	aead   func(key []byte) cipher.AEAD
}

func cipherSuiteForID(id uint16) (cipherSuite, error) {
	switch id {
	case tls.TLS_AES_128_GCM_SHA256:
		return cipherSuite{hash: crypto.SHA256, keyLen: 16, aead: aeadAESGCM}, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return cipherSuite{hash: crypto.SHA384, keyLen: 32, aead: aeadAESGCM}, nil
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return cipherSuite{hash: crypto.SHA256, keyLen: chacha20poly1305.KeySize, aead: aeadChaCha20Poly1305}, nil
	default:
		return cipherSuite{}, fmt.Errorf("handshake: unsupported cipher suite: %#x", id)
	}
}

func aeadAESGCM(key []byte) cipher.AEAD {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

func aeadChaCha20Poly1305(key []byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}
	return aead
}

// ivLen is fixed at 12 bytes for every AEAD this module supports (RFC 8446 Section 5.3).
const ivLen = 12
