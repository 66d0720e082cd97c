package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

type longHeaderSealer struct {
	aead        cipher.AEAD
	hpEncrypter cipher.Block

	nonceBuf []byte
	hpMask   []byte
}

var _ Sealer = &longHeaderSealer{}

func newLongHeaderSealer(aead cipher.AEAD, hpEncrypter cipher.Block) *longHeaderSealer {
	return &longHeaderSealer{
		aead:        aead,
		nonceBuf:    make([]byte, aead.NonceSize()),
		hpEncrypter: hpEncrypter,
		hpMask:      make([]byte, hpEncrypter.BlockSize()),
	}
}

func (s *longHeaderSealer) Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte {
	binary.BigEndian.PutUint64(s.nonceBuf[len(s.nonceBuf)-8:], uint64(pn))
	return s.aead.Seal(dst, s.nonceBuf, src, ad)
}

func (s *longHeaderSealer) EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	if len(sample) != s.hpEncrypter.BlockSize() {
		panic("handshake: invalid header-protection sample size")
	}
	s.hpEncrypter.Encrypt(s.hpMask, sample)
	*firstByte ^= s.hpMask[0] & 0xf
	for i := range pnBytes {
		pnBytes[i] ^= s.hpMask[i+1]
	}
}

func (s *longHeaderSealer) Overhead() int { return s.aead.Overhead() }

type longHeaderOpener struct {
	aead        cipher.AEAD
	pnDecrypter cipher.Block

	nonceBuf []byte
	hpMask   []byte
}

var _ Opener = &longHeaderOpener{}

func newLongHeaderOpener(aead cipher.AEAD, pnDecrypter cipher.Block) *longHeaderOpener {
	return &longHeaderOpener{
		aead:        aead,
		nonceBuf:    make([]byte, aead.NonceSize()),
		pnDecrypter: pnDecrypter,
		hpMask:      make([]byte, pnDecrypter.BlockSize()),
	}
}

func (o *longHeaderOpener) Open(dst, src []byte, pn protocol.PacketNumber, ad []byte) ([]byte, error) {
	binary.BigEndian.PutUint64(o.nonceBuf[len(o.nonceBuf)-8:], uint64(pn))
	dec, err := o.aead.Open(dst, o.nonceBuf, src, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return dec, nil
}

func (o *longHeaderOpener) DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	if len(sample) != o.pnDecrypter.BlockSize() {
		panic("handshake: invalid header-protection sample size")
	}
	o.pnDecrypter.Encrypt(o.hpMask, sample)
	*firstByte ^= o.hpMask[0] & 0xf
	for i := range pnBytes {
		pnBytes[i] ^= o.hpMask[i+1]
	}
}

func createAEAD(suite cipherSuite, trafficSecret []byte) cipher.AEAD {
	key := hkdfExpandLabel(suite.hash, trafficSecret, []byte{}, "quic key", suite.keyLen)
	iv := hkdfExpandLabel(suite.hash, trafficSecret, []byte{}, "quic iv", ivLen)
	aead := suite.aead(key)
	return &fixedNonceAEAD{aead: aead, iv: iv}
}

func createHeaderProtector(suite cipherSuite, trafficSecret []byte) cipher.Block {
	hpKey := hkdfExpandLabel(suite.hash, trafficSecret, []byte{}, "quic hp", suite.keyLen)
	hp, err := aes.NewCipher(hpKey)
	if err != nil {
		panic(err)
	}
	return hp
}

// fixedNonceAEAD XORs the fixed per-direction IV into the packet-number-derived nonce
// supplied at Seal/Open time, per RFC 9001 Section 5.3.
type fixedNonceAEAD struct {
	aead cipher.AEAD
	iv   []byte
}

func (a *fixedNonceAEAD) NonceSize() int { return a.aead.NonceSize() }
func (a *fixedNonceAEAD) Overhead() int  { return a.aead.Overhead() }

func (a *fixedNonceAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	xored := xorNonce(a.iv, nonce)
	return a.aead.Seal(dst, xored, plaintext, additionalData)
}

func (a *fixedNonceAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	xored := xorNonce(a.iv, nonce)
	return a.aead.Open(dst, xored, ciphertext, additionalData)
}

func xorNonce(iv, pnNonce []byte) []byte {
	out := make([]byte, len(iv))
	copy(out, iv)
	off := len(out) - len(pnNonce)
	for i, b := range pnNonce {
		out[off+i] ^= b
	}
	return out
}
