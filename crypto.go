// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key material message layout (the CIF of KMREQ/KMRSP, and the KMREQ
// handshake extension):
//
//	0: version (high nibble, 1) | packet type (low nibble, 2 = KM)
//	1-2: signature 0x2029
//	3: resv (6 bits) | KK (2 bits: which key generations follow)
//	4-7: KEK index (0: KEK derived from the passphrase)
//	8: cipher (2 = AES-CTR)  9: auth (0)  10: stream encapsulation (2)  11: resv
//	12-13: resv
//	14: salt length / 4      15: SEK length / 4
//	16-31: salt
//	32-: wrapped key block: the SEK(s) selected by KK, AES-keywrapped with
//	     the KEK (8-byte integrity header plus 16 bytes per wrapped block)
type kmError string

func (e kmError) Error() string { return string(e) }

const (
	kmVersion   = 1
	kmPacketTyp = 2
	kmSignature = 0x2029
	kmCipherCTR = 2
	kmSEEncCTR  = 2

	kmHeaderSize = 32

	// kekIterations is the PBKDF2 iteration count for deriving the key
	// encrypting key from the passphrase.
	kekIterations = 2048

	// kmRefreshRatePackets is how many data packets are sent under one key
	// generation before a rotation is initiated.
	kmRefreshRatePackets = 1 << 24
)

const saltSize = 16

// cryptoContext owns the key material of one connection: the active and
// (during rotation) pending symmetric keys, the salt, and the passphrase
// derived key-encrypting key. The even/odd generations map onto the KK bits
// carried in every data packet, so packets encrypted under the outgoing
// generation remain decryptable until rotation completes.
type cryptoContext struct {
	passphrase string
	keyLen     int // 16, 24, or 32

	salt [saltSize]byte
	sek  [3][]byte // indexed by keyEven / keyOdd; 0 unused

	// active is the generation used to encrypt outgoing packets. pending is
	// a freshly announced generation that is not used for sending until the
	// peer acknowledges it with a KMRSP.
	active  byte
	pending byte

	sentSinceRefresh uint64
}

// newCryptoContext creates the initiator's key material: random salt, one
// random SEK under the even generation.
func newCryptoContext(passphrase string, keyLen int) (*cryptoContext, error) {
	switch keyLen {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported key length %d", ErrCryptoNegotiation, keyLen)
	}
	cc := &cryptoContext{passphrase: passphrase, keyLen: keyLen, active: keyEven}
	if _, err := io.ReadFull(rand.Reader, cc.salt[:]); err != nil {
		return nil, err
	}
	sek := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, sek); err != nil {
		return nil, err
	}
	cc.sek[keyEven] = sek
	return cc, nil
}

// newResponderCryptoContext creates the responder side, which learns salt and
// SEKs from the peer's KMREQ.
func newResponderCryptoContext(passphrase string) *cryptoContext {
	return &cryptoContext{passphrase: passphrase}
}

// kek derives the key-encrypting key from the passphrase and the low half of
// the salt.
func (cc *cryptoContext) kek() []byte {
	return pbkdf2.Key([]byte(cc.passphrase), cc.salt[8:], kekIterations, cc.keyLen, sha1.New)
}

func (cc *cryptoContext) encFieldValue() uint16 {
	switch cc.keyLen {
	case 24:
		return encFieldAES192
	case 32:
		return encFieldAES256
	default:
		return encFieldAES128
	}
}

// marshalKM builds a key material message advertising the generation(s)
// selected by kk.
func (cc *cryptoContext) marshalKM(kk byte) ([]byte, error) {
	var keys []byte
	for _, idx := range []byte{keyEven, keyOdd} {
		if kk&idx != 0 {
			if cc.sek[idx] == nil {
				return nil, kmError("no key material for requested generation")
			}
			keys = append(keys, cc.sek[idx]...)
		}
	}
	if len(keys) == 0 {
		return nil, kmError("no key generation selected")
	}
	wrapped, err := wrapKey(cc.kek(), keys)
	if err != nil {
		return nil, err
	}
	b := make([]byte, kmHeaderSize, kmHeaderSize+len(wrapped))
	b[0] = kmVersion<<4 | kmPacketTyp
	binary.BigEndian.PutUint16(b[1:3], kmSignature)
	b[3] = kk & 0x3
	b[8] = kmCipherCTR
	b[10] = kmSEEncCTR
	b[14] = saltSize / 4
	b[15] = byte(cc.keyLen / 4)
	copy(b[16:32], cc.salt[:])
	return append(b, wrapped...), nil
}

// unmarshalKM ingests a peer's key material message, unwrapping the SEK(s)
// with the local passphrase. A mismatched passphrase shows up here as a
// keywrap integrity failure.
func (cc *cryptoContext) unmarshalKM(b []byte) error {
	if len(b) < kmHeaderSize {
		return kmError("key material message too short")
	}
	if b[0] != kmVersion<<4|kmPacketTyp || binary.BigEndian.Uint16(b[1:3]) != kmSignature {
		return kmError("bad key material signature")
	}
	kk := b[3] & 0x3
	if kk == 0 {
		return kmError("key material carries no key")
	}
	if b[8] != kmCipherCTR {
		return kmError("unsupported cipher")
	}
	if int(b[14])*4 != saltSize {
		return kmError("unsupported salt length")
	}
	keyLen := int(b[15]) * 4
	switch keyLen {
	case 16, 24, 32:
	default:
		return kmError("unsupported key length")
	}
	cc.keyLen = keyLen
	copy(cc.salt[:], b[16:32])
	keys, err := unwrapKey(cc.kek(), b[kmHeaderSize:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoNegotiation, err)
	}
	nkeys := 0
	if kk&keyEven != 0 {
		nkeys++
	}
	if kk&keyOdd != 0 {
		nkeys++
	}
	if len(keys) != nkeys*keyLen {
		return kmError("wrapped key block has wrong size")
	}
	if kk&keyEven != 0 {
		cc.sek[keyEven] = append([]byte(nil), keys[:keyLen]...)
		keys = keys[keyLen:]
	}
	if kk&keyOdd != 0 {
		cc.sek[keyOdd] = append([]byte(nil), keys[:keyLen]...)
	}
	if cc.active == 0 {
		cc.active = kk & 0x3
		if cc.active == keyEven|keyOdd {
			cc.active = keyEven
		}
	}
	return nil
}

// startRotation generates a new SEK under the currently unused generation
// and returns the KM message announcing it. Outgoing packets stay on the old
// generation until acceptRotation.
func (cc *cryptoContext) startRotation() ([]byte, error) {
	next := keyOdd
	if cc.active == keyOdd {
		next = keyEven
	}
	sek := make([]byte, cc.keyLen)
	if _, err := io.ReadFull(rand.Reader, sek); err != nil {
		return nil, err
	}
	cc.sek[next] = sek
	cc.pending = next
	return cc.marshalKM(next)
}

// acceptRotation is called when the peer acknowledges the announced
// generation; only then does sending switch over. The old generation's key
// is kept so in-flight packets still decrypt on the peer.
func (cc *cryptoContext) acceptRotation() {
	if cc.pending != 0 {
		cc.active = cc.pending
		cc.pending = 0
		cc.sentSinceRefresh = 0
	}
}

// needRefresh reports whether enough packets have been sent under the active
// generation to warrant a rotation.
func (cc *cryptoContext) needRefresh() bool {
	return cc.pending == 0 && cc.sentSinceRefresh >= kmRefreshRatePackets
}

// keystream applies the AES-CTR keystream for one packet in either
// direction. The counter block is derived from the salt and the packet
// sequence number, so each packet gets a unique keystream position without
// any per-packet negotiation.
func (cc *cryptoContext) keystream(kk byte, seq sequenceNumber, payload []byte) error {
	if kk != keyEven && kk != keyOdd {
		return kmError("bad key index")
	}
	sek := cc.sek[kk]
	if sek == nil {
		return kmError("no key for generation")
	}
	block, err := aes.NewCipher(sek)
	if err != nil {
		return err
	}
	var iv [16]byte
	copy(iv[:], cc.salt[:])
	// XOR the sequence number into bytes 10..13, leaving the trailing
	// counter bytes for CTR progression within the packet
	binary.BigEndian.PutUint32(iv[10:14], binary.BigEndian.Uint32(iv[10:14])^uint32(seq))
	cipher.NewCTR(block, iv[:]).XORKeyStream(payload, payload)
	return nil
}

// encrypt encrypts an outgoing payload in place and returns the key index to
// put in the packet header.
func (cc *cryptoContext) encrypt(seq sequenceNumber, payload []byte) (byte, error) {
	if err := cc.keystream(cc.active, seq, payload); err != nil {
		return keyNone, err
	}
	cc.sentSinceRefresh++
	return cc.active, nil
}

// decrypt decrypts an incoming payload in place using the generation named
// by the packet's key index.
func (cc *cryptoContext) decrypt(kk byte, seq sequenceNumber, payload []byte) error {
	return cc.keystream(kk, seq, payload)
}

// aes keywrap (RFC 3394), used to protect the session keys inside key
// material messages with the passphrase-derived KEK.

var keywrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

func wrapKey(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) == 0 {
		return nil, kmError("keywrap input must be a positive multiple of 8 bytes")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(plaintext) / 8
	a := keywrapIV
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], plaintext[i*8:])
	}
	var b [16]byte
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			copy(b[:8], a[:])
			copy(b[8:], r[i][:])
			block.Encrypt(b[:], b[:])
			copy(a[:], b[:8])
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(r[i][:], b[8:])
		}
	}
	out := make([]byte, 8+len(plaintext))
	copy(out, a[:])
	for i := range r {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, kmError("keywrap ciphertext has invalid size")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], wrapped[8+i*8:])
	}
	var b [16]byte
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(b[:8], a[:])
			copy(b[8:], r[i][:])
			block.Decrypt(b[:], b[:])
			copy(a[:], b[:8])
			copy(r[i][:], b[8:])
		}
	}
	if subtle.ConstantTimeCompare(a[:], keywrapIV[:]) != 1 {
		return nil, kmError("keywrap integrity check failed")
	}
	out := make([]byte, 0, n*8)
	for i := range r {
		out = append(out, r[i][:]...)
	}
	return out, nil
}

// kmResponsesEqual compares a KMRSP against the KM message we sent; the
// responder echoes the request on success.
func kmResponsesEqual(sent, got []byte) bool {
	return bytes.Equal(sent, got)
}
