package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfLabel and hkdfContentCtx domain-separate every key this package derives,
// mirroring the teacher's "wt-pty" context string for its own ECDH step.
const (
	hkdfLabel       = "Happy EnCoder"
	hkdfContentCtx  = "content"
	dataKeyVersion  = byte(1)
	dataKeyNonceLen = 24 // XChaCha20-Poly1305
)

var ErrMalformedPayload = errors.New("malformed data-key payload")

// KeyPair is an X25519 content key-pair used to wrap per-resource data keys.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// KeyPairFromSeed derives a deterministic X25519 key-pair from a master
// secret using an HKDF-SHA256 step domain-separated by label "Happy EnCoder"
// and context "content".
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	info := []byte(hkdfLabel + ":" + hkdfContentCtx)
	kdf := hkdf.New(sha256.New, seed, nil, info)
	raw := make([]byte, 32)
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return nil, fmt.Errorf("derive content key seed: %w", err)
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse derived key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// DataKeyCodec implements the "data-key" variant: every resource gets its
// own random 32-byte data key, which is itself wrapped by ECDH+HKDF under
// the content key-pair's public key before the AEAD ciphertext is appended.
// Payload layout: version(1) || len(2) || ephemeralPublicKey ||
// len(2) || wrappedDataKey (nonce||ciphertext||tag) || nonce||ciphertext,
// with each len a big-endian uint16.
type DataKeyCodec struct {
	pair *KeyPair
}

func NewDataKeyCodec(pair *KeyPair) *DataKeyCodec {
	return &DataKeyCodec{pair: pair}
}

func (c *DataKeyCodec) Encrypt(plaintext []byte) ([]byte, error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	// Ephemeral key-pair for this single wrap, so the wrap key never repeats.
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	wrapKey, err := deriveWrapKey(ephemeral, c.pair.Public)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := sealXChaCha(wrapKey, dataKey)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	body, err := sealXChaCha(dataKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal body: %w", err)
	}

	out := make([]byte, 0, 1+2+len(ephemeral.PublicKey().Bytes())+2+len(wrappedKey)+len(body))
	out = append(out, dataKeyVersion)
	out = appendLengthPrefixed(out, ephemeral.PublicKey().Bytes())
	out = appendLengthPrefixed(out, wrappedKey)
	out = append(out, body...)
	return out, nil
}

func (c *DataKeyCodec) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) < 1 || payload[0] != dataKeyVersion {
		return nil, ErrMalformedPayload
	}
	rest := payload[1:]

	ephemeralPubBytes, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, err
	}
	wrappedKey, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, err
	}

	ephemeralPub, err := ecdh.X25519().NewPublicKey(ephemeralPubBytes)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	wrapKey, err := deriveWrapKey(c.pair.Private, ephemeralPub)
	if err != nil {
		return nil, err
	}

	dataKey, err := openXChaCha(wrapKey, wrappedKey)
	if err != nil {
		return nil, err
	}
	if dataKey == nil {
		return nil, nil // wrap tag failed to verify — "skip update"
	}

	return openXChaCha(dataKey, rest)
}

// deriveWrapKey performs X25519 ECDH then HKDF-SHA256 with the same
// domain-separation label the rest of this package uses.
func deriveWrapKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfLabel+":"+hkdfContentCtx))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func appendLengthPrefixed(dst, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

func readLengthPrefixed(src []byte) (data, rest []byte, err error) {
	if len(src) < 2 {
		return nil, nil, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint16(src[:2]))
	src = src[2:]
	if len(src) < n {
		return nil, nil, ErrMalformedPayload
	}
	return src[:n], src[n:], nil
}
