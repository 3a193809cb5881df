package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AuthChallenge is presented to the server's auth endpoint: the signature
// binds the nonce to the public key so the server can verify the CLI
// controls the private signing key without ever seeing it.
type AuthChallenge struct {
	Nonce     []byte
	PublicKey ed25519.PublicKey
	Signature []byte
}

// SigningKeyFromSeed derives a deterministic Ed25519 signing key-pair from
// the same master secret used for KeyPairFromSeed, domain-separated by a
// distinct HKDF context so the signing key and the encryption key-pair
// never collide even if both are derived from one seed.
func SigningKeyFromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	info := []byte(hkdfLabel + ":auth")
	kdf := hkdf.New(sha256.New, seed, nil, info)
	sigSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, sigSeed); err != nil {
		return nil, nil, fmt.Errorf("derive signing seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(sigSeed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// BuildAuthChallenge generates a random nonce and signs nonce||publicKey,
// producing the payload the CLI posts to the auth endpoint on first login.
func BuildAuthChallenge(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*AuthChallenge, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	signed := append(append([]byte{}, nonce...), pub...)
	sig := ed25519.Sign(priv, signed)
	return &AuthChallenge{Nonce: nonce, PublicKey: pub, Signature: sig}, nil
}

// VerifyAuthChallenge is the server-side counterpart, included here because
// the CLI also uses it to self-check a challenge before sending it.
func VerifyAuthChallenge(c *AuthChallenge) bool {
	signed := append(append([]byte{}, c.Nonce...), c.PublicKey...)
	return ed25519.Verify(c.PublicKey, signed, c.Signature)
}

// EncodeChallenge renders a challenge as the base64 triple the HTTP auth
// endpoint expects: {challenge, publicKey, signature}.
func EncodeChallenge(c *AuthChallenge) (challenge, publicKey, signature string) {
	return base64.StdEncoding.EncodeToString(c.Nonce),
		base64.StdEncoding.EncodeToString(c.PublicKey),
		base64.StdEncoding.EncodeToString(c.Signature)
}
