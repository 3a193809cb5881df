package crypto

import "errors"

// ErrSecretLength is returned when a legacy secret is not exactly 32 bytes.
var ErrSecretLength = errors.New("legacy secret must be 32 bytes")

// LegacyCodec implements the "legacy" variant: a single 32-byte symmetric
// secret shared out-of-band between CLI and mobile. Every payload is
// encrypted independently with XChaCha20-Poly1305 under that secret.
type LegacyCodec struct {
	secret [32]byte
}

// NewLegacyCodec wraps a pre-shared 32-byte secret.
func NewLegacyCodec(secret []byte) (*LegacyCodec, error) {
	if len(secret) != 32 {
		return nil, ErrSecretLength
	}
	c := &LegacyCodec{}
	copy(c.secret[:], secret)
	return c, nil
}

func (c *LegacyCodec) Encrypt(plaintext []byte) ([]byte, error) {
	return sealXChaCha(c.secret[:], plaintext)
}

func (c *LegacyCodec) Decrypt(payload []byte) ([]byte, error) {
	return openXChaCha(c.secret[:], payload)
}
