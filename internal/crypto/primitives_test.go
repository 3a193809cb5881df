package crypto

import (
	"bytes"
	"testing"
)

func TestLegacyCodecRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	codec, err := NewLegacyCodec(secret)
	if err != nil {
		t.Fatalf("NewLegacyCodec: %v", err)
	}

	plaintext := []byte(`{"hello":"world"}`)
	ciphertext, err := codec.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := codec.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestLegacyCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewLegacyCodec([]byte("too-short")); err != ErrSecretLength {
		t.Fatalf("expected ErrSecretLength, got %v", err)
	}
}

func TestLegacyCodecTamperedCiphertextFailsOpen(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)
	codec, _ := NewLegacyCodec(secret)
	ciphertext, _ := codec.Encrypt([]byte("secret message"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	plaintext, err := codec.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt should not error on auth failure, got %v", err)
	}
	if plaintext != nil {
		t.Fatal("tampered ciphertext must decrypt to nil, not partial plaintext")
	}
}

func TestDataKeyCodecRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	pair, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeyPairFromSeed: %v", err)
	}
	codec := NewDataKeyCodec(pair)

	plaintext := []byte("agent-state payload")
	payload, err := codec.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if payload[0] != dataKeyVersion {
		t.Fatalf("expected version prefix %d, got %d", dataKeyVersion, payload[0])
	}

	got, err := codec.Decrypt(payload)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDataKeyCodecEachEncryptUsesFreshWrap(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, 32)
	pair, _ := KeyPairFromSeed(seed)
	codec := NewDataKeyCodec(pair)

	a, _ := codec.Encrypt([]byte("same plaintext"))
	b, _ := codec.Encrypt([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of identical plaintext must not produce identical payloads")
	}
}

func TestDataKeyCodecMalformedPayload(t *testing.T) {
	seed := bytes.Repeat([]byte{0x0A}, 32)
	pair, _ := KeyPairFromSeed(seed)
	codec := NewDataKeyCodec(pair)

	if _, err := codec.Decrypt([]byte{0x99, 0x00}); err != ErrMalformedPayload {
		t.Fatalf("expected ErrMalformedPayload for bad version, got %v", err)
	}
}

func TestKeyPairFromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)
	a, _ := KeyPairFromSeed(seed)
	b, _ := KeyPairFromSeed(seed)
	if !bytes.Equal(a.Public.Bytes(), b.Public.Bytes()) {
		t.Fatal("KeyPairFromSeed must be deterministic for a given seed")
	}
}

func TestAuthChallengeRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0x22}, 32)
	pub, priv, err := SigningKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("SigningKeyFromSeed: %v", err)
	}
	challenge, err := BuildAuthChallenge(pub, priv)
	if err != nil {
		t.Fatalf("BuildAuthChallenge: %v", err)
	}
	if !VerifyAuthChallenge(challenge) {
		t.Fatal("challenge should verify against its own signature")
	}

	challenge.Nonce[0] ^= 0xFF
	if VerifyAuthChallenge(challenge) {
		t.Fatal("tampered nonce must fail verification")
	}
}
