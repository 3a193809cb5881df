package config

import (
	"encoding/base64"
	"testing"
)

func TestProvisionLegacySecretWritesVerifiableCredentials(t *testing.T) {
	dir := t.TempDir()

	creds, err := ProvisionLegacySecret(dir)
	if err != nil {
		t.Fatalf("ProvisionLegacySecret: %v", err)
	}
	secret, err := base64.StdEncoding.DecodeString(creds.Secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected 32-byte secret, got %d bytes", len(secret))
	}

	loaded, err := LoadCredentials(dir)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if loaded.Secret != creds.Secret {
		t.Fatalf("credentials.json secret mismatch")
	}

	ok, err := VerifyLegacySecret(dir, secret)
	if err != nil {
		t.Fatalf("VerifyLegacySecret: %v", err)
	}
	if !ok {
		t.Fatal("expected freshly provisioned secret to verify")
	}
}

func TestVerifyLegacySecretRejectsWrongSecret(t *testing.T) {
	dir := t.TempDir()
	if _, err := ProvisionLegacySecret(dir); err != nil {
		t.Fatalf("ProvisionLegacySecret: %v", err)
	}

	ok, err := VerifyLegacySecret(dir, make([]byte, 32))
	if err != nil {
		t.Fatalf("VerifyLegacySecret: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched secret to fail verification")
	}
}

func TestVerifyLegacySecretMissingSidecarIsNotAMismatch(t *testing.T) {
	dir := t.TempDir()
	ok, err := VerifyLegacySecret(dir, make([]byte, 32))
	if err != nil {
		t.Fatalf("VerifyLegacySecret: %v", err)
	}
	if !ok {
		t.Fatal("expected no sidecar file to verify as true")
	}
}
