package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// legacyKeyFile is a sidecar record written alongside credentials.json's
// legacy 32-byte secret, mirroring the shape of the teacher's sync
// keystore key file. It isn't needed to decrypt anything — Credentials.Secret
// already holds the live key — but it gives an operator a hash to compare
// against a second machine's credentials.json without printing the secret
// itself, and a timestamp for rotation bookkeeping.
type legacyKeyFile struct {
	KeyHash   string `yaml:"key_hash"`
	CreatedAt int64  `yaml:"created_at"`
}

func legacyKeyFilePath(homeDir string) string {
	return filepath.Join(homeDir, "legacy_key.yaml")
}

// GenerateLegacySecret creates a new 32-byte legacy secret and writes its
// sidecar record. The caller is responsible for persisting the secret
// itself into Credentials.Secret via SaveCredentials.
func GenerateLegacySecret(homeDir string) (secret []byte, err error) {
	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate legacy secret: %w", err)
	}
	if err := writeLegacyKeyFile(homeDir, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func writeLegacyKeyFile(homeDir string, secret []byte) error {
	hash := sha256.Sum256(secret)
	kf := legacyKeyFile{
		KeyHash:   hex.EncodeToString(hash[:]),
		CreatedAt: time.Now().UTC().Unix(),
	}
	data, err := yaml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("marshal legacy key file: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(legacyKeyFilePath(homeDir), data, 0o600)
}

// ProvisionLegacySecret generates a fresh legacy secret, writes
// credentials.json for it, and records the sidecar hash file used by
// VerifyLegacySecret. Used the first time a CLI pairs in legacy mode
// (no asymmetric data-key material exchanged yet).
func ProvisionLegacySecret(homeDir string) (Credentials, error) {
	secret, err := GenerateLegacySecret(homeDir)
	if err != nil {
		return Credentials{}, err
	}
	c := Credentials{Secret: base64.StdEncoding.EncodeToString(secret)}
	if err := SaveCredentials(homeDir, c); err != nil {
		return Credentials{}, fmt.Errorf("save credentials: %w", err)
	}
	return c, nil
}

// VerifyLegacySecret reports whether secret matches the hash recorded in
// the sidecar file, or (true, nil) if no sidecar exists yet — an older
// credentials.json predating this bookkeeping is not a mismatch.
func VerifyLegacySecret(homeDir string, secret []byte) (bool, error) {
	data, err := os.ReadFile(legacyKeyFilePath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read legacy key file: %w", err)
	}
	var kf legacyKeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return false, fmt.Errorf("parse legacy key file: %w", err)
	}
	hash := sha256.Sum256(secret)
	return hex.EncodeToString(hash[:]) == kf.KeyHash, nil
}
