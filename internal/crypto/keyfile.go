package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const masterSeedFileName = "master_seed"

// EnsureMasterSeed loads or generates the 32-byte master secret that both
// KeyPairFromSeed and SigningKeyFromSeed derive from. Mirrors the teacher's
// EnsureKeyPair: generate-on-first-use, persist base64-encoded, mode 0600.
func EnsureMasterSeed(dir string) ([]byte, error) {
	path := filepath.Join(dir, masterSeedFileName)

	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		seed, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode master seed: %w", err)
		}
		return seed, nil
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate master seed: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write master seed: %w", err)
	}
	return seed, nil
}
