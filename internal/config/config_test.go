package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveThenLoadSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Settings{OnboardingCompleted: true, MachineID: "machine-1"}

	if err := SaveSettings(dir, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got != (Settings{}) {
		t.Fatalf("expected zero-value defaults, got %+v", got)
	}
}

func TestLoadSettingsMalformedFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0644)

	got, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings should tolerate malformed file, got error: %v", err)
	}
	if got != (Settings{}) {
		t.Fatalf("expected zero-value defaults for malformed file, got %+v", got)
	}
}

func TestAcquireLockStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "settings.lock")
	os.WriteFile(lockPath, []byte{}, 0644)

	staleTime := time.Now().Add(-2 * lockStaleAfter)
	os.Chtimes(lockPath, staleTime, staleTime)

	release, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("acquireLock should reclaim a stale lock, got: %v", err)
	}
	release()
}

func TestSaveCredentialsUsesRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCredentials(dir, Credentials{Secret: "abc", Token: "tok"}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("got mode %v, want 0600", info.Mode().Perm())
	}
}
