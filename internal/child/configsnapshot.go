package child

import (
	"log/slog"
	"os"
	"path/filepath"
)

// configSnapshotPaths lists the child's on-disk settings files, relative
// to $HOME, that a remote-mode batch must not be allowed to leak changes
// to across turns. Grounded on the corpus's egg.ConfigSnapshot, which
// guards the same class of file for the same reason (a tool call
// editing global agent config mid-session).
var configSnapshotPaths = []string{".claude/settings.json"}

// ConfigSnapshot holds copies of the child's config files taken before a
// remote-mode batch, so Restore can undo any edit the child made to its
// own global settings during that batch. A local-mode turn that starts
// right after must see the same config it would have without the
// intervening remote batch.
type ConfigSnapshot struct {
	logger *slog.Logger
	files  map[string][]byte // absolute path -> original content (nil = didn't exist)
}

// TakeConfigSnapshot reads the child's config files and records their
// current contents. A nil return means $HOME couldn't be resolved; callers
// treat that as "nothing to restore" rather than an error.
func TakeConfigSnapshot(logger *slog.Logger) *ConfigSnapshot {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	snap := &ConfigSnapshot{logger: logger, files: make(map[string][]byte)}
	for _, rel := range configSnapshotPaths {
		abs := filepath.Join(home, rel)
		data, err := os.ReadFile(abs)
		if err != nil {
			snap.files[abs] = nil
		} else {
			snap.files[abs] = data
		}
	}
	return snap
}

// Restore reverts every tracked config file to its pre-batch state,
// removing files the child created and weren't there before.
func (s *ConfigSnapshot) Restore() {
	if s == nil {
		return
	}
	for path, data := range s.files {
		if data == nil {
			if _, err := os.Stat(path); err == nil {
				s.logger.Debug("child driver: removing agent-created config", "path", path)
				os.Remove(path)
			}
			continue
		}
		current, err := os.ReadFile(path)
		if err == nil && string(current) == string(data) {
			continue
		}
		s.logger.Debug("child driver: restoring config snapshot", "path", path)
		os.MkdirAll(filepath.Dir(path), 0o700)
		os.WriteFile(path, data, 0o600)
	}
}
