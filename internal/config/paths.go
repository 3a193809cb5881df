package config

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeDir returns the Happy home directory (~/.happy), creating it if it
// doesn't already exist.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".happy")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ProjectSlug encodes an absolute project path the same way the child
// encodes its own per-project transcript directory: path separators and
// dots replaced by dashes.
func ProjectSlug(projectPath string) string {
	return strings.NewReplacer(string(filepath.Separator), "-", ".", "-").Replace(projectPath)
}
