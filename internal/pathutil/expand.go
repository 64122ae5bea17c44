package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VARS and a leading "~" in a configured path.
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}

	rest, ok := cutHome(p)
	if !ok {
		return filepath.Clean(p), nil
	}

	home, err := homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, rest), nil
}

// EnsureDir expands path and creates it with its parents.
func EnsureDir(path string) (string, error) {
	dir, err := Expand(path)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("directory path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}
	return dir, nil
}

func cutHome(p string) (string, bool) {
	if p == "~" {
		return "", true
	}
	return strings.CutPrefix(p, "~/")
}

func usable(home string) bool {
	home = strings.TrimSpace(home)
	if home == "" {
		return false
	}
	_, tilde := cutHome(home)
	return !tilde
}

func homeDir() (string, error) {
	if home, err := os.UserHomeDir(); err == nil && usable(home) {
		return strings.TrimSpace(home), nil
	}
	if u, err := user.Current(); err == nil && usable(u.HomeDir) {
		return strings.TrimSpace(u.HomeDir), nil
	}
	return "", fmt.Errorf("HOME is not set or not resolved: %q", os.Getenv("HOME"))
}
