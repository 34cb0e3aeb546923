// Package config provides configuration management for virtmanager:
// the daemon settings and the loader for VM configuration files.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for virtmanager.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/virtmanager
	// Linux: ~/.config/virtmanager (or XDG_CONFIG_HOME)
	ConfigDir string

	// RuntimeDir holds the daemon socket.
	// Linux: XDG_RUNTIME_DIR/virtmanager when set, else DataDir.
	RuntimeDir string

	// DataDir is the directory for daemon state.
	// All platforms: ~/.virtmanager
	DataDir string
}

// GetPaths returns platform-aware paths for virtmanager.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		DataDir: filepath.Join(home, ".virtmanager"),
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "virtmanager")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "virtmanager")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "virtmanager")
		}
	}

	p.RuntimeDir = p.DataDir
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		p.RuntimeDir = filepath.Join(xdgRuntime, "virtmanager")
	}

	return p, nil
}

// SocketPath returns the default daemon socket location.
func (p *Paths) SocketPath() string {
	return filepath.Join(p.RuntimeDir, "virtmanager.sock")
}

// EnsureDirectories creates the runtime and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.RuntimeDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0o755)
}
