package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the directory holding config.toml.
//
//   - $IMBROKER_CONFIG_DIR when set
//   - $XDG_CONFIG_HOME/imbroker (or the platform equivalent)
//   - ~/.imbroker as a last resort
func ConfigDir() string {
	if dir := os.Getenv("IMBROKER_CONFIG_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "imbroker")
	}
	return fallbackDir()
}

// StateDir returns the directory for logs and crash reports:
// $XDG_STATE_HOME/imbroker, defaulting to ~/.local/state/imbroker.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "imbroker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallbackDir()
	}
	return filepath.Join(home, ".local", "state", "imbroker")
}

func fallbackDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imbroker")
}
