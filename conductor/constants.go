// Package conductor holds process-wide defaults shared by the conductor packages.
package conductor

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName   = "conductor"
	DefaultEnvPrefix = "CONDUCTOR"

	DefaultStoreBackend = "memory"
	DefaultNATSBucket   = "conductor"
	DefaultRedisPrefix  = "conductor"
)

var (
	DefaultConfigPath   = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir      = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabasePath = filepath.Join(DefaultDataDir, "conductor.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
