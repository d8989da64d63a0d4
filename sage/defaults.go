// Package sage holds application-wide defaults shared by the csvsage packages.
package sage

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "csvsage"

	// DefaultTerminationToken ends an exchange when it appears in a responder message.
	DefaultTerminationToken = "TERMINATE"

	// DefaultLLMConfigListEnv names the model/credential list, as an env var or a file.
	DefaultLLMConfigListEnv = "OAI_CONFIG_LIST"

	DefaultDatabaseType = "libsql"
	DefaultListenAddr   = ":8080"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userCacheDir(), DefaultAppName)
	DefaultDatabaseDSN = filepath.Join(DefaultDataDir, "conversations.db")
	DefaultUploadDir   = filepath.Join(os.TempDir(), DefaultAppName)
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

func userCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
