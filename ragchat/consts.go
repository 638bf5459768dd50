package ragchat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "ragchat"
	DefaultDatabaseType = "libsql"
	DefaultGreeting     = "How can I assist you with campus resources today?"
)

var (
	DefaultConfigPath   = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultCacheDir     = filepath.Join(userCacheDir(), DefaultAppName)
	DefaultDatabaseDir  = filepath.Join(DefaultCacheDir, "db")
	DefaultDatabasePath = filepath.Join(DefaultDatabaseDir, "conversations.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return "."
}
