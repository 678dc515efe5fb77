package toolbox

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	// DefaultConfigPath is the default path to the config file
	DefaultAppName         = "xmdtoolbox"
	DefaultAppCMDShortCut  = "toolbox"
	DefaultConfigPath      = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultCacheDir        = filepath.Join(DefaultConfigPath, ".cache")
	DefaultRegistryDBPath  = filepath.Join(DefaultConfigPath, "registry.db")
	DefaultIgnoreFile      = "." + DefaultAppName + "ignore"
	DefaultFavoriteSet     = "default"
	DefaultRemoteKeyPrefix = "assets/"

	// Default Database settings
	DefaultDatabaseDSN  = "file::memory:?cache=shared"
	DefaultDatabaseType = "libsql"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			// Last resort - use tmp directory
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
