package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/mdunnam/XMDToolBox4v2/toolbox"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Toolbox ToolboxConfig `mapstructure:"toolbox"`
}

// ToolboxConfig stores asset registry specific configurations.
type ToolboxConfig struct {
	AssetPaths []string       `mapstructure:"assetPaths"`
	CacheDir   string         `mapstructure:"cacheDir"`
	Database   DatabaseConfig `mapstructure:"database"`
	Remote     RemoteConfig   `mapstructure:"remote"`
	Scan       ScanConfig     `mapstructure:"scan"`
	AutoScan   bool           `mapstructure:"autoScan"`
	MaxRecent  int            `mapstructure:"maxRecent"`
}

// DatabaseConfig stores metadata store connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// RemoteConfig stores remote inventory connection details.
type RemoteConfig struct {
	Bucket          string        `mapstructure:"bucket"`
	KeyPrefix       string        `mapstructure:"keyPrefix"`
	CredentialsFile string        `mapstructure:"credentialsFile"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"maxRetries"`
}

// ScanConfig stores scanner and watcher tuning knobs.
type ScanConfig struct {
	MaxWorkers       int           `mapstructure:"maxWorkers"`
	DebounceDelay    time.Duration `mapstructure:"debounceDelay"`
	MaxDebounceDelay time.Duration `mapstructure:"maxDebounceDelay"`
	TombstoneTTL     time.Duration `mapstructure:"tombstoneTTL"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("toolbox.assetPaths", []string{})
	viper.SetDefault("toolbox.cacheDir", internal.DefaultCacheDir)
	viper.SetDefault("toolbox.database.dsn", internal.DefaultRegistryDBPath)
	viper.SetDefault("toolbox.database.type", internal.DefaultDatabaseType)
	viper.SetDefault("toolbox.remote.keyPrefix", internal.DefaultRemoteKeyPrefix)
	viper.SetDefault("toolbox.remote.timeout", 30*time.Second)
	viper.SetDefault("toolbox.remote.maxRetries", 5)
	viper.SetDefault("toolbox.scan.maxWorkers", 0) // 0 means derive from CPU count
	viper.SetDefault("toolbox.scan.debounceDelay", 250*time.Millisecond)
	viper.SetDefault("toolbox.scan.maxDebounceDelay", 2*time.Second)
	viper.SetDefault("toolbox.scan.tombstoneTTL", 14*24*time.Hour)
	viper.SetDefault("toolbox.autoScan", true)
	viper.SetDefault("toolbox.maxRecent", 10)

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. toolbox.remote.bucket becomes TOOLBOX_REMOTE_BUCKET

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
