// Package config holds the viper configuration singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called once
// at application startup.
//
// Precedence: environment variables (BURND_*) > config file > defaults. The
// config file is burnd.yaml, looked up in the current directory and then in
// the user config directory (~/.config/burnd/burnd.yaml).
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		configPath := filepath.Join(cwd, "burnd.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			configFileSet = true
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "burnd", "burnd.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// BURND_FETCH_URL_BASE maps to "fetch-url-base" and so on.
	v.SetEnvPrefix("BURND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", "burnd.db")
	v.SetDefault("db-backend", "sqlite")
	v.SetDefault("listen", "127.0.0.1:8722")
	v.SetDefault("fetch-url-base", "")
	v.SetDefault("burner-dir", "")
	v.SetDefault("template-dir", "")
	v.SetDefault("apply-script", "apply-one-patch.sh")
	v.SetDefault("git-user-name", "Patchburner Bot")
	v.SetDefault("git-user-email", "burnd@localhost")
	v.SetDefault("poll-interval", "10s")
	v.SetDefault("log-file", "")
	v.SetDefault("request-timeout", "30s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetString returns a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, e.g. from a cobra flag.
func Set(key string, value interface{}) {
	if v == nil {
		_ = Initialize()
	}
	v.Set(key, value)
}

// AllSettings returns the full effective configuration.
func AllSettings() map[string]interface{} {
	if v == nil {
		return nil
	}
	return v.AllSettings()
}
