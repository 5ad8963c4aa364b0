// Package config loads membankd configuration from membank.yaml, the
// environment, and command-line flags, in ascending precedence. A viper
// singleton backs the package so every subsystem reads the same view.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/timeparsing"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Call once at startup,
// before anything reads a config value.
//
// explicitPath, when non-empty (the --config flag), names the file to load
// and it is an error for it to be missing. Otherwise discovery tries, in
// order: ./membank.yaml, <user config dir>/membank/membank.yaml,
// /etc/membank/membank.yaml. Running with no file at all is fine; defaults
// and environment variables still apply.
//
// Environment variables use the MEMBANK_ prefix with dots and hyphens
// mapped to underscores, so MEMBANK_STORE_ROOT overrides store.root and
// MEMBANK_RATELIMIT_FAIL_CLOSED overrides ratelimit.fail-closed.
func Initialize(explicitPath string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		v.SetConfigFile(explicitPath)
		configFileSet = true
	}

	if !configFileSet {
		if cwd, err := os.Getwd(); err == nil {
			path := filepath.Join(cwd, "membank.yaml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			path := filepath.Join(configDir, "membank", "membank.yaml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		path := filepath.Join("/etc", "membank", "membank.yaml")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			configFileSet = true
		}
	}

	v.SetEnvPrefix("MEMBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("listen", d.Listen)
	v.SetDefault("base-path", d.BasePath)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.root", d.Store.Root)

	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("http.allowed-origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.allowed-hosts", d.HTTP.AllowedHosts)
	v.SetDefault("http.max-body-bytes", d.HTTP.MaxBodyBytes)

	v.SetDefault("session.ttl", time.Duration(d.Session.TTL))

	v.SetDefault("auth.cache-ttl", time.Duration(d.Auth.CacheTTL))

	v.SetDefault("ratelimit.user-per-window", d.RateLimit.UserPerWindow)
	v.SetDefault("ratelimit.ip-per-window", d.RateLimit.IPPerWindow)
	v.SetDefault("ratelimit.window", time.Duration(d.RateLimit.Window))
	v.SetDefault("ratelimit.fail-closed", d.RateLimit.FailClosed)

	v.SetDefault("events.retention", time.Duration(d.Events.Retention))

	v.SetDefault("compact.interval", time.Duration(d.Compact.Interval))

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
}

// ConfigFileUsed reports the file Initialize loaded, or "" when running on
// defaults and environment only.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetInt64 retrieves a 64-bit integer configuration value.
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// GetDuration retrieves a duration configuration value. String values may
// use the day/week shorthands ("7d", "2w") beside the Go forms.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	if d, err := timeparsing.ParseDuration(v.GetString(key)); err == nil {
		return d
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set overrides a configuration value. Used by the CLI to push explicitly
// set flag values over file and environment values.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// IsSet reports whether the key was set by any source beyond its default.
func IsSet(key string) bool {
	if v == nil {
		return false
	}
	return v.IsSet(key)
}

// AllSettings returns every configuration value as a nested map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// ResetForTesting discards the singleton so tests can re-Initialize with a
// clean slate.
func ResetForTesting() {
	v = nil
}
