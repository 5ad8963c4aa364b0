package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/timeparsing"
)

// Storage backend selectors for store.backend.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Duration wraps time.Duration so YAML carries the human form ("24h",
// "7d") instead of a nanosecond count.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return timeparsing.FormatDuration(time.Duration(d)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := timeparsing.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is a typed snapshot of the full configuration surface.
type Settings struct {
	// Listen is the address the HTTP server binds, host:port.
	Listen string `yaml:"listen"`
	// BasePath mounts the API under a prefix, e.g. "/membank". Empty
	// serves from the root.
	BasePath string `yaml:"base-path,omitempty"`

	Store     StoreSettings     `yaml:"store"`
	Database  DatabaseSettings  `yaml:"database"`
	Redis     RedisSettings     `yaml:"redis"`
	HTTP      HTTPSettings      `yaml:"http"`
	Session   SessionSettings   `yaml:"session"`
	Auth      AuthSettings      `yaml:"auth"`
	RateLimit RateLimitSettings `yaml:"ratelimit"`
	Events    EventsSettings    `yaml:"events"`
	Compact   CompactSettings   `yaml:"compact"`
	Log       LogSettings       `yaml:"log"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// StoreSettings selects and roots the graph storage backend.
type StoreSettings struct {
	// Backend is "file" or "postgres".
	Backend string `yaml:"backend"`
	// Root holds per-tenant store directories for the file backend.
	Root string `yaml:"root"`
}

// DatabaseSettings configures the postgres backend and the key store.
type DatabaseSettings struct {
	URL string `yaml:"url,omitempty"`
}

// RedisSettings configures the rate-limit counter store. An empty Addr
// disables rate limiting entirely.
type RedisSettings struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// HTTPSettings holds transport-level guards.
type HTTPSettings struct {
	AllowedOrigins []string `yaml:"allowed-origins,omitempty"`
	AllowedHosts   []string `yaml:"allowed-hosts,omitempty"`
	MaxBodyBytes   int64    `yaml:"max-body-bytes"`
}

// SessionSettings controls session lifecycle.
type SessionSettings struct {
	TTL Duration `yaml:"ttl"`
}

// AuthSettings controls the credential cache.
type AuthSettings struct {
	CacheTTL Duration `yaml:"cache-ttl"`
}

// RateLimitSettings sets the default per-user and per-IP request budgets.
// A per-key limit from the key store overrides UserPerWindow.
type RateLimitSettings struct {
	UserPerWindow int      `yaml:"user-per-window"`
	IPPerWindow   int      `yaml:"ip-per-window"`
	Window        Duration `yaml:"window"`
	// FailClosed rejects requests when the counter store is unreachable
	// instead of letting them through.
	FailClosed bool `yaml:"fail-closed"`
}

// EventsSettings controls the notification event store.
type EventsSettings struct {
	// Retention bounds how far back Last-Event-ID replay can reach.
	Retention Duration `yaml:"retention"`
}

// CompactSettings controls background log compaction. A zero interval
// disables the background pass; `membankd compact` still works.
type CompactSettings struct {
	Interval Duration `yaml:"interval"`
}

// LogSettings controls the slog output.
type LogSettings struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// File, when set, routes logs to a size-rotated file instead of stderr.
	File string `yaml:"file,omitempty"`
}

// TelemetrySettings gates OpenTelemetry export.
type TelemetrySettings struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns the configuration used when no file, environment
// variable, or flag says otherwise.
func Defaults() Settings {
	return Settings{
		Listen:   "127.0.0.1:8085",
		BasePath: "",
		Store: StoreSettings{
			Backend: BackendFile,
			Root:    ".membank",
		},
		Database: DatabaseSettings{URL: ""},
		Redis:    RedisSettings{Addr: "", Password: "", DB: 0},
		HTTP: HTTPSettings{
			AllowedOrigins: []string{"*"},
			AllowedHosts:   nil,
			MaxBodyBytes:   10 << 20,
		},
		Session:   SessionSettings{TTL: Duration(24 * time.Hour)},
		Auth:      AuthSettings{CacheTTL: Duration(time.Minute)},
		RateLimit: RateLimitSettings{UserPerWindow: 120, IPPerWindow: 600, Window: Duration(time.Minute), FailClosed: false},
		Events:    EventsSettings{Retention: Duration(24 * time.Hour)},
		Compact:   CompactSettings{Interval: 0},
		Log:       LogSettings{Level: "info", File: ""},
		Telemetry: TelemetrySettings{Enabled: false},
	}
}

// Current builds a Settings snapshot from the initialized singleton.
func Current() Settings {
	return Settings{
		Listen:   GetString("listen"),
		BasePath: GetString("base-path"),
		Store: StoreSettings{
			Backend: GetString("store.backend"),
			Root:    GetString("store.root"),
		},
		Database: DatabaseSettings{URL: GetString("database.url")},
		Redis: RedisSettings{
			Addr:     GetString("redis.addr"),
			Password: GetString("redis.password"),
			DB:       GetInt("redis.db"),
		},
		HTTP: HTTPSettings{
			AllowedOrigins: GetStringSlice("http.allowed-origins"),
			AllowedHosts:   GetStringSlice("http.allowed-hosts"),
			MaxBodyBytes:   GetInt64("http.max-body-bytes"),
		},
		Session: SessionSettings{TTL: Duration(GetDuration("session.ttl"))},
		Auth:    AuthSettings{CacheTTL: Duration(GetDuration("auth.cache-ttl"))},
		RateLimit: RateLimitSettings{
			UserPerWindow: GetInt("ratelimit.user-per-window"),
			IPPerWindow:   GetInt("ratelimit.ip-per-window"),
			Window:        Duration(GetDuration("ratelimit.window")),
			FailClosed:    GetBool("ratelimit.fail-closed"),
		},
		Events:  EventsSettings{Retention: Duration(GetDuration("events.retention"))},
		Compact: CompactSettings{Interval: Duration(GetDuration("compact.interval"))},
		Log: LogSettings{
			Level: GetString("log.level"),
			File:  GetString("log.file"),
		},
		Telemetry: TelemetrySettings{Enabled: GetBool("telemetry.enabled")},
	}
}

// Validate rejects settings the daemon cannot start with.
func (s Settings) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch s.Store.Backend {
	case BackendFile:
		if s.Store.Root == "" {
			return fmt.Errorf("store.root is required for the file backend")
		}
	case BackendPostgres:
		if s.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q (want %q or %q)", s.Store.Backend, BackendFile, BackendPostgres)
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q (want debug, info, warn, or error)", s.Log.Level)
	}
	if s.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if s.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if s.Events.Retention <= 0 {
		return fmt.Errorf("events.retention must be positive")
	}
	if s.Compact.Interval < 0 {
		return fmt.Errorf("compact.interval must not be negative")
	}
	return nil
}

// WriteSample writes a complete membank.yaml populated with defaults.
func WriteSample(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "# membankd configuration. Environment variables with the MEMBANK_ prefix"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "# override these values, e.g. MEMBANK_STORE_ROOT or MEMBANK_LOG_LEVEL."); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Defaults()); err != nil {
		return fmt.Errorf("encoding sample config: %w", err)
	}
	return enc.Close()
}
