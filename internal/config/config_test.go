package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestMain isolates tests from any membank.yaml on the machine. Discovery
// walks the CWD and the user config dir, so both are pointed at a temp dir.
func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "membank-config-tests-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	oldWD, _ := os.Getwd()
	_ = os.Chdir(tmp)
	_ = os.Setenv("HOME", tmp)
	_ = os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg-config"))
	ResetForTesting()

	code := m.Run()

	ResetForTesting()
	_ = os.Chdir(oldWD)
	_ = os.RemoveAll(tmp)
	os.Exit(code)
}

func TestInitializeWithoutFile(t *testing.T) {
	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := ConfigFileUsed(); got != "" {
		t.Errorf("ConfigFileUsed() = %q, want empty", got)
	}
}

func TestDefaults(t *testing.T) {
	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	tests := []struct {
		key  string
		want interface{}
		get  func(string) interface{}
	}{
		{"listen", "127.0.0.1:8085", func(k string) interface{} { return GetString(k) }},
		{"base-path", "", func(k string) interface{} { return GetString(k) }},
		{"store.backend", "file", func(k string) interface{} { return GetString(k) }},
		{"store.root", ".membank", func(k string) interface{} { return GetString(k) }},
		{"database.url", "", func(k string) interface{} { return GetString(k) }},
		{"redis.addr", "", func(k string) interface{} { return GetString(k) }},
		{"http.max-body-bytes", int64(10 << 20), func(k string) interface{} { return GetInt64(k) }},
		{"session.ttl", 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{"auth.cache-ttl", time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"ratelimit.user-per-window", 120, func(k string) interface{} { return GetInt(k) }},
		{"ratelimit.ip-per-window", 600, func(k string) interface{} { return GetInt(k) }},
		{"ratelimit.window", time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"ratelimit.fail-closed", false, func(k string) interface{} { return GetBool(k) }},
		{"events.retention", 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{"compact.interval", time.Duration(0), func(k string) interface{} { return GetDuration(k) }},
		{"log.level", "info", func(k string) interface{} { return GetString(k) }},
		{"log.file", "", func(k string) interface{} { return GetString(k) }},
		{"telemetry.enabled", false, func(k string) interface{} { return GetBool(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.get(tt.key); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
			}
		})
	}

	if got := GetStringSlice("http.allowed-origins"); len(got) != 1 || got[0] != "*" {
		t.Errorf("http.allowed-origins = %v, want [*]", got)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("MEMBANK_LISTEN", "0.0.0.0:9000")
	t.Setenv("MEMBANK_STORE_BACKEND", "postgres")
	t.Setenv("MEMBANK_DATABASE_URL", "postgres://mb@localhost/membank")
	t.Setenv("MEMBANK_SESSION_TTL", "12h")
	t.Setenv("MEMBANK_RATELIMIT_FAIL_CLOSED", "true")
	t.Setenv("MEMBANK_HTTP_ALLOWED_ORIGINS", "https://a.example https://b.example")

	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if got := GetString("listen"); got != "0.0.0.0:9000" {
		t.Errorf("listen = %q, want 0.0.0.0:9000", got)
	}
	if got := GetString("store.backend"); got != "postgres" {
		t.Errorf("store.backend = %q, want postgres", got)
	}
	if got := GetDuration("session.ttl"); got != 12*time.Hour {
		t.Errorf("session.ttl = %v, want 12h", got)
	}
	if !GetBool("ratelimit.fail-closed") {
		t.Error("ratelimit.fail-closed = false, want true")
	}
	origins := GetStringSlice("http.allowed-origins")
	if len(origins) != 2 || origins[0] != "https://a.example" {
		t.Errorf("http.allowed-origins = %v, want two entries", origins)
	}
}

func TestDurationDayForms(t *testing.T) {
	t.Setenv("MEMBANK_EVENTS_RETENTION", "7d")
	t.Setenv("MEMBANK_SESSION_TTL", "2w")

	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	if got := GetDuration("events.retention"); got != 7*24*time.Hour {
		t.Errorf("events.retention = %v, want 168h", got)
	}
	if got := GetDuration("session.ttl"); got != 14*24*time.Hour {
		t.Errorf("session.ttl = %v, want 336h", got)
	}
}

func TestExplicitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membank.yaml")
	body := []byte("listen: 127.0.0.1:7777\nstore:\n  root: /var/lib/membank\nsession:\n  ttl: 90m\nratelimit:\n  user-per-window: 30\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	ResetForTesting()
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize(%q) error: %v", path, err)
	}

	if got := ConfigFileUsed(); got != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", got, path)
	}
	if got := GetString("listen"); got != "127.0.0.1:7777" {
		t.Errorf("listen = %q, want file value", got)
	}
	if got := GetString("store.root"); got != "/var/lib/membank" {
		t.Errorf("store.root = %q, want file value", got)
	}
	if got := GetDuration("session.ttl"); got != 90*time.Minute {
		t.Errorf("session.ttl = %v, want 90m", got)
	}
	if got := GetInt("ratelimit.user-per-window"); got != 30 {
		t.Errorf("ratelimit.user-per-window = %d, want 30", got)
	}
	// Keys the file does not mention keep their defaults.
	if got := GetString("store.backend"); got != "file" {
		t.Errorf("store.backend = %q, want default", got)
	}
}

func TestExplicitConfigFileMissing(t *testing.T) {
	ResetForTesting()
	err := Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Initialize() with a missing explicit file should fail")
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membank.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:7777\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("MEMBANK_LISTEN", "10.0.0.1:8000")

	ResetForTesting()
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := GetString("listen"); got != "10.0.0.1:8000" {
		t.Errorf("listen = %q, want env value over file", got)
	}
}

func TestSetBeatsEverything(t *testing.T) {
	t.Setenv("MEMBANK_LOG_LEVEL", "warn")

	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	Set("log.level", "debug")
	if got := GetString("log.level"); got != "debug" {
		t.Errorf("log.level = %q, want flag value over env", got)
	}
}

func TestDiscoveryFindsCwdFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membank.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:6543\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	oldWD, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(oldWD) }()

	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := GetString("listen"); got != "127.0.0.1:6543" {
		t.Errorf("listen = %q, want discovered file value", got)
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	if err := valid.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty listen", func(s *Settings) { s.Listen = "" }},
		{"unknown backend", func(s *Settings) { s.Store.Backend = "dynamo" }},
		{"file backend without root", func(s *Settings) { s.Store.Root = "" }},
		{"postgres without url", func(s *Settings) { s.Store.Backend = BackendPostgres }},
		{"bad log level", func(s *Settings) { s.Log.Level = "loud" }},
		{"zero session ttl", func(s *Settings) { s.Session.TTL = 0 }},
		{"zero ratelimit window", func(s *Settings) { s.RateLimit.Window = 0 }},
		{"zero events retention", func(s *Settings) { s.Events.Retention = 0 }},
		{"negative compact interval", func(s *Settings) { s.Compact.Interval = Duration(-time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestCurrentMatchesDefaults(t *testing.T) {
	ResetForTesting()
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	got := Current()
	want := Defaults()
	if got.Listen != want.Listen || got.Store != want.Store || got.Session != want.Session ||
		got.Auth != want.Auth || got.RateLimit != want.RateLimit || got.Log != want.Log {
		t.Errorf("Current() = %+v, want defaults %+v", got, want)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Current().Validate() error: %v", err)
	}
}

func TestSampleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSample(&buf); err != nil {
		t.Fatalf("WriteSample() error: %v", err)
	}

	var parsed Settings
	if err := yaml.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshalling sample: %v", err)
	}
	if !reflect.DeepEqual(parsed, Defaults()) {
		t.Errorf("sample round trip = %+v, want %+v", parsed, Defaults())
	}

	// The sample must also load through Initialize.
	path := filepath.Join(t.TempDir(), "membank.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing sample: %v", err)
	}
	ResetForTesting()
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize(sample) error: %v", err)
	}
	if got := GetDuration("session.ttl"); got != 24*time.Hour {
		t.Errorf("session.ttl from sample = %v, want 24h", got)
	}
	if got := GetString("store.backend"); got != BackendFile {
		t.Errorf("store.backend from sample = %q, want file", got)
	}
}
