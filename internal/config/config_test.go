package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory with no callctl env vars, so
// neither a stray .env file nor the caller's environment leaks in.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.SIPOptions != "sip listen=udp$0.0.0.0:5060" {
		t.Errorf("SIPOptions = %q", cfg.SIPOptions)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.AutoAnswer {
		t.Error("AutoAnswer = true, want false")
	}
	if cfg.CDRRetention != 720*time.Hour {
		t.Errorf("CDRRetention = %s, want 720h", cfg.CDRRetention)
	}
	if cfg.RateLimit != 20 || cfg.RateBurst != 40 {
		t.Errorf("rate = %v/%d, want 20/40", cfg.RateLimit, cfg.RateBurst)
	}
}

func TestEnvVarOverride(t *testing.T) {
	isolate(t)
	t.Setenv("CALLCTL_HTTP_PORT", "9090")
	t.Setenv("CALLCTL_DATA_DIR", "/tmp/callctl-test")
	t.Setenv("CALLCTL_LOG_LEVEL", "DEBUG")
	t.Setenv("CALLCTL_AUTO_ANSWER", "true")
	t.Setenv("CALLCTL_CDR_RETENTION", "24h")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callctl-test" {
		t.Errorf("DataDir = %q, want /tmp/callctl-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.AutoAnswer {
		t.Error("AutoAnswer = false, want true")
	}
	if cfg.CDRRetention != 24*time.Hour {
		t.Errorf("CDRRetention = %s, want 24h", cfg.CDRRetention)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	isolate(t)
	t.Setenv("CALLCTL_HTTP_PORT", "9090")
	t.Setenv("CALLCTL_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "callctl.env")
	if err := os.WriteFile(path, []byte("CALLCTL_HTTP_PORT=7070\nCALLCTL_LOG_FORMAT=json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envFileVar, path)
	t.Setenv("CALLCTL_LOG_FORMAT", "text") // the environment wins over the file
	// Registered so the value loaded from the file is undone afterwards.
	t.Setenv("CALLCTL_HTTP_PORT", "")
	os.Unsetenv("CALLCTL_HTTP_PORT")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070 from env file", cfg.HTTPPort)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
}

func TestMissingExplicitEnvFile(t *testing.T) {
	isolate(t)
	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "nope.env"))

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"invalid log format", []string{"--log-format", "xml"}},
		{"bad sip options", []string{"--sip-options", "sip bogus=1"}},
		{"short jwt secret", []string{"--jwt-secret", "abcd"}},
		{"non-hex jwt secret", []string{"--jwt-secret", strings.Repeat("zz", 32)}},
		{"negative rate", []string{"--rate-limit", "-1"}},
		{"zero burst", []string{"--rate-burst", "0"}},
		{"negative retention", []string{"--cdr-retention", "-1h"}},
		{"unknown flag", []string{"--sip-port", "5060"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			if _, err := Load(tt.args); err == nil {
				t.Fatalf("Load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	if key, err := cfg.JWTSecretBytes(); key != nil || err != nil {
		t.Errorf("empty secret = %v, %v; want nil, nil", key, err)
	}

	cfg.JWTSecret = strings.Repeat("ab", 32)
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes: %v", err)
	}
	if len(key) != 32 || key[0] != 0xab {
		t.Errorf("key = %x", key)
	}
}

func TestLogWriter(t *testing.T) {
	cfg := &Config{}
	if w, c := cfg.LogWriter(); w != os.Stderr || c != nil {
		t.Error("no log file should write to stderr")
	}

	cfg.LogFile = filepath.Join(t.TempDir(), "callctl.log")
	w, c := cfg.LogWriter()
	if c == nil {
		t.Fatal("log file writer has no closer")
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.Close()

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil || string(data) != "hello\n" {
		t.Errorf("log file = %q, %v", data, err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
