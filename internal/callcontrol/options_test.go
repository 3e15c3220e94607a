package callcontrol

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions("")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if len(opts.Protocols) != 1 || opts.Protocols[0] != "sip" {
		t.Errorf("Protocols = %v, want [sip]", opts.Protocols)
	}
	if len(opts.Listen) != 1 || opts.Listen[0].String() != "udp$0.0.0.0:5060" {
		t.Errorf("Listen = %v, want [udp$0.0.0.0:5060]", opts.Listen)
	}
	if opts.QueueSize != DefaultQueueSize {
		t.Errorf("QueueSize = %d, want %d", opts.QueueSize, DefaultQueueSize)
	}
	if opts.AnswerTimeout != DefaultAnswerTimeout {
		t.Errorf("AnswerTimeout = %v, want %v", opts.AnswerTimeout, DefaultAnswerTimeout)
	}
	if opts.Trace {
		t.Error("Trace enabled by default")
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("SIP listen=udp$127.0.0.1:5070 Listen=tcp$[::1]:5071 trace=4 " +
		"tracefile=/tmp/cc.log useragent=acme queue=16 username=alice password=s3cret " +
		"proxy=sip:proxy.example.com answertimeout=15s registrar=sip:pbx.example.com registerttl=10m")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}

	if len(opts.Listen) != 2 {
		t.Fatalf("Listen = %v, want 2 entries", opts.Listen)
	}
	if got := opts.Listen[0]; got.Transport != "udp" || got.Host != "127.0.0.1" || got.Port != 5070 {
		t.Errorf("Listen[0] = %+v", got)
	}
	if got := opts.Listen[1]; got.Transport != "tcp" || got.Host != "::1" || got.Addr() != "[::1]:5071" {
		t.Errorf("Listen[1] = %+v", got)
	}
	if !opts.Trace || opts.TraceLevel != slog.LevelDebug {
		t.Errorf("Trace = %v/%v, want debug", opts.Trace, opts.TraceLevel)
	}
	if opts.TraceFile != "/tmp/cc.log" || opts.UserAgent != "acme" || opts.QueueSize != 16 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Username != "alice" || opts.Password != "s3cret" || opts.Proxy != "sip:proxy.example.com" {
		t.Errorf("credentials/proxy = %q %q %q", opts.Username, opts.Password, opts.Proxy)
	}
	if opts.AnswerTimeout != 15*time.Second {
		t.Errorf("AnswerTimeout = %v, want 15s", opts.AnswerTimeout)
	}
	if opts.Registrar != "sip:pbx.example.com" || opts.RegisterTTL != 10*time.Minute {
		t.Errorf("registrar = %q/%v", opts.Registrar, opts.RegisterTTL)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown protocol", "h323"},
		{"unknown option", "colour=blue"},
		{"empty value", "useragent="},
		{"duplicate", "queue=4 queue=8"},
		{"queue zero", "queue=0"},
		{"queue too large", "queue=2000000"},
		{"queue not a number", "queue=lots"},
		{"listen without transport", "listen=0.0.0.0:5060"},
		{"listen bad transport", "listen=sctp$0.0.0.0:5060"},
		{"listen bad port", "listen=udp$0.0.0.0:99999"},
		{"listen no port", "listen=udp$0.0.0.0"},
		{"trace out of range", "trace=9"},
		{"trace bad name", "trace=loud"},
		{"proxy not sip", "proxy=http://x"},
		{"answertimeout negative", "answertimeout=-1s"},
		{"registerttl too short", "registerttl=500ms"},
		{"registerttl not a duration", "registerttl=soon"},
		{"valid then invalid", "sip queue=4 bogus=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOptions(tt.in); !errors.Is(err, ErrConfig) {
				t.Errorf("ParseOptions(%q) error = %v, want ErrConfig", tt.in, err)
			}
		})
	}
}

func TestParseTraceLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"0", slog.LevelError},
		{"1", slog.LevelError},
		{"2", slog.LevelWarn},
		{"3", slog.LevelInfo},
		{"6", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"debug", slog.LevelDebug},
	}
	for _, tt := range tests {
		got, err := parseTraceLevel(tt.in)
		if err != nil {
			t.Errorf("parseTraceLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTraceLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTraceFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	opts, err := ParseOptions("trace=debug tracefile=" + path)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}

	logger, closer := traceLogger(testLogger(), opts)
	if closer == nil {
		t.Fatal("no closer for trace file")
	}
	defer closer.Close()

	if !logger.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("trace file logger does not enable debug")
	}
	logger.Debug("hello")
}

func TestTraceLevelRaisesBase(t *testing.T) {
	base := slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts, _ := ParseOptions("trace=2")

	logger, closer := traceLogger(base, opts)
	if closer != nil {
		t.Error("unexpected closer without trace file")
	}
	if logger.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info enabled at trace=2")
	}
	if !logger.Enabled(t.Context(), slog.LevelWarn) {
		t.Error("warn disabled at trace=2")
	}
}
