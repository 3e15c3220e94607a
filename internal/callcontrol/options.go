package callcontrol

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultQueueSize     = 1024
	MaxQueueSize         = 1 << 20
	DefaultAnswerTimeout = 60 * time.Second
	DefaultRegisterTTL   = 300 * time.Second
	DefaultUserAgent     = "callctl"
)

// Listen is one transport the endpoint binds.
type Listen struct {
	Transport string // "udp" or "tcp"
	Host      string
	Port      int
}

// Addr returns host:port.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Listen) String() string {
	return l.Transport + "$" + l.Addr()
}

// Options is the parsed form of the Initialise options string.
type Options struct {
	Protocols     []string
	Listen        []Listen
	Trace         bool
	TraceLevel    slog.Level
	TraceFile     string
	UserAgent     string
	QueueSize     int
	Username      string
	Password      string
	Proxy         string
	AnswerTimeout time.Duration
	Registrar     string // registered with at Initialise when set
	RegisterTTL   time.Duration
}

// DefaultOptions returns the options used for an empty options string.
func DefaultOptions() Options {
	return Options{
		Protocols:     []string{"sip"},
		Listen:        []Listen{{Transport: "udp", Host: "0.0.0.0", Port: 5060}},
		TraceLevel:    slog.LevelInfo,
		UserAgent:     DefaultUserAgent,
		QueueSize:     DefaultQueueSize,
		AnswerTimeout: DefaultAnswerTimeout,
		RegisterTTL:   DefaultRegisterTTL,
	}
}

var supportedProtocols = map[string]bool{"sip": true}

// ParseOptions parses a whitespace-separated options string such as
//
//	sip listen=udp$0.0.0.0:5060 trace=4 queue=256
//
// Bare words select protocols; name=value pairs set options. Either the
// whole string applies or ErrConfig is returned.
func ParseOptions(s string) (Options, error) {
	opts := DefaultOptions()
	var protocols []string
	var listens []Listen
	seen := make(map[string]bool)

	for _, tok := range strings.Fields(s) {
		name, value, isPair := strings.Cut(tok, "=")
		if !isPair {
			proto := strings.ToLower(tok)
			if !supportedProtocols[proto] {
				return Options{}, fmt.Errorf("%w: unsupported protocol %q", ErrConfig, tok)
			}
			protocols = append(protocols, proto)
			continue
		}

		name = strings.ToLower(name)
		if value == "" {
			return Options{}, fmt.Errorf("%w: empty value for %q", ErrConfig, name)
		}
		if name != "listen" {
			if seen[name] {
				return Options{}, fmt.Errorf("%w: duplicate option %q", ErrConfig, name)
			}
			seen[name] = true
		}

		switch name {
		case "listen":
			l, err := parseListen(value)
			if err != nil {
				return Options{}, err
			}
			listens = append(listens, l)
		case "trace":
			level, err := parseTraceLevel(value)
			if err != nil {
				return Options{}, err
			}
			opts.Trace = true
			opts.TraceLevel = level
		case "tracefile":
			opts.TraceFile = value
		case "useragent":
			opts.UserAgent = value
		case "queue":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > MaxQueueSize {
				return Options{}, fmt.Errorf("%w: queue must be 1..%d, got %q", ErrConfig, MaxQueueSize, value)
			}
			opts.QueueSize = n
		case "username":
			opts.Username = value
		case "password":
			opts.Password = value
		case "proxy":
			if !strings.HasPrefix(strings.ToLower(value), "sip:") {
				return Options{}, fmt.Errorf("%w: proxy must be a sip: uri, got %q", ErrConfig, value)
			}
			opts.Proxy = value
		case "answertimeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return Options{}, fmt.Errorf("%w: invalid answertimeout %q", ErrConfig, value)
			}
			opts.AnswerTimeout = d
		case "registrar":
			opts.Registrar = value
		case "registerttl":
			d, err := time.ParseDuration(value)
			if err != nil || d < time.Second {
				return Options{}, fmt.Errorf("%w: registerttl must be at least 1s, got %q", ErrConfig, value)
			}
			opts.RegisterTTL = d
		default:
			return Options{}, fmt.Errorf("%w: unknown option %q", ErrConfig, name)
		}
	}

	if len(protocols) > 0 {
		opts.Protocols = protocols
	}
	if len(listens) > 0 {
		opts.Listen = listens
	}
	return opts, nil
}

func parseListen(value string) (Listen, error) {
	transport, addr, ok := strings.Cut(value, "$")
	if !ok {
		return Listen{}, fmt.Errorf("%w: listen must be transport$host:port, got %q", ErrConfig, value)
	}
	transport = strings.ToLower(transport)
	if transport != "udp" && transport != "tcp" {
		return Listen{}, fmt.Errorf("%w: unsupported listen transport %q", ErrConfig, transport)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Listen{}, fmt.Errorf("%w: listen address %q: %v", ErrConfig, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Listen{}, fmt.Errorf("%w: listen port %q out of range", ErrConfig, portStr)
	}
	return Listen{Transport: transport, Host: host, Port: port}, nil
}

// parseTraceLevel accepts a numeric verbosity 0..6 or a slog level name.
func parseTraceLevel(value string) (slog.Level, error) {
	if n, err := strconv.Atoi(value); err == nil {
		switch {
		case n < 0 || n > 6:
			return 0, fmt.Errorf("%w: trace level %d out of range 0..6", ErrConfig, n)
		case n <= 1:
			return slog.LevelError, nil
		case n == 2:
			return slog.LevelWarn, nil
		case n == 3:
			return slog.LevelInfo, nil
		default:
			return slog.LevelDebug, nil
		}
	}

	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: invalid trace level %q", ErrConfig, value)
}
