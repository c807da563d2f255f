// Package config defines the runtime configuration for mrdserver and
// provides helpers for parsing SSH endpoint and bucket specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mrdserver/internal/errors"
	"mrdserver/util"
)

// Engine names accepted by --engine.
const (
	EnginePassthrough = "passthrough"
	EngineExec        = "exec"
)

// Config holds every tuneable for one mrdserver process.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────
	Host        string
	Port        int
	Watchdog    time.Duration // 0 disables
	IdleTimeout time.Duration // per-frame read deadline, 0 disables
	MaxRecords  int           // 0 = unbounded

	// ── Reconstruction ───────────────────────────────────────────────
	Engine        string
	EngineCommand string

	// ── Logging ──────────────────────────────────────────────────────
	Verbose    int
	LogLevel   string // overrides Verbose when set
	LogFormat  string
	RelayLevel string

	// ── Observability / archive ──────────────────────────────────────
	MetricsAddr   string
	ArchiveDir    string
	ArchiveS3     string // bucket[/prefix]
	ArchiveRegion string

	// ── Reverse tunnel (serve through ssh -R) ────────────────────────
	ReverseSpec       string
	ReverseEnabled    bool
	ReverseUser       string
	ReverseHost       string
	ReversePort       int
	RemotePort        int
	RemoteBindAddress string

	// ── SSH auth (shared by both tunnel directions) ──────────────────
	SSHKeyPath        string
	SSHPassword       bool // true → prompt interactively
	UseSSHAgent       bool
	StrictHostKey     bool
	KnownHostsPath    string
	KeepAliveInterval int // seconds

	// ── Send mode (client) ───────────────────────────────────────────
	SendAddr      string // host:port of a remote server
	InputPath     string
	OutputPath    string
	TunnelSpec    string
	TunnelEnabled bool
	TunnelUser    string
	TunnelHost    string
	TunnelPort    int
	ConnTimeout   time.Duration
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Watchdog:          DefaultWatchdog,
		Engine:            EnginePassthrough,
		Verbose:           DefaultVerbose,
		LogFormat:         DefaultLogFormat,
		RelayLevel:        DefaultRelayLevel,
		RemoteBindAddress: DefaultLocalAddress,
		KeepAliveInterval: DefaultKeepAliveInterval,
		ConnTimeout:       DefaultConnTimeout,
	}
}

// SendMode reports whether the process runs as a client.
func (c *Config) SendMode() bool { return c.SendAddr != "" }

// ListenAddr is the local TCP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	if strings.Contains(host, "@") {
		return "", "", 0, fmt.Errorf("invalid tunnel host %q", host)
	}
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ParseBucketSpec splits "bucket[/prefix]".  The prefix never starts or
// ends with a slash.
func ParseBucketSpec(spec string) (bucket, prefix string, err error) {
	bucket, prefix, _ = strings.Cut(spec, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid bucket spec %q – expected bucket[/prefix]", spec)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// Resolve expands the raw -R and -T specs into their host fields and
// gives the send address its default port.
func (c *Config) Resolve() error {
	if c.ReverseSpec != "" {
		user, host, port, err := ParseTunnelSpec(c.ReverseSpec)
		if err != nil {
			return &errors.ConfigError{Field: "reverse", Value: c.ReverseSpec, Message: err.Error()}
		}
		c.ReverseEnabled = true
		c.ReverseUser, c.ReverseHost, c.ReversePort = user, host, port
	}
	if c.SendAddr != "" {
		host, port, err := util.ParseHostPort(c.SendAddr, DefaultPort)
		if err != nil {
			return &errors.ConfigError{Field: "send", Value: c.SendAddr, Message: err.Error(),
				Hint: "use -s host[:port]"}
		}
		c.SendAddr = util.FormatAddr(host, port)
	}
	if c.TunnelSpec != "" {
		user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
		if err != nil {
			return &errors.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
		}
		c.TunnelEnabled = true
		c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	}
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &errors.ConfigError{Field: "port", Value: c.Port, Message: "out of range 1-65535"}
	}
	if c.Watchdog < 0 {
		return &errors.ConfigError{Field: "watchdog", Value: c.Watchdog, Message: "must not be negative",
			Hint: "use --watchdog 0 to disable the watchdog"}
	}
	if c.IdleTimeout < 0 {
		return &errors.ConfigError{Field: "idle-timeout", Value: c.IdleTimeout, Message: "must not be negative"}
	}
	if c.MaxRecords < 0 {
		return &errors.ConfigError{Field: "max-records", Value: c.MaxRecords, Message: "must not be negative",
			Hint: "use --max-records 0 for no limit"}
	}

	switch c.Engine {
	case EnginePassthrough:
	case EngineExec:
		if strings.TrimSpace(c.EngineCommand) == "" {
			return &errors.ConfigError{Field: "engine-cmd", Message: "required with --engine exec",
				Hint: "e.g. --engine exec --engine-cmd './recon --stdio'"}
		}
	default:
		return &errors.ConfigError{Field: "engine", Value: c.Engine,
			Message: fmt.Sprintf("unknown engine (want %s or %s)", EnginePassthrough, EngineExec)}
	}

	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return &errors.ConfigError{Field: "log-format", Value: c.LogFormat, Message: "want auto, console or json"}
	}

	if c.ArchiveDir != "" && c.ArchiveS3 != "" {
		return &errors.ConfigError{Field: "archive-s3", Value: c.ArchiveS3,
			Message: "--archive-dir and --archive-s3 are mutually exclusive"}
	}
	if c.ArchiveS3 != "" {
		if _, _, err := ParseBucketSpec(c.ArchiveS3); err != nil {
			return &errors.ConfigError{Field: "archive-s3", Value: c.ArchiveS3, Message: err.Error()}
		}
	}

	if c.SendMode() {
		if c.InputPath == "" {
			return &errors.ConfigError{Field: "input", Message: "send mode requires an input stream",
				Hint: "use -i capture.mrd (or -i - for stdin)"}
		}
		if c.ReverseEnabled {
			return &errors.ConfigError{Field: "reverse", Value: c.ReverseSpec,
				Message: "reverse tunnels only apply when serving"}
		}
	} else if c.TunnelEnabled {
		return &errors.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
			Message: "-T only applies to send mode", Hint: "use -R user@gateway to serve through SSH"}
	}

	if c.ReverseEnabled {
		if c.ReverseHost == "" {
			return &errors.ConfigError{Field: "reverse", Message: "reverse tunnel host is required"}
		}
		if c.RemotePort < 0 || c.RemotePort > 65535 {
			return &errors.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 0-65535"}
		}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &errors.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}
	return nil
}
