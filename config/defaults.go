package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultHost binds every interface.
	DefaultHost = "0.0.0.0"

	// DefaultPort is the conventional MRD server port.
	DefaultPort = 9002

	// DefaultWatchdog is how long the process may run before the
	// watchdog terminates it.
	DefaultWatchdog = 120 * time.Second

	// DefaultVerbose maps to debug-level logging.
	DefaultVerbose = 2

	// DefaultLogFormat picks console output on a terminal, JSON otherwise.
	DefaultLogFormat = "auto"

	// DefaultRelayLevel is the lowest level relayed to clients.
	DefaultRelayLevel = "debug"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is the address used for local service binding.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultArchiveAttempts bounds archive upload retries.
	DefaultArchiveAttempts = 5

	// DefaultArchiveBackoff caps the delay between archive retries.
	DefaultArchiveBackoff = 10 * time.Second

	// DefaultGracePeriod is how long shutdown waits for sessions to finish.
	DefaultGracePeriod = 5 * time.Second
)
