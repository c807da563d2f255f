package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the MRD_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MRD_HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("MRD_PORT"); ok && v > 0 {
		cfg.Port = v
	}
	if v, ok := envInt("MRD_WATCHDOG"); ok && v >= 0 {
		cfg.Watchdog = secondsDuration(v)
	}
	if v, ok := envInt("MRD_IDLE_TIMEOUT"); ok && v >= 0 {
		cfg.IdleTimeout = secondsDuration(v)
	}
	if v, ok := envInt("MRD_MAX_RECORDS"); ok && v >= 0 {
		cfg.MaxRecords = v
	}

	// Reconstruction
	if v := os.Getenv("MRD_ENGINE"); v != "" {
		cfg.Engine = strings.ToLower(v)
	}
	if v := os.Getenv("MRD_ENGINE_CMD"); v != "" {
		cfg.EngineCommand = v
	}

	// Logging
	if v, ok := envInt("MRD_VERBOSE"); ok && v >= 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("MRD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MRD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("MRD_RELAY_LEVEL"); v != "" {
		cfg.RelayLevel = v
	}

	// Observability / archive
	if v := os.Getenv("MRD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("MRD_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v := os.Getenv("MRD_ARCHIVE_S3"); v != "" {
		cfg.ArchiveS3 = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.ArchiveRegion = v
	}
	if v := os.Getenv("MRD_ARCHIVE_REGION"); v != "" {
		cfg.ArchiveRegion = v
	}

	// Reverse tunnel
	if v := os.Getenv("MRD_REVERSE"); v != "" {
		cfg.ReverseSpec = v
	}
	if v, ok := envInt("MRD_REMOTE_PORT"); ok && v > 0 {
		cfg.RemotePort = v
	}
	if v := os.Getenv("MRD_REMOTE_BIND_ADDRESS"); v != "" {
		cfg.RemoteBindAddress = v
	}

	// SSH
	if v := os.Getenv("MRD_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("MRD_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("MRD_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("MRD_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("MRD_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v, ok := envInt("MRD_KEEP_ALIVE"); ok && v > 0 {
		cfg.KeepAliveInterval = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
