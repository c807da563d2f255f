package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the keys accepted in a TOML config file.  Durations
// are whole seconds, matching the CLI flags.
type fileConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Watchdog    int    `toml:"watchdog"`
	IdleTimeout int    `toml:"idle_timeout"`
	MaxRecords  int    `toml:"max_records"`

	Engine        string `toml:"engine"`
	EngineCommand string `toml:"engine_cmd"`

	Verbose    int    `toml:"verbose"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`
	RelayLevel string `toml:"relay_level"`

	MetricsAddr   string `toml:"metrics_addr"`
	ArchiveDir    string `toml:"archive_dir"`
	ArchiveS3     string `toml:"archive_s3"`
	ArchiveRegion string `toml:"archive_region"`

	Reverse           string `toml:"reverse"`
	RemotePort        int    `toml:"remote_port"`
	RemoteBindAddress string `toml:"remote_bind_address"`

	SSHKey        string `toml:"ssh_key"`
	SSHAgent      bool   `toml:"ssh_agent"`
	StrictHostKey bool   `toml:"ssh_strict_hostkey"`
	KnownHosts    string `toml:"ssh_known_hosts"`
	KeepAlive     int    `toml:"ssh_keep_alive"`
}

// LoadFile overlays the keys defined in the TOML file at path onto cfg.
// Keys absent from the file leave cfg untouched.
func LoadFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if keys := meta.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, keys[0].String())
	}

	setString(meta, "host", &cfg.Host, raw.Host)
	setInt(meta, "port", &cfg.Port, raw.Port)
	if meta.IsDefined("watchdog") {
		cfg.Watchdog = secondsDuration(raw.Watchdog)
	}
	if meta.IsDefined("idle_timeout") {
		cfg.IdleTimeout = secondsDuration(raw.IdleTimeout)
	}
	setInt(meta, "max_records", &cfg.MaxRecords, raw.MaxRecords)

	setString(meta, "engine", &cfg.Engine, raw.Engine)
	setString(meta, "engine_cmd", &cfg.EngineCommand, raw.EngineCommand)

	setInt(meta, "verbose", &cfg.Verbose, raw.Verbose)
	setString(meta, "log_level", &cfg.LogLevel, raw.LogLevel)
	setString(meta, "log_format", &cfg.LogFormat, raw.LogFormat)
	setString(meta, "relay_level", &cfg.RelayLevel, raw.RelayLevel)

	setString(meta, "metrics_addr", &cfg.MetricsAddr, raw.MetricsAddr)
	setString(meta, "archive_dir", &cfg.ArchiveDir, raw.ArchiveDir)
	setString(meta, "archive_s3", &cfg.ArchiveS3, raw.ArchiveS3)
	setString(meta, "archive_region", &cfg.ArchiveRegion, raw.ArchiveRegion)

	setString(meta, "reverse", &cfg.ReverseSpec, raw.Reverse)
	setInt(meta, "remote_port", &cfg.RemotePort, raw.RemotePort)
	setString(meta, "remote_bind_address", &cfg.RemoteBindAddress, raw.RemoteBindAddress)

	setString(meta, "ssh_key", &cfg.SSHKeyPath, raw.SSHKey)
	if meta.IsDefined("ssh_agent") {
		cfg.UseSSHAgent = raw.SSHAgent
	}
	if meta.IsDefined("ssh_strict_hostkey") {
		cfg.StrictHostKey = raw.StrictHostKey
	}
	setString(meta, "ssh_known_hosts", &cfg.KnownHostsPath, raw.KnownHosts)
	setInt(meta, "ssh_keep_alive", &cfg.KeepAliveInterval, raw.KeepAlive)
	return nil
}

func setString(meta toml.MetaData, key string, dst *string, v string) {
	if meta.IsDefined(key) {
		*dst = v
	}
}

func setInt(meta toml.MetaData, key string, dst *int, v int) {
	if meta.IsDefined(key) {
		*dst = v
	}
}
