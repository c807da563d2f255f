// Package cmd wires up the CLI flags and dispatches to the server or
// send mode.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"mrdserver/config"
	"mrdserver/internal/admin"
	"mrdserver/internal/core"
	"mrdserver/internal/metrics"
	"mrdserver/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X mrdserver/cmd.version=1.2.0"
var version = "0.1.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected mode until it finishes or
// ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	// ── layered configuration: defaults < file < env < flags ─────────
	cfg := config.Default()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet(util.AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configFile string
	fs.StringVar(&configFile, "config", "", "TOML configuration file")

	// ── server ───────────────────────────────────────────────────────
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Address to listen on")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to listen on")
	watchdog := int(cfg.Watchdog / time.Second)
	fs.IntVar(&watchdog, "watchdog", watchdog, "Seconds before the process exits (0 disables)")
	idle := int(cfg.IdleTimeout / time.Second)
	fs.IntVar(&idle, "idle-timeout", idle, "Seconds to wait for each inbound frame (0 disables)")
	fs.IntVar(&cfg.MaxRecords, "max-records", cfg.MaxRecords, "Records accepted per session (0 = no limit)")

	// ── reconstruction ───────────────────────────────────────────────
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "Reconstruction engine: passthrough or exec")
	fs.StringVar(&cfg.EngineCommand, "engine-cmd", cfg.EngineCommand, "Command run by the exec engine")

	// ── observability / archive ──────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /healthz, /stats and /metrics on this address")
	fs.StringVar(&cfg.ArchiveDir, "archive-dir", cfg.ArchiveDir, "Archive each session's inbound stream to this directory")
	fs.StringVar(&cfg.ArchiveS3, "archive-s3", cfg.ArchiveS3, "Archive sessions to S3 bucket[/prefix]")
	fs.StringVar(&cfg.ArchiveRegion, "archive-region", cfg.ArchiveRegion, "AWS region of the archive bucket")

	// ── reverse tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.ReverseSpec, "reverse", "R", cfg.ReverseSpec, "Serve through an SSH remote forward on [user@]host[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Gateway port to forward (0 = allocated)")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind", cfg.RemoteBindAddress, "Gateway address to forward")

	// ── SSH auth ─────────────────────────────────────────────────────
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 disables)")

	// ── send mode ────────────────────────────────────────────────────
	fs.StringVarP(&cfg.SendAddr, "send", "s", cfg.SendAddr, "Send a recorded stream to host:port instead of serving")
	fs.StringVarP(&cfg.InputPath, "input", "i", cfg.InputPath, "MRD stream to send (- for stdin)")
	fs.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "Write returned images here (- for stdout)")
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Send through SSH via [user@]host[:port]")
	connTimeout := int(cfg.ConnTimeout / time.Second)
	fs.IntVarP(&connTimeout, "timeout", "w", connTimeout, "Connect timeout in seconds")

	// ── output ───────────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (overrides -v)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: auto, console or json")
	fs.StringVar(&cfg.RelayLevel, "relay-level", cfg.RelayLevel, "Lowest level relayed to clients")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(stdout, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "%s %s\n", util.AppName, version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// A bare -v counts from zero rather than adding to the default.
	if fs.Changed("verbose") {
		cfg.Verbose = countFlag(args)
	}
	cfg.Watchdog = time.Duration(watchdog) * time.Second
	cfg.IdleTimeout = time.Duration(idle) * time.Second
	cfg.ConnTimeout = time.Duration(connTimeout) * time.Second

	// ── validate ─────────────────────────────────────────────────────
	if err := cfg.Resolve(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := util.LevelForVerbosity(cfg.Verbose)
	if cfg.LogLevel != "" {
		l, err := util.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	// Logs go to stderr so send mode can write images to stdout.
	sink, err := util.NewLogSink(stderr, level, cfg.LogFormat)
	if err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────────
	admin.Version = version
	mode, err := core.Build(cfg, sink, metrics.New())
	if err != nil {
		return err
	}
	if dryRun {
		printPlan(stdout, cfg)
		return nil
	}
	return mode.Run(ctx)
}

// configPath finds --config before the full flag set exists, so the
// file can supply the flag defaults.
func configPath(args []string) string {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var path string
	fs.StringVar(&path, "config", "", "")
	fs.BoolP("help", "h", false, "")
	fs.Parse(args) //nolint:errcheck
	return path
}

// countFlag counts -v occurrences, including bundled forms like -vvv.
func countFlag(args []string) int {
	fs := flag.NewFlagSet("verbose", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var n int
	fs.CountVarP(&n, "verbose", "v", "")
	fs.BoolP("help", "h", false, "")
	fs.Parse(args) //nolint:errcheck
	return n
}

func printPlan(w io.Writer, cfg *config.Config) {
	if cfg.SendMode() {
		fmt.Fprintf(w, "send %s -> %s", cfg.InputPath, cfg.SendAddr)
		if cfg.TunnelEnabled {
			fmt.Fprintf(w, " via ssh %s@%s:%d", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "serve %s engine=%s watchdog=%s\n", cfg.ListenAddr(), cfg.Engine, cfg.Watchdog)
	if cfg.ReverseEnabled {
		fmt.Fprintf(w, "reverse ssh %s@%s:%d remote port %d\n",
			cfg.ReverseUser, cfg.ReverseHost, cfg.ReversePort, cfg.RemotePort)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "admin %s\n", cfg.MetricsAddr)
	}
	switch {
	case cfg.ArchiveDir != "":
		fmt.Fprintf(w, "archive dir:%s\n", cfg.ArchiveDir)
	case cfg.ArchiveS3 != "":
		fmt.Fprintf(w, "archive s3://%s\n", cfg.ArchiveS3)
	}
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `mrdserver %s

An MRD (ISMRMRD streaming) reconstruction server.

Usage:
  mrdserver [options]                          Serve on 0.0.0.0:9002
  mrdserver -R user@gateway [options]          Serve through an SSH remote forward
  mrdserver -s host:port -i scan.mrd [-o out]  Send a recorded stream

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprint(w, `
Environment:
  MRD_* variables set any option above (e.g. MRD_PORT=9020).
  Precedence: flags > environment > --config file > defaults.

Examples:
  mrdserver -p 9020 --watchdog 0               No watchdog
  mrdserver --engine exec --engine-cmd ./recon Reconstruct with an external program
  mrdserver --archive-dir /data/raw            Keep every inbound stream
  mrdserver -s localhost:9002 -i scan.mrd -o images.mrd
`)
}
