package core

import (
	"fmt"
	"time"

	"mrdserver/config"
	"mrdserver/internal/admin"
	"mrdserver/internal/archive"
	"mrdserver/internal/metrics"
	"mrdserver/internal/recon"
	"mrdserver/internal/session"
	"mrdserver/internal/transport"
	"mrdserver/tunnel"
	"mrdserver/util"
)

// Build constructs the Mode selected by cfg, which must already have
// been resolved and validated.  sink is the process log destination;
// every session tees its log into it.
func Build(cfg *config.Config, sink util.LogSink, m *metrics.Collector) (Mode, error) {
	if cfg.SendMode() {
		return buildSend(cfg, sink), nil
	}
	return buildServe(cfg, sink, m)
}

func buildSend(cfg *config.Config, sink util.LogSink) Mode {
	logger := util.NewLogger(sink)
	return &SendMode{
		Dialer:     transport.ForConfig(cfg, logger),
		Address:    cfg.SendAddr,
		InputPath:  cfg.InputPath,
		OutputPath: cfg.OutputPath,
		Logger:     logger,
	}
}

func buildServe(cfg *config.Config, sink util.LogSink, m *metrics.Collector) (Mode, error) {
	logger := util.NewLogger(sink)

	relayLevel, err := util.ParseLevel(cfg.RelayLevel)
	if err != nil {
		return nil, fmt.Errorf("relay level: %w", err)
	}
	engine, err := BuildEngine(cfg)
	if err != nil {
		return nil, err
	}
	arch, err := BuildArchiver(cfg, m)
	if err != nil {
		return nil, err
	}
	if arch != nil {
		logger.Info().Str("store", arch.Store().Name()).Msg("archiving sessions")
	}

	mode := &ServeMode{
		Address: cfg.ListenAddr(),
		Handler: session.NewHandler(session.Options{
			Engine:      engine,
			Sink:        sink,
			RelayLevel:  relayLevel,
			IdleTimeout: cfg.IdleTimeout,
			MaxRecords:  cfg.MaxRecords,
			Metrics:     m,
			Archiver:    arch,
		}),
		Watchdog:    cfg.Watchdog,
		GracePeriod: config.DefaultGracePeriod,
		Metrics:     m,
		Logger:      logger,
	}

	if cfg.ReverseEnabled {
		mode.Reverse = &tunnel.ReverseConfig{
			SSH: &tunnel.SSHConfig{
				User:          cfg.ReverseUser,
				Host:          cfg.ReverseHost,
				Port:          cfg.ReversePort,
				KeyPath:       cfg.SSHKeyPath,
				PromptPass:    cfg.SSHPassword,
				UseAgent:      cfg.UseSSHAgent,
				StrictHostKey: cfg.StrictHostKey,
				KnownHosts:    cfg.KnownHostsPath,
				ConnTimeout:   cfg.ConnTimeout,
				KeepAlive:     time.Duration(cfg.KeepAliveInterval) * time.Second,
			},
			BindAddr: cfg.RemoteBindAddress,
			Port:     cfg.RemotePort,
			Metrics:  m,
		}
	}
	if cfg.MetricsAddr != "" {
		mode.Admin = admin.New(cfg.MetricsAddr, m, engine.Name(), logger)
	}
	return mode, nil
}

// BuildEngine returns the reconstruction engine cfg names.
func BuildEngine(cfg *config.Config) (recon.Engine, error) {
	switch cfg.Engine {
	case "", config.EnginePassthrough:
		return recon.Passthrough{}, nil
	case config.EngineExec:
		return &recon.Exec{Command: cfg.EngineCommand}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// BuildArchiver returns the session archiver cfg asks for, or nil when
// archiving is off.
func BuildArchiver(cfg *config.Config, m *metrics.Collector) (*archive.Archiver, error) {
	var store archive.Store
	switch {
	case cfg.ArchiveDir != "":
		store = &archive.DirStore{Dir: cfg.ArchiveDir}
	case cfg.ArchiveS3 != "":
		bucket, prefix, err := config.ParseBucketSpec(cfg.ArchiveS3)
		if err != nil {
			return nil, err
		}
		s3, err := archive.NewS3Store(archive.S3Options{
			Bucket: bucket,
			Prefix: prefix,
			Region: cfg.ArchiveRegion,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, nil
	}
	return archive.New(store, archive.Options{
		Attempts: config.DefaultArchiveAttempts,
		MaxDelay: config.DefaultArchiveBackoff,
		Metrics:  m,
	}), nil
}
