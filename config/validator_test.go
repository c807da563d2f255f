package config

import (
	"strings"
	"testing"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages with hints.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string // substring expected in error
	}{
		{
			name:    "exec engine has hint",
			mutate:  func(c *Config) { c.Engine = EngineExec },
			wantSub: "hint:",
		},
		{
			name:    "send without input has hint",
			mutate:  func(c *Config) { c.SendAddr = "scanner:9002" },
			wantSub: "hint:",
		},
		{
			name:    "archive conflict",
			mutate:  func(c *Config) { c.ArchiveDir = "/srv/mrd"; c.ArchiveS3 = "scans" },
			wantSub: "mutually exclusive",
		},
		{
			name:    "flag name in message",
			mutate:  func(c *Config) { c.Port = -1 },
			wantSub: "--port=-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

// TestParseTunnelSpec_Fuzz covers edge-case tunnel specs.
func TestParseTunnelSpec_Fuzz(t *testing.T) {
	edgeCases := []string{
		"a", "a@b", "a@b:1", "a@b:65535", "a@b:65536",
		"@", ":", "a@:22", "a@b:", "a@b:c", "a@b@c",
	}
	for _, s := range edgeCases {
		t.Run(s, func(t *testing.T) {
			_, host, port, err := ParseTunnelSpec(s)
			if err == nil {
				if host == "" || port < 1 || port > 65535 {
					t.Errorf("accepted invalid spec: host=%q port=%d", host, port)
				}
			}
		})
	}
}
