package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ekmixon/dpp/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":8080" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":8080")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.DPP.Role != "sss" {
		t.Errorf("DPP.Role = %q, want %q", cfg.DPP.Role, "sss")
	}
	if cfg.DPP.Driver != "nl80211" {
		t.Errorf("DPP.Driver = %q, want %q", cfg.DPP.Driver, "nl80211")
	}
	if cfg.Relay.InboundPort != 8741 {
		t.Errorf("Relay.InboundPort = %d, want %d", cfg.Relay.InboundPort, 8741)
	}
	if cfg.Relay.OutboundPort != 8908 {
		t.Errorf("Relay.OutboundPort = %d, want %d", cfg.Relay.OutboundPort, 8908)
	}
	if cfg.Relay.ClientIdleTimeout != 10*time.Second {
		t.Errorf("Relay.ClientIdleTimeout = %v, want %v", cfg.Relay.ClientIdleTimeout, 10*time.Second)
	}

	cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":9090"
log:
  level: "debug"
  format: "text"
dpp:
  role: "sss"
  interface: "wlan0"
  bootstrap_file: "/var/lib/dppd/bootstrap.txt"
  opclass: 115
  channel: 36
  chirp: true
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":9090" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":9090")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.DPP.Interface != "wlan0" {
		t.Errorf("DPP.Interface = %q, want %q", cfg.DPP.Interface, "wlan0")
	}
	if cfg.DPP.OpClass != 115 {
		t.Errorf("DPP.OpClass = %d, want %d", cfg.DPP.OpClass, 115)
	}
	if cfg.DPP.Channel != 36 {
		t.Errorf("DPP.Channel = %d, want %d", cfg.DPP.Channel, 36)
	}
	if !cfg.DPP.Chirp {
		t.Error("DPP.Chirp = false, want true")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
dpp:
  bootstrap_file: "/tmp/bootstrap.txt"
  interface: "wlan1"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.DPP.Interface != "wlan1" {
		t.Errorf("DPP.Interface = %q, want %q", cfg.DPP.Interface, "wlan1")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Defaults preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.DPP.Role != "sss" {
		t.Errorf("DPP.Role = %q, want default %q", cfg.DPP.Role, "sss")
	}
	if cfg.Relay.ClientIdleTimeout != 10*time.Second {
		t.Errorf("Relay.ClientIdleTimeout = %v, want default %v", cfg.Relay.ClientIdleTimeout, 10*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "invalid role",
			modify: func(cfg *config.Config) {
				cfg.DPP.Role = "bogus"
			},
			wantErr: config.ErrInvalidRole,
		},
		{
			name: "empty interface",
			modify: func(cfg *config.Config) {
				cfg.DPP.Interface = ""
			},
			wantErr: config.ErrEmptyInterface,
		},
		{
			name: "sss role missing bootstrap file",
			modify: func(cfg *config.Config) {
				cfg.DPP.BootstrapFile = ""
			},
			wantErr: config.ErrEmptyBootstrapFile,
		},
		{
			name: "relay role missing controller addr",
			modify: func(cfg *config.Config) {
				cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
				cfg.DPP.Role = "relay"
			},
			wantErr: config.ErrRelayMissingControllerAddr,
		},
		{
			name: "controller role missing listen addr",
			modify: func(cfg *config.Config) {
				cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
				cfg.DPP.Role = "controller"
			},
			wantErr: config.ErrControllerMissingListenAddr,
		},
		{
			name: "invalid driver on non-loopback interface",
			modify: func(cfg *config.Config) {
				cfg.DPP.Interface = "wlan0"
				cfg.DPP.Driver = "bogus"
			},
			wantErr: config.ErrInvalidDriver,
		},
		{
			name: "zero idle timeout",
			modify: func(cfg *config.Config) {
				cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
				cfg.Relay.ClientIdleTimeout = 0
			},
			wantErr: config.ErrInvalidIdleTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRelayAndControllerRoles(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.DPP.Role = "relay"
	cfg.DPP.BootstrapFile = "/tmp/bootstrap.txt"
	cfg.Relay.ControllerAddr = "10.0.0.1:8908"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("relay config should validate: %v", err)
	}

	cfg2 := config.DefaultConfig()
	cfg2.DPP.Role = "controller"
	cfg2.DPP.BootstrapFile = "/tmp/bootstrap.txt"
	cfg2.Relay.ListenAddr = ":8741"
	if err := config.Validate(cfg2); err != nil {
		t.Errorf("controller config should validate: %v", err)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yamlContent := `
dpp:
  bootstrap_file: "/tmp/bootstrap.txt"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("DPPD_DPP_INTERFACE", "wlan2")
	t.Setenv("DPPD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.DPP.Interface != "wlan2" {
		t.Errorf("DPP.Interface = %q, want %q (from env)", cfg.DPP.Interface, "wlan2")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "dppd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
