package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/config"
)

func TestLoadBootstrapDevices(t *testing.T) {
	yaml := `
config_id: local-test
devices:
  - id: plc-1
    protocol: tcp
    connection:
      host: 10.0.0.5
      port: 502
      unit_id: 1
    poll_groups:
      - id: fast
        interval_ms: 1000
        registers:
          - id: temp
            address: 40001
          - id: pressure
            address: 40002
`
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadBootstrapDevices(path)
	if err != nil {
		t.Fatalf("LoadBootstrapDevices() error = %v", err)
	}
	if cfg.ConfigID != "local-test" {
		t.Errorf("ConfigID = %q, want local-test", cfg.ConfigID)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("len(Devices) = %d, want 1", len(cfg.Devices))
	}
	device := cfg.Devices[0]
	if device.ID != "plc-1" || device.Connection.Host != "10.0.0.5" {
		t.Errorf("device = %+v, unexpected", device)
	}
	if len(device.Groups) != 1 || len(device.Groups[0].Registers) != 2 {
		t.Fatalf("unexpected groups/registers: %+v", device.Groups)
	}
}

func TestLoadBootstrapDevices_InvalidConfigFailsValidation(t *testing.T) {
	yaml := `
config_id: local-test
devices:
  - id: plc-1
    protocol: tcp
    connection:
      port: 502
    poll_groups: []
`
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := config.LoadBootstrapDevices(path); err == nil {
		t.Error("expected validation error for device with no host and no groups")
	}
}
