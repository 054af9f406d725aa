package config

import (
	"fmt"
	"os"

	"github.com/nexus-edge/modbus-agent/internal/domain"
	"gopkg.in/yaml.v3"
)

// bootstrapFile is the YAML shape of a local PollingConfig, used for
// testing the agent without a live control plane (adapted from the
// teacher's devices.yaml bootstrap format). The Config Watcher's own HTTP
// response unmarshals into the JSON-tagged domain types directly; this
// loader exists only for the local/offline path.
type bootstrapFile struct {
	ConfigID                  string                `yaml:"config_id"`
	ConfigName                string                `yaml:"config_name,omitempty"`
	FullRefreshIntervalMs     int                   `yaml:"full_refresh_interval_ms,omitempty"`
	BatchWindowMs             int                   `yaml:"batch_window_ms,omitempty"`
	HistoricalBatchIntervalMs int                   `yaml:"historical_batch_interval_ms,omitempty"`
	Devices                   []bootstrapDevice     `yaml:"devices"`
}

type bootstrapDevice struct {
	ID         string              `yaml:"id"`
	Protocol   string              `yaml:"protocol"`
	Connection bootstrapConnection `yaml:"connection"`
	Groups     []bootstrapGroup    `yaml:"poll_groups"`
}

type bootstrapConnection struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	SerialPort string `yaml:"serial_port,omitempty"`
	BaudRate   int    `yaml:"baud_rate,omitempty"`
	DataBits   int    `yaml:"data_bits,omitempty"`
	Parity     string `yaml:"parity,omitempty"`
	StopBits   int    `yaml:"stop_bits,omitempty"`
	UnitID     int    `yaml:"unit_id"`
	TimeoutMs  int    `yaml:"timeout_ms,omitempty"`
	RetryCount int    `yaml:"retry_count,omitempty"`
}

type bootstrapGroup struct {
	ID         string             `yaml:"id"`
	IntervalMs int                `yaml:"interval_ms"`
	Registers  []bootstrapRegister `yaml:"registers"`
}

type bootstrapRegister struct {
	ID           string `yaml:"id"`
	Address      int    `yaml:"address"`
	FunctionCode int    `yaml:"function_code,omitempty"`
}

// LoadBootstrapDevices reads a local YAML PollingConfig for testing the
// agent without a live control plane, validating it the same way the
// Config Watcher validates a pulled config.
func LoadBootstrapDevices(path string) (domain.PollingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PollingConfig{}, fmt.Errorf("failed to read bootstrap devices file: %w", err)
	}

	var file bootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.PollingConfig{}, fmt.Errorf("failed to parse bootstrap devices file: %w", err)
	}

	cfg := domain.PollingConfig{
		ConfigID:                  file.ConfigID,
		ConfigName:                file.ConfigName,
		FullRefreshIntervalMs:     file.FullRefreshIntervalMs,
		BatchWindowMs:             file.BatchWindowMs,
		HistoricalBatchIntervalMs: file.HistoricalBatchIntervalMs,
	}
	cfg.ApplyDefaults()

	for _, bd := range file.Devices {
		device := domain.Device{
			ID:       bd.ID,
			Protocol: domain.Protocol(bd.Protocol),
			Connection: domain.ConnectionParams{
				Host:       bd.Connection.Host,
				Port:       bd.Connection.Port,
				SerialPort: bd.Connection.SerialPort,
				BaudRate:   bd.Connection.BaudRate,
				DataBits:   bd.Connection.DataBits,
				Parity:     bd.Connection.Parity,
				StopBits:   bd.Connection.StopBits,
				UnitID:     uint8(bd.Connection.UnitID),
				TimeoutMs:  bd.Connection.TimeoutMs,
				RetryCount: bd.Connection.RetryCount,
			},
		}
		for _, bg := range bd.Groups {
			group := domain.PollGroup{ID: bg.ID, IntervalMs: bg.IntervalMs}
			for _, br := range bg.Registers {
				group.Registers = append(group.Registers, domain.Register{
					ID:           br.ID,
					Address:      br.Address,
					FunctionCode: br.FunctionCode,
				})
			}
			device.Groups = append(device.Groups, group)
		}
		cfg.Devices = append(cfg.Devices, device)
	}

	if err := cfg.Validate(); err != nil {
		return domain.PollingConfig{}, err
	}
	return cfg, nil
}
