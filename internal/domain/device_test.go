package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

func validGroup(id string) domain.PollGroup {
	return domain.PollGroup{
		ID:         id,
		IntervalMs: 1000,
		Registers: []domain.Register{
			{ID: "temp", Address: 40001},
		},
	}
}

func TestDevice_Validate(t *testing.T) {
	tests := []struct {
		name    string
		device  domain.Device
		wantErr error
	}{
		{
			name: "valid device",
			device: domain.Device{
				ID:         "plc-001",
				Protocol:   domain.ProtocolTCP,
				Connection: domain.ConnectionParams{Host: "192.168.1.100", Port: 502},
				Groups:     []domain.PollGroup{validGroup("grp-1")},
			},
			wantErr: nil,
		},
		{
			name: "missing device ID",
			device: domain.Device{
				Protocol:   domain.ProtocolTCP,
				Connection: domain.ConnectionParams{Host: "192.168.1.100"},
				Groups:     []domain.PollGroup{validGroup("grp-1")},
			},
			wantErr: domain.ErrDeviceIDRequired,
		},
		{
			name: "missing connection address",
			device: domain.Device{
				ID:       "test-001",
				Protocol: domain.ProtocolTCP,
				Groups:   []domain.PollGroup{validGroup("grp-1")},
			},
			wantErr: domain.ErrMissingAddress,
		},
		{
			name: "unknown protocol",
			device: domain.Device{
				ID:         "test-001",
				Protocol:   "foo",
				Connection: domain.ConnectionParams{Host: "x"},
				Groups:     []domain.PollGroup{validGroup("grp-1")},
			},
			wantErr: domain.ErrUnknownProtocol,
		},
		{
			name: "no groups defined",
			device: domain.Device{
				ID:         "test-001",
				Protocol:   domain.ProtocolTCP,
				Connection: domain.ConnectionParams{Host: "192.168.1.100"},
				Groups:     []domain.PollGroup{},
			},
			wantErr: domain.ErrNoGroupsDefined,
		},
		{
			name: "duplicate group ID",
			device: domain.Device{
				ID:         "test-001",
				Protocol:   domain.ProtocolTCP,
				Connection: domain.ConnectionParams{Host: "192.168.1.100"},
				Groups:     []domain.PollGroup{validGroup("grp-1"), validGroup("grp-1")},
			},
			wantErr: domain.ErrDuplicateGroupID,
		},
		{
			name: "rtu requires serial port",
			device: domain.Device{
				ID:         "test-001",
				Protocol:   domain.ProtocolRTU,
				Connection: domain.ConnectionParams{BaudRate: 9600},
				Groups:     []domain.PollGroup{validGroup("grp-1")},
			},
			wantErr: domain.ErrMissingAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.device.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Device.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionParams_CacheKey(t *testing.T) {
	a := domain.ConnectionParams{Host: "10.0.0.1", Port: 502, UnitID: 1}
	b := domain.ConnectionParams{Host: "10.0.0.1", Port: 502, UnitID: 1}
	c := domain.ConnectionParams{Host: "10.0.0.2", Port: 502, UnitID: 1}

	if a.CacheKey(domain.ProtocolTCP) != b.CacheKey(domain.ProtocolTCP) {
		t.Error("identical connection params should produce identical cache keys")
	}
	if a.CacheKey(domain.ProtocolTCP) == c.CacheKey(domain.ProtocolTCP) {
		t.Error("different hosts should produce different cache keys")
	}
	if a.CacheKey(domain.ProtocolTCP) == a.CacheKey(domain.ProtocolRTU) {
		t.Error("different protocols should produce different cache keys for the same params")
	}
}

func TestPollingConfig_Validate(t *testing.T) {
	validDevice := domain.Device{
		ID:         "dev-1",
		Protocol:   domain.ProtocolTCP,
		Connection: domain.ConnectionParams{Host: "10.0.0.1"},
		Groups:     []domain.PollGroup{validGroup("grp-1")},
	}

	tests := []struct {
		name    string
		config  domain.PollingConfig
		wantErr error
	}{
		{
			name:    "valid config",
			config:  domain.PollingConfig{ConfigID: "cfg-1", Devices: []domain.Device{validDevice}},
			wantErr: nil,
		},
		{
			name:    "missing config ID",
			config:  domain.PollingConfig{Devices: []domain.Device{validDevice}},
			wantErr: domain.ErrNoActiveConfig,
		},
		{
			name:    "duplicate device ID",
			config:  domain.PollingConfig{ConfigID: "cfg-1", Devices: []domain.Device{validDevice, validDevice}},
			wantErr: domain.ErrDuplicateDeviceID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("PollingConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPollingConfig_ApplyDefaults(t *testing.T) {
	c := domain.PollingConfig{ConfigID: "cfg-1"}
	c.ApplyDefaults()

	if c.FullRefreshIntervalMs != domain.DefaultFullRefreshIntervalMs {
		t.Errorf("FullRefreshIntervalMs = %d, want %d", c.FullRefreshIntervalMs, domain.DefaultFullRefreshIntervalMs)
	}
	if c.BatchWindowMs != domain.DefaultBatchWindowMs {
		t.Errorf("BatchWindowMs = %d, want %d", c.BatchWindowMs, domain.DefaultBatchWindowMs)
	}
	if c.HistoricalBatchIntervalMs != domain.DefaultHistoricalBatchIntervalMs {
		t.Errorf("HistoricalBatchIntervalMs = %d, want %d", c.HistoricalBatchIntervalMs, domain.DefaultHistoricalBatchIntervalMs)
	}
}
