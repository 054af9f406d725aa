// Package domain contains the core data model of the polling agent:
// Registers, PollGroups, Devices, PollingConfig, Samples, and the
// connection-handle abstraction the pool hands out.
package domain

import (
	"encoding/json"
	"fmt"
)

// Protocol identifies the wire protocol used to reach a Device.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolRTU Protocol = "rtu"
)

// ConnectionParams holds protocol-specific connection parameters. Only the
// fields relevant to Protocol need to be set; the connection pool infers the
// transport from Protocol rather than from which fields are populated.
type ConnectionParams struct {
	// === TCP ===
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// === RTU ===
	SerialPort string `json:"serialPort,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   int    `json:"baudRate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits   int    `json:"dataBits,omitempty" yaml:"data_bits,omitempty"`
	Parity     string `json:"parity,omitempty" yaml:"parity,omitempty"`
	StopBits   int    `json:"stopBits,omitempty" yaml:"stop_bits,omitempty"`

	// === Common ===
	UnitID     uint8 `json:"unitId" yaml:"unit_id"`
	TimeoutMs  int   `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
	RetryCount int   `json:"retryCount,omitempty" yaml:"retry_count,omitempty"`
}

// CacheKey returns the canonical connection-pool key for these parameters,
// a JSON serialization of protocol + connection params in fixed field
// (declaration) order so that
// equivalent parameter sets always collide on the same pooled handle rather
// than fragmenting the pool (SPEC_FULL.md §9).
func (c ConnectionParams) CacheKey(protocol Protocol) string {
	b, _ := json.Marshal(struct {
		Protocol Protocol `json:"protocol"`
		ConnectionParams
	}{protocol, c})
	return string(b)
}

// Validate checks that the parameters are sufficient for the given protocol.
func (c ConnectionParams) Validate(protocol Protocol) error {
	switch protocol {
	case ProtocolTCP:
		if c.Host == "" {
			return ErrMissingAddress
		}
	case ProtocolRTU:
		if c.SerialPort == "" {
			return ErrMissingAddress
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return nil
}

// Device is a single Modbus unit reachable over TCP or RTU, carrying its own
// set of PollGroups.
type Device struct {
	ID         string           `json:"deviceId" yaml:"id"`
	Protocol   Protocol         `json:"protocol" yaml:"protocol"`
	Connection ConnectionParams `json:"connectionParams" yaml:"connection"`
	Groups     []PollGroup      `json:"pollGroups" yaml:"poll_groups"`
}

// Validate checks the device, its connection parameters, and rejects
// duplicate group IDs within the device (invariant in spec.md §3).
func (d Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if err := d.Connection.Validate(d.Protocol); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}
	if len(d.Groups) == 0 {
		return fmt.Errorf("device %s: %w", d.ID, ErrNoGroupsDefined)
	}

	seen := make(map[string]struct{}, len(d.Groups))
	for _, g := range d.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("device %s: %w: %s", d.ID, ErrDuplicateGroupID, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

// CacheKey returns this device's connection-pool cache key.
func (d Device) CacheKey() string {
	return d.Connection.CacheKey(d.Protocol)
}

// PollingConfig is the active configuration pushed down by the control
// plane: tuning knobs plus the full device/group/register inventory.
type PollingConfig struct {
	ConfigID   string `json:"configId"`
	ConfigName string `json:"configName,omitempty"`

	// Version is carried in the JSON shape as received; the agent itself
	// neither sets it nor reports it.
	Version uint32 `json:"version,omitempty"`

	FullRefreshIntervalMs     int `json:"fullRefreshIntervalMs"`
	BatchWindowMs             int `json:"batchWindowMs"`
	HistoricalBatchIntervalMs int `json:"historicalBatchIntervalMs"`

	Devices []Device `json:"devices"`
}

// Defaults for tuning knobs left unset by the control plane (spec.md §4).
const (
	DefaultFullRefreshIntervalMs     = 300000
	DefaultBatchWindowMs             = 2000
	DefaultHistoricalBatchIntervalMs = 60000
)

// ApplyDefaults fills zero-valued tuning knobs with their spec defaults.
func (c *PollingConfig) ApplyDefaults() {
	if c.FullRefreshIntervalMs <= 0 {
		c.FullRefreshIntervalMs = DefaultFullRefreshIntervalMs
	}
	if c.BatchWindowMs <= 0 {
		c.BatchWindowMs = DefaultBatchWindowMs
	}
	if c.HistoricalBatchIntervalMs <= 0 {
		c.HistoricalBatchIntervalMs = DefaultHistoricalBatchIntervalMs
	}
}

// Validate checks the config and rejects duplicate device IDs.
func (c PollingConfig) Validate() error {
	if c.ConfigID == "" {
		return ErrNoActiveConfig
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("config %s: %w", c.ConfigID, err)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("config %s: %w: %s", c.ConfigID, ErrDuplicateDeviceID, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// FindDevice returns the device with the given ID, if present.
func (c PollingConfig) FindDevice(deviceID string) (Device, bool) {
	for _, d := range c.Devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}

// ConnectionHandle is the live-session abstraction the connection pool hands
// to callers; internal/modbus.Pool implements the protocol-specific detail
// behind this shape.
type ConnectionHandle interface {
	// Key is the pool cache key this handle was acquired under.
	Key() string
	// Close releases the underlying transport.
	Close() error
}
