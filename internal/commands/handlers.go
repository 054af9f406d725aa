package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/controlchannel"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/nexus-edge/modbus-agent/internal/modbus"
	"github.com/rs/zerolog"
)

const (
	maxConcurrentWrites = 8
	maxConcurrentScans  = 16
	defaultScanTimeout  = 2 * time.Second
)

// Pool is the subset of internal/modbus.Pool the command handlers depend on.
type Pool interface {
	Acquire(ctx context.Context, device domain.Device) (*modbus.Client, error)
	Evict(device domain.Device)
}

// Scheduler is the subset of internal/scheduler.Scheduler the
// set_polling_config handler depends on.
type Scheduler interface {
	Reconfigure(config domain.PollingConfig)
}

// Handlers holds the dependencies shared by every command-dispatch handler
// and bounds concurrent Modbus writes with a semaphore, following the
// teacher's command_handler.go writeSemaphore pattern (rate-limiting
// concurrent device writes rather than the whole command path, since reads
// and diagnostics are cheap but writes touch live equipment).
type Handlers struct {
	pool      Pool
	registry  *Registry
	scheduler Scheduler
	logger    zerolog.Logger

	writeSem chan struct{}
	scanSem  chan struct{}
}

// NewHandlers constructs a Handlers bound to the given pool, device
// registry, and scheduler.
func NewHandlers(pool Pool, registry *Registry, scheduler Scheduler, logger zerolog.Logger) *Handlers {
	return &Handlers{
		pool:      pool,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "command-handlers").Logger(),
		writeSem:  make(chan struct{}, maxConcurrentWrites),
		scanSem:   make(chan struct{}, maxConcurrentScans),
	}
}

// Register binds every command handler to its CommandKind on the channel.
// Call before Channel.Start.
func (h *Handlers) Register(ch *controlchannel.Channel) {
	ch.RegisterHandler(controlchannel.CommandSetPollingConfig, h.HandleSetPollingConfig)
	ch.RegisterHandler(controlchannel.CommandNetworkScan, h.HandleNetworkScan)
	ch.RegisterHandler(controlchannel.CommandModbusRead, h.HandleModbusRead)
	ch.RegisterHandler(controlchannel.CommandModbusWrite, h.HandleModbusWrite)
	ch.RegisterHandler(controlchannel.CommandTestCommunication, h.HandleTestCommunication)
}

// --- set_polling_config ---

type setPollingConfigResult struct {
	ConfigID string `json:"configId"`
	Devices  int    `json:"devices"`
}

// HandleSetPollingConfig applies a PollingConfig pushed directly over the
// control channel, the same shape the Config Watcher pulls over HTTP
// (spec.md §6/§4.7) — useful when the control plane wants to push a change
// immediately rather than waiting for the next poll.
func (h *Handlers) HandleSetPollingConfig(_ context.Context, cmd controlchannel.Command) (interface{}, error) {
	var cfg domain.PollingConfig
	if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
		return nil, fmt.Errorf("invalid set_polling_config payload: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h.registry.Reconfigure(cfg)
	h.scheduler.Reconfigure(cfg)

	h.logger.Info().Str("config_id", cfg.ConfigID).Int("devices", len(cfg.Devices)).
		Msg("applied polling config via command channel")
	return setPollingConfigResult{ConfigID: cfg.ConfigID, Devices: len(cfg.Devices)}, nil
}

// --- network_scan ---

type networkScanPayload struct {
	Host      string `json:"host"`
	PortStart int    `json:"portStart,omitempty"`
	PortEnd   int    `json:"portEnd,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type networkScanResult struct {
	Host         string `json:"host"`
	OpenPorts    []int  `json:"openPorts"`
	ScannedCount int    `json:"scannedCount"`
}

// HandleNetworkScan probes a range of TCP ports on a host with a bare
// connect, the same reachability probe the connection pool runs on a
// failed TCP establish (spec.md §4.3), generalized here into an
// operator-triggered diagnostic across a port range.
func (h *Handlers) HandleNetworkScan(ctx context.Context, cmd controlchannel.Command) (interface{}, error) {
	var p networkScanPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid network_scan payload: %w", err)
	}
	if p.Host == "" {
		return nil, domain.ErrMissingAddress
	}
	if p.PortStart == 0 {
		p.PortStart = 502
	}
	if p.PortEnd == 0 {
		p.PortEnd = p.PortStart
	}
	if p.PortEnd < p.PortStart {
		p.PortStart, p.PortEnd = p.PortEnd, p.PortStart
	}

	timeout := defaultScanTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	var (
		mu   sync.Mutex
		open []int
		wg   sync.WaitGroup
	)

	for port := p.PortStart; port <= p.PortEnd; port++ {
		select {
		case h.scanSem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			defer func() { <-h.scanSem }()

			addr := net.JoinHostPort(p.Host, strconv.Itoa(port))
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return
			}
			conn.Close()

			mu.Lock()
			open = append(open, port)
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Ints(open)
	return networkScanResult{
		Host:         p.Host,
		OpenPorts:    open,
		ScannedCount: p.PortEnd - p.PortStart + 1,
	}, nil
}

// --- modbus_read ---

type readPayload struct {
	DeviceID     string `json:"deviceId"`
	FunctionCode int    `json:"functionCode,omitempty"`
	Address      int    `json:"address"`
	Count        int    `json:"count,omitempty"`
}

type readResult struct {
	DeviceID     string   `json:"deviceId"`
	Address      int      `json:"address"`
	FunctionCode int      `json:"functionCode"`
	Values       []uint16 `json:"values,omitempty"`
	Bits         []bool   `json:"bits,omitempty"`
}

// HandleModbusRead issues a single command-driven read against a live
// device, honoring an explicit function code (default FC3) rather than the
// scheduler's always-FC3 policy (spec.md §6/§9).
func (h *Handlers) HandleModbusRead(ctx context.Context, cmd controlchannel.Command) (interface{}, error) {
	var p readPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid modbus_read payload: %w", err)
	}
	if p.FunctionCode == 0 {
		p.FunctionCode = 3
	}
	if p.Count == 0 {
		p.Count = 1
	}

	device, ok := h.registry.Device(p.DeviceID)
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}

	client, err := h.pool.Acquire(ctx, device)
	if err != nil {
		return nil, err
	}

	raw, err := client.ReadWithFunctionCode(p.FunctionCode, uint16(modbus.Normalize(p.Address)), uint16(p.Count))
	if err != nil {
		return nil, err
	}

	result := readResult{DeviceID: p.DeviceID, Address: p.Address, FunctionCode: p.FunctionCode}
	switch p.FunctionCode {
	case 1, 2:
		result.Bits = decodeBits(raw, p.Count)
	default:
		result.Values = decodeRegisters(raw)
	}
	return result, nil
}

func decodeRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
	}
	return out
}

func decodeBits(raw []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count && i/8 < len(raw); i++ {
		out[i] = raw[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// --- modbus_write ---

type writePayload struct {
	DeviceID     string      `json:"deviceId"`
	FunctionCode int         `json:"functionCode,omitempty"`
	Address      int         `json:"address"`
	Value        interface{} `json:"value"`
}

type writeResult struct {
	DeviceID     string `json:"deviceId"`
	Address      int    `json:"address"`
	FunctionCode int    `json:"functionCode"`
	Success      bool   `json:"success"`
}

// HandleModbusWrite issues a single command-driven write, honoring an
// explicit function code (default FC6). Concurrent writes are bounded by
// writeSem so a burst of commands can't pile up against one device's
// pooled connection (spec.md §6, following the teacher's
// processWriteCommand rate-limiting semaphore).
func (h *Handlers) HandleModbusWrite(ctx context.Context, cmd controlchannel.Command) (interface{}, error) {
	select {
	case h.writeSem <- struct{}{}:
		defer func() { <-h.writeSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var p writePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid modbus_write payload: %w", err)
	}
	if p.FunctionCode == 0 {
		p.FunctionCode = 6
	}

	device, ok := h.registry.Device(p.DeviceID)
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}

	client, err := h.pool.Acquire(ctx, device)
	if err != nil {
		return nil, err
	}

	addr := uint16(modbus.Normalize(p.Address))

	switch p.FunctionCode {
	case 5:
		v, ok := p.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: function code 5 requires a boolean value", domain.ErrInvalidWriteValue)
		}
		if err := client.WriteSingleCoil(addr, v); err != nil {
			return nil, err
		}
	case 6:
		v, err := toUint16(p.Value)
		if err != nil {
			return nil, err
		}
		if err := client.WriteSingleRegister(addr, v); err != nil {
			return nil, err
		}
	case 15:
		vals, err := toBoolSlice(p.Value)
		if err != nil {
			return nil, err
		}
		if err := client.WriteMultipleCoils(addr, vals); err != nil {
			return nil, err
		}
	case 16:
		vals, err := toUint16Slice(p.Value)
		if err != nil {
			return nil, err
		}
		if err := client.WriteMultipleRegisters(addr, vals); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: function code %d", domain.ErrNotWritable, p.FunctionCode)
	}

	return writeResult{DeviceID: p.DeviceID, Address: p.Address, FunctionCode: p.FunctionCode, Success: true}, nil
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toUint16(v interface{}) (uint16, error) {
	n, ok := toNumber(v)
	if !ok || n < 0 || n > 65535 {
		return 0, domain.ErrInvalidWriteValue
	}
	return uint16(n), nil
}

func toUint16Slice(v interface{}) ([]uint16, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, domain.ErrInvalidWriteValue
	}
	out := make([]uint16, len(arr))
	for i, item := range arr {
		n, err := toUint16(item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func toBoolSlice(v interface{}) ([]bool, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, domain.ErrInvalidWriteValue
	}
	out := make([]bool, len(arr))
	for i, item := range arr {
		b, ok := item.(bool)
		if !ok {
			return nil, domain.ErrInvalidWriteValue
		}
		out[i] = b
	}
	return out, nil
}

// --- test_communication ---

type testCommunicationPayload struct {
	DeviceID string `json:"deviceId"`
}

type testCommunicationResult struct {
	DeviceID  string `json:"deviceId"`
	Reachable bool   `json:"reachable"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleTestCommunication attempts to acquire a pooled connection to the
// device and reports reachability. Unlike the other handlers, an
// unreachable device is not an error: it's the diagnostic's expected
// negative outcome and is reported in the result payload instead (spec.md
// §6), following the teacher's pattern of success:false responses for
// expected negative outcomes rather than typed errors.
func (h *Handlers) HandleTestCommunication(ctx context.Context, cmd controlchannel.Command) (interface{}, error) {
	var p testCommunicationPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid test_communication payload: %w", err)
	}

	device, ok := h.registry.Device(p.DeviceID)
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}

	start := time.Now()
	_, err := h.pool.Acquire(ctx, device)
	latency := time.Since(start)
	if err != nil {
		return testCommunicationResult{DeviceID: p.DeviceID, Reachable: false, Error: err.Error()}, nil
	}
	return testCommunicationResult{DeviceID: p.DeviceID, Reachable: true, LatencyMs: latency.Milliseconds()}, nil
}
