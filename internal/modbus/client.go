package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goburrow "github.com/goburrow/modbus"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

// ReadBlock is the result of reading one contiguous Block: Registers is the
// raw 16-bit words, one per address in [Block.StartAddress,
// Block.StartAddress+Block.Count).
type ReadBlock struct {
	Block     Block
	Registers []uint16
}

// Client wraps a single live Modbus session (TCP or RTU) with retry-on-
// establish and reconnect-on-error, following the teacher's
// internal/adapter/modbus/client.go shape.
type Client struct {
	deviceID  string
	protocol  domain.Protocol
	params    domain.ConnectionParams
	logger    zerolog.Logger

	mu        sync.RWMutex
	handler   modbusHandler
	client    goburrow.Client
	connected atomic.Bool
	lastUsed  atomic.Int64 // unix nanos
}

// modbusHandler is the subset of goburrow's handler types this client needs;
// both *goburrow.TCPClientHandler and *goburrow.RTUClientHandler satisfy it.
type modbusHandler interface {
	Connect() error
	Close() error
}

// NewClient creates a Client for the given device. It does not connect;
// call Connect or let the pool's retry-on-establish logic do so.
func NewClient(device domain.Device, logger zerolog.Logger) *Client {
	return &Client{
		deviceID: device.ID,
		protocol: device.Protocol,
		params:   device.Connection,
		logger:   logger.With().Str("device_id", device.ID).Logger(),
	}
}

func (c *Client) timeout() time.Duration {
	if c.params.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.params.TimeoutMs) * time.Millisecond
}

// Connect establishes the underlying TCP or RTU session, retrying up to
// three times with a 2-second linear backoff (spec.md §4.3).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second * time.Duration(attempt-1)):
			}
		}

		handler, client, err := c.dial()
		if err == nil {
			c.handler = handler
			c.client = client
			c.connected.Store(true)
			c.lastUsed.Store(time.Now().UnixNano())
			c.logger.Info().Int("attempt", attempt).Msg("connected to modbus device")
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("modbus connect failed")
	}

	return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, lastErr)
}

func (c *Client) dial() (modbusHandler, goburrow.Client, error) {
	switch c.protocol {
	case domain.ProtocolTCP:
		addr := fmt.Sprintf("%s:%d", c.params.Host, c.params.Port)
		h := goburrow.NewTCPClientHandler(addr)
		h.Timeout = c.timeout()
		h.SlaveId = c.params.UnitID
		// The library closes its socket after this long without traffic and
		// redials on the next request; separately, the pool's idle-reaper
		// tears down sessions unused past its own timeout.
		h.IdleTimeout = 1 * time.Second
		if err := h.Connect(); err != nil {
			return nil, nil, err
		}
		return h, goburrow.NewClient(h), nil

	case domain.ProtocolRTU:
		h := goburrow.NewRTUClientHandler(c.params.SerialPort)
		h.BaudRate = c.params.BaudRate
		h.DataBits = c.params.DataBits
		h.Parity = c.params.Parity
		h.StopBits = c.params.StopBits
		h.SlaveId = c.params.UnitID
		h.Timeout = c.timeout()
		if err := h.Connect(); err != nil {
			return nil, nil, err
		}
		return h, goburrow.NewClient(h), nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnknownProtocol, c.protocol)
	}
}

// Close tears down the underlying session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	c.connected.Store(false)
	var err error
	if c.handler != nil {
		err = c.handler.Close()
	}
	c.handler = nil
	c.client = nil
	return err
}

// IsConnected reports whether the session is currently established.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// LastUsed returns the last time a read or write ran on this client.
func (c *Client) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Key returns the connection-pool cache key for this client (satisfies
// domain.ConnectionHandle).
func (c *Client) Key() string {
	return c.params.CacheKey(c.protocol)
}

// ReadBlock issues a single FC3 (read holding registers) request for the
// given block. Scheduled polling always uses FC3 regardless of the
// register's logical bank, per spec.md §9's resolved open question.
func (c *Client) ReadBlock(block Block) (ReadBlock, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return ReadBlock{}, domain.ErrConnectionClosed
	}

	c.lastUsed.Store(time.Now().UnixNano())

	raw, err := client.ReadHoldingRegisters(uint16(block.StartAddress), uint16(block.Count))
	if err != nil {
		return ReadBlock{}, c.translateError(err)
	}

	regs := make([]uint16, block.Count)
	for i := 0; i < block.Count && (i*2+1) < len(raw); i++ {
		regs[i] = uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
	}
	return ReadBlock{Block: block, Registers: regs}, nil
}

// ReadWithFunctionCode issues a command-driven read using an explicit
// function code (1, 2, 3, or 4), per spec.md §6.
func (c *Client) ReadWithFunctionCode(fc int, address, count uint16) ([]byte, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, domain.ErrConnectionClosed
	}
	c.lastUsed.Store(time.Now().UnixNano())

	var result []byte
	var err error
	switch fc {
	case 1:
		result, err = client.ReadCoils(address, count)
	case 2:
		result, err = client.ReadDiscreteInputs(address, count)
	case 3:
		result, err = client.ReadHoldingRegisters(address, count)
	case 4:
		result, err = client.ReadInputRegisters(address, count)
	default:
		return nil, fmt.Errorf("%w: unsupported read function code %d", domain.ErrReadFailed, fc)
	}
	if err != nil {
		return nil, c.translateError(err)
	}
	return result, nil
}

// WriteSingleCoil issues FC5.
func (c *Client) WriteSingleCoil(address uint16, value bool) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return domain.ErrConnectionClosed
	}
	c.lastUsed.Store(time.Now().UnixNano())

	var coil uint16
	if value {
		coil = 0xFF00
	}
	_, err := client.WriteSingleCoil(address, coil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	return nil
}

// WriteSingleRegister issues FC6.
func (c *Client) WriteSingleRegister(address, value uint16) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return domain.ErrConnectionClosed
	}
	c.lastUsed.Store(time.Now().UnixNano())

	_, err := client.WriteSingleRegister(address, value)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	return nil
}

// WriteMultipleRegisters issues FC16.
func (c *Client) WriteMultipleRegisters(address uint16, values []uint16) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return domain.ErrConnectionClosed
	}
	c.lastUsed.Store(time.Now().UnixNano())

	bytes := make([]byte, len(values)*2)
	for i, v := range values {
		bytes[i*2] = byte(v >> 8)
		bytes[i*2+1] = byte(v)
	}
	_, err := client.WriteMultipleRegisters(address, uint16(len(values)), bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	return nil
}

// WriteMultipleCoils issues FC15.
func (c *Client) WriteMultipleCoils(address uint16, values []bool) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return domain.ErrConnectionClosed
	}
	c.lastUsed.Store(time.Now().UnixNano())

	byteCount := (len(values) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, v := range values {
		if v {
			bytes[i/8] |= 1 << uint(i%8)
		}
	}
	_, err := client.WriteMultipleCoils(address, uint16(len(values)), bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	return nil
}

// translateError wraps a goburrow/modbus error as a domain error. Modbus
// exception responses surface as *goburrow.ModbusError; anything else is a
// transport-level read/write failure.
func (c *Client) translateError(err error) error {
	if me, ok := err.(*goburrow.ModbusError); ok {
		return ModbusExceptionToError(byte(me.ExceptionCode))
	}
	return fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
}

// ModbusExceptionToError is re-exported at package level so callers working
// directly with exception codes (e.g. command responses) don't need to
// import internal/domain separately.
func ModbusExceptionToError(code byte) error {
	return domain.ModbusExceptionToError(code)
}
