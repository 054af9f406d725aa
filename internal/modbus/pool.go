package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// pooledHandle wraps a live Client with its per-device circuit breaker.
// Per-device breakers isolate failures: one misbehaving device won't trip
// reads against the rest of the fleet.
type pooledHandle struct {
	client  *Client
	device  domain.Device
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex
}

// PoolConfig tunes the connection pool's housekeeping loops.
type PoolConfig struct {
	IdleTimeout       time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPoolConfig returns sensible defaults for the housekeeping loops.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		IdleTimeout:       5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// Pool is a keyed cache of live Modbus sessions, one per distinct
// ConnectionParams+Protocol combination (spec.md §4.3), following the
// teacher's internal/adapter/modbus/pool.go shape.
type Pool struct {
	config PoolConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*pooledHandle
	closed  bool
	wg      sync.WaitGroup
}

// NewPool constructs a Pool and starts its health-check and idle-reaper
// background loops.
func NewPool(config PoolConfig, logger zerolog.Logger) *Pool {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}
	if config.HealthCheckPeriod <= 0 {
		config.HealthCheckPeriod = DefaultPoolConfig().HealthCheckPeriod
	}

	p := &Pool{
		config:  config,
		logger:  logger.With().Str("component", "modbus-pool").Logger(),
		handles: make(map[string]*pooledHandle),
	}

	p.wg.Add(2)
	go p.healthCheckLoop()
	go p.idleReaperLoop()

	return p
}

func (p *Pool) createBreaker(deviceID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", deviceID),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info().
				Str("device", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// Acquire returns a connected Client for the device, establishing (or
// re-establishing) the session on demand. A circuit-breaker trip is
// surfaced as domain.ErrCircuitBreakerOpen, which the scheduler treats like
// any other connection error (spec.md §4.3/§4.5 — unlike the teacher's pool,
// which tracks breaker state only as ancillary health info).
func (p *Pool) Acquire(ctx context.Context, device domain.Device) (*Client, error) {
	key := device.CacheKey()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrControlChannelClosed
	}
	h, exists := p.handles[key]
	if !exists {
		h = &pooledHandle{
			client:  NewClient(device, p.logger),
			device:  device,
			breaker: p.createBreaker(device.ID),
		}
		p.handles[key] = h
	}
	p.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client.IsConnected() {
		return h.client, nil
	}

	if _, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.client.Connect(ctx)
	}); err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, domain.ErrCircuitBreakerOpen
		}
		return nil, err
	}
	return h.client, nil
}

// Evict closes and removes the handle for a device, forcing the next
// Acquire to dial a fresh session. Used by the scheduler's
// evict-and-retry-once policy on a connection error mid-iteration.
func (p *Pool) Evict(device domain.Device) {
	key := device.CacheKey()

	p.mu.Lock()
	h, exists := p.handles[key]
	delete(p.handles, key)
	p.mu.Unlock()

	if !exists {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client.Close()
}

// Close tears down every pooled session and stops the housekeeping loops.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for key, h := range p.handles {
		h.mu.Lock()
		if err := h.client.Close(); err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Str("key", key).Msg("error closing modbus session")
		}
		h.mu.Unlock()
	}
	p.handles = make(map[string]*pooledHandle)
	return lastErr
}

// HealthCheck implements internal/health.Checker.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrControlChannelClosed
	}
	return nil
}

// Size returns the number of pooled sessions, for metrics.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		keys := make([]string, 0, len(p.handles))
		for k := range p.handles {
			keys = append(keys, k)
		}
		p.mu.RUnlock()

		for _, key := range keys {
			p.checkHandleHealth(key)
		}
	}
}

func (p *Pool) checkHandleHealth(key string) {
	p.mu.RLock()
	h, exists := p.handles[key]
	p.mu.RUnlock()
	if !exists {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckPeriod)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		p.logger.Debug().Err(err).Str("device_id", h.device.ID).Msg("health-check reconnect failed")
	}
}

func (p *Pool) idleReaperLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		now := time.Now()
		for key, h := range p.handles {
			h.mu.Lock()
			idle := h.client.IsConnected() && now.Sub(h.client.LastUsed()) > p.config.IdleTimeout
			if idle {
				h.client.Close()
				delete(p.handles, key)
			}
			h.mu.Unlock()
		}
		p.mu.Unlock()
	}
}
