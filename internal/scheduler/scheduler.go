// Package scheduler drives the per-(device, group) polling loops: one timer
// per group, re-entrant-safe, that reads its registers through the
// connection pool and feeds the value cache and buffers (spec.md §4.5).
package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/nexus-edge/modbus-agent/internal/modbus"
	"github.com/rs/zerolog"
)

// connectionErrorMarkers are substrings (case-insensitive) that identify a
// Modbus error as connection-level rather than a protocol/data error,
// triggering the evict-and-retry-once policy (spec.md §4.5).
var connectionErrorMarkers = []string{
	"port not open", "econn", "epipe", "reset", "closed", "socket", "timeout",
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Sink is how the scheduler hands off each poll's samples to the rest of
// the pipeline. Production code wires this to the value cache, historical
// buffer, and transmit buffer (uploader.PipelineSink); tests can substitute
// a recorder.
type Sink interface {
	Observe(s *domain.Sample)
}

// Pool is the subset of internal/modbus.Pool the scheduler depends on.
type Pool interface {
	Acquire(ctx context.Context, device domain.Device) (*modbus.Client, error)
	Evict(device domain.Device)
}

// Metrics is the subset of internal/metrics.Registry the scheduler reports
// to. Optional: a Scheduler with no Metrics set simply skips recording.
type Metrics interface {
	RecordPoll(deviceID, protocol string, success bool, duration float64, samples int)
	RecordPollError(deviceID, errorType string)
	RecordPollSkipped()
}

// Scheduler owns one timer per (device, group) and is safe to reconfigure
// at any time: Reconfigure atomically stops pollers for groups no longer
// present and starts pollers for new ones, per spec.md §4.5's requirement
// that reconfiguration be idempotent and atomic with respect to observers.
type Scheduler struct {
	pool    Pool
	sink    Sink
	metrics Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	pollers map[string]*groupPoller // key: deviceID + "/" + groupID
}

// New constructs a Scheduler. It starts with no groups; call Reconfigure to
// apply the first PollingConfig.
func New(pool Pool, sink Sink, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pool:    pool,
		sink:    sink,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		pollers: make(map[string]*groupPoller),
	}
}

// SetMetrics attaches a metrics recorder. Safe to call once before the first
// Reconfigure.
func (s *Scheduler) SetMetrics(m Metrics) {
	s.metrics = m
}

type groupPoller struct {
	device  domain.Device
	group   domain.PollGroup
	running atomic.Bool
	cancel  context.CancelFunc
}

func pollerKey(deviceID, groupID string) string { return deviceID + "/" + groupID }

// Reconfigure applies a new PollingConfig: groups present in the new config
// but not the old one are started, groups removed are stopped, and groups
// present in both keep running undisturbed (so an unrelated config push
// doesn't reset an in-flight poller's cadence).
func (s *Scheduler) Reconfigure(config domain.PollingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{})
	for _, device := range config.Devices {
		for _, group := range device.Groups {
			key := pollerKey(device.ID, group.ID)
			wanted[key] = struct{}{}
			if _, exists := s.pollers[key]; exists {
				continue
			}
			s.startLocked(device, group)
		}
	}

	for key, p := range s.pollers {
		if _, keep := wanted[key]; !keep {
			p.cancel()
			delete(s.pollers, key)
		}
	}
}

func (s *Scheduler) startLocked(device domain.Device, group domain.PollGroup) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &groupPoller{device: device, group: group, cancel: cancel}
	s.pollers[pollerKey(device.ID, group.ID)] = p

	go s.run(ctx, p)
}

// Stop cancels every running poller.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pollers {
		p.cancel()
		delete(s.pollers, key)
	}
}

func (s *Scheduler) run(ctx context.Context, p *groupPoller) {
	interval := time.Duration(p.group.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	// Jitter spreads poll starts across groups sharing an interval so they
	// don't all land on the connection pool simultaneously.
	if jitterMax := interval / 10; jitterMax > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(jitterMax))))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.poll(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, p)
		}
	}
}

// poll runs one iteration for a group, guarded against re-entrancy by the
// poller's own atomic.Bool: if the previous iteration is still running when
// the ticker fires again, this tick is skipped rather than stacking a
// second concurrent read on the same device (spec.md §4.5).
func (s *Scheduler) poll(ctx context.Context, p *groupPoller) {
	if !p.running.CompareAndSwap(false, true) {
		s.logger.Debug().Str("device_id", p.device.ID).Str("group_id", p.group.ID).
			Msg("skipping poll: previous iteration still running")
		if s.metrics != nil {
			s.metrics.RecordPollSkipped()
		}
		return
	}
	defer p.running.Store(false)

	start := time.Now()
	err := s.pollOnce(ctx, p)
	if err != nil && isConnectionError(err) {
		s.logger.Warn().Err(err).Str("device_id", p.device.ID).Str("group_id", p.group.ID).
			Msg("poll failed after evict-and-retry")
	}

	if s.metrics != nil {
		s.metrics.RecordPoll(p.device.ID, string(p.device.Protocol), err == nil, time.Since(start).Seconds(), len(p.group.Registers))
		if err != nil {
			errType := "data"
			if isConnectionError(err) {
				errType = "connection"
			}
			s.metrics.RecordPollError(p.device.ID, errType)
		}
	}
}

// pollOnce reads every block of one group iteration, sharing a single
// timestamp across all of its samples (spec.md §3/§5/§8: all registers read
// in one iteration share the timestamp).
func (s *Scheduler) pollOnce(ctx context.Context, p *groupPoller) error {
	client, err := s.pool.Acquire(ctx, p.device)
	if err != nil {
		s.recordGroupFailure(p, time.Now())
		return err
	}

	ts := time.Now()

	byAddr := make(map[int]domain.Register, len(p.group.Registers))
	addrs := make([]int, 0, len(p.group.Registers))
	for _, r := range p.group.Registers {
		norm := modbus.Normalize(r.Address)
		byAddr[norm] = r
		addrs = append(addrs, norm)
	}

	blocks := modbus.Optimize(addrs, modbus.DefaultMaxBlockSize)

	var firstErr error
	for _, block := range blocks {
		result, err := client.ReadBlock(block)
		if err != nil && isConnectionError(err) {
			// Evict-and-retry-once, scoped to this single failed read
			// command (spec.md §4.5 step 4d) rather than the whole
			// iteration: blocks already read above must not be re-issued
			// and re-observed.
			s.pool.Evict(p.device)
			client, err = s.pool.Acquire(ctx, p.device)
			if err == nil {
				result, err = client.ReadBlock(block)
			}
		}

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Data/protocol error, or a connection error that persisted
			// through the retry: record bad samples for this block's
			// registers and keep reading the rest of the group.
			for offset := 0; offset < block.Count; offset++ {
				if r, ok := byAddr[block.StartAddress+offset]; ok {
					s.sink.Observe(domain.NewSampleAt(p.device.ID, r.ID, nil, domain.QualityBad, ts))
				}
			}
			continue
		}
		for offset, value := range result.Registers {
			if r, ok := byAddr[block.StartAddress+offset]; ok {
				s.sink.Observe(domain.NewSampleAt(p.device.ID, r.ID, value, domain.QualityGood, ts))
			}
		}
	}
	return firstErr
}

// recordGroupFailure marks every register in the group bad when the device
// itself could not be reached at all (connection-pool acquire failure).
func (s *Scheduler) recordGroupFailure(p *groupPoller, ts time.Time) {
	for _, r := range p.group.Registers {
		s.sink.Observe(domain.NewSampleAt(p.device.ID, r.ID, nil, domain.QualityBad, ts))
	}
}
