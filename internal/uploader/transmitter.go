package uploader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/controlchannel"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

// Sender is the subset of controlchannel.Channel the transmitter and
// uploader depend on.
type Sender interface {
	SendDataUpdate(rows []controlchannel.DataUpdateRow, isFullRefresh bool)
	IsOpen() bool
}

// Transmitter runs the batch-window timer that streams changed (or, every
// fullRefreshIntervalMs, all) cached values to the control channel
// (spec.md §4.9).
type Transmitter struct {
	cache    *buffer.ValueCache
	transmit *buffer.TransmitBuffer
	sender   Sender
	logger   zerolog.Logger

	batchWindow       time.Duration
	fullRefreshPeriod time.Duration

	mu              sync.Mutex
	lastFullRefresh time.Time

	running atomic.Bool
	cancel  func()
	wg      sync.WaitGroup
}

// NewTransmitter constructs a Transmitter. batchWindowMs/fullRefreshMs <= 0
// fall back to spec.md §3's defaults.
func NewTransmitter(cache *buffer.ValueCache, transmit *buffer.TransmitBuffer, sender Sender, batchWindowMs, fullRefreshMs int, logger zerolog.Logger) *Transmitter {
	if batchWindowMs <= 0 {
		batchWindowMs = domain.DefaultBatchWindowMs
	}
	if fullRefreshMs <= 0 {
		fullRefreshMs = domain.DefaultFullRefreshIntervalMs
	}
	return &Transmitter{
		cache:             cache,
		transmit:          transmit,
		sender:            sender,
		logger:            logger.With().Str("component", "batch-transmitter").Logger(),
		batchWindow:       time.Duration(batchWindowMs) * time.Millisecond,
		fullRefreshPeriod: time.Duration(fullRefreshMs) * time.Millisecond,
		lastFullRefresh:   time.Now(),
	}
}

// FullRefreshDue reports whether a full refresh is currently owed, used by
// the pipeline sink to decide whether a newly-observed-but-unchanged sample
// still needs to be enqueued ahead of the next tick.
func (t *Transmitter) FullRefreshDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastFullRefresh) >= t.fullRefreshPeriod
}

// Start begins the batch-window ticker loop.
func (t *Transmitter) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	stop := make(chan struct{})
	t.cancel = func() { close(stop) }

	t.wg.Add(1)
	go t.run(stop)
}

// Stop ends the loop.
func (t *Transmitter) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.cancel()
	t.wg.Wait()
}

func (t *Transmitter) run(stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Transmitter) tick() {
	if !t.sender.IsOpen() {
		return
	}

	if t.FullRefreshDue() {
		samples := t.cache.Snapshot()
		t.sender.SendDataUpdate(toRows(samples), true)
		t.mu.Lock()
		t.lastFullRefresh = time.Now()
		t.mu.Unlock()
		// A full refresh supersedes whatever incremental changes were
		// pending for this cycle; drop them so the next window starts
		// clean rather than re-sending values already covered.
		t.transmit.Flush()
		return
	}

	samples := t.transmit.Flush()
	if len(samples) == 0 {
		return
	}
	t.sender.SendDataUpdate(toRows(samples), false)
}

func toRows(samples []*domain.Sample) []controlchannel.DataUpdateRow {
	rows := make([]controlchannel.DataUpdateRow, len(samples))
	for i, s := range samples {
		rows[i] = controlchannel.DataUpdateRow{DeviceID: s.DeviceID, RegisterID: s.RegisterID, Value: s.Value}
	}
	return rows
}
