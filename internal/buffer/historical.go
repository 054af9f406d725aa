package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultHistoricalCap is the default number of samples the Historical
// Buffer retains before the oldest entries are dropped (spec.md §4.4).
const DefaultHistoricalCap = 10000

// HistoricalBuffer accumulates every Sample produced by the scheduler
// (unlike the Value Cache, which only keeps the latest), for periodic bulk
// upload. It is a bounded FIFO: once full, appending drops the oldest entry
// and logs a warning (spec.md §3).
type HistoricalBuffer struct {
	mu          sync.Mutex
	cap         int
	samples     []historicalEntry
	logger      zerolog.Logger
	dropped     atomic.Int64
	overflowing bool
}

type historicalEntry struct {
	deviceID   string
	registerID string
	value      interface{}
	timestampMs int64
	quality    string
}

// NewHistoricalBuffer constructs a HistoricalBuffer with the given capacity.
// capacity <= 0 uses DefaultHistoricalCap.
func NewHistoricalBuffer(capacity int) *HistoricalBuffer {
	if capacity <= 0 {
		capacity = DefaultHistoricalCap
	}
	return &HistoricalBuffer{cap: capacity, logger: zerolog.Nop()}
}

// SetLogger attaches a logger used to warn on FIFO overflow drops.
func (h *HistoricalBuffer) SetLogger(logger zerolog.Logger) {
	h.logger = logger.With().Str("component", "historical-buffer").Logger()
}

// Dropped returns the total number of entries dropped to FIFO overflow, for
// metrics.
func (h *HistoricalBuffer) Dropped() int64 {
	return h.dropped.Load()
}

// Append adds an entry, truncating the oldest entry first if at capacity.
// Overflow is logged once per overflow event, not once per dropped entry:
// overflowing is only set back to false once the buffer drains below
// capacity (DrainAll), so a burst of drops between two drains warns once.
func (h *HistoricalBuffer) Append(deviceID, registerID string, value interface{}, timestampMs int64, quality string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.cap {
		h.samples = h.samples[1:]
		h.dropped.Add(1)
		if !h.overflowing {
			h.overflowing = true
			h.logger.Warn().Int("cap", h.cap).Msg("historical buffer full, dropping oldest samples")
		}
	}
	h.samples = append(h.samples, historicalEntry{deviceID, registerID, value, timestampMs, quality})
}

// DrainRecord is the exported shape of a drained historical entry.
type DrainRecord struct {
	DeviceID    string
	RegisterID  string
	Value       interface{}
	TimestampMs int64
	Quality     string
}

// DrainAll removes and returns every buffered entry, oldest first, and
// clears overflowing so the next FIFO-overflow burst logs its own warning.
func (h *HistoricalBuffer) DrainAll() []DrainRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]DrainRecord, len(h.samples))
	for i, e := range h.samples {
		out[i] = DrainRecord{e.deviceID, e.registerID, e.value, e.timestampMs, e.quality}
	}
	h.samples = nil
	h.overflowing = false
	return out
}

// Len returns the number of buffered entries, for metrics.
func (h *HistoricalBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}
