package buffer

import (
	"sync"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

// TransmitBuffer accumulates samples that changed since the last batch
// window flush (spec.md §4.9). Enqueue dedups by (device, register): only
// the latest value for a key survives to the next flush, since the control
// plane only needs the current state, not every intermediate reading (that
// is the Historical Buffer's job).
type TransmitBuffer struct {
	mu      sync.Mutex
	pending map[string]*domain.Sample
}

// NewTransmitBuffer constructs an empty TransmitBuffer.
func NewTransmitBuffer() *TransmitBuffer {
	return &TransmitBuffer{pending: make(map[string]*domain.Sample)}
}

// Enqueue records a changed sample for the next flush.
func (t *TransmitBuffer) Enqueue(s *domain.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[s.Key()] = s
}

// Flush returns and clears every pending sample. Called by the Batch
// Transmitter on its batchWindowMs timer for an incremental transmit.
func (t *TransmitBuffer) Flush() []*domain.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*domain.Sample, 0, len(t.pending))
	for _, s := range t.pending {
		out = append(out, s)
	}
	t.pending = make(map[string]*domain.Sample)
	return out
}

// Len reports the number of distinct keys pending, for metrics.
func (t *TransmitBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
