package uploader

import (
	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/domain"
)

// PipelineSink fans a domain.Sample out to the Value Cache, Historical
// Buffer, and (on change) the Transmit Buffer, preserving the lock-step
// invariant of spec.md §3: every read appends exactly one Historical sample
// and conditionally one Transmit sample.
type PipelineSink struct {
	cache      *buffer.ValueCache
	historical *buffer.HistoricalBuffer
	transmit   *buffer.TransmitBuffer
	transmitter *Transmitter
}

// NewPipelineSink wires the three buffers and the transmitter that decides
// whether a full refresh is currently due.
func NewPipelineSink(cache *buffer.ValueCache, historical *buffer.HistoricalBuffer, transmit *buffer.TransmitBuffer, transmitter *Transmitter) *PipelineSink {
	return &PipelineSink{cache: cache, historical: historical, transmit: transmit, transmitter: transmitter}
}

// Observe implements internal/scheduler.Sink.
func (s *PipelineSink) Observe(sample *domain.Sample) {
	s.historical.Append(sample.DeviceID, sample.RegisterID, sample.Value, sample.Timestamp.UnixMilli(), string(sample.Quality))

	if sample.Quality != domain.QualityGood {
		return
	}

	changed := s.cache.Update(sample)
	if changed || s.transmitter.FullRefreshDue() {
		s.transmit.Enqueue(sample)
	}
}
