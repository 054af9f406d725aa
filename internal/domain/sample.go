package domain

import (
	"sync"
	"time"
)

// samplePool is a sync.Pool for reusing Sample objects on the hot polling
// path, reducing GC pressure when a group reads hundreds of registers every
// few hundred milliseconds.
var samplePool = sync.Pool{
	New: func() interface{} {
		return &Sample{}
	},
}

// Quality reflects whether a Sample's Value can be trusted.
type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// Sample is a single value read from a Register at a point in time. Value is
// nil when Quality is QualityBad (the read failed or the device was
// unreachable) — spec.md §3 requires the record still be kept so gaps are
// visible in the historical buffer.
type Sample struct {
	DeviceID   string      `json:"deviceId"`
	RegisterID string      `json:"registerId"`
	Value      interface{} `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
	Quality    Quality     `json:"quality"`
}

// NewSample builds a Sample with the current timestamp.
func NewSample(deviceID, registerID string, value interface{}, quality Quality) *Sample {
	return NewSampleAt(deviceID, registerID, value, quality, time.Now())
}

// NewSampleAt builds a Sample with an explicit timestamp, for callers that
// must share one timestamp across every sample from the same poll iteration
// (spec.md §3: "all registers read in one iteration share the timestamp").
func NewSampleAt(deviceID, registerID string, value interface{}, quality Quality, ts time.Time) *Sample {
	return &Sample{
		DeviceID:   deviceID,
		RegisterID: registerID,
		Value:      value,
		Quality:    quality,
		Timestamp:  ts,
	}
}

// AcquireSample gets a Sample from the pool and initializes it. Call
// ReleaseSample when the value cache and buffers are done with it.
func AcquireSample(deviceID, registerID string, value interface{}, quality Quality) *Sample {
	s := samplePool.Get().(*Sample)
	s.DeviceID = deviceID
	s.RegisterID = registerID
	s.Value = value
	s.Quality = quality
	s.Timestamp = time.Now()
	return s
}

// ReleaseSample returns a Sample to the pool for reuse. The Sample must not
// be referenced after this call.
func ReleaseSample(s *Sample) {
	if s == nil {
		return
	}
	s.Reset()
	samplePool.Put(s)
}

// Reset clears the Sample for reuse.
func (s *Sample) Reset() {
	s.DeviceID = ""
	s.RegisterID = ""
	s.Value = nil
	s.Timestamp = time.Time{}
	s.Quality = ""
}

// Key returns the value-cache key for this sample's (device, register) pair.
func (s *Sample) Key() string {
	return s.DeviceID + "/" + s.RegisterID
}
