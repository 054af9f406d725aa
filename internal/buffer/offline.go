package buffer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

// DefaultOfflineDir and DefaultOfflineFile name the on-disk spill location
// (spec.md §6's on-disk layout).
const (
	DefaultOfflineDir  = ".modbus-agent-buffer"
	DefaultOfflineFile = "offline-buffer.json"

	// SoftSizeCapBytes is the soft cap on the offline file's size; once
	// reached, Append drops new samples silently (returning nil, with no
	// log line) rather than growing the file without bound (spec.md §4.4).
	SoftSizeCapBytes = 50 * 1024 * 1024

	// DrainChunkSize is how many samples are replayed per chunk when the
	// control channel reconnects (spec.md §4.8); each chunk is
	// all-or-nothing.
	DrainChunkSize = 1000
)

// OfflineRecord is the on-disk shape of a spilled sample.
type OfflineRecord struct {
	DeviceID    string      `json:"deviceId"`
	RegisterID  string      `json:"registerId"`
	Value       interface{} `json:"value"`
	TimestampMs int64       `json:"timestampMs"`
	Quality     string      `json:"quality"`
}

// OfflineBuffer is the disk-backed spill queue used while the control
// channel is down: a single JSON array file, rewritten in full on every
// mutation. Full-rewrite (not log-structured) per spec.md §9's resolved
// open question — this agent's data rates don't need a log-structured
// store, and a single file is simpler to reason about on crash recovery.
// Grounded on the teacher's MQTT publisher's buffer/drain-on-reconnect
// shape (internal/adapter/mqtt/publisher.go), translated from an in-memory
// channel to disk.
type OfflineBuffer struct {
	mu       sync.Mutex
	path     string
	buffering atomic.Bool
}

// NewOfflineBuffer opens (creating if needed) the offline buffer file under
// dir. dir == "" uses DefaultOfflineDir in the current working directory.
func NewOfflineBuffer(dir string) (*OfflineBuffer, error) {
	if dir == "" {
		dir = DefaultOfflineDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	o := &OfflineBuffer{path: filepath.Join(dir, DefaultOfflineFile)}
	if _, err := os.Stat(o.path); os.IsNotExist(err) {
		if err := os.WriteFile(o.path, []byte("[]"), 0o644); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SetBuffering toggles whether Append actually spills to disk. The agent
// sets this to true when the control channel goes down and false when it
// reconnects (the two-state buffering_status retained verbatim per
// SPEC_FULL.md §9).
func (o *OfflineBuffer) SetBuffering(buffering bool) {
	o.buffering.Store(buffering)
}

// Buffering reports the current toggle state.
func (o *OfflineBuffer) Buffering() bool {
	return o.buffering.Load()
}

// Append spills a sample to disk if buffering is enabled. It is a no-op
// (returns nil) when buffering is off or the soft size cap is hit.
func (o *OfflineBuffer) Append(s *domain.Sample) error {
	if !o.buffering.Load() {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if info, err := os.Stat(o.path); err == nil && info.Size() >= SoftSizeCapBytes {
		return nil
	}

	records, err := o.readLocked()
	if err != nil {
		return err
	}
	records = append(records, OfflineRecord{
		DeviceID:    s.DeviceID,
		RegisterID:  s.RegisterID,
		Value:       s.Value,
		TimestampMs: s.Timestamp.UnixMilli(),
		Quality:     string(s.Quality),
	})
	return o.writeLocked(records)
}

// Size returns the number of buffered records, for the Status Reporter.
func (o *OfflineBuffer) Size() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	records, err := o.readLocked()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// DrainChunk returns up to DrainChunkSize records from the front of the
// file without removing them; Commit removes them. Callers must not call
// Commit unless the chunk was durably delivered; pass back the count of the
// records returned.
func (o *OfflineBuffer) DrainChunk() ([]OfflineRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	records, err := o.readLocked()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	n := DrainChunkSize
	if n > len(records) {
		n = len(records)
	}
	return records[:n], nil
}

// Commit removes the first n records from the file; n must match a count
// previously returned by DrainChunk that was successfully delivered.
func (o *OfflineBuffer) Commit(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	records, err := o.readLocked()
	if err != nil {
		return err
	}
	if n > len(records) {
		n = len(records)
	}
	return o.writeLocked(records[n:])
}

func (o *OfflineBuffer) readLocked() ([]OfflineRecord, error) {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return nil, err
	}
	var records []OfflineRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (o *OfflineBuffer) writeLocked(records []OfflineRecord) error {
	if records == nil {
		records = []OfflineRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}

// Writable implements internal/health.Checker by confirming the offline
// directory is still writable.
func (o *OfflineBuffer) Writable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	records, err := o.readLocked()
	if err != nil {
		return err
	}
	return o.writeLocked(records)
}
