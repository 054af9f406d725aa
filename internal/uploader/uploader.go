package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

// IngestRow is one sample in the ingest endpoint's request body
// (spec.md §6).
type IngestRow struct {
	DeviceID   string      `json:"deviceId"`
	RegisterID string      `json:"registerId"`
	Value      interface{} `json:"value"`
	Timestamp  string      `json:"timestamp"`
	Quality    string      `json:"quality"`
}

type ingestRequest struct {
	AgentID    string      `json:"agentId"`
	DataPoints []IngestRow `json:"dataPoints"`
}

type ingestResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Identity supplies the agent ID and bearer token at call time, since both
// are only known once the control channel has completed its welcome
// handshake.
type Identity interface {
	AgentID() string
	BearerToken() string
}

// StatusSink receives buffering-status and offline-size updates whenever
// they change, for the Status Reporter (spec.md §4.10).
type StatusSink interface {
	Update(buffering bool, bufferedRecords int)
}

// Metrics is the subset of internal/metrics.Registry the uploader reports
// to. Optional: nil skips recording.
type Metrics interface {
	RecordUpload(success bool, latency float64)
	RecordOfflineDrained(n int)
}

// Uploader periodically drains the Historical Buffer to the ingest
// endpoint, spilling to the Offline Buffer on any failure, and drains the
// Offline Buffer in chunks once the control channel reopens (spec.md §4.8).
// Grounded on the teacher's internal/adapter/mqtt/publisher.go
// bufferMessage/processBuffer/drainBuffer shape, generalized from an
// in-memory ring channel to the disk-backed Offline Buffer.
type Uploader struct {
	ingestURL  string
	httpClient *http.Client
	identity   Identity
	sender     Sender

	historical *buffer.HistoricalBuffer
	offline    *buffer.OfflineBuffer
	status     StatusSink
	metrics    Metrics

	interval time.Duration
	logger   zerolog.Logger

	running atomic.Bool
	cancel  func()
	wg      sync.WaitGroup

	mu sync.Mutex
}

// NewUploader constructs an Uploader. intervalMs <= 0 uses
// domain.DefaultHistoricalBatchIntervalMs.
func NewUploader(ingestURL string, identity Identity, sender Sender, historical *buffer.HistoricalBuffer, offline *buffer.OfflineBuffer, status StatusSink, intervalMs int, logger zerolog.Logger) *Uploader {
	if intervalMs <= 0 {
		intervalMs = domain.DefaultHistoricalBatchIntervalMs
	}
	return &Uploader{
		ingestURL:  ingestURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		identity:   identity,
		sender:     sender,
		historical: historical,
		offline:    offline,
		status:     status,
		interval:   time.Duration(intervalMs) * time.Millisecond,
		logger:     logger.With().Str("component", "bulk-uploader").Logger(),
	}
}

// SetMetrics attaches a metrics recorder. Safe to call once before Start.
func (u *Uploader) SetMetrics(m Metrics) {
	u.metrics = m
}

// Start begins the periodic drain loop.
func (u *Uploader) Start() {
	if !u.running.CompareAndSwap(false, true) {
		return
	}
	stop := make(chan struct{})
	u.cancel = func() { close(stop) }

	u.wg.Add(1)
	go u.run(stop)
}

// Stop ends the loop.
func (u *Uploader) Stop() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}
	u.cancel()
	u.wg.Wait()
}

func (u *Uploader) run(stop chan struct{}) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			u.tick()
		}
	}
}

// tick snapshots and clears the Historical Buffer, then either uploads it
// directly (channel Open) or spills it to the Offline Buffer.
func (u *Uploader) tick() {
	records := u.historical.DrainAll()
	if len(records) == 0 {
		return
	}

	if !u.sender.IsOpen() {
		u.spill(records)
		return
	}

	start := time.Now()
	err := u.upload(records)
	if u.metrics != nil {
		u.metrics.RecordUpload(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		u.logger.Warn().Err(err).Int("count", len(records)).Msg("historical upload failed, spilling to offline buffer")
		u.spill(records)
		return
	}

	u.reportStatus()
}

func (u *Uploader) spill(records []buffer.DrainRecord) {
	for _, r := range records {
		s := domain.NewSample(r.DeviceID, r.RegisterID, r.Value, domain.Quality(r.Quality))
		s.Timestamp = time.UnixMilli(r.TimestampMs)
		if err := u.offline.Append(s); err != nil {
			u.logger.Error().Err(err).Msg("failed to append to offline buffer")
		}
	}
	u.reportStatus()
}

func (u *Uploader) upload(records []buffer.DrainRecord) error {
	rows := make([]IngestRow, len(records))
	for i, r := range records {
		rows[i] = IngestRow{
			DeviceID:   r.DeviceID,
			RegisterID: r.RegisterID,
			Value:      r.Value,
			Timestamp:  time.UnixMilli(r.TimestampMs).UTC().Format("2006-01-02T15:04:05.000Z"),
			Quality:    r.Quality,
		}
	}
	return u.post(rows)
}

func (u *Uploader) post(rows []IngestRow) error {
	body, err := json.Marshal(ingestRequest{AgentID: u.identity.AgentID(), DataPoints: rows})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.ingestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.identity.BearerToken())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: ingest endpoint returned status %d", domain.ErrUploadFailed, resp.StatusCode)
	}

	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", domain.ErrUploadFailed, out.Error)
	}
	return nil
}

// DrainOffline uploads the entire Offline Buffer in chunks of
// buffer.DrainChunkSize, in order, stopping at the first chunk failure so
// the remaining contents are left intact for the next opportunity
// (spec.md §4.8). Call on control-channel Open.
func (u *Uploader) DrainOffline() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for {
		if !u.sender.IsOpen() {
			return
		}
		chunk, err := u.offline.DrainChunk()
		if err != nil {
			u.logger.Warn().Err(err).Msg("failed to read offline buffer")
			return
		}
		if len(chunk) == 0 {
			return
		}

		rows := make([]IngestRow, len(chunk))
		for i, r := range chunk {
			rows[i] = IngestRow{
				DeviceID:   r.DeviceID,
				RegisterID: r.RegisterID,
				Value:      r.Value,
				Timestamp:  time.UnixMilli(r.TimestampMs).UTC().Format("2006-01-02T15:04:05.000Z"),
				Quality:    r.Quality,
			}
		}

		start := time.Now()
		err = u.post(rows)
		if u.metrics != nil {
			u.metrics.RecordUpload(err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			u.logger.Warn().Err(err).Int("count", len(chunk)).Msg("offline drain chunk failed, stopping for now")
			return
		}
		if err := u.offline.Commit(len(chunk)); err != nil {
			u.logger.Error().Err(err).Msg("failed to commit offline buffer drain")
			return
		}
		if u.metrics != nil {
			u.metrics.RecordOfflineDrained(len(chunk))
		}
		u.reportStatus()
	}
}

func (u *Uploader) reportStatus() {
	if u.status == nil {
		return
	}
	size, err := u.offline.Size()
	if err != nil {
		u.logger.Error().Err(err).Msg("failed to read offline buffer size for status report")
		return
	}
	u.status.Update(u.offline.Buffering(), size)
}
