package uploader_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/controlchannel"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/nexus-edge/modbus-agent/internal/uploader"
	"github.com/rs/zerolog"
)

type fakeIdentity struct{}

func (fakeIdentity) AgentID() string     { return "agent-1" }
func (fakeIdentity) BearerToken() string { return "test-token" }

type fakeSender struct {
	open atomic.Bool
	mu   sync.Mutex
	sent []uploader.IngestRow
}

func (f *fakeSender) IsOpen() bool { return f.open.Load() }
func (f *fakeSender) SendDataUpdate(rows []controlchannel.DataUpdateRow, isFullRefresh bool) {}

type recordingStatus struct {
	mu        sync.Mutex
	buffering bool
	records   int
	calls     int
}

func (r *recordingStatus) Update(buffering bool, bufferedRecords int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffering = buffering
	r.records = bufferedRecords
	r.calls++
}

func (r *recordingStatus) snapshot() (bool, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffering, r.records, r.calls
}

func TestUploader_SpillsToOfflineWhenChannelClosed(t *testing.T) {
	h := buffer.NewHistoricalBuffer(100)
	h.Append("dev-1", "reg-1", 42, 1000, "good")

	offline, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	offline.SetBuffering(true)

	sender := &fakeSender{}
	status := &recordingStatus{}
	u := uploader.NewUploader("http://example.invalid/ingest", fakeIdentity{}, sender, h, offline, status, 20, zerolog.Nop())
	u.Start()
	defer u.Stop()

	deadline := time.After(2 * time.Second)
	for {
		size, err := offline.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for spill, size=%d", size)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, records, calls := status.snapshot(); records != 1 || calls == 0 {
		t.Errorf("status not updated correctly: records=%d calls=%d", records, calls)
	}
}

func TestUploader_UploadsWhenChannelOpen(t *testing.T) {
	var received ingestCount
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DataPoints []json.RawMessage `json:"dataPoints"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		received.add(len(body.DataPoints))
		w.Write([]byte(`{"success": true, "inserted": 1}`))
	}))
	defer srv.Close()

	h := buffer.NewHistoricalBuffer(100)
	h.Append("dev-1", "reg-1", 42, 1000, "good")

	offline, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	sender.open.Store(true)
	status := &recordingStatus{}
	u := uploader.NewUploader(srv.URL, fakeIdentity{}, sender, h, offline, status, 20, zerolog.Nop())
	u.Start()
	defer u.Stop()

	deadline := time.After(2 * time.Second)
	for received.get() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for upload")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := received.get(); got != 1 {
		t.Errorf("uploaded %d data points, want 1", got)
	}
	if got := h.Len(); got != 0 {
		t.Errorf("historical buffer len = %d, want 0 after successful upload", got)
	}
}

type ingestCount struct {
	mu sync.Mutex
	n  int
}

func (c *ingestCount) add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += n
}

func (c *ingestCount) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestUploader_DrainOfflineStopsOnChunkFailureThenSucceeds(t *testing.T) {
	offline, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	offline.SetBuffering(true)
	for i := 0; i < 3; i++ {
		offline.Append(domain.NewSample("dev-1", "reg-1", i, domain.QualityGood))
	}

	h := buffer.NewHistoricalBuffer(100)

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	sender := &fakeSender{}
	sender.open.Store(true)
	u := uploader.NewUploader(srv.URL, fakeIdentity{}, sender, h, offline, nil, 24*60*60*1000, zerolog.Nop())

	u.DrainOffline()
	size, err := offline.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 3 {
		t.Fatalf("offline size after failed drain = %d, want 3 (left intact)", size)
	}

	fail.Store(false)
	u.DrainOffline()
	size, err = offline.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("offline size after successful drain = %d, want 0", size)
	}
}
