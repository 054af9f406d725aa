package statusreporter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/statusreporter"
	"github.com/rs/zerolog"
)

type fakeIdentity struct{}

func (fakeIdentity) AgentID() string     { return "agent-1" }
func (fakeIdentity) BearerToken() string { return "test-token" }

type recordingServer struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (s *recordingServer) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.calls = append(s.calls, body)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *recordingServer) last() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func TestReporter_PatchesOnChange(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	r := statusreporter.New(ts.URL, "test-api-key", fakeIdentity{}, zerolog.Nop())

	r.Update(false, 0)
	if got := srv.count(); got != 1 {
		t.Fatalf("count after first update = %d, want 1", got)
	}
	if got := srv.last()["buffering_status"]; got != "online" {
		t.Errorf("buffering_status = %v, want online", got)
	}

	r.Update(true, 5)
	if got := srv.count(); got != 2 {
		t.Fatalf("count after second update = %d, want 2", got)
	}
	last := srv.last()
	if got := last["buffering_status"]; got != "buffering" {
		t.Errorf("buffering_status = %v, want buffering", got)
	}
	if got := last["buffered_records"]; got != float64(5) {
		t.Errorf("buffered_records = %v, want 5", got)
	}
}

func TestReporter_SkipsDuplicateState(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	r := statusreporter.New(ts.URL, "test-api-key", fakeIdentity{}, zerolog.Nop())

	r.Update(true, 3)
	r.Update(true, 3)
	r.Update(true, 3)

	if got := srv.count(); got != 1 {
		t.Errorf("count after repeated identical updates = %d, want 1", got)
	}
}

func TestReporter_LogsAndDropsOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := statusreporter.New(ts.URL, "test-api-key", fakeIdentity{}, zerolog.Nop())

	// Must not panic or block; failure is logged and dropped.
	r.Update(true, 1)
}
