package configwatcher_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/configwatcher"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

type fakeTokens struct{}

func (fakeTokens) BearerToken() string { return "test-token" }

type recordingApplier struct {
	mu      sync.Mutex
	applied []domain.PollingConfig
}

func (r *recordingApplier) Reconfigure(cfg domain.PollingConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, cfg)
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *recordingApplier) last() domain.PollingConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[len(r.applied)-1]
}

func TestWatcher_AppliesNewConfigOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"hasConfig": true,
			"config": {
				"id": "cfg-1",
				"config_name": "site-a",
				"polling_config": {
					"devices": [
						{
							"deviceId": "dev-1",
							"protocol": "tcp",
							"connectionParams": {"host": "10.0.0.1", "port": 502, "unitId": 1},
							"pollGroups": [
								{"groupId": "grp-1", "intervalMs": 1000, "registers": [{"registerId": "reg-1", "address": 40001}]}
							]
						}
					]
				}
			}
		}`))
	}))
	defer srv.Close()

	applier := &recordingApplier{}
	w := configwatcher.New(srv.URL, fakeTokens{}, applier, 24*time.Hour, zerolog.Nop())
	w.Start()
	defer w.Stop()

	w.FetchNow()

	deadline := time.After(2 * time.Second)
	for applier.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for config to be applied")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := applier.last(); got.ConfigID != "cfg-1" {
		t.Errorf("ConfigID = %q, want cfg-1", got.ConfigID)
	}

	w.FetchNow()
	time.Sleep(100 * time.Millisecond)
	if got := applier.count(); got != 1 {
		t.Errorf("expected exactly one apply for an unchanged configId, got %d", got)
	}
}

func TestWatcher_WithdrawnConfigClearsAppliedState(t *testing.T) {
	var hasConfig atomic.Bool
	hasConfig.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasConfig.Load() {
			w.Write([]byte(`{
				"hasConfig": true,
				"config": {
					"id": "cfg-1",
					"polling_config": {
						"devices": [
							{
								"deviceId": "dev-1",
								"protocol": "tcp",
								"connectionParams": {"host": "10.0.0.1", "port": 502, "unitId": 1},
								"pollGroups": [
									{"groupId": "grp-1", "intervalMs": 1000, "registers": [{"registerId": "reg-1", "address": 40001}]}
								]
							}
						]
					}
				}
			}`))
			return
		}
		w.Write([]byte(`{"hasConfig": false}`))
	}))
	defer srv.Close()

	applier := &recordingApplier{}
	w := configwatcher.New(srv.URL, fakeTokens{}, applier, 24*time.Hour, zerolog.Nop())
	w.Start()
	defer w.Stop()

	w.FetchNow()
	deadline := time.After(2 * time.Second)
	for applier.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for initial config apply")
		case <-time.After(10 * time.Millisecond):
		}
	}

	hasConfig.Store(false)
	w.FetchNow()

	deadline = time.After(2 * time.Second)
	for applier.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for withdrawal to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := applier.last(); got.ConfigID != "" {
		t.Errorf("expected withdrawal to apply an empty config, got ConfigID %q", got.ConfigID)
	}
}
