package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/nexus-edge/modbus-agent/internal/modbus"
	"github.com/nexus-edge/modbus-agent/internal/scheduler"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []*domain.Sample
}

func (r *recordingSink) Observe(s *domain.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// fakePool fakes the connection pool: Acquire returns a real *modbus.Client
// that was never dialed, so ReadBlock always reports
// domain.ErrConnectionClosed, exercising the evict-and-retry-once path
// deterministically without a live socket.
type fakePool struct {
	mu          sync.Mutex
	acquireErr  error
	evictCalls  int
}

func (f *fakePool) Acquire(_ context.Context, device domain.Device) (*modbus.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return modbus.NewClient(device, zerolog.Nop()), nil
}

func (f *fakePool) Evict(domain.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictCalls++
}

func (f *fakePool) evicted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evictCalls
}

func testDevice(groupID string, intervalMs int) domain.Device {
	return domain.Device{
		ID:       "dev-1",
		Protocol: domain.ProtocolTCP,
		Connection: domain.ConnectionParams{
			Host: "10.0.0.1",
			Port: 502,
		},
		Groups: []domain.PollGroup{
			{
				ID:         groupID,
				IntervalMs: intervalMs,
				Registers: []domain.Register{
					{ID: "reg-1", Address: 40001, FunctionCode: 3},
					{ID: "reg-2", Address: 40002, FunctionCode: 3},
				},
			},
		},
	}
}

func TestScheduler_PollRecordsBadSamplesWhenUnconnected(t *testing.T) {
	sink := &recordingSink{}
	pool := &fakePool{}
	s := scheduler.New(pool, sink, zerolog.Nop())
	defer s.Stop()

	device := testDevice("grp-1", 20)
	s.Reconfigure(domain.PollingConfig{ConfigID: "cfg-1", Devices: []domain.Device{device}})

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for scheduler to poll")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := pool.evicted(); got == 0 {
		t.Error("expected the connection-closed error to trigger at least one evict")
	}
}

func TestScheduler_ReconfigureStopsRemovedGroups(t *testing.T) {
	sink := &recordingSink{}
	pool := &fakePool{acquireErr: errors.New("acquire failed")}
	s := scheduler.New(pool, sink, zerolog.Nop())
	defer s.Stop()

	device := testDevice("grp-1", 15)
	s.Reconfigure(domain.PollingConfig{ConfigID: "cfg-1", Devices: []domain.Device{device}})

	time.Sleep(50 * time.Millisecond)
	before := sink.count()
	if before == 0 {
		t.Fatal("expected at least one poll before reconfigure removes the group")
	}

	s.Reconfigure(domain.PollingConfig{ConfigID: "cfg-2", Devices: nil})

	time.Sleep(50 * time.Millisecond)
	after := sink.count()
	time.Sleep(100 * time.Millisecond)
	stillAfter := sink.count()

	if stillAfter != after {
		t.Errorf("poller kept running after its group was removed: count grew from %d to %d", after, stillAfter)
	}
}

func TestScheduler_ReconfigureIsIdempotentForUnchangedGroups(t *testing.T) {
	sink := &recordingSink{}
	pool := &fakePool{acquireErr: errors.New("acquire failed")}
	s := scheduler.New(pool, sink, zerolog.Nop())
	defer s.Stop()

	device := testDevice("grp-1", 15)
	config := domain.PollingConfig{ConfigID: "cfg-1", Devices: []domain.Device{device}}

	s.Reconfigure(config)
	time.Sleep(30 * time.Millisecond)
	s.Reconfigure(config) // same groups: must not restart the poller mid-cadence
	time.Sleep(30 * time.Millisecond)

	if sink.count() == 0 {
		t.Error("expected polling to continue across an idempotent reconfigure")
	}
}
