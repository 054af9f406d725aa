package buffer_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/rs/zerolog"
)

func TestHistoricalBuffer_FIFOTruncation(t *testing.T) {
	h := buffer.NewHistoricalBuffer(2)

	h.Append("dev-1", "reg-1", 1, 100, "good")
	h.Append("dev-1", "reg-1", 2, 200, "good")
	h.Append("dev-1", "reg-1", 3, 300, "good")

	records := h.DrainAll()
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Value != 2 || records[1].Value != 3 {
		t.Errorf("expected oldest entry dropped, got %v", records)
	}
}

func TestHistoricalBuffer_DrainAllClears(t *testing.T) {
	h := buffer.NewHistoricalBuffer(10)
	h.Append("dev-1", "reg-1", 1, 100, "good")

	if got := len(h.DrainAll()); got != 1 {
		t.Fatalf("first DrainAll() len = %d, want 1", got)
	}
	if got := len(h.DrainAll()); got != 0 {
		t.Fatalf("second DrainAll() len = %d, want 0", got)
	}
}

func TestHistoricalBuffer_OverflowDropCounterCountsEveryDrop(t *testing.T) {
	h := buffer.NewHistoricalBuffer(10)
	for i := 0; i < 15; i++ {
		h.Append("dev-1", "reg-1", i, int64(i)*100, "good")
	}

	if got := h.Dropped(); got != 5 {
		t.Fatalf("Dropped() = %d, want 5", got)
	}
	records := h.DrainAll()
	if len(records) != 10 {
		t.Fatalf("len(records) = %d, want 10", len(records))
	}
	if records[0].Value != 5 {
		t.Errorf("expected oldest 5 dropped, got oldest remaining value %v", records[0].Value)
	}

	for i := 0; i < 15; i++ {
		h.Append("dev-1", "reg-1", i, int64(i)*100, "good")
	}
	if got := h.Dropped(); got != 10 {
		t.Fatalf("Dropped() after second burst = %d, want 10", got)
	}
}

func TestHistoricalBuffer_OverflowLogsOncePerBurst(t *testing.T) {
	var logBuf bytes.Buffer
	h := buffer.NewHistoricalBuffer(10)
	h.SetLogger(zerolog.New(&logBuf))

	for i := 0; i < 15; i++ {
		h.Append("dev-1", "reg-1", i, int64(i)*100, "good")
	}
	if got := strings.Count(logBuf.String(), "\n"); got != 1 {
		t.Fatalf("warnings logged during burst = %d, want 1; log: %s", got, logBuf.String())
	}

	logBuf.Reset()
	h.DrainAll()
	for i := 0; i < 12; i++ {
		h.Append("dev-1", "reg-1", i, int64(i)*100, "good")
	}
	if got := strings.Count(logBuf.String(), "\n"); got != 1 {
		t.Fatalf("warnings logged during second burst = %d, want 1; log: %s", got, logBuf.String())
	}
}
