package buffer_test

import (
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/domain"
)

func TestOfflineBuffer_NoSpillWhenNotBuffering(t *testing.T) {
	o, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Append(domain.NewSample("dev-1", "reg-1", 1, domain.QualityGood)); err != nil {
		t.Fatal(err)
	}
	size, err := o.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0 (buffering disabled)", size)
	}
}

func TestOfflineBuffer_SpillAndDrain(t *testing.T) {
	o, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o.SetBuffering(true)

	for i := 0; i < 3; i++ {
		if err := o.Append(domain.NewSample("dev-1", "reg-1", i, domain.QualityGood)); err != nil {
			t.Fatal(err)
		}
	}

	size, err := o.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}

	chunk, err := o.DrainChunk()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != 3 {
		t.Fatalf("chunk len = %d, want 3", len(chunk))
	}

	if err := o.Commit(len(chunk)); err != nil {
		t.Fatal(err)
	}

	size, err = o.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("size after commit = %d, want 0", size)
	}
}

func TestOfflineBuffer_BufferingToggle(t *testing.T) {
	o, err := buffer.NewOfflineBuffer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if o.Buffering() {
		t.Error("buffering should default to false")
	}
	o.SetBuffering(true)
	if !o.Buffering() {
		t.Error("buffering should be true after SetBuffering(true)")
	}
}
