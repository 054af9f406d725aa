package buffer_test

import (
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/domain"
)

func TestValueCache_Update(t *testing.T) {
	c := buffer.NewValueCache()

	s1 := domain.NewSample("dev-1", "reg-1", 42, domain.QualityGood)
	if changed := c.Update(s1); !changed {
		t.Error("first update of a new key should report changed")
	}

	s2 := domain.NewSample("dev-1", "reg-1", 42, domain.QualityGood)
	if changed := c.Update(s2); changed {
		t.Error("identical value/quality should not report changed")
	}

	s3 := domain.NewSample("dev-1", "reg-1", 43, domain.QualityGood)
	if changed := c.Update(s3); !changed {
		t.Error("different value should report changed")
	}

	got, ok := c.Get("dev-1", "reg-1")
	if !ok || got.Value != 43 {
		t.Errorf("Get() = %v, %v, want value 43", got, ok)
	}
}

func TestValueCache_DeleteDevice(t *testing.T) {
	c := buffer.NewValueCache()
	c.Update(domain.NewSample("dev-1", "reg-1", 1, domain.QualityGood))
	c.Update(domain.NewSample("dev-2", "reg-1", 1, domain.QualityGood))

	c.DeleteDevice("dev-1")

	if _, ok := c.Get("dev-1", "reg-1"); ok {
		t.Error("dev-1 sample should have been deleted")
	}
	if _, ok := c.Get("dev-2", "reg-1"); !ok {
		t.Error("dev-2 sample should survive")
	}
}
