package modbus_test

import (
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/modbus"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		addr int
		want int
	}{
		{"holding register start", 40001, 0},
		{"holding register offset", 40010, 9},
		{"input register start", 30001, 0},
		{"input register offset", 30005, 4},
		{"generic 1-based", 5, 4},
		{"zero passes through", 0, 0},
		{"negative passes through", -1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modbus.Normalize(tt.addr); got != tt.want {
				t.Errorf("Normalize(%d) = %d, want %d", tt.addr, got, tt.want)
			}
		})
	}
}
