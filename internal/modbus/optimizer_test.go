package modbus_test

import (
	"reflect"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/modbus"
)

func TestOptimize(t *testing.T) {
	tests := []struct {
		name         string
		addresses    []int
		maxBlockSize int
		want         []modbus.Block
	}{
		{
			name:         "single contiguous run",
			addresses:    []int{0, 1, 2, 3},
			maxBlockSize: 125,
			want:         []modbus.Block{{StartAddress: 0, Count: 4}},
		},
		{
			name:         "strict contiguity splits on a gap",
			addresses:    []int{0, 2},
			maxBlockSize: 125,
			want:         []modbus.Block{{StartAddress: 0, Count: 1}, {StartAddress: 2, Count: 1}},
		},
		{
			name:         "unsorted input is sorted first",
			addresses:    []int{3, 1, 2, 0},
			maxBlockSize: 125,
			want:         []modbus.Block{{StartAddress: 0, Count: 4}},
		},
		{
			name:         "duplicates are ignored",
			addresses:    []int{0, 1, 1, 2},
			maxBlockSize: 125,
			want:         []modbus.Block{{StartAddress: 0, Count: 3}},
		},
		{
			name:         "block splits at max size",
			addresses:    []int{0, 1, 2},
			maxBlockSize: 2,
			want:         []modbus.Block{{StartAddress: 0, Count: 2}, {StartAddress: 2, Count: 1}},
		},
		{
			name:         "default max block size applied when unset",
			addresses:    []int{0, 1},
			maxBlockSize: 0,
			want:         []modbus.Block{{StartAddress: 0, Count: 2}},
		},
		{
			name:         "empty input",
			addresses:    nil,
			maxBlockSize: 125,
			want:         nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := modbus.Optimize(tt.addresses, tt.maxBlockSize)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Optimize(%v, %d) = %v, want %v", tt.addresses, tt.maxBlockSize, got, tt.want)
			}
		})
	}
}
