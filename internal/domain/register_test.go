package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

func TestRegister_Validate(t *testing.T) {
	tests := []struct {
		name     string
		register domain.Register
		wantErr  error
	}{
		{
			name:     "valid register",
			register: domain.Register{ID: "temp", Address: 40001},
			wantErr:  nil,
		},
		{
			name:     "missing ID",
			register: domain.Register{Address: 40001},
			wantErr:  domain.ErrRegisterIDRequired,
		},
		{
			name:     "zero address",
			register: domain.Register{ID: "temp", Address: 0},
			wantErr:  domain.ErrInvalidAddress,
		},
		{
			name:     "negative address",
			register: domain.Register{ID: "temp", Address: -1},
			wantErr:  domain.ErrInvalidAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.register.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPollGroup_Validate(t *testing.T) {
	tests := []struct {
		name    string
		group   domain.PollGroup
		wantErr error
	}{
		{
			name: "valid group",
			group: domain.PollGroup{
				ID:         "grp-1",
				IntervalMs: 1000,
				Registers:  []domain.Register{{ID: "a", Address: 1}, {ID: "b", Address: 2}},
			},
			wantErr: nil,
		},
		{
			name:    "missing ID",
			group:   domain.PollGroup{IntervalMs: 1000, Registers: []domain.Register{{ID: "a", Address: 1}}},
			wantErr: domain.ErrGroupIDRequired,
		},
		{
			name:    "zero interval",
			group:   domain.PollGroup{ID: "grp-1", Registers: []domain.Register{{ID: "a", Address: 1}}},
			wantErr: domain.ErrIntervalMustBePositive,
		},
		{
			name: "duplicate register ID",
			group: domain.PollGroup{
				ID:         "grp-1",
				IntervalMs: 1000,
				Registers:  []domain.Register{{ID: "a", Address: 1}, {ID: "a", Address: 2}},
			},
			wantErr: domain.ErrDuplicateRegisterID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.group.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("PollGroup.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
