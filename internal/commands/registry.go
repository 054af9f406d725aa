// Package commands implements the control channel's command-dispatch
// handlers (spec.md §6): set_polling_config, network_scan, modbus_read,
// modbus_write, and test_communication. Grounded on the teacher's
// internal/service/command_handler.go back-pressure/semaphore shape, which
// internal/controlchannel's dispatcher already adapts at the queueing layer
// (see DESIGN.md); this package supplies the actual per-command business
// logic that dispatcher hands off to.
package commands

import (
	"sync"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

// Registry tracks the active PollingConfig so command handlers can resolve
// a deviceId independently of the scheduler, which only cares about
// running timers, not queryable device state. Reconfigure satisfies
// configwatcher.Applier, so the registry stays in lock-step with the
// scheduler whenever a new config is applied (by the Config Watcher or by
// the set_polling_config command itself).
type Registry struct {
	mu  sync.RWMutex
	cfg domain.PollingConfig
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Reconfigure replaces the tracked PollingConfig.
func (r *Registry) Reconfigure(cfg domain.PollingConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Device looks up a device by ID in the currently tracked config.
func (r *Registry) Device(deviceID string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.FindDevice(deviceID)
}

// Current returns the tracked PollingConfig.
func (r *Registry) Current() domain.PollingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}
