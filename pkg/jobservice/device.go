package jobservice

import (
	"sync"

	"github.com/guido-cesarano/taskbridge/pkg/tasks"
)

// Conditions is a snapshot of the device state the constraints refer to.
type Conditions struct {
	Connected bool `json:"connected"`
	Unmetered bool `json:"unmetered"`
	Charging  bool `json:"charging"`
}

// Satisfies reports whether c meets every constraint.
func (c Conditions) Satisfies(cons tasks.Constraints) bool {
	if cons.RequiresCharging && !c.Charging {
		return false
	}
	switch cons.NetworkType {
	case tasks.NetworkAny:
		return c.Connected
	case tasks.NetworkUnmetered:
		return c.Connected && c.Unmetered
	}
	return true
}

// DeviceState reports current conditions.
type DeviceState interface {
	Conditions() Conditions
}

// StaticDevice is a DeviceState whose conditions are set explicitly, e.g.
// from the HTTP API or from tests.
type StaticDevice struct {
	mu   sync.RWMutex
	cond Conditions
}

// NewStaticDevice starts with the given conditions.
func NewStaticDevice(c Conditions) *StaticDevice {
	return &StaticDevice{cond: c}
}

func (d *StaticDevice) Conditions() Conditions {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cond
}

// Set replaces the conditions.
func (d *StaticDevice) Set(c Conditions) {
	d.mu.Lock()
	d.cond = c
	d.mu.Unlock()
}
