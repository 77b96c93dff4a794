// Package auth binds device ids to organizations before any capture is
// accepted.
package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/stellarlinkco/lookout/internal/config"
)

var ErrUnknownDevice = errors.New("unknown device")

// Binding is what the gateway knows about a device.
type Binding struct {
	DeviceID          string `json:"device_id"`
	OrgID             string `json:"org_id"`
	Name              string `json:"name,omitempty"`
	Allowed           bool   `json:"allowed"`
	NormalDescription string `json:"normal_description,omitempty"`
}

type Verifier interface {
	VerifyDevice(ctx context.Context, deviceID string) (Binding, error)
}

// Registry is a static Verifier built from the configured device list.
type Registry struct {
	mu                 sync.RWMutex
	devices            map[string]Binding
	defaultDescription string
}

func NewRegistry(devices []config.DeviceConfig, defaultDescription string) *Registry {
	r := &Registry{defaultDescription: defaultDescription}
	r.Load(devices)
	return r
}

// Load replaces the registered devices.
func (r *Registry) Load(devices []config.DeviceConfig) {
	m := make(map[string]Binding, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		desc := d.NormalDescription
		if desc == "" {
			desc = r.defaultDescription
		}
		m[d.ID] = Binding{
			DeviceID:          d.ID,
			OrgID:             d.OrgID,
			Name:              d.Name,
			Allowed:           !d.Disabled && d.OrgID != "",
			NormalDescription: desc,
		}
	}
	r.mu.Lock()
	r.devices = m
	r.mu.Unlock()
}

// VerifyDevice returns the device's binding. Unknown devices yield
// ErrUnknownDevice; known but disabled devices come back with Allowed false.
func (r *Registry) VerifyDevice(_ context.Context, deviceID string) (Binding, error) {
	r.mu.RLock()
	b, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return Binding{DeviceID: deviceID}, ErrUnknownDevice
	}
	return b, nil
}

func (r *Registry) Devices() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.devices))
	for _, b := range r.devices {
		out = append(out, b)
	}
	return out
}
