package acquire

import (
	"context"
	"sync"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// DeviceRegistry owns the single device slot: discovery, connect and
// disconnect. All dependent configuration is keyed to the connection
// generation it returns, so a reconnect invalidates stale state.
type DeviceRegistry struct {
	driver ports.Driver
	obs    ports.Observability

	mu         sync.Mutex
	state      domain.ConnectionState
	unit       ports.Unit
	descriptor domain.Descriptor
	generation uint64
}

func NewDeviceRegistry(driver ports.Driver, obs ports.Observability) *DeviceRegistry {
	return &DeviceRegistry{driver: driver, obs: obs}
}

// Discover enumerates attached units without claiming any of them.
func (r *DeviceRegistry) Discover() ([]domain.Descriptor, error) {
	descs, err := r.driver.Enumerate()
	if err != nil {
		return nil, domain.Wrap(domain.KindDriver, "registry.Discover", err)
	}
	return descs, nil
}

// Connect opens the named unit, or the first enumerable one when serial is
// empty. While the open is in flight the registry is Connecting; a failure
// collapses back to Disconnected.
func (r *DeviceRegistry) Connect(ctx context.Context, serial string) (domain.Device, error) {
	const op = "registry.Connect"

	r.mu.Lock()
	if r.state != domain.Disconnected {
		r.mu.Unlock()
		return domain.Device{}, domain.E(domain.KindAlreadyConnected, op, "a device is already connected")
	}
	r.state = domain.Connecting
	r.mu.Unlock()

	unit, err := r.driver.Open(ctx, serial)
	if err != nil {
		r.mu.Lock()
		r.state = domain.Disconnected
		r.mu.Unlock()
		kind := domain.KindOf(err)
		if kind != domain.KindNotFound && kind != domain.KindPowerSource {
			kind = domain.KindDriver
		}
		return domain.Device{}, domain.Wrap(kind, op, err)
	}

	r.mu.Lock()
	r.unit = unit
	r.descriptor = unit.Info()
	r.state = domain.Connected
	r.generation++
	dev := domain.Device{Descriptor: r.descriptor, State: r.state, Generation: r.generation}
	r.mu.Unlock()

	r.obs.SetGauge(ports.MetricDeviceConnected, 1)
	r.obs.LogInfo("device_connected",
		ports.Field{Key: "serial", Value: dev.Descriptor.Serial},
		ports.Field{Key: "model", Value: dev.Descriptor.Model})
	return dev, nil
}

// Disconnect releases the unit. Idempotent; always succeeds even when the
// close itself errors, since the handle is gone either way.
func (r *DeviceRegistry) Disconnect() {
	r.mu.Lock()
	unit := r.unit
	r.unit = nil
	r.state = domain.Disconnected
	r.descriptor = domain.Descriptor{}
	r.mu.Unlock()

	if unit != nil {
		_ = unit.Stop()
		if err := unit.Close(); err != nil {
			r.obs.LogError("device_close_failed", err)
		}
		r.obs.SetGauge(ports.MetricDeviceConnected, 0)
		r.obs.LogInfo("device_disconnected")
	}
}

// Unit returns the open handle plus the generation it belongs to.
func (r *DeviceRegistry) Unit() (ports.Unit, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.Connected || r.unit == nil {
		return nil, 0, domain.E(domain.KindNotFound, "registry.Unit", "no device connected")
	}
	return r.unit, r.generation, nil
}

// Device reports the current device snapshot.
func (r *DeviceRegistry) Device() domain.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.Device{Descriptor: r.descriptor, State: r.state, Generation: r.generation}
}

// Capabilities returns the connected device's descriptor capabilities.
func (r *DeviceRegistry) Capabilities() (domain.Capabilities, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.Connected {
		return domain.Capabilities{}, 0, domain.E(domain.KindConfiguration, "registry.Capabilities", "no device connected")
	}
	return r.descriptor.Capabilities, r.generation, nil
}
