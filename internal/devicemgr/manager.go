// Package devicemgr owns the runtime lifecycle of gateway devices: one open
// link and one polling goroutine per device, started from the store at boot
// and added or torn down as devices come and go.
package devicemgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/actuator"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/config"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/poller"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/transport"
)

// DeviceSource lists and persists devices. Implemented by store.Store.
type DeviceSource interface {
	poller.ReadingStore
	ListDevices(ctx context.Context) ([]model.Device, error)
}

type running struct {
	link   *transport.Link
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs every Modbus gateway device concurrently and independently.
type Manager struct {
	Store   DeviceSource
	Bus     *events.Bus
	Polling config.PollingConfig

	mu      sync.Mutex
	devices map[string]*running
}

func New(store DeviceSource, bus *events.Bus, polling config.PollingConfig) *Manager {
	return &Manager{
		Store:   store,
		Bus:     bus,
		Polling: polling,
		devices: make(map[string]*running),
	}
}

// Start brings up every stored device. A device that fails to open is logged
// and skipped; the rest still start.
func (m *Manager) Start(ctx context.Context) error {
	devices, err := m.Store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if err := m.AddDevice(ctx, d); err != nil {
			log.Printf("devicemgr: start %s (%s): %v", d.DeviceName, d.ID, err)
		}
	}
	return nil
}

// AddDevice opens the device's link and starts its poll loop. RTU ports are
// probed first so a misconfigured serial port fails here, not inside the
// loop.
func (m *Manager) AddDevice(ctx context.Context, d model.Device) error {
	if !d.IsModbus() {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.devices[d.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("device %s already running", d.ID)
	}
	m.mu.Unlock()

	cfg := transport.ConfigFromDevice(&d)
	if d.Protocol == "modbus-rtu" || d.Protocol == "rtu" {
		if err := transport.ProbePort(cfg); err != nil {
			return fmt.Errorf("probe %s: %w", d.SerialPort, err)
		}
	}
	link, err := transport.Open(cfg)
	if err != nil {
		return err
	}

	if d.PollInterval <= 0 {
		d.PollInterval = m.Polling.DefaultInterval
	}
	p := poller.New(d, link, m.Store, m.Bus)
	p.OfflineRetryInterval = m.Polling.OfflineRetry
	p.AlertTTL = m.Polling.AlertTTL

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{link: link, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.devices[d.ID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		p.Run(runCtx)
	}()
	log.Printf("devicemgr: polling %s (%s) via %s every %s", d.DeviceName, d.ID, link.Addr(), d.PollInterval)
	return nil
}

// RemoveDevice stops the device's poll loop, waits for it to finish and
// releases the link and its underlying port.
func (m *Manager) RemoveDevice(id string) {
	m.mu.Lock()
	r, ok := m.devices[id]
	if ok {
		delete(m.devices, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		log.Printf("devicemgr: timeout waiting for device %s to stop", id)
	}
	if err := r.link.Close(); err != nil {
		log.Printf("devicemgr: close link for %s: %v", id, err)
	}
}

// ReloadDevice applies a changed device config by restarting its loop.
func (m *Manager) ReloadDevice(ctx context.Context, d model.Device) error {
	m.RemoveDevice(d.ID)
	return m.AddDevice(ctx, d)
}

// LinkFor exposes the open write link of a device to the actuator writer.
func (m *Manager) LinkFor(deviceID string) (actuator.ModbusWriteLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.devices[deviceID]
	if !ok {
		return nil, false
	}
	return r.link, true
}

// Close tears down every running device.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.RemoveDevice(id)
	}
}
