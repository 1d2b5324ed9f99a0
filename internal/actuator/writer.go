// Package actuator turns desired actuator states into confirmed writes.
// Modbus-attached actuators are written over the device's link; GPIO-attached
// ones are forwarded to the gateway firmware as a command event. State is
// only persisted after the write is confirmed.
package actuator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/codec"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/metrics"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// Write sources, recorded on every state change.
const (
	SourceAutomation = "AUTOMATION"
	SourceSchedule   = "SCHEDULE"
	SourceManual     = "MANUAL"
)

// ModbusWriteLink is the write surface of a device link.
type ModbusWriteLink interface {
	WriteCoil(ctx context.Context, slaveID uint8, address uint16, on bool) error
	WriteRegisters(ctx context.Context, slaveID uint8, address uint16, words []uint16) error
}

// LinkResolver finds the open link of a device. Writes to a device whose
// link is not up fail like any other write.
type LinkResolver interface {
	LinkFor(deviceID string) (ModbusWriteLink, bool)
}

// StateStore is the persistence surface the writer needs.
type StateStore interface {
	GetActuator(ctx context.Context, id string) (*model.Actuator, error)
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	UpdateActuatorState(ctx context.Context, id string, state model.ActuatorState, at time.Time) error
}

// Writer drives actuators to requested states.
type Writer struct {
	Store StateStore
	Links LinkResolver
	Bus   *events.Bus

	// RefreshAfter bounds the no-op window: a request matching the current
	// state is skipped only while the last confirmed action is this fresh.
	RefreshAfter time.Duration

	now func() time.Time
}

func NewWriter(store StateStore, links LinkResolver, bus *events.Bus) *Writer {
	return &Writer{
		Store:        store,
		Links:        links,
		Bus:          bus,
		RefreshAfter: 5 * time.Minute,
		now:          time.Now,
	}
}

// SetState drives the actuator to the target state. On success the new state
// is persisted and an ActuatorStateChanged event fires; on failure the stored
// state is left at the last confirmed value and a WriteFailure event fires.
func (w *Writer) SetState(ctx context.Context, actuatorID string, target model.ActuatorState, source string) error {
	a, err := w.Store.GetActuator(ctx, actuatorID)
	if err != nil {
		return fmt.Errorf("load actuator %s: %w", actuatorID, err)
	}
	if !a.IsActive {
		return fmt.Errorf("actuator %s is inactive", actuatorID)
	}
	d, err := w.Store.GetDevice(ctx, a.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", a.DeviceID, err)
	}

	now := w.now()
	if a.CurrentState == target && a.LastActionAt != nil && now.Sub(*a.LastActionAt) < w.RefreshAfter {
		return nil
	}

	if err := w.write(ctx, d, a, target, now); err != nil {
		metrics.ActuatorWritesTotal.WithLabelValues(a.ID, "error").Inc()
		log.Printf("actuator %s/%s: write %s: %v", d.ID, a.ActuatorName, target, err)
		w.Bus.Publish(events.WriteFailure{
			ActuatorID: a.ID,
			DeviceID:   d.ID,
			FarmID:     d.FarmID,
			Reason:     err.Error(),
			Timestamp:  now,
		})
		return err
	}

	metrics.ActuatorWritesTotal.WithLabelValues(a.ID, "ok").Inc()
	if err := w.Store.UpdateActuatorState(ctx, a.ID, target, now); err != nil {
		log.Printf("actuator %s/%s: persist state %s: %v", d.ID, a.ActuatorName, target, err)
	}
	w.Bus.Publish(events.ActuatorStateChanged{
		ActuatorID: a.ID,
		DeviceID:   d.ID,
		FarmID:     d.FarmID,
		State:      target,
		Source:     source,
		Timestamp:  now,
	})
	return nil
}

func (w *Writer) write(ctx context.Context, d *model.Device, a *model.Actuator, target model.ActuatorState, now time.Time) error {
	switch a.ConnectionKind {
	case model.ConnGPIO:
		// The gateway firmware owns the pin; it receives the command over
		// MQTT and toggles the relay itself.
		w.Bus.Publish(events.ActuatorCommand{
			ActuatorID: a.ID,
			DeviceID:   d.ID,
			FarmID:     d.FarmID,
			GpioPin:    a.GpioPin,
			State:      target,
			Timestamp:  now,
		})
		return nil
	case model.ConnModbusRTU, model.ConnModbusTCP:
		link, ok := w.Links.LinkFor(d.ID)
		if !ok {
			return fmt.Errorf("no open link for device %s", d.ID)
		}
		switch a.TargetKind {
		case model.TargetCoil:
			return link.WriteCoil(ctx, a.SlaveID, a.WriteAddress, target == model.StateOn)
		case model.TargetHolding:
			var value float64
			if target == model.StateOn {
				value = 1
			}
			words, err := codec.Encode(value, model.Uint16, model.OrderAB)
			if err != nil {
				return fmt.Errorf("encode state %s: %w", target, err)
			}
			return link.WriteRegisters(ctx, a.SlaveID, a.WriteAddress, words)
		default:
			return fmt.Errorf("unknown register target %q", a.TargetKind)
		}
	default:
		return fmt.Errorf("connection kind %s cannot be actuated", a.ConnectionKind)
	}
}
