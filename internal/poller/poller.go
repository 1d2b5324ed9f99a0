// Package poller runs the per-device polling loop: on every tick it reads
// all configured Modbus sensors of one gateway device sequentially over the
// device's link, decodes and calibrates the raw registers, persists the
// latest values and emits reading/alert/online events. Devices poll fully
// independently of each other.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/codec"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/metrics"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/transport"
)

// ModbusLink is the read surface of the device's transport link.
type ModbusLink interface {
	Request(ctx context.Context, slaveID uint8, functionCode uint8, address, count uint16) ([]uint16, error)
}

// ReadingStore persists what the scheduler learns.
type ReadingStore interface {
	UpdateSensorReading(ctx context.Context, sensorID string, value float64, at time.Time) error
	SetDeviceOnline(ctx context.Context, deviceID string, online bool, at time.Time) error
}

// Poller polls a single device. Construct with New and run with Run; the
// loop exits when the context is cancelled (device deleted or shutdown).
type Poller struct {
	Device model.Device
	Link   ModbusLink
	Store  ReadingStore
	Bus    *events.Bus

	// OfflineRetryInterval is the backoff while the device is offline.
	// Never shorter than the poll interval.
	OfflineRetryInterval time.Duration
	AlertTTL             time.Duration

	now            func() time.Time
	alerts         *alertCache
	online         bool
	reportedConfig map[string]bool
}

// New builds a poller for the given device. The device's stored online flag
// seeds the transition tracking so restarts do not re-announce status.
func New(device model.Device, link ModbusLink, store ReadingStore, bus *events.Bus) *Poller {
	return &Poller{
		Device:         device,
		Link:           link,
		Store:          store,
		Bus:            bus,
		now:            time.Now,
		online:         device.IsOnline,
		reportedConfig: make(map[string]bool),
	}
}

// Run polls until the context is cancelled. The first poll happens
// immediately, then on every interval tick. While the device is offline the
// interval stretches to the retry interval, never below the poll interval.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Device.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retry := p.OfflineRetryInterval
	if retry < interval {
		retry = interval
	}
	if p.alerts == nil {
		p.alerts = newAlertCache(p.AlertTTL)
	}

	p.pollOnce(ctx)
	for {
		wait := interval
		if !p.online {
			wait = retry
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			p.pollOnce(ctx)
		}
	}
}

// pollOnce attempts every active Modbus sensor once. A failed read of one
// sensor does not abort the rest; only when every attempted read fails is
// the whole device considered unreachable.
func (p *Poller) pollOnce(ctx context.Context) {
	attempted, succeeded := 0, 0
	for i := range p.Device.Sensors {
		s := &p.Device.Sensors[i]
		if !s.IsActive || !s.ConnectionKind.IsModbus() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempted++
		metrics.PollsTotal.WithLabelValues(p.Device.ID).Inc()
		if p.readSensor(ctx, s) {
			succeeded++
		}
	}

	if attempted == 0 {
		return
	}
	if succeeded == 0 {
		p.setOnline(ctx, false)
	} else {
		p.setOnline(ctx, true)
	}
}

// readSensor performs one read and reports transport-level success: a decode
// or configuration failure still counts as reaching the device, only
// timeouts and framing errors count as communication loss.
func (p *Poller) readSensor(ctx context.Context, s *model.Sensor) bool {
	if width, err := codec.Width(s.DataType); err != nil || int(s.RegisterCount) != width {
		p.reportConfigOnce(s.ID, fmt.Sprintf("register_count %d does not match data type %s", s.RegisterCount, s.DataType))
		return true
	}

	words, err := p.Link.Request(ctx, s.SlaveID, s.FunctionCode, s.RegisterAddress, s.RegisterCount)
	if err != nil {
		var se *transport.SlaveError
		switch {
		case errors.As(err, &se):
			// The slave answered and refused: configuration fault, not
			// a communication loss.
			metrics.PollErrorsTotal.WithLabelValues(p.Device.ID, "slave_exception").Inc()
			p.reportConfigOnce(s.ID, err.Error())
			return true
		case errors.Is(err, transport.ErrTimeout):
			metrics.PollErrorsTotal.WithLabelValues(p.Device.ID, "timeout").Inc()
		case errors.Is(err, transport.ErrFraming):
			metrics.PollErrorsTotal.WithLabelValues(p.Device.ID, "framing").Inc()
		default:
			metrics.PollErrorsTotal.WithLabelValues(p.Device.ID, "other").Inc()
		}
		log.Printf("poller %s/%s: read %s@%d: %v", p.Device.ID, s.SensorName, s.DataType, s.RegisterAddress, err)
		return false
	}

	value, err := codec.DecodeReading(words, s)
	if err != nil {
		metrics.PollErrorsTotal.WithLabelValues(p.Device.ID, "decode").Inc()
		p.reportConfigOnce(s.ID, err.Error())
		return true
	}

	now := p.now()
	if err := p.Store.UpdateSensorReading(ctx, s.ID, value, now); err != nil {
		log.Printf("poller %s/%s: persist reading: %v", p.Device.ID, s.SensorName, err)
	}
	s.LastReading = &value
	s.LastReadingAt = &now

	p.Bus.Publish(events.SensorReading{
		SensorID:  s.ID,
		DeviceID:  p.Device.ID,
		FarmID:    p.Device.FarmID,
		Value:     value,
		Unit:      s.Unit,
		Timestamp: now,
	})
	p.checkThresholds(s, value, now)
	return true
}

// checkThresholds emits ThresholdAlert events independently of automation
// rules, rate-limited while the value stays out of range.
func (p *Poller) checkThresholds(s *model.Sensor, value float64, now time.Time) {
	highKey := s.ID + "|high"
	lowKey := s.ID + "|low"

	if s.MaxThreshold != nil && value > *s.MaxThreshold {
		if p.alerts.shouldEmit(highKey, now) {
			p.Bus.Publish(events.ThresholdAlert{
				SensorID:  s.ID,
				DeviceID:  p.Device.ID,
				FarmID:    p.Device.FarmID,
				Value:     value,
				Threshold: *s.MaxThreshold,
				Direction: events.AlertHigh,
				Timestamp: now,
			})
		}
	} else {
		p.alerts.clear(highKey)
	}

	if s.MinThreshold != nil && value < *s.MinThreshold {
		if p.alerts.shouldEmit(lowKey, now) {
			p.Bus.Publish(events.ThresholdAlert{
				SensorID:  s.ID,
				DeviceID:  p.Device.ID,
				FarmID:    p.Device.FarmID,
				Value:     value,
				Threshold: *s.MinThreshold,
				Direction: events.AlertLow,
				Timestamp: now,
			})
		}
	} else {
		p.alerts.clear(lowKey)
	}
}

// setOnline records an online/offline transition exactly once per change.
func (p *Poller) setOnline(ctx context.Context, online bool) {
	if p.online == online {
		if online {
			// Still online: refresh last-seen without announcing.
			if err := p.Store.SetDeviceOnline(ctx, p.Device.ID, true, p.now()); err != nil {
				log.Printf("poller %s: update last seen: %v", p.Device.ID, err)
			}
		}
		return
	}
	p.online = online
	if online {
		metrics.DevicesOnline.Inc()
	} else {
		metrics.DevicesOnline.Dec()
	}
	if err := p.Store.SetDeviceOnline(ctx, p.Device.ID, online, p.now()); err != nil {
		log.Printf("poller %s: persist online=%v: %v", p.Device.ID, online, err)
	}
	p.Bus.Publish(events.DeviceOnlineStatusChanged{
		DeviceID:  p.Device.ID,
		FarmID:    p.Device.FarmID,
		IsOnline:  online,
		Timestamp: p.now(),
	})
}

// reportConfigOnce logs a configuration fault a single time per sensor; the
// entity stays inert until corrected externally.
func (p *Poller) reportConfigOnce(sensorID, msg string) {
	if p.reportedConfig[sensorID] {
		return
	}
	p.reportedConfig[sensorID] = true
	log.Printf("poller %s: sensor %s configuration error: %s", p.Device.ID, sensorID, msg)
}
