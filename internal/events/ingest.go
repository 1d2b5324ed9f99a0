package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/codec"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// SensorBackfill is the persistence surface for firmware-pushed readings.
// Implemented by store.Store.
type SensorBackfill interface {
	GetSensor(ctx context.Context, id string) (*model.Sensor, error)
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	UpdateSensorReading(ctx context.Context, id string, value float64, at time.Time) error
}

// inboundReading is the payload gateway firmware publishes for pin-attached
// sensors. The value is raw; calibration is applied here so GPIO/analog
// sensors go through the same scale/offset/decimals contract as Modbus ones.
type inboundReading struct {
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// MQTTIngestor turns readings pushed by gateway firmware on
//
//	devices/{deviceId}/sensors/{sensorId}/reading
//
// into SensorReading events, so rules and dashboards see GPIO, analog and
// I2C sensors exactly like polled Modbus ones. Modbus sensors on these
// topics are ignored: the poller is their only producer.
type MQTTIngestor struct {
	store SensorBackfill
	bus   *Bus
	now   func() time.Time
}

// NewMQTTIngestor subscribes on the shared broker connection.
func NewMQTTIngestor(client mqtt.Client, store SensorBackfill, bus *Bus, qos byte) (*MQTTIngestor, error) {
	i := &MQTTIngestor{store: store, bus: bus, now: time.Now}
	token := client.Subscribe("devices/+/sensors/+/reading", qos, func(_ mqtt.Client, m mqtt.Message) {
		i.handle(m.Topic(), m.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt subscribe device readings: %w", token.Error())
	}
	return i, nil
}

func (i *MQTTIngestor) handle(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return
	}
	deviceID, sensorID := parts[1], parts[3]

	var in inboundReading
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Printf("ingest: bad payload on %s: %v", topic, err)
		return
	}

	ctx := context.Background()
	s, err := i.store.GetSensor(ctx, sensorID)
	if err != nil {
		log.Printf("ingest: unknown sensor %s on %s: %v", sensorID, topic, err)
		return
	}
	if s.DeviceID != deviceID {
		log.Printf("ingest: sensor %s does not belong to device %s", sensorID, deviceID)
		return
	}
	if !s.IsActive || s.ConnectionKind.IsModbus() {
		return
	}
	d, err := i.store.GetDevice(ctx, s.DeviceID)
	if err != nil {
		log.Printf("ingest: device %s for sensor %s: %v", s.DeviceID, sensorID, err)
		return
	}

	scale := s.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	value := codec.Calibrate(in.Value, scale, s.Offset, s.DecimalPlaces)

	at := i.now()
	if in.Timestamp != nil {
		at = *in.Timestamp
	}
	if err := i.store.UpdateSensorReading(ctx, s.ID, value, at); err != nil {
		log.Printf("ingest: persist reading for %s: %v", s.ID, err)
	}
	i.bus.Publish(SensorReading{
		SensorID:  s.ID,
		DeviceID:  d.ID,
		FarmID:    d.FarmID,
		Value:     value,
		Unit:      s.Unit,
		Timestamp: at,
	})
}
