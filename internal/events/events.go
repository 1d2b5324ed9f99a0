// Package events defines the structured events the engine emits to external
// collaborators (dashboards, notifications, audit) and the in-process bus
// that carries them between engine components.
package events

import (
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// Event is any of the event structs below.
type Event any

// AlertDirection says which threshold a reading violated.
type AlertDirection string

const (
	AlertHigh AlertDirection = "HIGH"
	AlertLow  AlertDirection = "LOW"
)

// SensorReading is one decoded, calibrated sensor value.
type SensorReading struct {
	SensorID  string    `json:"sensorId"`
	DeviceID  string    `json:"deviceId"`
	FarmID    string    `json:"farmId"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// ThresholdAlert is emitted when a reading violates the sensor's configured
// min/max thresholds. Independent of automation rules.
type ThresholdAlert struct {
	SensorID  string         `json:"sensorId"`
	DeviceID  string         `json:"deviceId"`
	FarmID    string         `json:"farmId"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Direction AlertDirection `json:"direction"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActuatorStateChanged is emitted after a confirmed actuator write.
type ActuatorStateChanged struct {
	ActuatorID string              `json:"actuatorId"`
	DeviceID   string              `json:"deviceId"`
	FarmID     string              `json:"farmId"`
	State      model.ActuatorState `json:"state"`
	Source     string              `json:"source"` // AUTOMATION | SCHEDULE | MANUAL
	Timestamp  time.Time           `json:"timestamp"`
}

// DeviceOnlineStatusChanged fires exactly once per online/offline transition.
type DeviceOnlineStatusChanged struct {
	DeviceID  string    `json:"deviceId"`
	FarmID    string    `json:"farmId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

// ActuatorCommand is a write request for a GPIO-attached actuator. It is
// forwarded to the gateway firmware over MQTT rather than written on a
// Modbus link.
type ActuatorCommand struct {
	ActuatorID string              `json:"actuatorId"`
	DeviceID   string              `json:"deviceId"`
	FarmID     string              `json:"farmId"`
	GpioPin    *int                `json:"gpioPin,omitempty"`
	State      model.ActuatorState `json:"state"`
	Timestamp  time.Time           `json:"timestamp"`
}

// WriteFailure reports an actuator write that could not be confirmed.
// Alert-worthy; the actuator state is left as last confirmed.
type WriteFailure struct {
	ActuatorID string    `json:"actuatorId"`
	DeviceID   string    `json:"deviceId"`
	FarmID     string    `json:"farmId"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}
