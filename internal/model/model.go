package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionKind tags how a sensor or actuator is physically attached to its
// gateway device. Modbus kinds carry slave/register configuration; GPIO and
// analog kinds carry a pin number and are driven through the gateway firmware.
type ConnectionKind string

const (
	ConnGPIO      ConnectionKind = "GPIO"
	ConnModbusRTU ConnectionKind = "MODBUS_RTU"
	ConnModbusTCP ConnectionKind = "MODBUS_TCP"
	ConnAnalog    ConnectionKind = "ANALOG"
	ConnI2C       ConnectionKind = "I2C"
)

// IsModbus reports whether the kind is read/written over a Modbus link.
func (k ConnectionKind) IsModbus() bool {
	return k == ConnModbusRTU || k == ConnModbusTCP
}

// DataType is the wire representation of a register-backed value.
type DataType string

const (
	Int16   DataType = "INT16"
	Uint16  DataType = "UINT16"
	Int32   DataType = "INT32"
	Uint32  DataType = "UINT32"
	Float32 DataType = "FLOAT32"
)

// ByteOrder names the mapping of raw register bytes onto the target type.
// AB/BA apply to 16-bit types, the four-letter orders to 32-bit types.
type ByteOrder string

const (
	OrderAB   ByteOrder = "AB"
	OrderBA   ByteOrder = "BA"
	OrderABCD ByteOrder = "ABCD"
	OrderDCBA ByteOrder = "DCBA"
	OrderCDAB ByteOrder = "CDAB"
	OrderBADC ByteOrder = "BADC"
)

// ActuatorState is the commanded/confirmed state of an actuator.
type ActuatorState string

const (
	StateOn  ActuatorState = "ON"
	StateOff ActuatorState = "OFF"
)

// Opposite returns the reciprocal state, used for scheduled auto-off actions.
func (s ActuatorState) Opposite() ActuatorState {
	if s == StateOn {
		return StateOff
	}
	return StateOn
}

// Device is one physical gateway. It owns the transport link configuration
// and all sensors/actuators attached to it. Created and edited by the
// external CRUD layer; only IsOnline/LastSeenAt are written by the engine.
type Device struct {
	ID         string `gorm:"column:id;primaryKey"`
	FarmID     string `gorm:"column:farm_id;index"`
	DeviceName string `gorm:"column:device_name"`
	Protocol   string `gorm:"column:protocol"` // modbus-rtu | modbus-tcp

	// RTU connection
	SerialPort string `gorm:"column:serial_port"`
	BaudRate   int    `gorm:"column:baud_rate"`
	DataBits   int    `gorm:"column:data_bits"`
	StopBits   int    `gorm:"column:stop_bits"`
	Parity     string `gorm:"column:parity"`

	// TCP connection
	Host string `gorm:"column:host"`
	Port int    `gorm:"column:port"`

	Timeout      time.Duration `gorm:"column:timeout"`
	RetryCount   int           `gorm:"column:retry_count"`
	PollInterval time.Duration `gorm:"column:poll_interval"`

	IsOnline   bool       `gorm:"column:is_online"`
	LastSeenAt *time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`

	Sensors   []Sensor   `gorm:"foreignKey:DeviceID;references:ID;constraint:OnDelete:CASCADE"`
	Actuators []Actuator `gorm:"foreignKey:DeviceID;references:ID;constraint:OnDelete:CASCADE"`
}

func (Device) TableName() string { return "devices" }

func (d *Device) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// IsModbus reports whether the device is polled over a Modbus link.
func (d *Device) IsModbus() bool {
	switch d.Protocol {
	case "modbus-rtu", "rtu", "modbus-tcp", "tcp":
		return true
	}
	return false
}

// Sensor belongs to exactly one Device. LastReading/LastReadingAt are the
// only fields the engine mutates.
type Sensor struct {
	ID         string `gorm:"column:id;primaryKey"`
	DeviceID   string `gorm:"column:device_id;index"`
	SensorName string `gorm:"column:sensor_name"`
	SensorType string `gorm:"column:sensor_type"`
	Unit       string `gorm:"column:unit"`

	ConnectionKind ConnectionKind `gorm:"column:connection_kind"`
	GpioPin        *int           `gorm:"column:gpio_pin"`

	// Modbus configuration
	SlaveID         uint8     `gorm:"column:slave_id"`      // 1..247
	FunctionCode    uint8     `gorm:"column:function_code"` // 1..4
	RegisterAddress uint16    `gorm:"column:register_address"`
	RegisterCount   uint16    `gorm:"column:register_count"`
	DataType        DataType  `gorm:"column:data_type"`
	ByteOrder       ByteOrder `gorm:"column:byte_order"`

	ScaleFactor   float64 `gorm:"column:scale_factor;default:1"`
	Offset        float64 `gorm:"column:offset;default:0"`
	DecimalPlaces int     `gorm:"column:decimal_places;default:1"`

	MinThreshold *float64 `gorm:"column:min_threshold"`
	MaxThreshold *float64 `gorm:"column:max_threshold"`

	IsActive      bool       `gorm:"column:is_active;default:true"`
	LastReading   *float64   `gorm:"column:last_reading"`
	LastReadingAt *time.Time `gorm:"column:last_reading_at"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
}

func (Sensor) TableName() string { return "sensors" }

func (s *Sensor) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// RegisterTarget selects which writable Modbus object an actuator drives.
type RegisterTarget string

const (
	TargetCoil    RegisterTarget = "coil"
	TargetHolding RegisterTarget = "holding"
)

// Actuator belongs to one Device. CurrentState/LastActionAt are written only
// after a confirmed physical write.
type Actuator struct {
	ID           string `gorm:"column:id;primaryKey"`
	DeviceID     string `gorm:"column:device_id;index"`
	ActuatorName string `gorm:"column:actuator_name"`
	ActuatorType string `gorm:"column:actuator_type"`

	ConnectionKind ConnectionKind `gorm:"column:connection_kind"`
	GpioPin        *int           `gorm:"column:gpio_pin"`

	SlaveID      uint8          `gorm:"column:slave_id"`
	TargetKind   RegisterTarget `gorm:"column:target_kind;default:coil"`
	WriteAddress uint16         `gorm:"column:write_address"`

	IsActive     bool          `gorm:"column:is_active;default:true"`
	CurrentState ActuatorState `gorm:"column:current_state;default:OFF"`
	LastActionAt *time.Time    `gorm:"column:last_action_at"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
}

func (Actuator) TableName() string { return "actuators" }

func (a *Actuator) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
