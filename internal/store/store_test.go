package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDevice(t *testing.T, s *Store) *model.Device {
	t.Helper()
	d := &model.Device{
		FarmID:       "farm-1",
		DeviceName:   "Greenhouse Gateway",
		Protocol:     "modbus-tcp",
		Host:         "192.168.1.50",
		Port:         502,
		Timeout:      2 * time.Second,
		RetryCount:   3,
		PollInterval: 30 * time.Second,
	}
	require.NoError(t, s.CreateDevice(context.Background(), d))
	return d
}

func TestDeviceLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	d := seedDevice(t, s)
	assert.NotEmpty(t, d.ID, "BeforeCreate must assign an id")

	require.NoError(t, s.CreateSensor(ctx, &model.Sensor{
		DeviceID:       d.ID,
		SensorName:     "air-temp",
		SensorType:     "TEMPERATURE",
		Unit:           "°C",
		ConnectionKind: model.ConnModbusTCP,
		SlaveID:        1,
		FunctionCode:   3,
		RegisterCount:  1,
		DataType:       model.Int16,
		ByteOrder:      model.OrderAB,
		IsActive:       true,
	}))
	require.NoError(t, s.CreateActuator(ctx, &model.Actuator{
		DeviceID:       d.ID,
		ActuatorName:   "fan",
		ActuatorType:   "FAN",
		ConnectionKind: model.ConnModbusTCP,
		SlaveID:        1,
		TargetKind:     model.TargetCoil,
		WriteAddress:   5,
		IsActive:       true,
	}))

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.Sensors, 1)
	assert.Len(t, got.Actuators, 1)

	require.NoError(t, s.DeleteDevice(ctx, d.ID))
	list, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSensorReadingUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s)

	sn := &model.Sensor{DeviceID: d.ID, SensorName: "hum", DataType: model.Uint16, ByteOrder: model.OrderAB, RegisterCount: 1, IsActive: true}
	require.NoError(t, s.CreateSensor(ctx, sn))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateSensorReading(ctx, sn.ID, 63.4, at))

	got, err := s.GetSensor(ctx, sn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastReading)
	assert.Equal(t, 63.4, *got.LastReading)
	require.NotNil(t, got.LastReadingAt)
	assert.WithinDuration(t, at, *got.LastReadingAt, time.Second)
}

func TestDeviceOnlineBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s)

	at := time.Now().UTC()
	require.NoError(t, s.SetDeviceOnline(ctx, d.ID, true, at))
	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	require.NotNil(t, got.LastSeenAt)

	// Going offline must not advance last_seen_at.
	require.NoError(t, s.SetDeviceOnline(ctx, d.ID, false, at.Add(time.Minute)))
	got, err = s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.WithinDuration(t, at, *got.LastSeenAt, time.Second)
}

func TestRuleBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	r := &model.AutomationRule{
		FarmID:          "farm-1",
		Name:            "fan on hot",
		SensorID:        "sensor-1",
		ActuatorID:      "act-1",
		Condition:       model.GreaterThan,
		Threshold:       35,
		CooldownMinutes: 5,
		TargetState:     model.StateOn,
		IsEnabled:       true,
	}
	require.NoError(t, s.CreateRule(ctx, r))

	at := time.Now().UTC()
	require.NoError(t, s.UpdateRuleLastRun(ctx, r.ID, at))
	got, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, at, *got.LastRunAt, time.Second)

	require.NoError(t, s.DeleteRule(ctx, r.ID))
	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestScheduleBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	dur := 10
	sc := &model.Schedule{
		FarmID:          "farm-1",
		Name:            "morning irrigation",
		ActuatorID:      "act-1",
		Time:            "06:00",
		Action:          model.StateOn,
		DurationMinutes: &dur,
		IsEnabled:       true,
	}
	sc.SetDays([]int{1, 3, 5})
	require.NoError(t, s.CreateSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, got.Days())

	last := time.Now().UTC()
	next := last.Add(48 * time.Hour)
	require.NoError(t, s.UpdateScheduleRun(ctx, sc.ID, last, &next))
	got, err = s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
}

func TestActuatorStateUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s)

	a := &model.Actuator{DeviceID: d.ID, ActuatorName: "pump", TargetKind: model.TargetCoil, IsActive: true}
	require.NoError(t, s.CreateActuator(ctx, a))

	at := time.Now().UTC()
	require.NoError(t, s.UpdateActuatorState(ctx, a.ID, model.StateOn, at))
	got, err := s.GetActuator(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, got.CurrentState)
	require.NotNil(t, got.LastActionAt)
}
