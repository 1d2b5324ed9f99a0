// Package store persists the engine's entities and the small amount of
// mutable bookkeeping the engine owns (last readings, online status, rule
// and schedule run timestamps, confirmed actuator state). The CRUD layer
// that creates devices, rules and schedules lives outside this repository
// and shares the same database.
package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// Store wraps the SQLite connection.
type Store struct {
	ORM *gorm.DB
}

// Open opens the database and ensures the schema exists.
func Open(path string) (*Store, error) {
	g, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := g.AutoMigrate(
		&model.Device{},
		&model.Sensor{},
		&model.Actuator{},
		&model.AutomationRule{},
		&model.Schedule{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{ORM: g}, nil
}

// Close closes the underlying SQL connection.
func (s *Store) Close() error {
	sqlDB, err := s.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- devices ----

func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	return s.ORM.WithContext(ctx).Create(d).Error
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	err := s.ORM.WithContext(ctx).
		Preload("Sensors").
		Preload("Actuators").
		First(&d, "id = ?", deviceID).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns all devices with their sensors and actuators loaded,
// ordered by creation time so engine startup is deterministic.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := s.ORM.WithContext(ctx).
		Preload("Sensors").
		Preload("Actuators").
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

// DeleteDevice removes a device and, through the schema's cascade, its
// sensors and actuators.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.ORM.WithContext(ctx).
		Select("Sensors", "Actuators").
		Delete(&model.Device{ID: deviceID}).Error
}

// SetDeviceOnline updates the device health fields. LastSeenAt advances only
// on successful contact.
func (s *Store) SetDeviceOnline(ctx context.Context, deviceID string, online bool, at time.Time) error {
	updates := map[string]any{"is_online": online}
	if online {
		updates["last_seen_at"] = at
	}
	return s.ORM.WithContext(ctx).
		Model(&model.Device{}).
		Where("id = ?", deviceID).
		Updates(updates).Error
}

// ---- sensors ----

func (s *Store) CreateSensor(ctx context.Context, sn *model.Sensor) error {
	return s.ORM.WithContext(ctx).Create(sn).Error
}

func (s *Store) GetSensor(ctx context.Context, sensorID string) (*model.Sensor, error) {
	var sn model.Sensor
	if err := s.ORM.WithContext(ctx).First(&sn, "id = ?", sensorID).Error; err != nil {
		return nil, err
	}
	return &sn, nil
}

// UpdateSensorReading writes the latest decoded value. Only the poll
// scheduler calls this.
func (s *Store) UpdateSensorReading(ctx context.Context, sensorID string, value float64, at time.Time) error {
	return s.ORM.WithContext(ctx).
		Model(&model.Sensor{}).
		Where("id = ?", sensorID).
		Updates(map[string]any{"last_reading": value, "last_reading_at": at}).Error
}

// ---- actuators ----

func (s *Store) CreateActuator(ctx context.Context, a *model.Actuator) error {
	return s.ORM.WithContext(ctx).Create(a).Error
}

func (s *Store) GetActuator(ctx context.Context, actuatorID string) (*model.Actuator, error) {
	var a model.Actuator
	if err := s.ORM.WithContext(ctx).First(&a, "id = ?", actuatorID).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateActuatorState records a confirmed physical state change.
func (s *Store) UpdateActuatorState(ctx context.Context, actuatorID string, state model.ActuatorState, at time.Time) error {
	return s.ORM.WithContext(ctx).
		Model(&model.Actuator{}).
		Where("id = ?", actuatorID).
		Updates(map[string]any{"current_state": state, "last_action_at": at}).Error
}

// ---- automation rules ----

func (s *Store) CreateRule(ctx context.Context, r *model.AutomationRule) error {
	return s.ORM.WithContext(ctx).Create(r).Error
}

func (s *Store) GetRule(ctx context.Context, ruleID string) (*model.AutomationRule, error) {
	var r model.AutomationRule
	if err := s.ORM.WithContext(ctx).First(&r, "id = ?", ruleID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns all rules in creation order, which is also the
// evaluation tie-break order.
func (s *Store) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	var out []model.AutomationRule
	err := s.ORM.WithContext(ctx).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	return s.ORM.WithContext(ctx).Delete(&model.AutomationRule{}, "id = ?", ruleID).Error
}

func (s *Store) UpdateRuleLastRun(ctx context.Context, ruleID string, at time.Time) error {
	return s.ORM.WithContext(ctx).
		Model(&model.AutomationRule{}).
		Where("id = ?", ruleID).
		Update("last_run_at", at).Error
}

// ---- schedules ----

func (s *Store) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	return s.ORM.WithContext(ctx).Create(sc).Error
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*model.Schedule, error) {
	var sc model.Schedule
	if err := s.ORM.WithContext(ctx).First(&sc, "id = ?", scheduleID).Error; err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.ORM.WithContext(ctx).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.ORM.WithContext(ctx).Delete(&model.Schedule{}, "id = ?", scheduleID).Error
}

// UpdateScheduleRun records a firing and the precomputed next occurrence.
func (s *Store) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun time.Time, nextRun *time.Time) error {
	return s.ORM.WithContext(ctx).
		Model(&model.Schedule{}).
		Where("id = ?", scheduleID).
		Updates(map[string]any{"last_run_at": lastRun, "next_run_at": nextRun}).Error
}
