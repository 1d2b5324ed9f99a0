package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Comparator is the trigger condition of an automation rule.
type Comparator string

const (
	GreaterThan        Comparator = "GREATER_THAN"
	LessThan           Comparator = "LESS_THAN"
	GreaterThanOrEqual Comparator = "GREATER_THAN_OR_EQUAL"
	LessThanOrEqual    Comparator = "LESS_THAN_OR_EQUAL"
	EqualTo            Comparator = "EQUAL_TO"
)

// Eval applies the comparator to a reading and a threshold. The second return
// is false for an unknown comparator, which callers treat as a configuration
// error.
func (c Comparator) Eval(value, threshold float64) (bool, bool) {
	switch c {
	case GreaterThan:
		return value > threshold, true
	case LessThan:
		return value < threshold, true
	case GreaterThanOrEqual:
		return value >= threshold, true
	case LessThanOrEqual:
		return value <= threshold, true
	case EqualTo:
		return value == threshold, true
	default:
		return false, false
	}
}

// AutomationRule links one sensor to one actuator: when the sensor reading
// satisfies the condition and the cooldown window has elapsed, the actuator
// is driven to TargetState. Rules are level-triggered; there is no re-arm
// after the condition goes false.
type AutomationRule struct {
	ID     string `gorm:"column:id;primaryKey"`
	FarmID string `gorm:"column:farm_id;index"`
	Name   string `gorm:"column:name"`

	SensorID   string `gorm:"column:sensor_id;index"`
	ActuatorID string `gorm:"column:actuator_id;index"`

	Condition       Comparator    `gorm:"column:condition"`
	Threshold       float64       `gorm:"column:threshold"`
	CooldownMinutes int           `gorm:"column:cooldown_minutes;default:5"`
	TargetState     ActuatorState `gorm:"column:target_state"`

	IsEnabled bool       `gorm:"column:is_enabled;default:true"`
	LastRunAt *time.Time `gorm:"column:last_run_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (AutomationRule) TableName() string { return "automation_rules" }

func (r *AutomationRule) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Cooldown returns the cooldown window as a duration.
func (r *AutomationRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Schedule fires an actuator action at a local time-of-day on selected
// weekdays. When Action is ON and DurationMinutes is set, a reciprocal OFF
// fires automatically DurationMinutes later.
type Schedule struct {
	ID     string `gorm:"column:id;primaryKey"`
	FarmID string `gorm:"column:farm_id;index"`
	Name   string `gorm:"column:name"`

	ActuatorID string `gorm:"column:actuator_id;index"`

	Time            string        `gorm:"column:time"`         // "HH:MM", local
	DaysOfWeek      string        `gorm:"column:days_of_week"` // comma-joined 0..6, Sunday=0
	Action          ActuatorState `gorm:"column:action"`
	DurationMinutes *int          `gorm:"column:duration_minutes"`

	IsEnabled bool       `gorm:"column:is_enabled;default:true"`
	LastRunAt *time.Time `gorm:"column:last_run_at"`
	NextRunAt *time.Time `gorm:"column:next_run_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (Schedule) TableName() string { return "schedules" }

func (s *Schedule) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Days parses DaysOfWeek into weekday numbers, silently dropping malformed
// entries.
func (s *Schedule) Days() []int {
	if strings.TrimSpace(s.DaysOfWeek) == "" {
		return nil
	}
	parts := strings.Split(s.DaysOfWeek, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 || d > 6 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SetDays replaces DaysOfWeek with the given weekday numbers.
func (s *Schedule) SetDays(days []int) {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(d))
	}
	s.DaysOfWeek = strings.Join(parts, ",")
}

// RunsOn reports whether the schedule includes the given weekday.
func (s *Schedule) RunsOn(day time.Weekday) bool {
	for _, d := range s.Days() {
		if d == int(day) {
			return true
		}
	}
	return false
}

// ClockTime parses the HH:MM time-of-day field.
func (s *Schedule) ClockTime() (hour, minute int, ok bool) {
	parts := strings.SplitN(s.Time, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// NextRun computes the next wall-clock firing after now, or the zero time if
// the schedule has no valid time or days configured.
func (s *Schedule) NextRun(now time.Time) time.Time {
	h, m, ok := s.ClockTime()
	if !ok || len(s.Days()) == 0 {
		return time.Time{}
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for i := 0; i < 7; i++ {
		if s.RunsOn(next.Weekday()) {
			return next
		}
		next = next.AddDate(0, 0, 1)
	}
	return time.Time{}
}
