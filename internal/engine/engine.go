// Package engine evaluates automation rules against incoming sensor readings
// and fires time-of-day schedules. Rules are level-triggered with a per-rule
// cooldown; schedules fire on a minute tick and may carry a duration that
// schedules the reciprocal OFF automatically.
package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/actuator"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/metrics"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// StateWriter drives actuators. Implemented by actuator.Writer.
type StateWriter interface {
	SetState(ctx context.Context, actuatorID string, target model.ActuatorState, source string) error
}

// SensorLookup resolves rule sensor references. Optional; when set, a rule
// indexed against a sensor the store no longer knows is reported instead of
// silently never evaluating.
type SensorLookup interface {
	GetSensor(ctx context.Context, id string) (*model.Sensor, error)
}

// Bookkeeper persists firing timestamps.
type Bookkeeper interface {
	UpdateRuleLastRun(ctx context.Context, id string, at time.Time) error
	UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

// Engine holds the live rule and schedule indexes. The indexes are read on
// every reading and tick, and mutated only through the Upsert/Remove surface,
// so lookups take the read lock.
type Engine struct {
	Writer  StateWriter
	Store   Bookkeeper
	Sensors SensorLookup

	mu            sync.RWMutex
	rulesBySensor map[string][]*model.AutomationRule
	schedules     map[string]*model.Schedule

	timerMu sync.Mutex
	timers  map[string]*time.Timer // pending duration OFF, by schedule id
	fired   map[string]time.Time   // last fired minute, by schedule id

	reportMu sync.Mutex
	reported map[string]bool

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func New(writer StateWriter, store Bookkeeper) *Engine {
	return &Engine{
		Writer:        writer,
		Store:         store,
		rulesBySensor: make(map[string][]*model.AutomationRule),
		schedules:     make(map[string]*model.Schedule),
		timers:        make(map[string]*time.Timer),
		fired:         make(map[string]time.Time),
		reported:      make(map[string]bool),
		now:           time.Now,
		afterFunc:     time.AfterFunc,
	}
}

// Load replaces both indexes, typically at startup from the store.
func (e *Engine) Load(rules []model.AutomationRule, schedules []model.Schedule) {
	e.mu.Lock()
	e.rulesBySensor = make(map[string][]*model.AutomationRule)
	for i := range rules {
		r := rules[i]
		e.rulesBySensor[r.SensorID] = append(e.rulesBySensor[r.SensorID], &r)
	}
	for id := range e.rulesBySensor {
		sortRules(e.rulesBySensor[id])
	}
	e.schedules = make(map[string]*model.Schedule)
	for i := range schedules {
		s := schedules[i]
		e.schedules[s.ID] = &s
	}
	e.mu.Unlock()

	for i := range rules {
		e.checkRuleSensor(&rules[i])
	}
}

// checkRuleSensor reports a rule bound to a sensor the store no longer has.
// Such a rule never receives readings, so without this it would fail
// silently rather than visibly.
func (e *Engine) checkRuleSensor(r *model.AutomationRule) {
	if e.Sensors == nil {
		return
	}
	if _, err := e.Sensors.GetSensor(context.Background(), r.SensorID); err != nil {
		e.reportOnce("rule-sensor:"+r.ID, "rule %s (%s): sensor %s cannot be resolved, rule will not evaluate: %v",
			r.ID, r.Name, r.SensorID, err)
	}
}

// Rules created earlier win ties by being evaluated first; a later rule on
// the same actuator then overwrites the earlier write.
func sortRules(rules []*model.AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// UpsertRule adds or replaces a rule in the index. Earlier fault reports for
// the rule are forgotten so a corrected configuration reports afresh.
func (e *Engine) UpsertRule(r model.AutomationRule) {
	e.mu.Lock()
	e.removeRuleLocked(r.ID)
	e.rulesBySensor[r.SensorID] = append(e.rulesBySensor[r.SensorID], &r)
	sortRules(e.rulesBySensor[r.SensorID])
	e.mu.Unlock()

	e.forgetRule(r.ID)
	e.checkRuleSensor(&r)
}

// RemoveRule drops a rule from the index and its fault bookkeeping.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	e.removeRuleLocked(id)
	e.mu.Unlock()
	e.forgetRule(id)
}

func (e *Engine) forgetRule(id string) {
	e.reportMu.Lock()
	delete(e.reported, "rule:"+id)
	delete(e.reported, "rule-target:"+id)
	delete(e.reported, "rule-sensor:"+id)
	e.reportMu.Unlock()
}

func (e *Engine) removeRuleLocked(id string) {
	for sensorID, rules := range e.rulesBySensor {
		for i, r := range rules {
			if r.ID == id {
				e.rulesBySensor[sensorID] = append(rules[:i], rules[i+1:]...)
				if len(e.rulesBySensor[sensorID]) == 0 {
					delete(e.rulesBySensor, sensorID)
				}
				return
			}
		}
	}
}

// UpsertSchedule adds or replaces a schedule. Disabling or retiming a
// schedule cancels any pending duration OFF.
func (e *Engine) UpsertSchedule(s model.Schedule) {
	e.cancelTimer(s.ID)
	e.forgetSchedule(s.ID)
	e.mu.Lock()
	e.schedules[s.ID] = &s
	e.mu.Unlock()
}

// RemoveSchedule drops a schedule, cancels its pending duration OFF and
// clears its bookkeeping.
func (e *Engine) RemoveSchedule(id string) {
	e.cancelTimer(id)
	e.forgetSchedule(id)
	e.mu.Lock()
	delete(e.schedules, id)
	e.mu.Unlock()
}

func (e *Engine) forgetSchedule(id string) {
	e.timerMu.Lock()
	delete(e.fired, id)
	e.timerMu.Unlock()
	e.reportMu.Lock()
	delete(e.reported, "schedule:"+id)
	delete(e.reported, "schedule-target:"+id)
	e.reportMu.Unlock()
}

func (e *Engine) cancelTimer(scheduleID string) {
	e.timerMu.Lock()
	if t, ok := e.timers[scheduleID]; ok {
		t.Stop()
		delete(e.timers, scheduleID)
	}
	e.timerMu.Unlock()
}

// Attach subscribes the engine to sensor readings on the bus.
func (e *Engine) Attach(bus *events.Bus) {
	bus.Subscribe(func(ev events.Event) {
		if r, ok := ev.(events.SensorReading); ok {
			e.HandleReading(context.Background(), r)
		}
	})
}

// HandleReading evaluates every rule bound to the reading's sensor, in
// creation order. A rule fires when its condition holds and its cooldown has
// elapsed; the cooldown restarts on every firing whether or not the actuator
// write succeeds, so a broken actuator does not turn into a write storm.
func (e *Engine) HandleReading(ctx context.Context, reading events.SensorReading) {
	e.mu.RLock()
	rules := append([]*model.AutomationRule(nil), e.rulesBySensor[reading.SensorID]...)
	e.mu.RUnlock()

	now := e.now()
	for _, r := range rules {
		if !r.IsEnabled {
			continue
		}
		hit, known := r.Condition.Eval(reading.Value, r.Threshold)
		if !known {
			e.reportOnce("rule:"+r.ID, "rule %s (%s): unknown condition %q, rule is inert", r.ID, r.Name, r.Condition)
			continue
		}
		if !hit {
			continue
		}
		if r.LastRunAt != nil && now.Sub(*r.LastRunAt) < r.Cooldown() {
			continue
		}

		at := now
		r.LastRunAt = &at
		metrics.RuleFiringsTotal.WithLabelValues(r.ID).Inc()
		if err := e.Store.UpdateRuleLastRun(ctx, r.ID, at); err != nil {
			log.Printf("engine: rule %s: persist last run: %v", r.ID, err)
		}
		if err := e.Writer.SetState(ctx, r.ActuatorID, r.TargetState, actuator.SourceAutomation); err != nil {
			e.reportOnce("rule-target:"+r.ID, "rule %s (%s): actuator %s: %v", r.ID, r.Name, r.ActuatorID, err)
		}
	}
}

// Run fires schedules once per minute until the context is cancelled. The
// first tick is aligned to the next minute boundary.
func (e *Engine) Run(ctx context.Context) {
	now := e.now()
	align := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	select {
	case <-ctx.Done():
		return
	case <-time.After(align):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	e.Tick(ctx, e.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}

// Tick evaluates every schedule against the wall clock. A schedule fires at
// most once per matching minute even if ticks jitter around the boundary.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mu.RLock()
	schedules := make([]*model.Schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		schedules = append(schedules, s)
	}
	e.mu.RUnlock()

	minute := now.Truncate(time.Minute)
	for _, s := range schedules {
		if !s.IsEnabled {
			continue
		}
		h, m, ok := s.ClockTime()
		if !ok {
			e.reportOnce("schedule:"+s.ID, "schedule %s (%s): invalid time %q, schedule is inert", s.ID, s.Name, s.Time)
			continue
		}
		if now.Hour() != h || now.Minute() != m || !s.RunsOn(now.Weekday()) {
			continue
		}

		e.timerMu.Lock()
		if last, ok := e.fired[s.ID]; ok && last.Equal(minute) {
			e.timerMu.Unlock()
			continue
		}
		e.fired[s.ID] = minute
		e.timerMu.Unlock()

		e.fire(ctx, s, now)
	}
}

func (e *Engine) fire(ctx context.Context, s *model.Schedule, now time.Time) {
	metrics.ScheduleFiringsTotal.WithLabelValues(s.ID).Inc()

	var nextPtr *time.Time
	if next := s.NextRun(now); !next.IsZero() {
		nextPtr = &next
		s.NextRunAt = &next
	}
	at := now
	s.LastRunAt = &at
	if err := e.Store.UpdateScheduleRun(ctx, s.ID, at, nextPtr); err != nil {
		log.Printf("engine: schedule %s: persist run: %v", s.ID, err)
	}

	if err := e.Writer.SetState(ctx, s.ActuatorID, s.Action, actuator.SourceSchedule); err != nil {
		e.reportOnce("schedule-target:"+s.ID, "schedule %s (%s): actuator %s: %v", s.ID, s.Name, s.ActuatorID, err)
		return
	}

	if s.Action != model.StateOn || s.DurationMinutes == nil || *s.DurationMinutes <= 0 {
		return
	}

	// Replace, never stack: two overlapping runs keep only the latest OFF.
	scheduleID, actuatorID := s.ID, s.ActuatorID
	off := s.Action.Opposite()
	d := time.Duration(*s.DurationMinutes) * time.Minute
	e.timerMu.Lock()
	if t, ok := e.timers[scheduleID]; ok {
		t.Stop()
	}
	e.timers[scheduleID] = e.afterFunc(d, func() {
		e.timerMu.Lock()
		delete(e.timers, scheduleID)
		e.timerMu.Unlock()
		if err := e.Writer.SetState(context.Background(), actuatorID, off, actuator.SourceSchedule); err != nil {
			log.Printf("engine: schedule %s: duration off: %v", scheduleID, err)
		}
	})
	e.timerMu.Unlock()
}

// Close cancels every pending duration timer.
func (e *Engine) Close() {
	e.timerMu.Lock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.timerMu.Unlock()
}

// reportOnce logs a configuration fault a single time per key.
func (e *Engine) reportOnce(key, format string, args ...any) {
	e.reportMu.Lock()
	already := e.reported[key]
	e.reported[key] = true
	e.reportMu.Unlock()
	if !already {
		log.Printf("engine: "+format, args...)
	}
}
