package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

type writeCall struct {
	actuatorID string
	state      model.ActuatorState
	source     string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
	err   error
}

func (w *fakeWriter) SetState(_ context.Context, actuatorID string, target model.ActuatorState, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, writeCall{actuatorID, target, source})
	return w.err
}

func (w *fakeWriter) all() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

type scheduleRun struct {
	id      string
	lastRun time.Time
	nextRun *time.Time
}

type fakeBook struct {
	mu       sync.Mutex
	ruleRuns map[string]time.Time
	schedRns []scheduleRun
}

func newFakeBook() *fakeBook { return &fakeBook{ruleRuns: make(map[string]time.Time)} }

func (b *fakeBook) UpdateRuleLastRun(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ruleRuns[id] = at
	return nil
}

func (b *fakeBook) UpdateScheduleRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedRns = append(b.schedRns, scheduleRun{id, lastRun, nextRun})
	return nil
}

func reading(sensorID string, value float64) events.SensorReading {
	return events.SensorReading{SensorID: sensorID, DeviceID: "dev-1", FarmID: "farm-1", Value: value}
}

func fanRule(id string, createdAt time.Time) model.AutomationRule {
	return model.AutomationRule{
		ID:              id,
		FarmID:          "farm-1",
		Name:            "fan on hot " + id,
		SensorID:        "temp-1",
		ActuatorID:      "fan-1",
		Condition:       model.GreaterThan,
		Threshold:       30,
		CooldownMinutes: 5,
		TargetState:     model.StateOn,
		IsEnabled:       true,
		CreatedAt:       createdAt,
	}
}

func newTestEngine(w *fakeWriter, b *fakeBook, at time.Time) (*Engine, *time.Time) {
	e := New(w, b)
	now := at
	e.now = func() time.Time { return now }
	return e, &now
}

func TestRuleFiresAndCooldownSuppresses(t *testing.T) {
	w := &fakeWriter{}
	b := newFakeBook()
	t0 := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	e, now := newTestEngine(w, b, t0)
	e.Load([]model.AutomationRule{fanRule("r1", t0.Add(-time.Hour))}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 31)) // fires
	*now = t0.Add(2 * time.Minute)
	e.HandleReading(context.Background(), reading("temp-1", 32)) // cooldown
	*now = t0.Add(6 * time.Minute)
	e.HandleReading(context.Background(), reading("temp-1", 33)) // fires again

	calls := w.all()
	require.Len(t, calls, 2)
	assert.Equal(t, writeCall{"fan-1", model.StateOn, "AUTOMATION"}, calls[0])
	assert.Equal(t, t0.Add(6*time.Minute), b.ruleRuns["r1"])
}

func TestReadingBelowThresholdDoesNotFire(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	e.Load([]model.AutomationRule{fanRule("r1", time.Now())}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 29))
	assert.Empty(t, w.all())
}

func TestEarlierRuleEvaluatesFirstSoLaterWriteWins(t *testing.T) {
	w := &fakeWriter{}
	t0 := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(w, newFakeBook(), t0)

	older := fanRule("r-old", t0.Add(-2*time.Hour))
	newer := fanRule("r-new", t0.Add(-time.Hour))
	newer.TargetState = model.StateOff
	newer.Condition = model.GreaterThan
	// Loaded newest-first to prove ordering comes from creation time, not
	// load order.
	e.Load([]model.AutomationRule{newer, older}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 40))

	calls := w.all()
	require.Len(t, calls, 2)
	assert.Equal(t, model.StateOn, calls[0].state)
	assert.Equal(t, model.StateOff, calls[1].state, "the later rule's write lands last")
}

func TestUnknownConditionLeavesRuleInert(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	r := fanRule("r1", time.Now())
	r.Condition = model.Comparator("ALMOST_EQUAL")
	e.Load([]model.AutomationRule{r}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 40))
	e.HandleReading(context.Background(), reading("temp-1", 41))
	assert.Empty(t, w.all())
}

func TestDisabledRuleIgnored(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	r := fanRule("r1", time.Now())
	r.IsEnabled = false
	e.Load([]model.AutomationRule{r}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 40))
	assert.Empty(t, w.all())
}

func TestCooldownRestartsEvenWhenWriteFails(t *testing.T) {
	w := &fakeWriter{err: errors.New("device unreachable")}
	t0 := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	e, now := newTestEngine(w, newFakeBook(), t0)
	e.Load([]model.AutomationRule{fanRule("r1", t0.Add(-time.Hour))}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 40))
	*now = t0.Add(time.Minute)
	e.HandleReading(context.Background(), reading("temp-1", 40))

	assert.Len(t, w.all(), 1, "a failing actuator must not become a write storm")
}

func TestUpsertAndRemoveRule(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())

	e.UpsertRule(fanRule("r1", time.Now()))
	e.HandleReading(context.Background(), reading("temp-1", 40))
	require.Len(t, w.all(), 1)

	e.RemoveRule("r1")
	e.HandleReading(context.Background(), reading("temp-1", 40))
	assert.Len(t, w.all(), 1)
}

func irrigationSchedule(id string) model.Schedule {
	dur := 10
	s := model.Schedule{
		ID:              id,
		FarmID:          "farm-1",
		Name:            "morning irrigation",
		ActuatorID:      "pump-1",
		Time:            "06:30",
		Action:          model.StateOn,
		DurationMinutes: &dur,
		IsEnabled:       true,
	}
	s.SetDays([]int{1}) // Mondays
	return s
}

// 2026-08-31 is a Monday.
var monday0630 = time.Date(2026, 8, 31, 6, 30, 0, 0, time.UTC)

func TestScheduleFiresOnceWithDurationOff(t *testing.T) {
	w := &fakeWriter{}
	b := newFakeBook()
	e, _ := newTestEngine(w, b, monday0630)

	var offFn func()
	var offDelay time.Duration
	e.afterFunc = func(d time.Duration, f func()) *time.Timer {
		offDelay = d
		offFn = f
		return time.AfterFunc(time.Hour, func() {})
	}

	e.Load(nil, []model.Schedule{irrigationSchedule("sch-1")})
	e.Tick(context.Background(), monday0630)
	e.Tick(context.Background(), monday0630.Add(10*time.Second)) // same minute

	calls := w.all()
	require.Len(t, calls, 1, "one firing per matching minute")
	assert.Equal(t, writeCall{"pump-1", model.StateOn, "SCHEDULE"}, calls[0])
	assert.Equal(t, 10*time.Minute, offDelay)

	require.NotNil(t, offFn)
	offFn()
	calls = w.all()
	require.Len(t, calls, 2)
	assert.Equal(t, writeCall{"pump-1", model.StateOff, "SCHEDULE"}, calls[1])

	require.Len(t, b.schedRns, 1)
	require.NotNil(t, b.schedRns[0].nextRun)
	assert.Equal(t, monday0630.AddDate(0, 0, 7), *b.schedRns[0].nextRun)
}

func TestScheduleSkipsNonMatchingTimes(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), monday0630)
	e.Load(nil, []model.Schedule{irrigationSchedule("sch-1")})

	e.Tick(context.Background(), monday0630.Add(time.Minute))  // wrong minute
	e.Tick(context.Background(), monday0630.AddDate(0, 0, 1))  // Tuesday
	e.Tick(context.Background(), monday0630.Add(-2*time.Hour)) // wrong hour
	assert.Empty(t, w.all())
}

func TestRemoveScheduleCancelsPendingOff(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), monday0630)
	e.Load(nil, []model.Schedule{irrigationSchedule("sch-1")})

	e.Tick(context.Background(), monday0630)
	e.timerMu.Lock()
	pending := len(e.timers)
	e.timerMu.Unlock()
	require.Equal(t, 1, pending)

	e.RemoveSchedule("sch-1")
	e.timerMu.Lock()
	pending = len(e.timers)
	e.timerMu.Unlock()
	assert.Zero(t, pending)

	e.Tick(context.Background(), monday0630.AddDate(0, 0, 7))
	assert.Len(t, w.all(), 1, "removed schedule must not fire again")
}

func TestScheduleWithInvalidTimeIsInert(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), monday0630)
	s := irrigationSchedule("sch-1")
	s.Time = "25:99"
	e.Load(nil, []model.Schedule{s})

	e.Tick(context.Background(), monday0630)
	assert.Empty(t, w.all())
}

func TestOffScheduleHasNoDurationTimer(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), monday0630)
	s := irrigationSchedule("sch-1")
	s.Action = model.StateOff
	e.Load(nil, []model.Schedule{s})

	e.Tick(context.Background(), monday0630)
	require.Len(t, w.all(), 1)
	assert.Equal(t, model.StateOff, w.all()[0].state)
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	assert.Empty(t, e.timers)
}

func TestRemoveRuleClearsFaultBookkeeping(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	r := fanRule("r1", time.Now())
	r.Condition = model.Comparator("ALMOST_EQUAL")
	e.Load([]model.AutomationRule{r}, nil)

	e.HandleReading(context.Background(), reading("temp-1", 40))
	e.reportMu.Lock()
	flagged := e.reported["rule:r1"]
	e.reportMu.Unlock()
	require.True(t, flagged)

	e.RemoveRule("r1")
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	assert.Empty(t, e.reported, "a removed rule leaves no bookkeeping behind")
}

func TestReplacedScheduleFiresAgainInSameMinute(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), monday0630)
	e.Load(nil, []model.Schedule{irrigationSchedule("sch-1")})

	e.Tick(context.Background(), monday0630)
	require.Len(t, w.all(), 1)

	// Delete-and-recreate is a fresh schedule: the old per-minute guard
	// must not suppress it.
	e.RemoveSchedule("sch-1")
	e.UpsertSchedule(irrigationSchedule("sch-1"))
	e.Tick(context.Background(), monday0630)
	assert.Len(t, w.all(), 2)
	e.Close()
}

type sensorDir struct {
	known map[string]bool
}

func (d sensorDir) GetSensor(_ context.Context, id string) (*model.Sensor, error) {
	if d.known[id] {
		return &model.Sensor{ID: id}, nil
	}
	return nil, errors.New("record not found")
}

func TestDanglingSensorReferenceReportedAtIndexTime(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	e.Sensors = sensorDir{known: map[string]bool{"temp-1": true}}

	dangling := fanRule("r-dangling", time.Now())
	dangling.SensorID = "temp-gone"
	e.Load([]model.AutomationRule{fanRule("r-ok", time.Now()), dangling}, nil)

	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	assert.True(t, e.reported["rule-sensor:r-dangling"])
	assert.False(t, e.reported["rule-sensor:r-ok"])
}

func TestAttachRoutesBusReadings(t *testing.T) {
	w := &fakeWriter{}
	e, _ := newTestEngine(w, newFakeBook(), time.Now())
	e.Load([]model.AutomationRule{fanRule("r1", time.Now())}, nil)

	bus := events.NewBus()
	e.Attach(bus)
	bus.Publish(reading("temp-1", 40))
	assert.Len(t, w.all(), 1)
}
