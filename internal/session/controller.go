// Package session runs a live class: enrollment, the periodic metric ticks
// over every participant's live state, and finalizing the class into a
// SessionRecord.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/events"
	"github.com/claytonnetvision/wodpulse/internal/observability"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

var (
	ErrNoParticipants = errors.New("session: no participants enrolled")
	ErrSessionActive  = errors.New("session: a session is already active")
	// ErrFinalizePending is returned by Start while the previous record has
	// not been persisted. Call End again to retry.
	ErrFinalizePending    = errors.New("session: previous session is waiting to be persisted")
	ErrNotIdle            = errors.New("session: enrollment can only change while idle")
	ErrUnknownParticipant = errors.New("session: unknown participant")
)

// Persister stores a finished session and returns its id.
type Persister interface {
	SaveSession(ctx context.Context, rec SessionRecord) (string, error)
}

// SampleWriter stores raw heart-rate samples.
type SampleWriter interface {
	SaveSample(ctx context.Context, s Sample) error
}

// Reconnector silently reconnects bound but disconnected participants.
type Reconnector interface {
	Sweep(ctx context.Context, participantIDs []string) sensor.SweepReport
}

// Config holds the session cadences.
type Config struct {
	ClassLabel        string
	MetricInterval    time.Duration
	TRIMPInterval     time.Duration
	ZoneInterval      time.Duration
	PersistInterval   time.Duration
	ReconnectInterval time.Duration
	RestingWindow     time.Duration
}

// DefaultConfig returns the standard class cadences.
func DefaultConfig() Config {
	return Config{
		ClassLabel:        "Aula Manual",
		MetricInterval:    time.Second,
		TRIMPInterval:     15 * time.Second,
		ZoneInterval:      time.Minute,
		PersistInterval:   2 * time.Minute,
		ReconnectInterval: 5 * time.Second,
		RestingWindow:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClassLabel == "" {
		c.ClassLabel = d.ClassLabel
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = d.MetricInterval
	}
	if c.TRIMPInterval <= 0 {
		c.TRIMPInterval = d.TRIMPInterval
	}
	if c.ZoneInterval <= 0 {
		c.ZoneInterval = d.ZoneInterval
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = d.PersistInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.RestingWindow <= 0 {
		c.RestingWindow = d.RestingWindow
	}
	return c
}

// Job names, also used as metric labels.
const (
	jobMetric    = "metric"
	jobTRIMP     = "trimp"
	jobZones     = "zones"
	jobSamples   = "samples"
	jobReconnect = "reconnect"
	jobResting   = "resting_capture"
)

// Option configures optional behaviour for the Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) {
		c.newID = newID
	}
}

// WithSampleWriter enables the sample persistence cadence.
func WithSampleWriter(w SampleWriter) Option {
	return func(c *Controller) {
		c.samples = w
	}
}

// WithReconnector enables the reconnect sweep cadence.
func WithReconnector(r Reconnector) Option {
	return func(c *Controller) {
		c.reconnector = r
	}
}

// Controller drives the session lifecycle Idle -> Active -> Ended -> Idle.
// It is the sensor.Sink of the sensor manager.
type Controller struct {
	persister   Persister
	samples     SampleWriter
	reconnector Reconnector
	logger      *log.Logger
	cfg         Config
	now         func() time.Time
	newID       func() string

	// serializes End so a retry never races another persist
	endMu sync.Mutex

	// guards sc and sched; taken before sc.mu
	mu    sync.Mutex
	sc    *SessionContext
	sched *Scheduler

	snapshots *events.Feed[Snapshot]
}

// Verify Controller implements sensor.Sink
var _ sensor.Sink = (*Controller)(nil)

// NewController creates an idle controller.
func NewController(persister Persister, logger *log.Logger, cfg Config, opts ...Option) *Controller {
	if persister == nil {
		panic("SessionController: persister cannot be nil")
	}
	if logger == nil {
		panic("SessionController: logger cannot be nil")
	}
	c := &Controller{
		persister: persister,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		sc:        newSessionContext(),
		snapshots: events.NewFeed[Snapshot](true),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) current() *SessionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sc
}

// Enroll adds p to the next session, or refreshes its profile when already
// enrolled.
func (c *Controller) Enroll(p roster.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownParticipant)
	}
	sc := c.current()
	sc.mu.Lock()
	if sc.phase != PhaseIdle {
		sc.mu.Unlock()
		return ErrNotIdle
	}
	if m, ok := sc.members[p.ID]; ok {
		m.profile = p
		m.live.Name = p.Name
		m.live.MaxHR = p.EffectiveMaxHR()
		m.live.SensorID = p.SensorID
	} else {
		sc.members[p.ID] = &member{profile: p, live: newLiveState(p)}
		sc.order = append(sc.order, p.ID)
	}
	snap := sc.snapshotLocked(c.now())
	sc.mu.Unlock()

	c.logger.Printf("SessionController: enrolled %s (%s)", p.ID, p.Name)
	c.snapshots.Publish(snap)
	return nil
}

// Unenroll removes participantID from the next session.
func (c *Controller) Unenroll(participantID string) error {
	sc := c.current()
	sc.mu.Lock()
	if sc.phase != PhaseIdle {
		sc.mu.Unlock()
		return ErrNotIdle
	}
	if _, ok := sc.members[participantID]; !ok {
		sc.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	delete(sc.members, participantID)
	for i, id := range sc.order {
		if id == participantID {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
	snap := sc.snapshotLocked(c.now())
	sc.mu.Unlock()

	c.logger.Printf("SessionController: unenrolled %s", participantID)
	c.snapshots.Publish(snap)
	return nil
}

// Enrolled returns the enrolled participant ids in enrollment order.
func (c *Controller) Enrolled() []string {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.enrolledLocked()
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.phase
}

// Start resets every enrolled participant's accumulators and schedules the
// session cadences. Preconditions are checked before anything changes.
func (c *Controller) Start(ctx context.Context, classLabel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	sc := c.sc
	sc.mu.Lock()
	var precondition error
	switch {
	case sc.phase == PhaseActive:
		precondition = ErrSessionActive
	case sc.phase == PhaseEnded:
		precondition = ErrFinalizePending
	case len(sc.order) == 0:
		precondition = ErrNoParticipants
	}
	if precondition != nil {
		sc.mu.Unlock()
		c.mu.Unlock()
		return precondition
	}
	if classLabel == "" {
		classLabel = c.cfg.ClassLabel
	}

	now := c.now()
	sc.gen++
	sc.id = c.newID()
	sc.phase = PhaseActive
	sc.classLabel = classLabel
	sc.startedAt = now
	sc.endedAt = time.Time{}
	sc.lastMetricAt = now
	sc.capturing = true
	for _, id := range sc.order {
		m := sc.members[id]
		m.live.reset(m.profile, now)
	}
	gen := sc.gen
	id := sc.id
	n := len(sc.order)
	snap := sc.snapshotLocked(now)
	sc.mu.Unlock()

	c.sched = c.schedule(sc, gen)
	c.mu.Unlock()

	c.logger.Printf("SessionController: session %s (%s) started with %d participants", id, classLabel, n)
	c.snapshots.Publish(snap)
	return nil
}

func (c *Controller) schedule(sc *SessionContext, gen uint64) *Scheduler {
	s := NewScheduler(gen, c.logger)
	s.Every(jobMetric, c.cfg.MetricInterval, func(_ context.Context, g uint64) { c.metricTick(sc, g) })
	s.Every(jobTRIMP, c.cfg.TRIMPInterval, func(_ context.Context, g uint64) { c.trimpTick(sc, g) })
	s.Every(jobZones, c.cfg.ZoneInterval, func(_ context.Context, g uint64) { c.zoneTick(sc, g) })
	if c.samples != nil {
		s.Every(jobSamples, c.cfg.PersistInterval, func(ctx context.Context, g uint64) { c.sampleTick(ctx, sc, g) })
	}
	if c.reconnector != nil {
		s.Every(jobReconnect, c.cfg.ReconnectInterval, func(ctx context.Context, g uint64) { c.reconnectTick(ctx, sc, g) })
	}
	s.After(jobResting, c.cfg.RestingWindow, func(_ context.Context, g uint64) { c.captureResting(sc, g) })
	return s
}

// End stops the cadences, builds the SessionRecord and persists it. When
// persisting fails the session stays Ended with the same record, and the next
// End retries it without recomputing. Ending an idle controller is a no-op
// that returns a zero record.
func (c *Controller) End(ctx context.Context) (SessionRecord, error) {
	c.endMu.Lock()
	defer c.endMu.Unlock()

	c.mu.Lock()
	sc := c.sc
	sched := c.sched
	c.sched = nil
	sc.mu.Lock()
	ended := false
	switch sc.phase {
	case PhaseIdle:
		sc.mu.Unlock()
		c.mu.Unlock()
		return SessionRecord{}, nil
	case PhaseActive:
		ended = true
		// timers of this generation become no-ops from here on
		sc.gen++
		sc.phase = PhaseEnded
		sc.endedAt = c.now()
		sc.capturing = false
		rec := sc.buildRecordLocked()
		sc.pending = &rec
		c.logger.Printf("SessionController: session %s ended after %v", rec.ID, rec.Duration.Round(time.Second))
	}
	rec := sc.pending.clone()
	snap := sc.snapshotLocked(c.now())
	sc.mu.Unlock()
	c.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if ended {
		c.snapshots.Publish(snap)
	}

	storedID, err := c.persister.SaveSession(ctx, rec)
	if err != nil {
		observability.RecordPersistFailure()
		c.logger.Printf("SessionController: persisting session %s failed: %v", rec.ID, err)
		return rec, fmt.Errorf("persist session %s: %w", rec.ID, err)
	}
	rec.StoredID = storedID
	observability.RecordSessionFinalized()

	next := newSessionContext()
	c.mu.Lock()
	if c.sc == sc {
		c.sc = next
	}
	c.mu.Unlock()

	sc.mu.Lock()
	sc.disposed = true
	sc.pending = nil
	sc.mu.Unlock()

	c.logger.Printf("SessionController: session %s persisted as %s", rec.ID, storedID)
	c.snapshots.Publish(next.snapshotLocked(c.now()))
	return rec, nil
}

// PendingRecord returns the record waiting to be persisted, if any.
func (c *Controller) PendingRecord() (SessionRecord, bool) {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.pending == nil {
		return SessionRecord{}, false
	}
	return sc.pending.clone(), true
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.snapshotLocked(c.now())
}

// Participant returns a copy of one participant's live state.
func (c *Controller) Participant(participantID string) (LiveState, bool) {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	m, ok := sc.members[participantID]
	if !ok {
		return LiveState{}, false
	}
	return m.live, true
}

// ListenToSnapshots registers fn for snapshots published after enrollment
// changes, lifecycle changes and every metric tick. fn immediately receives
// the latest snapshot. Returns the deregistration function.
func (c *Controller) ListenToSnapshots(fn func(Snapshot)) func() {
	return c.snapshots.Subscribe(fn)
}

// SetSensor records the sensor now bound to participantID. An empty id
// clears it.
func (c *Controller) SetSensor(participantID, sensorID string) {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if m, ok := sc.members[participantID]; ok {
		m.live.SensorID = sensorID
	}
}

// OnSample stores the latest reading of participantID. During the resting
// capture window valid readings also lower the participant's resting minimum.
func (c *Controller) OnSample(participantID string, hr int, at time.Time) {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	m, ok := sc.members[participantID]
	if !ok {
		return
	}
	m.live.HR = hr
	m.live.LastSampleAt = at
	m.live.Connected = true
	if sc.phase == PhaseActive && sc.capturing && hr >= MinRestingHR && hr <= MaxRestingHR {
		if m.live.RestingMin == 0 || hr < m.live.RestingMin {
			m.live.RestingMin = hr
		}
	}
}

// OnConnectionChange flips the connection flag. Losing the link zeroes the
// reading and ends any VO2 stay; the sensor binding is kept.
func (c *Controller) OnConnectionChange(participantID string, connected bool) {
	sc := c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	m, ok := sc.members[participantID]
	if !ok {
		return
	}
	m.live.Connected = connected
	if !connected {
		m.live.HR = 0
		m.live.Tick.VO2 = calc.VO2State{}
	}
}

// Shutdown stops the cadences of an active session without finalizing it.
func (c *Controller) Shutdown() {
	c.logger.Println("SessionController: Shutting down")
	c.mu.Lock()
	sched := c.sched
	c.sched = nil
	c.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
	c.logger.Println("SessionController: Shutdown complete")
}
