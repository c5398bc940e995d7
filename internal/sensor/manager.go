package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/events"
	"github.com/claytonnetvision/wodpulse/internal/observability"
	"github.com/claytonnetvision/wodpulse/internal/roster"
)

// State is the connection state of one participant's sensor.
type State int

const (
	StateUnbound State = iota
	StateDisconnected
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "Unbound"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Sink receives decoded samples and liveness changes. Calls are made without
// any manager lock held.
type Sink interface {
	OnSample(participantID string, hr int, at time.Time)
	OnConnectionChange(participantID string, connected bool)
}

type nopSink struct{}

func (nopSink) OnSample(string, int, time.Time)  {}
func (nopSink) OnConnectionChange(string, bool) {}

// ConnectionEvent describes a state transition of one participant's link.
type ConnectionEvent struct {
	ParticipantID string
	SensorID      string
	State         State
	Err           error
	At            time.Time
}

// BorrowRequest is shown to the operator before a sensor changes owner.
type BorrowRequest struct {
	Sensor Handle
	From   string
	To     string
}

// SweepReport summarises one reconnect sweep.
type SweepReport struct {
	Attempted int
	Connected []string
	Skipped   []string // waiting for reauthorization
	Failed    map[string]error
}

// ReconnectReport summarises a manual reconnect-all.
type ReconnectReport struct {
	Connected []string
	Failed    map[string]error
}

type participant struct {
	id          string
	sensorID    string
	sensorName  string
	state       State
	link        Link
	sub         Subscription
	gen         uint64
	needsReauth bool
}

type detached struct {
	participantID string
	link          Link
	sub           Subscription
	wasConnected  bool
}

// Option configures optional behaviour for the Manager.
type Option func(*Manager)

// WithClock overrides the clock used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the sensor binding table and one link per participant.
// The binding table maps each sensor to at most one participant.
type Manager struct {
	platform Platform
	bindings roster.BindingUpdater
	logger   *log.Logger
	now      func() time.Time

	// serializes binding transactions (pair, borrow, unbind)
	pairMu sync.Mutex

	mu           sync.Mutex
	sink         Sink
	participants map[string]*participant
	owners       map[string]string // sensorID -> participantID
	gen          uint64

	connEvents *events.Feed[ConnectionEvent]
}

// NewManager creates a Manager over platform. Binding changes are persisted
// through bindings before they take effect.
func NewManager(platform Platform, bindings roster.BindingUpdater, logger *log.Logger, opts ...Option) *Manager {
	if platform == nil {
		panic("SensorManager: platform cannot be nil")
	}
	if bindings == nil {
		panic("SensorManager: bindings cannot be nil")
	}
	if logger == nil {
		panic("SensorManager: logger cannot be nil")
	}
	m := &Manager{
		platform:     platform,
		bindings:     bindings,
		logger:       logger,
		now:          time.Now,
		sink:         nopSink{},
		participants: make(map[string]*participant),
		owners:       make(map[string]string),
		connEvents:   events.NewFeed[ConnectionEvent](false),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSink installs the receiver of samples and liveness changes.
func (m *Manager) SetSink(sink Sink) {
	if sink == nil {
		panic("SensorManager: sink cannot be nil")
	}
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// ListenToConnections registers fn for connection events and returns the
// deregistration function.
func (m *Manager) ListenToConnections(fn func(ConnectionEvent)) func() {
	return m.connEvents.Subscribe(fn)
}

// Track registers a participant with the binding the roster already holds.
// sensorID may be empty.
func (m *Manager) Track(participantID, sensorID, sensorName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sensorID != "" {
		if owner, ok := m.owners[sensorID]; ok && owner != participantID {
			return fmt.Errorf("%w: %s is bound to %s", ErrSensorConflict, sensorID, owner)
		}
	}

	p, ok := m.participants[participantID]
	if !ok {
		p = &participant{id: participantID}
		m.participants[participantID] = p
	} else if p.sensorID != sensorID {
		if p.state == StateConnecting || p.state == StateConnected {
			return fmt.Errorf("%w: %s", ErrConnectInProgress, participantID)
		}
		delete(m.owners, p.sensorID)
	}

	p.sensorID = sensorID
	p.sensorName = sensorName
	if sensorID == "" {
		p.state = StateUnbound
		return nil
	}
	m.owners[sensorID] = participantID
	if p.state == StateUnbound {
		p.state = StateDisconnected
	}
	return nil
}

// State returns the connection state of participantID.
func (m *Manager) State(participantID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[participantID]; ok {
		return p.state
	}
	return StateUnbound
}

// Binding returns the sensor bound to participantID.
func (m *Manager) Binding(participantID string) (sensorID, sensorName string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.participants[participantID]
	if !found || p.sensorID == "" {
		return "", "", false
	}
	return p.sensorID, p.sensorName, true
}

// Bindings returns a copy of the sensorID -> participantID table.
func (m *Manager) Bindings() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.owners))
	for s, p := range m.owners {
		out[s] = p
	}
	return out
}

// NeedsReauthorization reports whether silent reconnects are blocked for
// participantID.
func (m *Manager) NeedsReauthorization(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	return ok && p.needsReauth
}

// Pair runs discovery for participantID, binds the selected sensor and
// connects to it. When the sensor belongs to someone else, confirm decides
// whether it is borrowed; a nil confirm declines.
func (m *Manager) Pair(ctx context.Context, participantID string, confirm func(BorrowRequest) bool) (Handle, error) {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()

	if err := m.checkTracked(participantID); err != nil {
		return Handle{}, err
	}

	m.logger.Printf("SensorManager: pairing %s", participantID)
	h, err := m.platform.Discover(ctx, HeartRateFilter())
	if err != nil {
		m.logger.Printf("SensorManager: discovery for %s failed: %v", participantID, err)
		return Handle{}, fmt.Errorf("discover: %w", err)
	}

	if err := m.bind(ctx, participantID, h, confirm); err != nil {
		return h, err
	}
	if err := m.connect(ctx, participantID, "pair"); err != nil {
		return h, err
	}
	return h, nil
}

func (m *Manager) checkTracked(participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if p.state == StateConnecting {
		return fmt.Errorf("%w: %s", ErrConnectInProgress, participantID)
	}
	return nil
}

// bind makes h the sensor of participantID. A borrow persists the new binding
// first and clears the previous owner only after that succeeded; if clearing
// fails the new binding is reverted and nothing changes in memory.
func (m *Manager) bind(ctx context.Context, participantID string, h Handle, confirm func(BorrowRequest) bool) error {
	m.mu.Lock()
	p, ok := m.participants[participantID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	owner := m.owners[h.ID]
	prevSensor, prevName := p.sensorID, p.sensorName
	m.mu.Unlock()

	if owner == participantID {
		m.logger.Printf("SensorManager: %s already bound to %s", h.ID, participantID)
		return nil
	}
	if owner != "" {
		req := BorrowRequest{Sensor: h, From: owner, To: participantID}
		if confirm == nil || !confirm(req) {
			m.logger.Printf("SensorManager: borrow of %s from %s declined", h.ID, owner)
			return ErrBorrowDeclined
		}
	}

	if err := m.bindings.UpdateBinding(ctx, participantID, h.ID, h.Name); err != nil {
		m.logger.Printf("SensorManager: persisting binding %s -> %s failed: %v", h.ID, participantID, err)
		return fmt.Errorf("bind %s to %s: %w", h.ID, participantID, err)
	}
	if owner != "" {
		if err := m.bindings.UpdateBinding(ctx, owner, "", ""); err != nil {
			m.logger.Printf("SensorManager: releasing %s from %s failed: %v", h.ID, owner, err)
			if rerr := m.bindings.UpdateBinding(ctx, participantID, prevSensor, prevName); rerr != nil {
				m.logger.Printf("SensorManager: reverting binding of %s failed: %v", participantID, rerr)
			}
			return fmt.Errorf("release %s from %s: %w", h.ID, owner, err)
		}
	}

	m.mu.Lock()
	var gone []detached
	gone = append(gone, m.detachLocked(p))
	if p.sensorID != "" && m.owners[p.sensorID] == participantID {
		delete(m.owners, p.sensorID)
	}
	p.sensorID, p.sensorName = h.ID, h.Name
	p.state = StateDisconnected
	p.needsReauth = false
	if owner != "" {
		if o, ok := m.participants[owner]; ok {
			gone = append(gone, m.detachLocked(o))
			o.sensorID, o.sensorName = "", ""
			o.state = StateUnbound
			o.needsReauth = false
		}
	}
	m.owners[h.ID] = participantID
	sink := m.sink
	connected := m.connectedLocked()
	m.mu.Unlock()

	if owner != "" {
		m.logger.Printf("SensorManager: %s borrowed %s from %s", participantID, h.ID, owner)
	} else {
		m.logger.Printf("SensorManager: bound %s to %s", h.ID, participantID)
	}
	m.release(gone, sink)
	observability.SetConnectedSensors(connected)
	if owner != "" {
		m.publish(owner, h.ID, StateUnbound, nil)
	}
	m.publish(participantID, h.ID, StateDisconnected, nil)
	return nil
}

// Connect opens the link of a bound participant and installs its sample
// listener. Connecting an already connected participant is a no-op.
func (m *Manager) Connect(ctx context.Context, participantID string) error {
	return m.connect(ctx, participantID, "manual")
}

func (m *Manager) connect(ctx context.Context, participantID, trigger string) error {
	m.mu.Lock()
	p, ok := m.participants[participantID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if p.sensorID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotBound, participantID)
	}
	switch p.state {
	case StateConnecting:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectInProgress, participantID)
	case StateConnected:
		m.mu.Unlock()
		return nil
	}
	// remove any listener left over from an earlier link before adding one
	stale := m.detachLocked(p)
	gen := p.gen
	p.state = StateConnecting
	handle := Handle{ID: p.sensorID, Name: p.sensorName}
	sink := m.sink
	m.mu.Unlock()

	m.release([]detached{stale}, sink)
	m.publish(participantID, handle.ID, StateConnecting, nil)
	m.logger.Printf("SensorManager: connecting %s to %s (%s)", participantID, handle.ID, trigger)

	link, err := m.platform.Connect(ctx, handle)
	if err != nil {
		m.connectFailed(participantID, gen, handle.ID, trigger, err)
		return fmt.Errorf("connect %s: %w", handle.ID, err)
	}
	m.platform.OnDisconnect(link, func() { m.handleLinkLoss(participantID, gen) })

	sub, err := m.platform.Subscribe(link, func(payload []byte) { m.handlePayload(participantID, gen, payload) })
	if err != nil {
		m.connectFailed(participantID, gen, handle.ID, trigger, err)
		if derr := m.platform.Disconnect(link); derr != nil {
			m.logger.Printf("SensorManager: disconnect after failed subscribe: %v", derr)
		}
		return fmt.Errorf("subscribe %s: %w", handle.ID, err)
	}

	m.mu.Lock()
	if m.participants[participantID] != p || p.gen != gen {
		m.mu.Unlock()
		m.logger.Printf("SensorManager: connect of %s superseded, dropping link", participantID)
		m.teardown(link, sub)
		observability.RecordConnectAttempt(trigger, ErrSuperseded)
		return ErrSuperseded
	}
	p.link, p.sub = link, sub
	p.state = StateConnected
	p.needsReauth = false
	sink = m.sink
	connected := m.connectedLocked()
	m.mu.Unlock()

	observability.RecordConnectAttempt(trigger, nil)
	observability.SetConnectedSensors(connected)
	m.logger.Printf("SensorManager: %s connected to %s", participantID, handle.ID)
	sink.OnConnectionChange(participantID, true)
	m.publish(participantID, handle.ID, StateConnected, nil)
	return nil
}

func (m *Manager) connectFailed(participantID string, gen uint64, sensorID, trigger string, err error) {
	observability.RecordConnectAttempt(trigger, err)
	m.logger.Printf("SensorManager: connect %s to %s failed: %v", participantID, sensorID, err)

	m.mu.Lock()
	p, ok := m.participants[participantID]
	if !ok || p.gen != gen || p.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	p.state = StateDisconnected
	if p.sensorID == "" {
		p.state = StateUnbound
	}
	if errors.Is(err, ErrReauthorizationRequired) {
		p.needsReauth = true
	}
	state := p.state
	m.mu.Unlock()

	m.publish(participantID, sensorID, state, err)
}

// Disconnect closes the link of participantID. The binding is kept.
func (m *Manager) Disconnect(participantID string) error {
	m.mu.Lock()
	p, ok := m.participants[participantID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	d := m.detachLocked(p)
	if p.sensorID != "" {
		p.state = StateDisconnected
	} else {
		p.state = StateUnbound
	}
	sensorID, state := p.sensorID, p.state
	sink := m.sink
	connected := m.connectedLocked()
	m.mu.Unlock()

	m.release([]detached{d}, sink)
	observability.SetConnectedSensors(connected)
	m.publish(participantID, sensorID, state, nil)
	return nil
}

// Unbind clears the sensor of participantID, persisting the change first.
func (m *Manager) Unbind(ctx context.Context, participantID string) error {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()

	if err := m.checkTracked(participantID); err != nil {
		return err
	}
	if err := m.bindings.UpdateBinding(ctx, participantID, "", ""); err != nil {
		return fmt.Errorf("unbind %s: %w", participantID, err)
	}

	m.mu.Lock()
	p := m.participants[participantID]
	d := m.detachLocked(p)
	if p.sensorID != "" && m.owners[p.sensorID] == participantID {
		delete(m.owners, p.sensorID)
	}
	sensorID := p.sensorID
	p.sensorID, p.sensorName = "", ""
	p.state = StateUnbound
	p.needsReauth = false
	sink := m.sink
	connected := m.connectedLocked()
	m.mu.Unlock()

	m.release([]detached{d}, sink)
	observability.SetConnectedSensors(connected)
	m.logger.Printf("SensorManager: unbound %s from %s", sensorID, participantID)
	m.publish(participantID, sensorID, StateUnbound, nil)
	return nil
}

// Sweep silently reconnects every listed participant that is bound but
// disconnected. A failure is recorded and the sweep moves on.
func (m *Manager) Sweep(ctx context.Context, participantIDs []string) SweepReport {
	report := SweepReport{Failed: make(map[string]error)}
	for _, id := range participantIDs {
		if ctx.Err() != nil {
			break
		}
		switch m.sweepAction(id) {
		case sweepSkip:
			continue
		case sweepWaitReauth:
			report.Skipped = append(report.Skipped, id)
			continue
		}
		report.Attempted++
		if err := m.connect(ctx, id, "sweep"); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Connected = append(report.Connected, id)
	}
	return report
}

type sweepDecision int

const (
	sweepSkip sweepDecision = iota
	sweepWaitReauth
	sweepReconnect
)

func (m *Manager) sweepAction(participantID string) sweepDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok || p.sensorID == "" || p.state != StateDisconnected {
		return sweepSkip
	}
	if p.needsReauth {
		return sweepWaitReauth
	}
	return sweepReconnect
}

// ReconnectAll re-runs discovery for every listed participant that is bound
// but not connected, checks that the selected sensor is the bound one and
// connects it. This is the fallback when the platform refuses silent
// reconnects.
func (m *Manager) ReconnectAll(ctx context.Context, participantIDs []string) ReconnectReport {
	report := ReconnectReport{Failed: make(map[string]error)}
	for _, id := range participantIDs {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		p, ok := m.participants[id]
		if !ok || p.sensorID == "" || p.state != StateDisconnected {
			m.mu.Unlock()
			continue
		}
		stored := p.sensorID
		m.mu.Unlock()

		filter := HeartRateFilter()
		filter.SensorID = stored
		h, err := m.platform.Discover(ctx, filter)
		if err != nil {
			report.Failed[id] = fmt.Errorf("discover: %w", err)
			continue
		}
		if h.ID != stored {
			m.logger.Printf("SensorManager: %s selected %s but is bound to %s", id, h.ID, stored)
			report.Failed[id] = fmt.Errorf("%w: got %s, want %s", ErrWrongSensor, h.ID, stored)
			continue
		}

		m.mu.Lock()
		p.needsReauth = false
		m.mu.Unlock()

		if err := m.connect(ctx, id, "reconnect_all"); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Connected = append(report.Connected, id)
	}
	m.logger.Printf("SensorManager: reconnect all: %d connected, %d failed", len(report.Connected), len(report.Failed))
	return report
}

// Shutdown closes every open link.
func (m *Manager) Shutdown() {
	m.logger.Println("SensorManager: Shutting down")
	m.mu.Lock()
	ids := make([]string, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var gone []detached
	for _, id := range ids {
		p := m.participants[id]
		d := m.detachLocked(p)
		if p.sensorID != "" {
			p.state = StateDisconnected
		}
		d.wasConnected = false
		gone = append(gone, d)
	}
	m.mu.Unlock()

	m.release(gone, nopSink{})
	observability.SetConnectedSensors(0)
	m.logger.Println("SensorManager: Shutdown complete")
}

func (m *Manager) handlePayload(participantID string, gen uint64, payload []byte) {
	hr, err := DecodeHeartRate(payload)

	m.mu.Lock()
	p, ok := m.participants[participantID]
	live := ok && p.gen == gen && p.state == StateConnected
	sink := m.sink
	m.mu.Unlock()

	if !live {
		return
	}
	if err != nil {
		observability.RecordDroppedSample()
		m.logger.Printf("SensorManager: dropping sample from %s: %v", participantID, err)
		return
	}
	sink.OnSample(participantID, hr, m.now())
}

func (m *Manager) handleLinkLoss(participantID string, gen uint64) {
	m.mu.Lock()
	p, ok := m.participants[participantID]
	if !ok || p.gen != gen || p.state != StateConnected {
		m.mu.Unlock()
		return
	}
	sub := p.sub
	p.link, p.sub = nil, nil
	p.state = StateDisconnected
	sensorID := p.sensorID
	sink := m.sink
	connected := m.connectedLocked()
	m.mu.Unlock()

	m.logger.Printf("SensorManager: lost link %s of %s", sensorID, participantID)
	// the link is gone, only the listener is left to remove
	m.teardown(nil, sub)
	observability.SetConnectedSensors(connected)
	sink.OnConnectionChange(participantID, false)
	m.publish(participantID, sensorID, StateDisconnected, nil)
}

// detachLocked takes the link and listener away from p and bumps its
// generation so callbacks of the old link become no-ops.
func (m *Manager) detachLocked(p *participant) detached {
	d := detached{
		participantID: p.id,
		link:          p.link,
		sub:           p.sub,
		wasConnected:  p.state == StateConnected,
	}
	p.link, p.sub = nil, nil
	m.gen++
	p.gen = m.gen
	return d
}

// release tears detached links down outside the lock.
func (m *Manager) release(gone []detached, sink Sink) {
	for _, d := range gone {
		m.teardown(d.link, d.sub)
		if d.wasConnected {
			sink.OnConnectionChange(d.participantID, false)
		}
	}
}

func (m *Manager) teardown(link Link, sub Subscription) {
	if sub != nil {
		if err := sub.Cancel(); err != nil {
			m.logger.Printf("SensorManager: removing listener failed: %v", err)
		}
	}
	if link != nil {
		if err := m.platform.Disconnect(link); err != nil {
			m.logger.Printf("SensorManager: disconnect %s failed: %v", link.SensorID(), err)
		}
	}
}

func (m *Manager) connectedLocked() int {
	n := 0
	for _, p := range m.participants {
		if p.state == StateConnected {
			n++
		}
	}
	return n
}

func (m *Manager) publish(participantID, sensorID string, state State, err error) {
	m.connEvents.Publish(ConnectionEvent{
		ParticipantID: participantID,
		SensorID:      sensorID,
		State:         state,
		Err:           err,
		At:            m.now(),
	})
}
