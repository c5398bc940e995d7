// Package trainer is the console a coach runs a class from. It loads the
// roster, keeps the sensor manager and the session controller in step and
// exposes the class operations the CLI commands call.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/claytonnetvision/wodpulse/internal/go_func_utils"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

// ErrNoLeaderboards is returned by Leaders when no history source is set.
var ErrNoLeaderboards = errors.New("trainer: leaderboards not configured")

// LiveBoard is what the coach screen shows during a class.
type LiveBoard struct {
	Snapshot  session.Snapshot
	Leader    ranking.Standing
	HasLeader bool
	TopVO2    []ranking.Standing
}

// Leaders are the historical boards.
type Leaders struct {
	Daily  ranking.Board
	Weekly ranking.Board
}

// CoachOption configures optional behaviour for the Coach.
type CoachOption func(*Coach)

// WithLeaderboards enables Leaders.
func WithLeaderboards(agg *ranking.Aggregator) CoachOption {
	return func(c *Coach) {
		c.leaderboards = agg
	}
}

// Coach coordinates the roster, the sensor manager and the session controller
type Coach struct {
	roster       roster.Source
	sensors      *sensor.Manager
	session      *session.Controller
	leaderboards *ranking.Aggregator
	logger       *log.Logger

	mu       sync.Mutex
	profiles map[string]roster.Profile

	unregister func()
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewCoach creates a Coach that forwards sensor binding changes to the
// session controller.
func NewCoach(src roster.Source, sensors *sensor.Manager, ctrl *session.Controller, logger *log.Logger, opts ...CoachOption) *Coach {
	if src == nil {
		panic("Coach: roster cannot be nil")
	}
	if sensors == nil {
		panic("Coach: sensors cannot be nil")
	}
	if ctrl == nil {
		panic("Coach: session cannot be nil")
	}
	if logger == nil {
		panic("Coach: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coach{
		roster:   src,
		sensors:  sensors,
		session:  ctrl,
		logger:   logger,
		profiles: make(map[string]roster.Profile),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unregister = sensors.ListenToConnections(c.applyConnection)
	return c
}

// applyConnection runs on the manager's publishing goroutine, outside its
// lock, so binding changes reach the session in order and none is lost.
func (c *Coach) applyConnection(ev sensor.ConnectionEvent) {
	if ev.State == sensor.StateUnbound {
		c.session.SetSensor(ev.ParticipantID, "")
		c.mu.Lock()
		if p, ok := c.profiles[ev.ParticipantID]; ok {
			p.SensorID, p.SensorName = "", ""
			c.profiles[ev.ParticipantID] = p
		}
		c.mu.Unlock()
		return
	}
	c.session.SetSensor(ev.ParticipantID, ev.SensorID)
	if ev.Err != nil {
		c.logger.Printf("Coach: %s %s: %v", ev.ParticipantID, ev.State, ev.Err)
	}
}

// Load reads the roster, tracks every stored binding, enrolls every profile
// and connects bound sensors in the background. A binding that conflicts
// with an earlier profile is skipped for that participant.
func (c *Coach) Load(ctx context.Context) error {
	profiles, err := c.roster.Profiles(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	var bound []string
	for _, p := range profiles {
		if err := c.sensors.Track(p.ID, p.SensorID, p.SensorName); err != nil {
			c.logger.Printf("Coach: not tracking sensor of %s: %v", p.ID, err)
			p.SensorID, p.SensorName = "", ""
			if err := c.sensors.Track(p.ID, "", ""); err != nil {
				return fmt.Errorf("track %s: %w", p.ID, err)
			}
		}
		if err := c.session.Enroll(p); err != nil {
			return fmt.Errorf("enroll %s: %w", p.ID, err)
		}
		c.mu.Lock()
		c.profiles[p.ID] = p
		c.mu.Unlock()
		if p.SensorID != "" {
			bound = append(bound, p.ID)
		}
	}
	c.logger.Printf("Coach: loaded %d participants, %d with sensors", len(profiles), len(bound))

	if len(bound) == 0 {
		return nil
	}
	go_func_utils.SafeGoWG(c.logger, &c.wg, "coach auto connect", func() {
		report := c.sensors.Sweep(c.ctx, bound)
		c.logger.Printf("Coach: auto connect: %d connected, %d failed", len(report.Connected), len(report.Failed))
	})
	return nil
}

// Participants returns the loaded profiles ordered by name.
func (c *Coach) Participants() []roster.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]roster.Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StartClass starts a session for everyone enrolled.
func (c *Coach) StartClass(ctx context.Context, label string) error {
	if err := c.session.Start(ctx, label); err != nil {
		return err
	}
	snap := c.session.Snapshot()
	c.logger.Printf("Coach: class %q started with %d participants", snap.ClassLabel, len(snap.Participants))
	return nil
}

// EndClass finalizes the session. After a successful end every loaded
// profile is enrolled again for the next class. A persistence failure
// returns the pending record with the error; calling EndClass again retries.
func (c *Coach) EndClass(ctx context.Context) (session.SessionRecord, ranking.Summary, error) {
	rec, err := c.session.End(ctx)
	if err != nil {
		return rec, ranking.Summary{}, err
	}
	if rec.ID == "" {
		return rec, ranking.Summary{}, nil
	}
	for _, p := range c.Participants() {
		if err := c.session.Enroll(c.withLiveSensor(p)); err != nil {
			c.logger.Printf("Coach: re-enroll %s: %v", p.ID, err)
		}
	}
	return rec, ranking.Summarize(rec), nil
}

func (c *Coach) withLiveSensor(p roster.Profile) roster.Profile {
	if id, name, ok := c.sensors.Binding(p.ID); ok {
		p.SensorID, p.SensorName = id, name
	} else {
		p.SensorID, p.SensorName = "", ""
	}
	return p
}

// AddParticipant enrolls a profile between classes.
func (c *Coach) AddParticipant(p roster.Profile) error {
	if c.session.Phase() != session.PhaseIdle {
		return session.ErrNotIdle
	}
	if err := c.sensors.Track(p.ID, p.SensorID, p.SensorName); err != nil {
		return err
	}
	if err := c.session.Enroll(p); err != nil {
		return err
	}
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
	return nil
}

// RemoveParticipant drops a participant from the next class.
func (c *Coach) RemoveParticipant(participantID string) error {
	if err := c.session.Unenroll(participantID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.profiles, participantID)
	c.mu.Unlock()
	return nil
}

// Pair runs discovery for participantID and binds the selected sensor.
// confirm is asked before a sensor is taken from another participant.
func (c *Coach) Pair(ctx context.Context, participantID string, confirm func(sensor.BorrowRequest) bool) (sensor.Handle, error) {
	h, err := c.sensors.Pair(ctx, participantID, confirm)
	if err != nil {
		return sensor.Handle{}, err
	}
	c.mu.Lock()
	if p, ok := c.profiles[participantID]; ok {
		p.SensorID, p.SensorName = h.ID, h.Name
		c.profiles[participantID] = p
	}
	c.mu.Unlock()
	return h, nil
}

// Unbind releases the sensor of participantID.
func (c *Coach) Unbind(ctx context.Context, participantID string) error {
	if err := c.sensors.Unbind(ctx, participantID); err != nil {
		return err
	}
	c.mu.Lock()
	if p, ok := c.profiles[participantID]; ok {
		p.SensorID, p.SensorName = "", ""
		c.profiles[participantID] = p
	}
	c.mu.Unlock()
	return nil
}

// ReconnectAll re-discovers every enrolled participant's bound sensor.
func (c *Coach) ReconnectAll(ctx context.Context) sensor.ReconnectReport {
	return c.sensors.ReconnectAll(ctx, c.session.Enrolled())
}

// Live returns the current board.
func (c *Coach) Live() LiveBoard {
	return boardOf(c.session.Snapshot())
}

// ListenToLive calls fn with a board for every published snapshot. Returns
// the deregistration function.
func (c *Coach) ListenToLive(fn func(LiveBoard)) func() {
	return c.session.ListenToSnapshots(func(s session.Snapshot) {
		fn(boardOf(s))
	})
}

func boardOf(s session.Snapshot) LiveBoard {
	standings := ranking.FromLive(s.Participants)
	b := LiveBoard{Snapshot: s, TopVO2: ranking.TopVO2(standings)}
	b.Leader, b.HasLeader = ranking.SessionLeader(standings)
	return b
}

// Leaders returns today's and this week's boards.
func (c *Coach) Leaders(ctx context.Context) (Leaders, error) {
	if c.leaderboards == nil {
		return Leaders{}, ErrNoLeaderboards
	}
	daily, err := c.leaderboards.Daily(ctx)
	if err != nil {
		return Leaders{}, err
	}
	weekly, err := c.leaderboards.Weekly(ctx)
	if err != nil {
		return Leaders{}, err
	}
	return Leaders{Daily: daily, Weekly: weekly}, nil
}

// Shutdown stops the listeners, the session cadences and every sensor link.
func (c *Coach) Shutdown() {
	c.logger.Println("Coach: Shutting down")
	c.unregister()
	c.cancel()
	c.wg.Wait()
	c.session.Shutdown()
	c.sensors.Shutdown()
}
