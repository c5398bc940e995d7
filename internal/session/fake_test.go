package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBackend = errors.New("backend unavailable")

type fakePersister struct {
	mu      sync.Mutex
	fail    error
	calls   int
	records []SessionRecord
}

func (p *fakePersister) SaveSession(_ context.Context, rec SessionRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return "", p.fail
	}
	p.records = append(p.records, rec)
	return "stored-" + rec.ID, nil
}

func (p *fakePersister) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

type fakeSamples struct {
	mu   sync.Mutex
	fail func(Sample) error
	got  []Sample
}

func (s *fakeSamples) SaveSample(_ context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(sample); err != nil {
			return err
		}
	}
	s.got = append(s.got, sample)
	return nil
}

type fakeReconnector struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeReconnector) Sweep(_ context.Context, ids []string) sensor.SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
	return sensor.SweepReport{
		Attempted: len(ids),
		Failed:    map[string]error{ids[0]: errBackend},
	}
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func profile(id string, maxHR int) roster.Profile {
	return roster.Profile{
		ID:        id,
		Name:      "Athlete " + id,
		Age:       30,
		WeightKg:  70,
		Gender:    "M",
		RestingHR: 60,
		MaxHR:     maxHR,
		SensorID:  "strap-" + id,
	}
}

// testConfig keeps the real timers from firing during a test.
func testConfig() Config {
	return Config{
		MetricInterval:    time.Hour,
		TRIMPInterval:     time.Hour,
		ZoneInterval:      time.Hour,
		PersistInterval:   time.Hour,
		ReconnectInterval: time.Hour,
		RestingWindow:     time.Hour,
	}
}

type fixture struct {
	t         *testing.T
	clock     *fakeClock
	persister *fakePersister
	samples   *fakeSamples
	reconn    *fakeReconnector
	c         *Controller
	ids       int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:         t,
		clock:     newFakeClock(),
		persister: &fakePersister{},
		samples:   &fakeSamples{},
		reconn:    &fakeReconnector{},
	}
	f.c = NewController(f.persister, testLogger(), testConfig(),
		WithClock(f.clock.Now),
		WithIDGenerator(func() string {
			f.ids++
			return fmt.Sprintf("sess-%d", f.ids)
		}),
		WithSampleWriter(f.samples),
		WithReconnector(f.reconn),
	)
	t.Cleanup(f.c.Shutdown)
	return f
}

// generation returns the current context and generation, as a timer would
// have captured them at Start.
func (f *fixture) generation() (*SessionContext, uint64) {
	sc := f.c.current()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc, sc.gen
}

// seconds runs n metric ticks one second apart.
func (f *fixture) seconds(n int) {
	sc, gen := f.generation()
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		f.c.metricTick(sc, gen)
	}
}

func (f *fixture) live(id string) LiveState {
	ls, ok := f.c.Participant(id)
	if !ok {
		f.t.Fatalf("participant %s not enrolled", id)
	}
	return ls
}
