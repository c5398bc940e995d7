package sensor

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

type fakeLink struct {
	id  string
	seq int
}

func (l *fakeLink) SensorID() string { return l.id }

type fakeSub struct {
	p    *fakePlatform
	link *fakeLink
}

func (s *fakeSub) Cancel() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.p.active, s.link)
	return nil
}

// fakePlatform keeps every listener ever installed so tests can fire stale ones.
type fakePlatform struct {
	mu           sync.Mutex
	discoverQ    []Handle
	discoverErr  error
	connectErr   map[string]error
	subscribeErr error
	seq          int
	connects     int
	latest       map[string]*fakeLink
	callbacks    map[*fakeLink]func([]byte)
	active       map[*fakeLink]bool
	lossCbs      map[*fakeLink]func()
	disconnected []*fakeLink
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		connectErr: make(map[string]error),
		latest:     make(map[string]*fakeLink),
		callbacks:  make(map[*fakeLink]func([]byte)),
		active:     make(map[*fakeLink]bool),
		lossCbs:    make(map[*fakeLink]func()),
	}
}

func (p *fakePlatform) queueDiscover(hs ...Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverQ = append(p.discoverQ, hs...)
}

func (p *fakePlatform) setConnectErr(sensorID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.connectErr, sensorID)
		return
	}
	p.connectErr[sensorID] = err
}

func (p *fakePlatform) Discover(ctx context.Context, _ Filter) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discoverErr != nil {
		return Handle{}, p.discoverErr
	}
	if len(p.discoverQ) == 0 {
		return Handle{}, ErrDiscoveryCancelled
	}
	h := p.discoverQ[0]
	p.discoverQ = p.discoverQ[1:]
	return h, nil
}

func (p *fakePlatform) Connect(_ context.Context, h Handle) (Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if err := p.connectErr[h.ID]; err != nil {
		return nil, err
	}
	p.seq++
	l := &fakeLink{id: h.ID, seq: p.seq}
	p.latest[h.ID] = l
	return l, nil
}

func (p *fakePlatform) Subscribe(link Link, onSample func([]byte)) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	l := link.(*fakeLink)
	p.callbacks[l] = onSample
	p.active[l] = true
	return &fakeSub{p: p, link: l}, nil
}

func (p *fakePlatform) OnDisconnect(link Link, cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lossCbs[link.(*fakeLink)] = cb
}

func (p *fakePlatform) Disconnect(link Link) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, link.(*fakeLink))
	return nil
}

// emit delivers payload to every active listener of sensorID.
func (p *fakePlatform) emit(sensorID string, payload []byte) {
	p.mu.Lock()
	var fns []func([]byte)
	for l := range p.active {
		if l.id == sensorID {
			fns = append(fns, p.callbacks[l])
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// emitOn fires the listener installed on link even if it was cancelled.
func (p *fakePlatform) emitOn(link *fakeLink, payload []byte) {
	p.mu.Lock()
	fn := p.callbacks[link]
	p.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (p *fakePlatform) loseLink(sensorID string) {
	p.mu.Lock()
	cb := p.lossCbs[p.latest[sensorID]]
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *fakePlatform) activeListeners(sensorID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for l := range p.active {
		if l.id == sensorID {
			n++
		}
	}
	return n
}

func (p *fakePlatform) latestLink(sensorID string) *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[sensorID]
}

func (p *fakePlatform) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

type binding struct{ sensorID, sensorName string }

type fakeBindings struct {
	mu    sync.Mutex
	saved map[string]binding
	fail  func(participantID, sensorID string) error
	calls int
}

func newFakeBindings() *fakeBindings {
	return &fakeBindings{saved: make(map[string]binding)}
}

func (b *fakeBindings) UpdateBinding(_ context.Context, participantID, sensorID, sensorName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail != nil {
		if err := b.fail(participantID, sensorID); err != nil {
			return err
		}
	}
	b.saved[participantID] = binding{sensorID, sensorName}
	return nil
}

func (b *fakeBindings) get(participantID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved[participantID].sensorID
}

type sample struct {
	participantID string
	hr            int
}

type recordingSink struct {
	mu      sync.Mutex
	samples []sample
	changes map[string][]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{changes: make(map[string][]bool)}
}

func (s *recordingSink) OnSample(participantID string, hr int, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample{participantID, hr})
}

func (s *recordingSink) OnConnectionChange(participantID string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[participantID] = append(s.changes[participantID], connected)
}

func (s *recordingSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *recordingSink) lastChange(participantID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changes[participantID]
	if len(c) == 0 {
		return false, false
	}
	return c[len(c)-1], true
}

var errStore = errors.New("store unavailable")

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fixture struct {
	platform *fakePlatform
	bindings *fakeBindings
	sink     *recordingSink
	manager  *Manager
}

func newFixture() *fixture {
	f := &fixture{
		platform: newFakePlatform(),
		bindings: newFakeBindings(),
		sink:     newRecordingSink(),
	}
	f.manager = NewManager(f.platform, f.bindings, testLogger())
	f.manager.SetSink(f.sink)
	return f
}
