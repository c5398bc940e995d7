// Package sim is a sensor.Platform made of simulated heart-rate straps. Each
// strap's reading and link can be driven over a small HTTP control API, which
// makes it possible to run a whole class without hardware.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/go_func_utils"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

// StrapConfig describes one simulated strap.
type StrapConfig struct {
	ID        string
	Name      string
	HeartRate int
	RSSI      int16
}

// Config configures the simulated platform.
type Config struct {
	Straps []StrapConfig
	// Port for the HTTP control API; 0 disables it.
	Port int
	// Interval between notifications of each connected strap.
	Interval time.Duration
	// Jitter is the maximum random bpm added to or removed from each reading.
	Jitter int
}

// DefaultStraps returns n straps with addresses 00:11:22:33:44:01.. and
// resting readings.
func DefaultStraps(n int) []StrapConfig {
	out := make([]StrapConfig, n)
	for i := range out {
		out[i] = StrapConfig{
			ID:        fmt.Sprintf("00:11:22:33:44:%02X", i+1),
			Name:      fmt.Sprintf("Sim HR Strap %d", i+1),
			HeartRate: 70 + i*3,
			RSSI:      int16(-50 - i*4),
		}
	}
	return out
}

type strap struct {
	cfg        StrapConfig
	heartRate  int
	connected  bool
	inRange    bool
	needsAuth  bool
	link       *simLink
	onSample   func([]byte)
	onLoss     func()
	queuedPick bool
}

type simLink struct {
	id  string
	seq int
}

func (l *simLink) SensorID() string { return l.id }

type subscription struct {
	p    *Platform
	link *simLink
}

func (s *subscription) Cancel() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	st, ok := s.p.straps[s.link.id]
	if ok && st.link == s.link {
		st.onSample = nil
	}
	return nil
}

// StrapState is the JSON view of a strap served by the control API.
type StrapState struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HeartRate int    `json:"heartRate"`
	Connected bool   `json:"connected"`
	InRange   bool   `json:"inRange"`
	NeedsAuth bool   `json:"needsAuth"`
	RSSI      int16  `json:"rssi"`
}

// Platform implements sensor.Platform over simulated straps.
type Platform struct {
	logger   *log.Logger
	interval time.Duration
	jitter   int
	port     int

	mu     sync.Mutex
	straps map[string]*strap
	seq    int
	rng    *rand.Rand

	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Verify Platform implements sensor.Platform
var _ sensor.Platform = (*Platform)(nil)

// New creates the platform. Call Start to begin sending notifications.
func New(logger *log.Logger, cfg Config) *Platform {
	if logger == nil {
		panic("SimPlatform: logger cannot be nil")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	p := &Platform{
		logger:   logger,
		interval: interval,
		jitter:   cfg.Jitter,
		port:     cfg.Port,
		straps:   make(map[string]*strap),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, sc := range cfg.Straps {
		p.straps[sc.ID] = &strap{cfg: sc, heartRate: sc.HeartRate, inRange: true}
	}
	return p
}

// Start launches the notification loop and, when a port is configured, the
// control server.
func (p *Platform) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go_func_utils.SafeGoWG(p.logger, &p.wg, "sim notification loop", func() {
		p.notifyLoop(ctx)
	})

	if p.port == 0 {
		return nil
	}
	p.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.port),
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go_func_utils.SafeGoWG(p.logger, &p.wg, "sim control server", func() {
		p.logger.Printf("SimPlatform: control API on http://localhost:%d", p.port)
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Printf("SimPlatform: control server error: %v", err)
		}
	})
	return nil
}

// Shutdown stops the loop and the control server.
func (p *Platform) Shutdown() {
	p.logger.Println("SimPlatform: Shutting down")
	if p.cancel != nil {
		p.cancel()
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Printf("SimPlatform: control server shutdown: %v", err)
		}
	}
	p.wg.Wait()
	p.logger.Println("SimPlatform: Shutdown complete")
}

// Discover returns the requested strap when filter.SensorID is set.
// Otherwise it returns the strap queued through Select, or the in-range strap
// with the strongest signal that is not connected.
func (p *Platform) Discover(ctx context.Context, filter sensor.Filter) (sensor.Handle, error) {
	if err := ctx.Err(); err != nil {
		return sensor.Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if filter.SensorID != "" {
		st, ok := p.straps[filter.SensorID]
		if !ok || !st.inRange {
			return sensor.Handle{}, fmt.Errorf("%w: %s not in range", sensor.ErrDiscoveryCancelled, filter.SensorID)
		}
		return handleOf(st), nil
	}

	var best *strap
	for _, id := range p.sortedIDsLocked() {
		st := p.straps[id]
		if st.queuedPick {
			st.queuedPick = false
			return handleOf(st), nil
		}
		if st.connected || !st.inRange {
			continue
		}
		if best == nil || st.cfg.RSSI > best.cfg.RSSI {
			best = st
		}
	}
	if best == nil {
		return sensor.Handle{}, sensor.ErrDiscoveryCancelled
	}
	return handleOf(best), nil
}

func handleOf(st *strap) sensor.Handle {
	return sensor.Handle{ID: st.cfg.ID, Name: st.cfg.Name, RSSI: st.cfg.RSSI}
}

// Connect opens a simulated link.
func (p *Platform) Connect(ctx context.Context, h sensor.Handle) (sensor.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.straps[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown strap %s", h.ID)
	}
	if st.needsAuth {
		return nil, sensor.ErrReauthorizationRequired
	}
	if !st.inRange {
		return nil, fmt.Errorf("strap %s out of range", h.ID)
	}
	p.seq++
	st.link = &simLink{id: h.ID, seq: p.seq}
	st.connected = true
	st.onSample, st.onLoss = nil, nil
	p.logger.Printf("SimPlatform: connected %s", h.ID)
	return st.link, nil
}

func (p *Platform) strapForLinkLocked(link sensor.Link) (*strap, *simLink, error) {
	l, ok := link.(*simLink)
	if !ok {
		return nil, nil, fmt.Errorf("foreign link %T", link)
	}
	st, ok := p.straps[l.id]
	if !ok || st.link != l {
		return nil, nil, fmt.Errorf("link %s is closed", l.id)
	}
	return st, l, nil
}

func (p *Platform) Subscribe(link sensor.Link, onSample func([]byte)) (sensor.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, l, err := p.strapForLinkLocked(link)
	if err != nil {
		return nil, err
	}
	st.onSample = onSample
	return &subscription{p: p, link: l}, nil
}

func (p *Platform) OnDisconnect(link sensor.Link, cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, _, err := p.strapForLinkLocked(link); err == nil {
		st.onLoss = cb
	}
}

func (p *Platform) Disconnect(link sensor.Link) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, _, err := p.strapForLinkLocked(link)
	if err != nil {
		return nil
	}
	st.connected = false
	st.link, st.onSample, st.onLoss = nil, nil, nil
	p.logger.Printf("SimPlatform: disconnected %s", st.cfg.ID)
	return nil
}

// SetHeartRate changes the reading a strap sends.
func (p *Platform) SetHeartRate(id string, hr int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.straps[id]
	if !ok {
		return fmt.Errorf("unknown strap %s", id)
	}
	st.heartRate = hr
	return nil
}

// DropLink simulates link loss: the strap goes out of range until
// SetInRange(id, true) and the disconnect callback fires.
func (p *Platform) DropLink(id string) error {
	p.mu.Lock()
	st, ok := p.straps[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown strap %s", id)
	}
	cb := st.onLoss
	st.connected = false
	st.inRange = false
	st.link, st.onSample, st.onLoss = nil, nil, nil
	p.mu.Unlock()

	p.logger.Printf("SimPlatform: link to %s dropped", id)
	if cb != nil {
		cb()
	}
	return nil
}

// SetInRange controls whether a strap can be discovered and connected.
func (p *Platform) SetInRange(id string, inRange bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.straps[id]
	if !ok {
		return fmt.Errorf("unknown strap %s", id)
	}
	st.inRange = inRange
	return nil
}

// RequireReauth makes Connect fail with sensor.ErrReauthorizationRequired
// until cleared.
func (p *Platform) RequireReauth(id string, required bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.straps[id]
	if !ok {
		return fmt.Errorf("unknown strap %s", id)
	}
	st.needsAuth = required
	return nil
}

// Select makes the next Discover without a SensorID return id.
func (p *Platform) Select(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.straps[id]
	if !ok {
		return fmt.Errorf("unknown strap %s", id)
	}
	for _, other := range p.straps {
		other.queuedPick = false
	}
	st.queuedPick = true
	return nil
}

// States returns every strap sorted by id.
func (p *Platform) States() []StrapState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StrapState, 0, len(p.straps))
	for _, id := range p.sortedIDsLocked() {
		st := p.straps[id]
		out = append(out, StrapState{
			ID:        st.cfg.ID,
			Name:      st.cfg.Name,
			HeartRate: st.heartRate,
			Connected: st.connected,
			InRange:   st.inRange,
			NeedsAuth: st.needsAuth,
			RSSI:      st.cfg.RSSI,
		})
	}
	return out
}

// TriggerNotifications sends one reading from every subscribed strap.
func (p *Platform) TriggerNotifications() {
	type pending struct {
		fn  func([]byte)
		buf []byte
	}
	p.mu.Lock()
	var batch []pending
	for _, id := range p.sortedIDsLocked() {
		st := p.straps[id]
		if !st.connected || st.onSample == nil {
			continue
		}
		hr := st.heartRate
		if p.jitter > 0 && hr > 0 {
			hr += p.rng.Intn(2*p.jitter+1) - p.jitter
		}
		batch = append(batch, pending{fn: st.onSample, buf: sensor.EncodeHeartRate(hr)})
	}
	p.mu.Unlock()

	for _, n := range batch {
		n.fn(n.buf)
	}
}

func (p *Platform) notifyLoop(ctx context.Context) {
	defer p.logger.Printf("SimPlatform: exiting notification loop")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.TriggerNotifications()
		}
	}
}

func (p *Platform) sortedIDsLocked() []string {
	ids := make([]string, 0, len(p.straps))
	for id := range p.straps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handler returns the control API.
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", p.handleGetState)
	mux.HandleFunc("/api/set", p.handleSetValues)
	mux.HandleFunc("/api/drop", p.handleDrop)
	mux.HandleFunc("/api/range", p.handleRange)
	mux.HandleFunc("/api/reauth", p.handleReauth)
	mux.HandleFunc("/api/select", p.handleSelect)
	mux.HandleFunc("/api/trigger-notification", p.handleTriggerNotification)
	return mux
}

func (p *Platform) handleGetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.States()); err != nil {
		p.logger.Printf("SimPlatform: encode state: %v", err)
	}
}

func (p *Platform) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	hr, err := strconv.Atoi(r.URL.Query().Get("heartRate"))
	if err != nil {
		http.Error(w, "heartRate must be an integer", http.StatusBadRequest)
		return
	}
	respond(w, p.SetHeartRate(r.URL.Query().Get("id"), hr))
}

func (p *Platform) handleDrop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	respond(w, p.DropLink(r.URL.Query().Get("id")))
}

func (p *Platform) handleRange(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	inRange, err := strconv.ParseBool(r.URL.Query().Get("inRange"))
	if err != nil {
		http.Error(w, "inRange must be a boolean", http.StatusBadRequest)
		return
	}
	respond(w, p.SetInRange(r.URL.Query().Get("id"), inRange))
}

func (p *Platform) handleReauth(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	required, err := strconv.ParseBool(r.URL.Query().Get("required"))
	if err != nil {
		http.Error(w, "required must be a boolean", http.StatusBadRequest)
		return
	}
	respond(w, p.RequireReauth(r.URL.Query().Get("id"), required))
}

func (p *Platform) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	respond(w, p.Select(r.URL.Query().Get("id")))
}

func (p *Platform) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	p.TriggerNotifications()
	w.WriteHeader(http.StatusOK)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
