// Package bt implements sensor.Platform over BLE heart-rate straps.
package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/claytonnetvision/wodpulse/internal/go_func_utils"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

// Verify Platform implements sensor.Platform
var _ sensor.Platform = (*Platform)(nil)

// Platform discovers and connects heart-rate straps through a BLE adapter.
type Platform struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	logger      *log.Logger

	// only one scan may run on the adapter at a time
	scanMu sync.Mutex

	mu    sync.Mutex
	seen  map[string]bluetooth.Address
	links map[string]*btLink

	wg sync.WaitGroup
}

// NewPlatform wraps adapter. Call Enable before use.
func NewPlatform(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *Platform {
	if adapter == nil {
		panic("BTPlatform: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTPlatform: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	return &Platform{
		adapter:     adapter,
		scanTimeout: timeout,
		logger:      logger,
		seen:        make(map[string]bluetooth.Address),
		links:       make(map[string]*btLink),
	}
}

// Enable powers the adapter and installs the connection handler that turns
// unexpected disconnects into link-loss callbacks.
func (p *Platform) Enable() error {
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			p.logger.Printf("BTPlatform: device connected: %s", addressStr)
			return
		}
		p.logger.Printf("BTPlatform: device disconnected: %s", addressStr)

		p.mu.Lock()
		l, ok := p.links[addressStr]
		if ok {
			delete(p.links, addressStr)
		}
		p.mu.Unlock()

		if ok {
			if cb := l.lossCallback(); cb != nil {
				cb()
			}
		}
	})
	return p.adapter.Enable()
}

// Discover scans for straps advertising the heart-rate service. With
// filter.SensorID set it returns as soon as that strap is seen; otherwise it
// returns the strongest strap seen before the scan timeout.
func (p *Platform) Discover(ctx context.Context, filter sensor.Filter) (sensor.Handle, error) {
	services, err := parseUUIDs(filter.Services)
	if err != nil {
		return sensor.Handle{}, err
	}

	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, p.scanTimeout)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]sensor.Handle)
	addresses := make(map[string]bluetooth.Address)
	matched := make(chan struct{})
	var matchOnce sync.Once
	scanErr := make(chan error, 1)

	p.logger.Printf("BTPlatform: starting scan (sensor=%q, timeout=%v)", filter.SensorID, p.scanTimeout)
	go_func_utils.SafeGoWG(p.logger, &p.wg, "bt scan", func() {
		defer p.logger.Printf("BTPlatform: exiting scan handling loop")
		scanErr <- p.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				// still need StopScan on the adapter
				return
			}
			if !advertisesAll(result, services) {
				return
			}
			addressStr := result.Address.String()
			name := result.LocalName()
			if name == "" {
				name = "Unknown"
			}

			mu.Lock()
			if _, ok := found[addressStr]; !ok {
				p.logger.Printf("BTPlatform: found device: %s (%s) [RSSI: %d]", name, addressStr, result.RSSI)
			}
			found[addressStr] = sensor.Handle{ID: addressStr, Name: name, RSSI: result.RSSI}
			addresses[addressStr] = result.Address
			mu.Unlock()

			if filter.SensorID != "" && addressStr == filter.SensorID {
				matchOnce.Do(func() { close(matched) })
			}
		})
	})

	select {
	case <-matched:
	case <-scanCtx.Done():
	case err := <-scanErr:
		if err != nil {
			p.logger.Printf("BTPlatform: scan error: %v", err)
			return sensor.Handle{}, fmt.Errorf("scan: %w", err)
		}
	}
	if err := p.adapter.StopScan(); err != nil {
		p.logger.Printf("BTPlatform: error stopping scan: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	p.mu.Lock()
	for id, addr := range addresses {
		p.seen[id] = addr
	}
	p.mu.Unlock()

	if ctx.Err() != nil {
		return sensor.Handle{}, fmt.Errorf("%w: %v", sensor.ErrDiscoveryCancelled, ctx.Err())
	}
	if filter.SensorID != "" {
		h, ok := found[filter.SensorID]
		if !ok {
			return sensor.Handle{}, fmt.Errorf("%w: %s not found", sensor.ErrDiscoveryCancelled, filter.SensorID)
		}
		return h, nil
	}
	candidates := make([]sensor.Handle, 0, len(found))
	for _, h := range found {
		candidates = append(candidates, h)
	}
	h, ok := strongest(candidates)
	if !ok {
		return sensor.Handle{}, sensor.ErrDiscoveryCancelled
	}
	return h, nil
}

// Connect opens a link to h and resolves the heart-rate measurement
// characteristic. A strap that was never scanned in this process is looked up
// with a targeted scan first.
func (p *Platform) Connect(ctx context.Context, h sensor.Handle) (sensor.Link, error) {
	p.mu.Lock()
	addr, ok := p.seen[h.ID]
	p.mu.Unlock()
	if !ok {
		filter := sensor.HeartRateFilter()
		filter.SensorID = h.ID
		if _, err := p.Discover(ctx, filter); err != nil {
			return nil, err
		}
		p.mu.Lock()
		addr = p.seen[h.ID]
		p.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.logger.Printf("BTPlatform: attempting to connect to device: %s", h.ID)
	device, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		p.logger.Printf("BTPlatform: connection error: %v", err)
		return nil, err
	}

	l := newBTLink(p.logger, h.ID, device)
	if err := l.resolveMeasurement(); err != nil {
		if derr := device.Disconnect(); derr != nil {
			p.logger.Printf("BTPlatform: disconnect after failed discovery: %v", derr)
		}
		return nil, err
	}

	p.mu.Lock()
	p.links[h.ID] = l
	p.mu.Unlock()
	return l, nil
}

func (p *Platform) linkOf(link sensor.Link) (*btLink, error) {
	l, ok := link.(*btLink)
	if !ok {
		return nil, fmt.Errorf("foreign link %T", link)
	}
	return l, nil
}

func (p *Platform) Subscribe(link sensor.Link, onSample func([]byte)) (sensor.Subscription, error) {
	l, err := p.linkOf(link)
	if err != nil {
		return nil, err
	}
	if err := l.enableNotifications(onSample); err != nil {
		return nil, err
	}
	return &btSubscription{link: l}, nil
}

func (p *Platform) OnDisconnect(link sensor.Link, cb func()) {
	if l, err := p.linkOf(link); err == nil {
		l.setLossCallback(cb)
	}
}

// Disconnect closes link without firing its loss callback.
func (p *Platform) Disconnect(link sensor.Link) error {
	l, err := p.linkOf(link)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if cur, ok := p.links[l.id]; ok && cur == l {
		delete(p.links, l.id)
	}
	p.mu.Unlock()
	l.setLossCallback(nil)
	p.logger.Printf("BTPlatform: attempting to disconnect from device: %s", l.id)
	return l.device.Disconnect()
}

// Shutdown stops a running scan and waits for scan goroutines to exit.
func (p *Platform) Shutdown() {
	p.logger.Println("BTPlatform: Shutting down")
	if err := p.adapter.StopScan(); err != nil {
		p.logger.Printf("BTPlatform: error stopping scan: %v", err)
	}
	p.wg.Wait()
	p.logger.Println("BTPlatform: Shutdown complete")
}

func parseUUIDs(strs []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(strs))
	for _, s := range strs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func advertisesAll(result bluetooth.ScanResult, services []bluetooth.UUID) bool {
	for _, u := range services {
		if !result.HasServiceUUID(u) {
			return false
		}
	}
	return true
}

// strongest returns the candidate with the highest RSSI, ties broken by id.
func strongest(candidates []sensor.Handle) (sensor.Handle, bool) {
	if len(candidates) == 0 {
		return sensor.Handle{}, false
	}
	best := candidates[0]
	for _, h := range candidates[1:] {
		if h.RSSI > best.RSSI || (h.RSSI == best.RSSI && h.ID < best.ID) {
			best = h
		}
	}
	return best, true
}

var errNoCharacteristic = errors.New("heart rate measurement characteristic not found")
