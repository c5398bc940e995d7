package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tinygo.org/x/bluetooth"

	"github.com/claytonnetvision/wodpulse/internal/bt"
	"github.com/claytonnetvision/wodpulse/internal/config"
	"github.com/claytonnetvision/wodpulse/internal/go_func_utils"
	"github.com/claytonnetvision/wodpulse/internal/publish"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
	"github.com/claytonnetvision/wodpulse/internal/sensor/sim"
	"github.com/claytonnetvision/wodpulse/internal/session"
	"github.com/claytonnetvision/wodpulse/internal/store"
	"github.com/claytonnetvision/wodpulse/internal/trainer"
)

// app is the fully wired engine behind a command.
type app struct {
	logger  *log.Logger
	backend store.Backend
	roster  roster.Store
	coach   *trainer.Coach
	sim     *sim.Platform
	ble     *bt.Platform
	kafka   *publish.KafkaPublisher
	metrics *http.Server
}

type appOptions struct {
	sensors bool // start a sensor platform
	metrics bool // serve prometheus metrics
}

func sessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		ClassLabel:        c.ClassLabel,
		MetricInterval:    c.MetricInterval,
		TRIMPInterval:     c.TRIMPInterval,
		ZoneInterval:      c.ZoneInterval,
		PersistInterval:   c.PersistInterval,
		ReconnectInterval: c.ReconnectInterval,
		RestingWindow:     c.RestingWindow,
	}
}

// idlePlatform backs commands that never touch a sensor.
type idlePlatform struct{}

func (idlePlatform) Discover(context.Context, sensor.Filter) (sensor.Handle, error) {
	return sensor.Handle{}, sensor.ErrDiscoveryCancelled
}

func (idlePlatform) Connect(context.Context, sensor.Handle) (sensor.Link, error) {
	return nil, fmt.Errorf("no sensor platform")
}

func (idlePlatform) Subscribe(sensor.Link, func([]byte)) (sensor.Subscription, error) {
	return nil, fmt.Errorf("no sensor platform")
}

func (idlePlatform) OnDisconnect(sensor.Link, func()) {}

func (idlePlatform) Disconnect(sensor.Link) error { return nil }

func buildApp(ctx context.Context, cfg config.Config, logger *log.Logger, opts appOptions) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.backend, err = store.Open(ctx, cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.roster = a.backend
	if cfg.Roster.File != "" {
		file, err := roster.OpenFile(cfg.Roster.File, logger)
		if err != nil {
			return nil, err
		}
		a.roster = file
	}

	var platform sensor.Platform = idlePlatform{}
	if opts.sensors {
		switch cfg.Sensor.Platform {
		case "ble":
			a.ble = bt.NewPlatform(bluetooth.DefaultAdapter, logger, cfg.Sensor.ScanTimeout)
			if err = a.ble.Enable(); err != nil {
				return nil, fmt.Errorf("enable bluetooth: %w", err)
			}
			platform = a.ble
		default:
			a.sim = sim.New(logger, sim.Config{
				Straps: sim.DefaultStraps(cfg.Sensor.SimStraps),
				Port:   cfg.Sensor.SimPort,
				Jitter: 3,
			})
			if err = a.sim.Start(ctx); err != nil {
				return nil, fmt.Errorf("start simulator: %w", err)
			}
			platform = a.sim
		}
	}
	sensors := sensor.NewManager(platform, a.roster, logger)

	var persister session.Persister = a.backend
	if len(cfg.Kafka.Brokers) > 0 {
		a.kafka = publish.NewKafkaPublisher(publish.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		persister = publish.NewPersistAndPublish(a.backend, a.kafka, logger)
	}

	ctrlOpts := []session.Option{session.WithSampleWriter(a.backend)}
	if opts.sensors {
		ctrlOpts = append(ctrlOpts, session.WithReconnector(sensors))
	}
	ctrl := session.NewController(persister, logger, sessionConfig(cfg.Session), ctrlOpts...)
	sensors.SetSink(ctrl)

	agg := ranking.NewAggregator(a.backend)
	a.coach = trainer.NewCoach(a.roster, sensors, ctrl, logger, trainer.WithLeaderboards(agg))

	if opts.metrics && cfg.Metrics.Address != "" {
		a.metrics = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		srv := a.metrics
		go_func_utils.SafeGo(logger, "metrics server", func() {
			logger.Printf("App: metrics listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("App: metrics server error: %v", err)
			}
		})
	}
	return a, nil
}

func (a *app) close() {
	if a.coach != nil {
		a.coach.Shutdown()
	}
	if a.sim != nil {
		a.sim.Shutdown()
	}
	if a.ble != nil {
		a.ble.Shutdown()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Printf("App: metrics shutdown: %v", err)
		}
		cancel()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Printf("App: kafka close: %v", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Printf("App: store close: %v", err)
		}
	}
}
