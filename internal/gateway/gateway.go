// Package gateway wires the capture pipeline, trigger hub, pruner, alerting
// and event fan-out behind one HTTP server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stellarlinkco/lookout/internal/auth"
	"github.com/stellarlinkco/lookout/internal/classifier"
	"github.com/stellarlinkco/lookout/internal/config"
	"github.com/stellarlinkco/lookout/internal/cron"
	"github.com/stellarlinkco/lookout/internal/datalake"
	"github.com/stellarlinkco/lookout/internal/events"
	"github.com/stellarlinkco/lookout/internal/ingest"
	"github.com/stellarlinkco/lookout/internal/notify"
	"github.com/stellarlinkco/lookout/internal/phash"
	"github.com/stellarlinkco/lookout/internal/pruner"
	"github.com/stellarlinkco/lookout/internal/trigger"
)

const (
	sweepInterval    = time.Minute
	defaultHeartbeat = 20 * time.Second
	shutdownTimeout  = 5 * time.Second
	retentionJob     = "retention"
)

// Options for creating a Gateway
type Options struct {
	// Agents replaces the classifier agents built from config.
	Agents []classifier.Agent
	// Sender replaces the alert sender built from config.
	Sender     notify.Sender
	Sinks      []events.Sink
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg       *config.Config
	store     *datalake.Store
	cache     *phash.Cache
	devices   *auth.Registry
	pipeline  *ingest.Pipeline
	hub       *trigger.Hub
	pruner    *pruner.Pruner
	notifier  *notify.Dispatcher
	events    *events.Bus
	cron      *cron.Service
	heartbeat time.Duration

	server     *http.Server
	addr       chan string
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		heartbeat:  config.Duration(cfg.Gateway.Heartbeat, defaultHeartbeat),
		addr:       make(chan string, 1),
		signalChan: opts.SignalChan,
	}

	store, err := datalake.Open(cfg.Datalake.Root, cfg.Datalake.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open datalake: %w", err)
	}
	g.store = store

	agents := opts.Agents
	if len(agents) == 0 {
		if agents, err = classifier.NewAgentsFromConfig(cfg); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create classifier agents: %w", err)
		}
	}
	cls := classifier.New(agents,
		classifier.WithFloor(cfg.Classifier.ConfidenceFloor),
		classifier.WithTimeout(config.Duration(cfg.Classifier.Timeout, classifier.DefaultTimeout)),
	)

	sender := opts.Sender
	if sender == nil && cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegramSender(cfg.Notify.Telegram)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create telegram sender: %w", err)
		}
		sender = tg
	}
	g.notifier = notify.NewDispatcher(sender, config.Duration(cfg.Notify.Cooldown, notify.DefaultCooldown))

	g.events = events.NewBus(cfg.Events.BufSize)
	sinks := opts.Sinks
	if sinks == nil {
		if sinks, err = sinksFromConfig(cfg.Events); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	for _, s := range sinks {
		g.events.AddSink(s)
	}

	g.cache = phash.New(config.Duration(cfg.Cache.TTL, phash.DefaultTTL), cfg.Cache.Threshold)
	g.devices = auth.NewRegistry(cfg.Devices.Devices, config.DefaultNormalDescription)
	g.pipeline = ingest.New(g.devices, g.cache, cls, store, g.notifier, g.events, ingest.Options{
		MaxImageBytes:  cfg.Gateway.MaxImageBytes,
		ThumbnailWidth: cfg.Datalake.ThumbnailWidth,
	})

	g.hub = trigger.NewHub(cfg.Triggers.QueueSize)
	g.pruner = pruner.New(store, cfg.Retention.Days, pruner.StreakOptions{
		Enabled:   cfg.Retention.Streak.Enabled,
		MinRun:    cfg.Retention.Streak.MinRun,
		KeepEvery: cfg.Retention.Streak.KeepEvery,
	})

	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	log.Printf("[gateway] classifier agents: %v", cls.Agents())
	return g, nil
}

func sinksFromConfig(cfg config.EventsConfig) ([]events.Sink, error) {
	var sinks []events.Sink
	if cfg.Kafka.Enabled {
		k, err := events.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("create kafka sink: %w", err)
		}
		sinks = append(sinks, k)
	}
	if cfg.MQTT.Enabled {
		m, err := events.NewMQTTSink(cfg.MQTT)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("create mqtt sink: %w", err)
		}
		sinks = append(sinks, m)
	}
	return sinks, nil
}

// runJob is the cron handler.
func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	switch job.Payload.Kind {
	case cron.PayloadTrigger:
		ev, err := g.hub.Issue(job.Payload.DeviceID, trigger.SourceSchedule)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("trigger #%d issued for %s", ev.ID, ev.DeviceID), nil
	case cron.PayloadPrune:
		rep, err := g.pruner.Execute(context.Background(), pruner.Options{RetentionDays: job.Payload.RetentionDays})
		if err != nil {
			return "", err
		}
		return rep.Summary(), nil
	}
	return "", fmt.Errorf("unknown job payload %q", job.Payload.Kind)
}

// managedJobs are the cron jobs owned by the config file.
func (g *Gateway) managedJobs() []cron.JobSpec {
	specs := []cron.JobSpec{{
		Name:     retentionJob,
		Schedule: cron.Schedule{Kind: cron.ScheduleCron, Expr: g.cfg.Retention.Schedule},
		Payload:  cron.Payload{Kind: cron.PayloadPrune},
	}}
	for _, ts := range g.cfg.Triggers.Schedules {
		specs = append(specs, cron.JobSpec{
			Name:     fmt.Sprintf("trigger %s @ %s", ts.DeviceID, ts.Expr),
			Schedule: cron.Schedule{Kind: cron.ScheduleCron, Expr: ts.Expr},
			Payload:  cron.Payload{Kind: cron.PayloadTrigger, DeviceID: ts.DeviceID},
		})
	}
	return specs
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := g.cache.Sweep(); n > 0 {
				log.Printf("[gateway] swept %d expired hash entries", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (g *Gateway) Addr(ctx context.Context) (string, error) {
	select {
	case a := <-g.addr:
		g.addr <- a
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", net.JoinHostPort(g.cfg.Gateway.Host, fmt.Sprint(g.cfg.Gateway.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.cron.Sync(g.managedJobs()); err != nil {
		log.Printf("[gateway] cron jobs from config rejected: %v", err)
	}

	go g.sweepLoop(ctx)

	if g.cfg.Retention.OnStart {
		go func() {
			rep, err := g.pruner.Execute(ctx, pruner.Options{})
			if err != nil {
				log.Printf("[gateway] startup retention failed: %v", err)
				return
			}
			log.Printf("[gateway] startup retention: %s", rep.Summary())
		}()
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
	g.addr <- ln.Addr().String()
	log.Printf("[gateway] running on %s", ln.Addr())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
		cancel()
	}
	g.cron.Stop()
	g.notifier.Wait()
	if err := g.events.Close(); err != nil {
		log.Printf("[gateway] close event sinks warning: %v", err)
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close datalake warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}
