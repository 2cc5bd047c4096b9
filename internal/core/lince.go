// Package core wires the daemon's components together and owns their
// lifecycle: construction, startup order, the periodic stats log, and
// ordered shutdown.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/lince/internal/broadcast"
	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/control"
	"github.com/visiona/lince/internal/detect"
	"github.com/visiona/lince/internal/emitter"
	"github.com/visiona/lince/internal/scheduler"
	"github.com/visiona/lince/internal/session"
	"github.com/visiona/lince/internal/types"
)

const statsInterval = 30 * time.Second

// Lince is the service orchestrator.
type Lince struct {
	cfg *config.Config

	registry *detect.Registry
	sched    *scheduler.Scheduler
	bcast    *broadcast.Broadcaster
	hub      *broadcast.Hub
	emitter  *emitter.MQTT // nil when mqtt is disabled
	manager  *session.Manager
	control  *control.Server

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelRun context.CancelFunc
}

// fanout mirrors every admitted detection result to each observer.
type fanout []broadcast.Observer

func (f fanout) Observe(connID string, result types.DetectionResult) {
	for _, o := range f {
		o.Observe(connID, result)
	}
}

// New assembles a daemon from a validated configuration.
func New(cfg *config.Config) *Lince {
	l := &Lince{cfg: cfg}

	l.registry = detect.NewRegistry(cfg.Model, cfg.Pipeline.Workers)
	l.hub = broadcast.NewHub()

	observers := fanout{l.hub}
	if cfg.MQTT.Broker != "" {
		l.emitter = emitter.New(cfg.MQTT)
		observers = append(observers, l.emitter)
	}

	l.bcast = broadcast.New(observers)
	l.sched = scheduler.New(l.registry, l.bcast, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	l.manager = session.NewManager(cfg, l.sched, l.bcast)
	l.control = control.NewServer(cfg, control.Deps{
		Manager:     l.manager,
		Registry:    l.registry,
		Scheduler:   l.sched,
		Broadcaster: l.bcast,
		Hub:         l.hub,
		Emitter:     l.emitter,
		Running:     l.runState,
	})

	return l
}

// Run starts every component and blocks until the context is cancelled.
func (l *Lince) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.isRunning {
		l.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	l.isRunning = true
	l.started = time.Now()
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancelRun = cancel
	l.mu.Unlock()

	slog.Info("lince service starting",
		"host", l.cfg.Server.Host,
		"port", l.cfg.Server.Port,
	)

	// The emitter is optional twice over: it may be disabled, and a broker
	// outage at startup must not hold up signaling.
	if l.emitter != nil {
		if err := l.emitter.Connect(ctx); err != nil {
			slog.Warn("mqtt connect failed, continuing without emitter", "error", err)
		}
	}

	if err := l.sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := l.control.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	// Resolve the model off the request path so the first peer never pays
	// for a weights download. Sessions created before this resolves run
	// against the unloaded registry and still negotiate fine.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		status := l.registry.EnsureLoaded(ctx)
		slog.Info("model load resolved", "status", string(status))
	}()

	l.wg.Add(1)
	go l.statsLoop(ctx)

	slog.Info("lince service running",
		"workers", l.cfg.Pipeline.Workers,
		"sample_interval", l.cfg.Pipeline.SampleInterval,
		"mqtt_enabled", l.emitter != nil,
	)

	<-ctx.Done()

	slog.Info("lince service run loop exiting")
	return nil
}

// Shutdown tears the service down in dependency order. Idempotent.
func (l *Lince) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.isRunning {
		l.mu.Unlock()
		return nil
	}
	l.isRunning = false
	cancel := l.cancelRun
	l.mu.Unlock()

	slog.Info("shutting down lince service")

	// 1. Stop accepting offers and probes. Hijacked websocket connections
	// are not waited on here; the hub closes them below.
	if err := l.control.Shutdown(ctx); err != nil {
		slog.Error("failed to stop control server", "error", err)
	}

	// 2. Close every session: stops media intake, cancels pending
	// inference, detaches back-channels.
	l.manager.CloseAll()

	// 3. Drain the inference pool.
	l.sched.Stop()

	// 4. Disconnect watchers.
	l.hub.Close()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	// 5. Broker and model teardown last; nothing publishes anymore.
	if l.emitter != nil {
		l.emitter.Disconnect()
	}
	l.registry.Close()

	l.mu.RLock()
	uptime := time.Since(l.started)
	l.mu.RUnlock()

	slog.Info("lince service shutdown complete", "uptime", uptime)
	return nil
}

func (l *Lince) runState() (bool, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isRunning, l.started
}

// statsLoop periodically logs a one-line pipeline summary.
func (l *Lince) statsLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ss := l.sched.Stats()
			bs := l.bcast.Stats()
			slog.Info("pipeline stats",
				"sessions", l.manager.Count(),
				"model", string(l.registry.Status()),
				"submitted", ss.Submitted,
				"completed", ss.Completed,
				"dropped_busy", ss.DroppedBusy,
				"dropped_queue", ss.DroppedQueue,
				"published", bs.Published,
				"dropped_stale", bs.DroppedStale,
				"watchers", l.hub.ClientCount(),
			)
		}
	}
}
