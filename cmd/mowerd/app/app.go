package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openacre/mowcore/internal/audit"
	"github.com/openacre/mowcore/internal/command"
	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/drive"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/hardware/sim"
	"github.com/openacre/mowcore/internal/metrics"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
	"github.com/openacre/mowcore/internal/telemetry"
)

const (
	storageDir = "data"

	// poseSampleInterval is how often the driven track is written to the
	// audit store. The track is a record, not a control input; 1 Hz is
	// plenty.
	poseSampleInterval = time.Second
)

// Run assembles the control core from configuration and drives it until the
// context is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, dbPath, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	sessionID, err := store.CreateSession(ctx, config.Adapter.Type, config.Settings.RobotID, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	sink := audit.NewSink(store, sessionID, audit.WithSinkLogger(logger))

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Sensor and actuator buses are single-owner; the handles are held for
	// the lifetime of the run so nothing else can open them underneath.
	arbiter := hardware.NewArbiter()
	sensorsHandle, err := arbiter.Acquire("sensor-bus", "fusion")
	if err != nil {
		return fmt.Errorf("acquiring sensor bus: %w", err)
	}
	defer sensorsHandle.Release()
	actuatorsHandle, err := arbiter.Acquire("actuator-bus", "drive")
	if err != nil {
		return fmt.Errorf("acquiring actuator bus: %w", err)
	}
	defer actuatorsHandle.Release()

	adapter := createAdapter(config)
	defer adapter.Close()

	instrumented := &instrumentedAdapter{Adapter: adapter, collector: collector}

	boundaries := make([]nav.Boundary, len(config.Boundaries))
	for i, b := range config.Boundaries {
		boundaries[i] = b.Boundary()
	}
	geofence, err := nav.NewGeofence(boundaries...)
	if err != nil {
		return fmt.Errorf("building geofence: %w", err)
	}

	// The hub is constructed after the supervisor it observes; listeners
	// installed below capture the variable and tolerate the window where it
	// is still nil.
	var hub *telemetry.Hub
	latency := newStopLatencyTracker(collector)

	supervisor := safety.NewSupervisor(config.Safety.Thresholds(),
		safety.WithLogger(logger),
		safety.WithPeriod(config.Safety.Period.Duration),
		safety.WithTransitionListener(func(t safety.Transition) {
			sink.RecordSafetyTransition(t)
			collector.RecordSafetyTransition(t.To.String(), int(t.To))
			if t.To == safety.StateEstop || t.To == safety.StateFault {
				latency.markStopDemanded(t.At)
			}
			if hub != nil {
				hub.PublishCritical()
			}
		}),
		safety.WithConditionListener(func(raised bool, c safety.Condition) {
			if raised {
				sink.RecordInterlockRaised(c)
				collector.RecordInterlock(string(c.Kind))
			} else {
				sink.RecordInterlockCleared(c)
			}
		}))

	watchdogTimeout := config.Safety.WatchdogTimeout.Duration
	supervisor.Watchdog().Register(fusion.WatchdogLoop, watchdogTimeout)
	supervisor.Watchdog().Register(nav.WatchdogLoop, watchdogTimeout)
	supervisor.Watchdog().Register(drive.WatchdogLoop, watchdogTimeout)

	engineCfg, err := config.Fusion.EngineConfig()
	if err != nil {
		return err
	}
	engine := fusion.NewEngine(engineCfg, instrumented, supervisor, fusion.WithLogger(logger))

	var autoBox, manualBox control.Mailbox

	controller := nav.NewController(config.Nav.ControllerConfig(), geofence, supervisor, engine, &autoBox,
		nav.WithLogger(logger),
		nav.WithModeListener(func(t nav.ModeTransition) {
			sink.RecordModeTransition(t)
			collector.SetNavMode(int(t.To))
		}))

	pipeline := drive.NewPipeline(config.Drive.PipelineConfig(), instrumented, supervisor, controller, &autoBox, &manualBox,
		drive.WithLogger(logger),
		drive.WithDecisionListener(func(d safety.Decision) {
			collector.RecordGateDecision(d.Action.String())
			if d.Action != safety.GatePass {
				latency.markStopped(time.Now())
			}
		}))

	hub = telemetry.NewHub(telemetry.Sources{
		Pose:   engine.Pose,
		Safety: supervisor.Snapshot,
		Nav:    controller.Snapshot,
		Health: func() telemetry.SensorHealth {
			h := engine.SensorHealth()
			return telemetry.SensorHealth{
				GPS:     h.GPS,
				IMU:     h.IMU,
				Encoder: h.Encoder,
				Power:   h.Power,
				Range:   h.Range,
			}
		},
	},
		telemetry.WithLogger(logger),
		telemetry.WithQueueSize(config.Telemetry.QueueSize),
		telemetry.WithDropListener(collector.RecordFrameDrop))
	defer hub.Close()

	dispatcher := command.NewDispatcher(supervisor, controller, &manualBox, command.WithLogger(logger))
	api := command.NewServer(dispatcher, hub, command.WithServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/", api)

	server := &http.Server{Addr: config.Settings.Listen, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", config.Settings.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var wg sync.WaitGroup
	loops := []func(context.Context){
		supervisor.Run,
		engine.Run,
		controller.Run,
		pipeline.Run,
		func(ctx context.Context) { _ = sink.Run(ctx) },
		func(ctx context.Context) { samplePoses(ctx, engine, sink, collector) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	started := time.Now()
	logger.Info("control core running",
		slog.String("robotId", config.Settings.RobotID),
		slog.Int64("sessionId", sessionID),
		slog.Bool("geofenceArmed", geofence.Armed()))

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	wg.Wait()

	if stat, statErr := os.Stat(dbPath); statErr == nil {
		logger.Info("session recorded",
			slog.String("path", dbPath),
			slog.String("size", humanize.Bytes(uint64(stat.Size()))),
			slog.String("uptime", humanize.RelTime(started, time.Now(), "", "")))
	}
	return nil
}

func createAdapter(config *Config) hardware.Adapter {
	simCfg := sim.DefaultConfig()
	simCfg.OriginLat = config.Fusion.OriginLat
	simCfg.OriginLon = config.Fusion.OriginLon
	simCfg.TicksPerMeter = config.Fusion.TicksPerMeter
	simCfg.WheelBaseM = config.Fusion.WheelBaseM
	if config.Adapter.GPSNoiseM > 0 {
		simCfg.GPSNoiseM = config.Adapter.GPSNoiseM
	}
	if config.Adapter.HeadingNoiseRad > 0 {
		simCfg.HeadingNoiseRad = config.Adapter.HeadingNoiseRad
	}
	if config.Adapter.StartVoltage > 0 {
		simCfg.StartVoltage = config.Adapter.StartVoltage
	}
	simCfg.Seed = config.Adapter.Seed

	return sim.NewAdapter(simCfg)
}

func createStorage(config *StorageConfig) (*audit.Store, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	dir := config.DataDirectory
	if dir == "" {
		dir = storageDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(wd, dir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("storage directory %q: %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, "", fmt.Errorf("invalid storage directory %q", dir)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("mow_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return audit.New(dbPath), dbPath, nil
}

// samplePoses records the driven track and keeps the accuracy gauge fresh.
func samplePoses(ctx context.Context, engine *fusion.Engine, sink *audit.Sink, collector *metrics.Collector) {
	ticker := time.NewTicker(poseSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pose := engine.Pose()
			sink.RecordPose(pose)
			collector.SetPoseAccuracy(pose.AccuracyM)
		}
	}
}

// instrumentedAdapter measures actuator write durations around the real
// adapter.
type instrumentedAdapter struct {
	hardware.Adapter
	collector *metrics.Collector
}

func (a *instrumentedAdapter) WriteActuators(ctx context.Context, req control.MotionRequest) error {
	start := time.Now()
	err := a.Adapter.WriteActuators(ctx, req)
	a.collector.ObserveActuatorWrite(time.Since(start))
	return err
}

// stopLatencyTracker measures the time from a stop being demanded by the
// safety supervisor to the first non-pass decision applied at the actuator
// boundary.
type stopLatencyTracker struct {
	collector *metrics.Collector

	mu       sync.Mutex
	demanded time.Time
}

func newStopLatencyTracker(collector *metrics.Collector) *stopLatencyTracker {
	return &stopLatencyTracker{collector: collector}
}

func (t *stopLatencyTracker) markStopDemanded(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.demanded.IsZero() {
		t.demanded = at
	}
}

func (t *stopLatencyTracker) markStopped(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.demanded.IsZero() {
		return
	}
	t.collector.ObserveStopLatency(at.Sub(t.demanded))
	t.demanded = time.Time{}
}
