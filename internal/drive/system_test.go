package drive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/hardware/sim"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

type timedWrite struct {
	at  time.Time
	req control.MotionRequest
}

// recordingAdapter timestamps every actuator write on its way to the real
// adapter, so tests can measure when a stop actually reached the hardware.
type recordingAdapter struct {
	hardware.Adapter

	mu     sync.Mutex
	writes []timedWrite
}

func (a *recordingAdapter) WriteActuators(ctx context.Context, req control.MotionRequest) error {
	err := a.Adapter.WriteActuators(ctx, req)
	a.mu.Lock()
	a.writes = append(a.writes, timedWrite{at: time.Now(), req: req})
	a.mu.Unlock()
	return err
}

func (a *recordingAdapter) firstWriteAfter(at time.Time, zero bool) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.writes {
		if w.at.Before(at) {
			continue
		}
		if w.req.IsZero() == zero {
			return w.at, true
		}
	}
	return time.Time{}, false
}

func quietSimConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Seed = 1
	cfg.GPSNoiseM = 0.02
	cfg.HeadingNoiseRad = 0.005
	return cfg
}

func simFusionConfig(cfg sim.Config) fusion.Config {
	return fusion.Config{
		Period:            10 * time.Millisecond,
		OriginLat:         cfg.OriginLat,
		OriginLon:         cfg.OriginLon,
		TicksPerMeter:     cfg.TicksPerMeter,
		WheelBaseM:        cfg.WheelBaseM,
		BlendGain:         0.5,
		MaxHDOP:           5,
		BaseAccuracyM:     0.5,
		AccuracyGrowthMPS: 0.1,
		AccuracyCapM:      2,
		DegradedBoundM:    2.5,
	}
}

func fullThresholds() safety.Thresholds {
	return safety.Thresholds{
		TiltLimitRad:    0.52,
		MinClearanceM:   0.18,
		LowVoltageWarnV: 19.5,
		LowVoltageCritV: 18.0,
	}
}

type simRig struct {
	adapter    *sim.Adapter
	rec        *recordingAdapter
	supervisor *safety.Supervisor
	engine     *fusion.Engine
}

// startSimRig runs supervisor, fusion and pipeline loops against the sim
// adapter, with a producer feeding the mode's mailbox a fresh copy of req
// every 10ms. Everything is torn down through t.Cleanup.
func startSimRig(t *testing.T, mode nav.Mode, req control.MotionRequest) *simRig {
	t.Helper()

	adapter := sim.NewAdapter(quietSimConfig())
	rec := &recordingAdapter{Adapter: adapter}

	supervisor := safety.NewSupervisor(fullThresholds(), safety.WithPeriod(5*time.Millisecond))
	engine := fusion.NewEngine(simFusionConfig(quietSimConfig()), rec, supervisor)

	var auto, manual control.Mailbox
	pipeline := NewPipeline(Config{Period: 10 * time.Millisecond, Hold: 100 * time.Millisecond},
		rec, supervisor, &fixedMode{mode: mode}, &auto, &manual)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(supervisor.Run)
	run(engine.Run)
	run(pipeline.Run)
	run(func(ctx context.Context) {
		box := &auto
		if mode == nav.ModeManual {
			box = &manual
		}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := req
				r.IssuedAt = time.Now()
				box.Put(r)
			}
		}
	})

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		adapter.Close()
	})

	return &simRig{adapter: adapter, rec: rec, supervisor: supervisor, engine: engine}
}

func waitForWrite(t *testing.T, rec *recordingAdapter, after time.Time, zero bool, timeout time.Duration) time.Time {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if at, ok := rec.firstWriteAfter(after, zero); ok {
			return at
		}
		time.Sleep(2 * time.Millisecond)
	}

	kind := "moving"
	if zero {
		kind = "stop"
	}
	t.Fatalf("No %s write observed within %v", kind, timeout)
	return time.Time{}
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipeline_StopLatencyExplicitStop(t *testing.T) {
	rig := startSimRig(t, nav.ModeManual,
		control.MotionRequest{Linear: 0.5, RequestedBy: control.RequestedByManual})

	waitForWrite(t, rig.rec, time.Time{}, false, time.Second)

	demanded := time.Now()
	rig.supervisor.Raise(safety.Signal{
		Kind:     safety.KindExplicitStop,
		Severity: safety.SeverityHard,
		Detail:   "operator stop",
	})

	stopped := waitForWrite(t, rig.rec, demanded, true, 500*time.Millisecond)
	if latency := stopped.Sub(demanded); latency > 100*time.Millisecond {
		t.Errorf("Stop latency %v exceeds the 100ms bound", latency)
	}
}

func TestPipeline_StopLatencyWatchdogExpiry(t *testing.T) {
	rig := startSimRig(t, nav.ModeManual,
		control.MotionRequest{Linear: 0.5, RequestedBy: control.RequestedByManual})

	waitForWrite(t, rig.rec, time.Time{}, false, time.Second)

	// Register the navigation loop without running it: one heartbeat arms
	// the clock, then the loop goes silent for good.
	rig.supervisor.Watchdog().Register(nav.WatchdogLoop, 30*time.Millisecond)
	rig.supervisor.Watchdog().Heartbeat(nav.WatchdogLoop)
	silentSince := time.Now()

	stopped := waitForWrite(t, rig.rec, silentSince, true, 500*time.Millisecond)
	if latency := stopped.Sub(silentSince); latency > 100*time.Millisecond {
		t.Errorf("Stop latency %v from last heartbeat exceeds the 100ms bound", latency)
	}
	if !rig.supervisor.Snapshot().HasCondition(safety.KindWatchdogTimeout) {
		t.Error("Expected a watchdog-timeout interlock")
	}
}

func TestPipeline_StopLatencyTiltOverSim(t *testing.T) {
	rig := startSimRig(t, nav.ModeManual,
		control.MotionRequest{Linear: 0.5, RequestedBy: control.RequestedByManual})

	waitForWrite(t, rig.rec, time.Time{}, false, time.Second)

	injected := time.Now()
	rig.adapter.InjectTilt(0.6)

	stopped := waitForWrite(t, rig.rec, injected, true, 500*time.Millisecond)
	if latency := stopped.Sub(injected); latency > 200*time.Millisecond {
		t.Errorf("Stop latency %v exceeds the 200ms sensed-condition bound", latency)
	}
	if state := rig.supervisor.Snapshot().State; state != safety.StateEstop {
		t.Errorf("Expected ESTOP after tilt, got %s", state)
	}
}

func TestScenario_ObstacleBreachHeldUntilAcknowledged(t *testing.T) {
	rig := startSimRig(t, nav.ModeManual,
		control.MotionRequest{Linear: 0.5, RequestedBy: control.RequestedByManual})

	waitForWrite(t, rig.rec, time.Time{}, false, time.Second)

	breached := time.Now()
	rig.adapter.InjectObstacle(0.05)
	waitForWrite(t, rig.rec, breached, true, 500*time.Millisecond)
	if state := rig.supervisor.Snapshot().State; state != safety.StateEstop {
		t.Fatalf("Expected ESTOP on proximity breach, got %s", state)
	}

	// The obstacle moves away: the interlock clears physically but the
	// state holds until acknowledged, and only zero writes go out.
	rig.adapter.InjectObstacle(5)
	time.Sleep(100 * time.Millisecond)
	if state := rig.supervisor.Snapshot().State; state != safety.StateEstop {
		t.Fatalf("Expected ESTOP to hold after the obstacle cleared, got %s", state)
	}
	if _, ok := rig.rec.firstWriteAfter(time.Now().Add(-50*time.Millisecond), false); ok {
		t.Error("Expected no moving writes while in ESTOP")
	}

	if err := rig.supervisor.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if state := rig.supervisor.Snapshot().State; state != safety.StateSafe {
		t.Fatalf("Expected SAFE after acknowledgement, got %s", state)
	}

	// Motion resumes from the still-running manual producer.
	waitForWrite(t, rig.rec, time.Now(), false, 500*time.Millisecond)
}

func TestScenario_AutonomousRunReachesIdle(t *testing.T) {
	simCfg := quietSimConfig()
	adapter := sim.NewAdapter(simCfg)
	adapter.Teleport(0.3, 1, 0)
	rec := &recordingAdapter{Adapter: adapter}

	var mu sync.Mutex
	var transitions []safety.Transition
	supervisor := safety.NewSupervisor(fullThresholds(),
		safety.WithPeriod(5*time.Millisecond),
		safety.WithTransitionListener(func(tr safety.Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}))

	engine := fusion.NewEngine(simFusionConfig(simCfg), rec, supervisor)

	lawn := nav.Boundary{
		Name:     "lawn",
		Kind:     nav.BoundaryInclusion,
		Active:   true,
		Vertices: []control.Point{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 2}, {X: 0, Y: 2}},
	}
	geofence, err := nav.NewGeofence(lawn)
	if err != nil {
		t.Fatalf("Failed to create geofence: %v", err)
	}

	var auto, manual control.Mailbox
	controller := nav.NewController(nav.Config{
		Period:             20 * time.Millisecond,
		MaxLinearMPS:       0.7,
		MaxAngularRPS:      1.2,
		WaypointToleranceM: 0.35,
		LaneSpacingM:       2,
		HeadingGain:        2,
	}, geofence, supervisor, engine, &auto)

	pipeline := NewPipeline(Config{Period: 10 * time.Millisecond, Hold: 100 * time.Millisecond},
		rec, supervisor, controller, &auto, &manual)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, f := range []func(context.Context){supervisor.Run, engine.Run, controller.Run, pipeline.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(f)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		adapter.Close()
	})

	waitFor(t, 2*time.Second, "Pose never converged to a usable estimate", func() bool {
		return !engine.Pose().Degraded
	})

	if err = controller.RequestMode(nav.ModeAutonomous); err != nil {
		t.Fatalf("Entering AUTONOMOUS failed: %v", err)
	}

	waitFor(t, 15*time.Second, "Coverage run never returned to IDLE", func() bool {
		return controller.Mode() == nav.ModeIdle
	})

	if got := supervisor.Snapshot().State; got != safety.StateSafe {
		t.Errorf("Expected SAFE throughout the run, got %s", got)
	}
	mu.Lock()
	n := len(transitions)
	mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no safety transitions during a normal run, got %d", n)
	}
}
