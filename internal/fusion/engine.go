package fusion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/safety"
)

const (
	// DefaultPeriod is the default fusion cycle period.
	DefaultPeriod = 20 * time.Millisecond

	// WatchdogLoop is the name the fusion loop heartbeats under.
	WatchdogLoop = "fusion"

	metersPerDegreeLat = 111_320.0

	// missingSampleThreshold is the number of consecutive cycles a
	// previously seen sensor may be absent before a sensor-fault interlock
	// is raised.
	missingSampleThreshold = 10
)

// Config holds the fusion engine tuning parameters. All thresholds are
// configuration inputs, never hard-coded in the fusion logic.
type Config struct {
	Period time.Duration

	// Local frame origin. GPS fixes are projected into meters east/north
	// of this point.
	OriginLat float64
	OriginLon float64

	// Odometry geometry.
	TicksPerMeter float64
	WheelBaseM    float64

	// BlendGain is the fraction of the position error corrected toward a
	// satellite fix each cycle. A gain below 1 avoids position jumps when
	// fixes return after an outage.
	BlendGain float64

	// Fix acceptance.
	MinFixQuality hardware.FixQuality
	MaxHDOP       float64

	// Accuracy model: reset to BaseAccuracyM on a correction, then grown
	// by AccuracyGrowthMPS per second of dead reckoning up to AccuracyCapM.
	BaseAccuracyM     float64
	AccuracyGrowthMPS float64
	AccuracyCapM      float64

	// Degradation bounds. The estimate is degraded once accuracy exceeds
	// DegradedBoundM or no acceptable fix has arrived within Staleness.
	DegradedBoundM float64
	Staleness      time.Duration

	// ReadTimeout bounds each adapter sensor read.
	ReadTimeout time.Duration
}

// Validate checks the configuration for values fusion cannot run with.
func (c *Config) Validate() error {
	if c.TicksPerMeter <= 0 {
		return fmt.Errorf("fusion.Config: ticks per meter must be positive: %f", c.TicksPerMeter)
	}
	if c.WheelBaseM <= 0 {
		return fmt.Errorf("fusion.Config: wheel base must be positive: %f", c.WheelBaseM)
	}
	if c.BlendGain <= 0 || c.BlendGain > 1 {
		return fmt.Errorf("fusion.Config: blend gain must be in (0, 1]: %f", c.BlendGain)
	}
	if c.DegradedBoundM <= 0 {
		return fmt.Errorf("fusion.Config: degraded bound must be positive: %f", c.DegradedBoundM)
	}
	return nil
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) func(*Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "fusion"))
	}
}

// Engine turns heterogeneous, asynchronously arriving sensor samples into
// one coherent, confidence-scored pose estimate per cycle. It is the only
// component that reads the sensor side of the hardware adapter and the only
// writer of the published pose.
type Engine struct {
	cfg        Config
	adapter    hardware.Adapter
	supervisor *safety.Supervisor
	logger     *slog.Logger

	pose   atomic.Pointer[PoseEstimate]
	health atomic.Pointer[Health]

	x, y, heading float64
	accuracy      float64
	lastFixAt     time.Time
	lastCycleAt   time.Time

	seen    map[string]bool
	missing map[string]int
	faulted bool
}

// NewEngine creates a fusion engine. The initial estimate is unavailable
// and degraded until real samples arrive.
func NewEngine(cfg Config, adapter hardware.Adapter, supervisor *safety.Supervisor, options ...func(*Engine)) *Engine {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = cfg.Period
	}

	e := Engine{
		cfg:        cfg,
		adapter:    adapter,
		supervisor: supervisor,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		accuracy:   cfg.AccuracyCapM,
		seen:       make(map[string]bool),
		missing:    make(map[string]int),
	}

	for _, option := range options {
		option(&e)
	}

	e.pose.Store(&PoseEstimate{
		Timestamp: time.Now(),
		AccuracyM: e.accuracy,
		Source:    SourceUnavailable,
		Degraded:  true,
	})
	e.health.Store(&Health{})
	return &e
}

// Health carries per-sensor liveness as observed by the fusion loop. A
// sensor is live while its samples keep arriving.
type Health struct {
	GPS     bool
	IMU     bool
	Encoder bool
	Power   bool
	Range   bool
}

// SensorHealth returns the latest per-sensor liveness snapshot. Lock-free.
func (e *Engine) SensorHealth() Health {
	return *e.health.Load()
}

// Pose returns the latest published estimate by copy. Lock-free.
func (e *Engine) Pose() PoseEstimate {
	return *e.pose.Load()
}

// Run executes the fusion loop until the context is cancelled. Each cycle
// reads the sensors under a bounded timeout, forwards the raw samples to the
// safety supervisor and publishes a fresh estimate. A failed or partial read
// never fails the cycle.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("fusion loop starting", slog.Duration("period", e.cfg.Period))

	e.supervisor.Watchdog().Heartbeat(WatchdogLoop)

	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("fusion loop stopped")
			return

		case now := <-ticker.C:
			e.cycle(ctx, now)
			e.supervisor.Watchdog().Heartbeat(WatchdogLoop)
		}
	}
}

func (e *Engine) cycle(ctx context.Context, now time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	set, err := e.adapter.ReadSensors(readCtx)
	cancel()

	if err != nil {
		// Degrade, flag and carry on with the previous state. A read
		// timeout is a sensor fault, not a stall.
		e.raiseSensorFault(fmt.Sprintf("sensor read failed: %s", err))
		e.Step(hardware.SampleSet{Timestamp: now})
		return
	}

	e.trackSensorHealth(set)
	e.supervisor.Observe(set)
	e.Step(set)
}

// Step advances the estimate by one cycle using the given sample set and
// publishes the result. Exported for deterministic use in tests and replay.
func (e *Engine) Step(set hardware.SampleSet) {
	now := set.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	dt := e.cfg.Period.Seconds()
	if !e.lastCycleAt.IsZero() {
		if d := now.Sub(e.lastCycleAt).Seconds(); d > 0 {
			dt = d
		}
	}
	e.lastCycleAt = now

	var linear, angular float64
	reckoned := false

	if set.HasEncoder {
		left := float64(set.Encoder.LeftTicks) / e.cfg.TicksPerMeter
		right := float64(set.Encoder.RightTicks) / e.cfg.TicksPerMeter
		dist := (left + right) / 2

		if set.HasIMU {
			e.heading = set.IMU.Yaw
			angular = set.IMU.GyroZ
		} else {
			dTheta := (right - left) / e.cfg.WheelBaseM
			e.heading = normalizeAngle(e.heading + dTheta)
			angular = dTheta / dt
		}

		e.x += dist * math.Cos(e.heading)
		e.y += dist * math.Sin(e.heading)
		linear = dist / dt
		reckoned = true
	} else if set.HasIMU {
		e.heading = set.IMU.Yaw
		angular = set.IMU.GyroZ
		reckoned = true
	}

	corrected := false
	if set.HasGPS && e.acceptableFix(set.GPS) {
		fix := e.project(set.GPS.Latitude, set.GPS.Longitude)
		e.x += e.cfg.BlendGain * (fix.X - e.x)
		e.y += e.cfg.BlendGain * (fix.Y - e.y)
		e.lastFixAt = now
		e.accuracy = e.cfg.BaseAccuracyM
		corrected = true
	} else {
		e.accuracy = math.Min(e.accuracy+e.cfg.AccuracyGrowthMPS*dt, e.cfg.AccuracyCapM)
	}

	degraded := e.accuracy > e.cfg.DegradedBoundM
	if !degraded && e.cfg.Staleness > 0 {
		degraded = e.lastFixAt.IsZero() || now.Sub(e.lastFixAt) > e.cfg.Staleness
	}

	source := SourceUnavailable
	switch {
	case corrected:
		source = SourceSatelliteFix
	case reckoned:
		source = SourceDeadReckoning
	}
	if source == SourceUnavailable {
		degraded = true
	}

	e.signalDegraded(degraded)

	e.pose.Store(&PoseEstimate{
		Timestamp: now,
		Position:  control.Point{X: e.x, Y: e.y},
		Heading:   e.heading,
		Linear:    linear,
		Angular:   angular,
		AccuracyM: e.accuracy,
		Source:    source,
		Degraded:  degraded,
	})
}

func (e *Engine) acceptableFix(gps hardware.GPSSample) bool {
	if gps.Quality < e.cfg.MinFixQuality {
		return false
	}
	if e.cfg.MaxHDOP > 0 && gps.HDOP > e.cfg.MaxHDOP {
		return false
	}
	return true
}

// project converts a geodetic fix into local east/north meters using an
// equirectangular approximation around the configured origin. Adequate for
// working areas a few hundred meters across.
func (e *Engine) project(lat, lon float64) control.Point {
	return control.Point{
		X: (lon - e.cfg.OriginLon) * metersPerDegreeLat * math.Cos(e.cfg.OriginLat*math.Pi/180),
		Y: (lat - e.cfg.OriginLat) * metersPerDegreeLat,
	}
}

// trackSensorHealth raises a sensor-fault interlock when a sensor that has
// produced data before goes silent for too many consecutive cycles.
func (e *Engine) trackSensorHealth(set hardware.SampleSet) {
	present := map[string]bool{
		"gps":     set.HasGPS,
		"imu":     set.HasIMU,
		"encoder": set.HasEncoder,
		"power":   set.HasPower,
		"range":   set.HasRange,
	}

	healthy := true
	for sensor, ok := range present {
		if ok {
			e.seen[sensor] = true
			e.missing[sensor] = 0
			continue
		}
		if !e.seen[sensor] {
			continue // never produced data, nothing to miss
		}

		e.missing[sensor]++
		if e.missing[sensor] >= missingSampleThreshold {
			healthy = false
			e.raiseSensorFault(fmt.Sprintf("no %s samples for %d cycles", sensor, e.missing[sensor]))
		}
	}

	e.health.Store(&Health{
		GPS:     set.HasGPS,
		IMU:     set.HasIMU,
		Encoder: set.HasEncoder,
		Power:   set.HasPower,
		Range:   set.HasRange,
	})

	if healthy && e.faulted {
		e.faulted = false
		e.supervisor.ClearCondition(safety.KindSensorFault)
	}
}

func (e *Engine) raiseSensorFault(detail string) {
	if !e.faulted {
		e.logger.Warn("sensor fault", slog.String("detail", detail))
	}
	e.faulted = true
	e.supervisor.Raise(safety.Signal{
		Kind:     safety.KindSensorFault,
		Severity: safety.SeveritySoft,
		Detail:   detail,
	})
}

func (e *Engine) signalDegraded(degraded bool) {
	snap := e.supervisor.Snapshot()
	if degraded && !snap.HasCondition(safety.KindDegradedPose) {
		e.supervisor.Raise(safety.Signal{
			Kind:     safety.KindDegradedPose,
			Severity: safety.SeveritySoft,
			Detail:   "pose accuracy beyond configured bound",
		})
	} else if !degraded && snap.HasCondition(safety.KindDegradedPose) {
		e.supervisor.ClearCondition(safety.KindDegradedPose)
	}
}

func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
