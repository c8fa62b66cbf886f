package nav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/safety"
)

const (
	// DefaultPeriod is the default navigation loop period (20 Hz).
	DefaultPeriod = 50 * time.Millisecond

	// WatchdogLoop is the name the navigation loop heartbeats under.
	WatchdogLoop = "navigation"
)

// Config holds the navigation controller tuning parameters.
type Config struct {
	Period             time.Duration
	MaxLinearMPS       float64
	MaxAngularRPS      float64
	WaypointToleranceM float64
	LaneSpacingM       float64
	HeadingGain        float64 // proportional gain from heading error to yaw rate
}

// Validate checks the configuration for values navigation cannot run with.
func (c *Config) Validate() error {
	if c.MaxLinearMPS <= 0 {
		return fmt.Errorf("nav.Config: max linear velocity must be positive: %f", c.MaxLinearMPS)
	}
	if c.MaxAngularRPS <= 0 {
		return fmt.Errorf("nav.Config: max angular velocity must be positive: %f", c.MaxAngularRPS)
	}
	if c.WaypointToleranceM <= 0 {
		return fmt.Errorf("nav.Config: waypoint tolerance must be positive: %f", c.WaypointToleranceM)
	}
	if c.LaneSpacingM <= 0 {
		return fmt.Errorf("nav.Config: lane spacing must be positive: %f", c.LaneSpacingM)
	}
	return nil
}

// PoseSource provides the latest published pose estimate.
type PoseSource interface {
	Pose() fusion.PoseEstimate
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger.With(slog.String("component", "nav"))
	}
}

// WithModeListener registers a callback invoked on every mode transition,
// outside the controller lock.
func WithModeListener(fn func(ModeTransition)) func(*Controller) {
	return func(c *Controller) {
		c.listeners = append(c.listeners, fn)
	}
}

// Controller decides what motion the mower should attempt, independent of
// whether it is allowed to; permission is the safety supervisor's job. It
// owns the operating mode and is the sole producer of autonomous motion
// requests.
type Controller struct {
	cfg        Config
	geofence   *Geofence
	supervisor *safety.Supervisor
	poses      PoseSource
	requests   *control.Mailbox
	logger     *slog.Logger
	listeners  []func(ModeTransition)

	mu        sync.Mutex
	mode      Mode
	changedAt time.Time
	path      []control.Point
	wpIndex   int
	rearmed   bool

	snapshot atomic.Pointer[Snapshot]
}

// NewController creates a controller in IDLE. Motion requests are delivered
// through the mailbox; submission never blocks and a stale unconsumed
// request is replaced by the newer one.
func NewController(cfg Config, geofence *Geofence, supervisor *safety.Supervisor, poses PoseSource, requests *control.Mailbox, options ...func(*Controller)) *Controller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}

	c := Controller{
		cfg:        cfg,
		geofence:   geofence,
		supervisor: supervisor,
		poses:      poses,
		requests:   requests,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		mode:       ModeIdle,
		changedAt:  time.Now(),
	}

	for _, option := range options {
		option(&c)
	}

	c.publishLocked()
	return &c
}

// Snapshot returns the latest published mode snapshot. Lock-free.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return c.snapshot.Load().Mode
}

// Rearm records an explicit operator rearm. Leaving EMERGENCY_STOP requires
// both the safety supervisor back in SAFE and this call.
func (c *Controller) Rearm() {
	c.mu.Lock()
	c.rearmed = true
	c.mu.Unlock()
	c.logger.Info("operator rearm recorded")
}

// RequestMode validates and applies a mode change. Invalid transitions are
// rejected synchronously with ErrInvalidTransition. Entering AUTONOMOUS
// requires an armed geofence and a non-degraded pose, and plans the coverage
// path; a planning failure transitions to EMERGENCY_STOP and is never
// retried automatically.
func (c *Controller) RequestMode(to Mode) error {
	c.mu.Lock()
	from := c.mode

	if !transitionAllowed(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	switch {
	case to == ModeAutonomous:
		if !c.geofence.Armed() {
			c.mu.Unlock()
			return fmt.Errorf("cannot enter AUTONOMOUS: geofence not armed")
		}
		if pose := c.poses.Pose(); pose.Degraded {
			c.mu.Unlock()
			return fmt.Errorf("cannot enter AUTONOMOUS: pose degraded (source %s, accuracy %.1fm)", pose.Source, pose.AccuracyM)
		}

		path, err := PlanCoverage(c.geofence, c.cfg.LaneSpacingM)
		if err != nil {
			t := c.setModeLocked(ModeEmergencyStop, fmt.Sprintf("coverage planning failed: %s", err))
			c.mu.Unlock()
			c.notify(t)
			return fmt.Errorf("planning coverage: %w", err)
		}
		c.path = path
		c.wpIndex = 0

	case from == ModeEmergencyStop && to == ModeIdle:
		if snap := c.supervisor.Snapshot(); snap.State != safety.StateSafe {
			c.mu.Unlock()
			return fmt.Errorf("cannot leave EMERGENCY_STOP: safety state is %s", snap.State)
		}
		if !c.rearmed {
			c.mu.Unlock()
			return fmt.Errorf("cannot leave EMERGENCY_STOP: operator rearm required")
		}
		c.rearmed = false
	}

	t := c.setModeLocked(to, "operator request")
	c.mu.Unlock()
	c.notify(t)
	return nil
}

// Run executes the navigation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("navigation loop starting", slog.Duration("period", c.cfg.Period))

	c.supervisor.Watchdog().Heartbeat(WatchdogLoop)

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("navigation loop stopped")
			return

		case <-ticker.C:
			c.Tick()
			c.supervisor.Watchdog().Heartbeat(WatchdogLoop)
		}
	}
}

// Tick runs one navigation cycle: mirror the safety state, then advance
// coverage execution when autonomous. Exported for deterministic tests.
func (c *Controller) Tick() {
	snap := c.supervisor.Snapshot()

	c.mu.Lock()
	if (snap.State == safety.StateEstop || snap.State == safety.StateFault) && c.mode != ModeEmergencyStop {
		t := c.setModeLocked(ModeEmergencyStop, fmt.Sprintf("safety state %s", snap.State))
		c.mu.Unlock()
		c.notify(t)
		c.submit(control.ZeroRequest(control.RequestedByAutonomous))
		return
	}

	if c.mode != ModeAutonomous {
		c.mu.Unlock()
		return
	}

	pose := c.poses.Pose()
	if pose.Degraded {
		// Positioning loss must never be silently tolerated while
		// autonomous: stop and hand control back.
		t := c.setModeLocked(ModeIdle, fmt.Sprintf("pose degraded (source %s)", pose.Source))
		c.mu.Unlock()
		c.notify(t)
		c.submit(control.ZeroRequest(control.RequestedByAutonomous))
		return
	}

	if c.wpIndex >= len(c.path) {
		t := c.setModeLocked(ModeIdle, "coverage complete")
		c.mu.Unlock()
		c.notify(t)
		c.submit(control.ZeroRequest(control.RequestedByAutonomous))
		return
	}

	target := c.path[c.wpIndex]
	if pose.Position.DistanceTo(target) < c.cfg.WaypointToleranceM {
		c.wpIndex++
		c.publishLocked()
		c.mu.Unlock()
		return
	}

	req := c.steerToward(pose, target)
	c.publishLocked()
	c.mu.Unlock()

	// Zero tolerance geofencing: reject any motion whose projected
	// position over one control cycle would breach a boundary.
	projected := control.Point{
		X: pose.Position.X + req.Linear*math.Cos(pose.Heading)*c.cfg.Period.Seconds(),
		Y: pose.Position.Y + req.Linear*math.Sin(pose.Heading)*c.cfg.Period.Seconds(),
	}
	if ok, name := c.geofence.AllowsPath(pose.Position, projected); !ok {
		c.supervisor.Raise(safety.Signal{
			Kind:     safety.KindGeofenceBreach,
			Severity: safety.SeverityHard,
			Detail:   fmt.Sprintf("boundary %q at (%.2f, %.2f)", name, projected.X, projected.Y),
		})
		c.submit(control.ZeroRequest(control.RequestedByAutonomous))
		return
	}

	c.submit(req)
}

// steerToward computes the incremental motion request for the next waypoint.
// Caller holds c.mu.
func (c *Controller) steerToward(pose fusion.PoseEstimate, target control.Point) control.MotionRequest {
	headingErr := normalizeAngle(pose.Position.BearingTo(target) - pose.Heading)

	angular := clamp(c.cfg.HeadingGain*headingErr, -c.cfg.MaxAngularRPS, c.cfg.MaxAngularRPS)

	// Slow down while turning; drive full speed only when roughly aligned.
	alignment := math.Max(0, math.Cos(headingErr))
	linear := c.cfg.MaxLinearMPS * alignment

	return control.MotionRequest{
		Linear:      linear,
		Angular:     angular,
		BladeOn:     true,
		RequestedBy: control.RequestedByAutonomous,
		IssuedAt:    time.Now(),
	}
}

// submit hands a request to the actuation pipeline without blocking.
func (c *Controller) submit(req control.MotionRequest) {
	c.requests.Put(req)
}

// setModeLocked applies a mode change, resets per-mode state and publishes.
// Caller holds c.mu.
func (c *Controller) setModeLocked(to Mode, reason string) ModeTransition {
	t := ModeTransition{From: c.mode, To: to, Reason: reason, At: time.Now()}
	if to == c.mode {
		return t
	}

	c.logger.Info("mode transition",
		slog.String("from", c.mode.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))

	c.mode = to
	c.changedAt = t.At
	if to != ModeAutonomous {
		c.path = nil
		c.wpIndex = 0
	}
	c.publishLocked()
	return t
}

func (c *Controller) publishLocked() {
	c.snapshot.Store(&Snapshot{
		Mode:       c.mode,
		ChangedAt:  c.changedAt,
		Waypoint:   c.wpIndex,
		PathLength: len(c.path),
	})
}

func (c *Controller) notify(t ModeTransition) {
	if t.From == t.To {
		return
	}
	for _, fn := range c.listeners {
		fn(t)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
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
