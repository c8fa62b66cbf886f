package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/hardware"
)

const (
	// DefaultPeriod is the default safety loop period. The loop is the
	// highest-priority loop in the system and must stay well under the
	// 100 ms stop latency contract.
	DefaultPeriod = 10 * time.Millisecond
)

var (
	// ErrAckNotRequired is returned by Acknowledge when there is nothing to
	// acknowledge.
	ErrAckNotRequired = errors.New("acknowledgement not required")

	// ErrHardConditionActive is returned by Acknowledge while any hard
	// condition has not physically cleared.
	ErrHardConditionActive = errors.New("hard condition still active")
)

// GateAction is the outcome of gating a motion request.
type GateAction int

const (
	// GatePass lets the request through unchanged.
	GatePass GateAction = iota
	// GateZero replaces the request with a stop request.
	GateZero
	// GateReject refuses the request; the caller must not actuate.
	GateReject
)

func (a GateAction) String() string {
	switch a {
	case GatePass:
		return "pass"
	case GateZero:
		return "zero"
	default:
		return "reject"
	}
}

// Decision is the gate's verdict on a single motion request.
type Decision struct {
	Action  GateAction
	Request control.MotionRequest
	Reason  string
}

// Gate maps a requested motion to an allowed motion given a safety snapshot.
// It is a pure function: the same snapshot and request always produce the
// same decision.
//
// SAFE passes requests unchanged. WARNING passes drive requests but rejects
// blade-on requests. FAULT and ESTOP replace every request with a stop
// request, no exceptions.
func Gate(s Snapshot, req control.MotionRequest) Decision {
	switch s.State {
	case StateSafe:
		return Decision{Action: GatePass, Request: req}

	case StateWarning:
		if req.BladeOn {
			return Decision{
				Action:  GateReject,
				Request: control.ZeroRequest(req.RequestedBy),
				Reason:  "blade disabled while in WARNING",
			}
		}
		return Decision{Action: GatePass, Request: req}

	default: // FAULT, ESTOP
		return Decision{
			Action:  GateZero,
			Request: control.ZeroRequest(req.RequestedBy),
			Reason:  fmt.Sprintf("motion inhibited in %s", s.State),
		}
	}
}

// Thresholds are the tunable limits the supervisor evaluates raw sensor
// samples against. Zero values disable the corresponding check.
type Thresholds struct {
	TiltLimitRad    float64 // hard interlock above this roll or pitch
	MinClearanceM   float64 // hard interlock below this obstacle clearance
	LowVoltageWarnV float64 // soft interlock below this bus voltage
	LowVoltageCritV float64 // hard interlock below this bus voltage
}

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		s.logger = logger.With(slog.String("component", "safety"))
	}
}

// WithTransitionListener registers a callback invoked on every safety state
// transition, outside the supervisor lock. Used to feed the audit sink, the
// telemetry hub and metrics.
func WithTransitionListener(fn func(Transition)) func(*Supervisor) {
	return func(s *Supervisor) {
		s.listeners = append(s.listeners, fn)
	}
}

// WithConditionListener registers a callback invoked whenever a condition is
// raised (raised=true) or physically clears (raised=false), outside the
// supervisor lock.
func WithConditionListener(fn func(raised bool, c Condition)) func(*Supervisor) {
	return func(s *Supervisor) {
		s.condListeners = append(s.condListeners, fn)
	}
}

// WithPeriod overrides the safety loop period.
func WithPeriod(period time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.period = period
	}
}

// Supervisor is the single authority that may forbid or force-stop motion
// and blade actuation. It is the only writer of the safety state; all other
// components read immutable snapshots.
type Supervisor struct {
	thresholds    Thresholds
	period        time.Duration
	logger        *slog.Logger
	listeners     []func(Transition)
	condListeners []func(raised bool, c Condition)

	watchdog *Watchdog

	mu          sync.Mutex
	state       State
	conditions  []*Condition
	requiresAck bool
	transAt     time.Time
	tick        uint64

	snapshot atomic.Pointer[Snapshot]
}

// NewSupervisor creates a supervisor in the SAFE state.
func NewSupervisor(thresholds Thresholds, options ...func(*Supervisor)) *Supervisor {
	s := Supervisor{
		thresholds: thresholds,
		period:     DefaultPeriod,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		watchdog:   NewWatchdog(),
		state:      StateSafe,
		transAt:    time.Now(),
	}

	for _, option := range options {
		option(&s)
	}

	s.publishLocked()
	return &s
}

// Watchdog returns the loop liveness registry owned by this supervisor.
func (s *Supervisor) Watchdog() *Watchdog {
	return s.watchdog
}

// Snapshot returns the latest published safety snapshot. Lock-free.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// GateRequest gates a motion request against the current snapshot.
func (s *Supervisor) GateRequest(req control.MotionRequest) Decision {
	return Gate(s.Snapshot(), req)
}

// Raise injects a safety condition. A repeated raise of an active kind
// updates its detail, reopens it if it had cleared and escalates its
// severity if the new signal is hard. Severity only ratchets upward: a hard
// condition never softens in place, it clears and is acknowledged. The
// resulting state change, if any, is applied immediately rather than on the
// next tick.
func (s *Supervisor) Raise(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	s.mu.Lock()
	for _, c := range s.conditions {
		if c.Kind == sig.Kind {
			reopened := c.Cleared()
			escalated := c.Severity != SeverityHard && sig.Severity == SeverityHard
			if escalated {
				c.Severity = SeverityHard
				s.logger.Warn("interlock escalated",
					slog.String("kind", string(c.Kind)),
					slog.String("detail", sig.Detail))
			}
			c.Detail = sig.Detail
			c.ClearedAt = nil
			t := s.recomputeLocked(*c)
			cond := *c
			s.mu.Unlock()
			if reopened || escalated {
				s.notifyCondition(true, cond)
			}
			s.notify(t)
			return
		}
	}

	cond := &Condition{
		Kind:       sig.Kind,
		Severity:   sig.Severity,
		Detail:     sig.Detail,
		DetectedAt: sig.At,
	}
	s.conditions = append(s.conditions, cond)
	s.logger.Warn("interlock raised",
		slog.String("kind", string(cond.Kind)),
		slog.String("severity", cond.Severity.String()),
		slog.String("detail", cond.Detail))

	t := s.recomputeLocked(*cond)
	raised := *cond
	s.mu.Unlock()
	s.notifyCondition(true, raised)
	s.notify(t)
}

// ClearCondition marks the named condition as physically cleared. Soft
// conditions are removed and the state recovers automatically; hard
// conditions remain active until acknowledged.
func (s *Supervisor) ClearCondition(kind Kind) {
	now := time.Now()

	s.mu.Lock()
	var cause Condition
	found := false
	kept := s.conditions[:0]
	for _, c := range s.conditions {
		if c.Kind != kind {
			kept = append(kept, c)
			continue
		}

		found = true
		c.ClearedAt = &now
		cause = *c
		if c.Severity == SeverityHard {
			kept = append(kept, c) // held until acknowledgement
		}
	}
	s.conditions = kept

	if !found {
		s.mu.Unlock()
		return
	}

	s.logger.Info("interlock cleared", slog.String("kind", string(kind)))
	t := s.recomputeLocked(cause)
	s.mu.Unlock()
	s.notifyCondition(false, cause)
	s.notify(t)
}

// Acknowledge clears the acknowledgement requirement after all hard
// conditions have physically cleared. Recovery from FAULT or ESTOP happens
// only through this call, never automatically.
func (s *Supervisor) Acknowledge() error {
	s.mu.Lock()

	if !s.requiresAck {
		s.mu.Unlock()
		return ErrAckNotRequired
	}

	for _, c := range s.conditions {
		if c.Severity == SeverityHard && !c.Cleared() {
			kind := c.Kind
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrHardConditionActive, kind)
		}
	}

	kept := s.conditions[:0]
	for _, c := range s.conditions {
		if c.Severity != SeverityHard {
			kept = append(kept, c)
		}
	}
	s.conditions = kept
	s.requiresAck = false

	s.logger.Info("operator acknowledgement accepted")
	t := s.recomputeLocked(Condition{})
	s.mu.Unlock()
	s.notify(t)
	return nil
}

// Observe evaluates raw safety-relevant sensor readings against the
// configured thresholds, raising and clearing interlocks as needed. Called
// by the fusion loop with every sample set it reads.
func (s *Supervisor) Observe(set hardware.SampleSet) {
	if set.HasIMU && s.thresholds.TiltLimitRad > 0 {
		tilt := math.Max(math.Abs(set.IMU.Roll), math.Abs(set.IMU.Pitch))
		if tilt > s.thresholds.TiltLimitRad {
			s.Raise(Signal{
				Kind:     KindTiltExceeded,
				Severity: SeverityHard,
				Detail:   fmt.Sprintf("tilt %.1f° exceeds limit %.1f°", tilt*180/math.Pi, s.thresholds.TiltLimitRad*180/math.Pi),
				At:       set.Timestamp,
			})
		} else if s.hasUncleared(KindTiltExceeded) {
			s.ClearCondition(KindTiltExceeded)
		}
	}

	if set.HasRange && s.thresholds.MinClearanceM > 0 {
		if set.Range.MinClearance < s.thresholds.MinClearanceM {
			s.Raise(Signal{
				Kind:     KindProximityBreach,
				Severity: SeverityHard,
				Detail:   fmt.Sprintf("clearance %.2fm below minimum %.2fm", set.Range.MinClearance, s.thresholds.MinClearanceM),
				At:       set.Timestamp,
			})
		} else if s.hasUncleared(KindProximityBreach) {
			s.ClearCondition(KindProximityBreach)
		}
	}

	if set.HasPower {
		v := set.Power.Voltage
		switch {
		case s.thresholds.LowVoltageCritV > 0 && v < s.thresholds.LowVoltageCritV:
			s.Raise(Signal{
				Kind:     KindLowVoltage,
				Severity: SeverityHard,
				Detail:   fmt.Sprintf("bus voltage %.2fV below critical %.2fV", v, s.thresholds.LowVoltageCritV),
				At:       set.Timestamp,
			})

		case s.thresholds.LowVoltageWarnV > 0 && v < s.thresholds.LowVoltageWarnV:
			s.Raise(Signal{
				Kind:     KindLowVoltage,
				Severity: SeveritySoft,
				Detail:   fmt.Sprintf("bus voltage %.2fV sagging below %.2fV", v, s.thresholds.LowVoltageWarnV),
				At:       set.Timestamp,
			})

		default:
			if s.hasUncleared(KindLowVoltage) {
				s.ClearCondition(KindLowVoltage)
			}
		}
	}
}

// Run executes the safety loop: watchdog checks and snapshot republication
// at a fixed short period. Interlock signals take effect at Raise time; the
// loop guarantees liveness failures surface within one period.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("safety loop starting", slog.Duration("period", s.period))

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("safety loop stopped")
			return

		case now := <-ticker.C:
			for _, loop := range s.watchdog.Expired(now) {
				s.Raise(Signal{
					Kind:     KindWatchdogTimeout,
					Severity: SeverityHard,
					Detail:   fmt.Sprintf("no heartbeat from %s loop", loop),
					At:       now,
				})
			}

			s.mu.Lock()
			s.tick++
			s.publishLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) hasUncleared(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conditions {
		if c.Kind == kind && !c.Cleared() {
			return true
		}
	}
	return false
}

// targetState maps a set of conditions to the supervisor state. Geofence
// breaches and hard sensor faults stop motion through FAULT rather than full
// ESTOP; both still require acknowledgement to recover.
func targetState(conditions []*Condition) State {
	state := StateSafe
	for _, c := range conditions {
		if c.Severity == SeverityHard {
			switch c.Kind {
			case KindGeofenceBreach, KindSensorFault:
				if state != StateEstop {
					state = StateFault
				}
			default:
				state = StateEstop
			}
			continue
		}
		if state == StateSafe && !c.Cleared() {
			state = StateWarning
		}
	}
	return state
}

// recomputeLocked derives the state from the current conditions, records the
// transition and republishes the snapshot. Caller holds s.mu. The returned
// transition has From==To when nothing changed.
func (s *Supervisor) recomputeLocked(cause Condition) Transition {
	next := targetState(s.conditions)

	t := Transition{From: s.state, To: next, Cause: cause, At: time.Now()}
	if next != s.state {
		s.logger.Warn("safety state transition",
			slog.String("from", s.state.String()),
			slog.String("to", next.String()),
			slog.String("cause", string(cause.Kind)))

		s.state = next
		s.transAt = t.At
		if next == StateEstop || next == StateFault {
			s.requiresAck = true
		}
	}

	s.publishLocked()
	return t
}

func (s *Supervisor) publishLocked() {
	active := make([]Condition, len(s.conditions))
	for i, c := range s.conditions {
		active[i] = *c
	}

	s.snapshot.Store(&Snapshot{
		State:            s.state,
		Active:           active,
		LastTransitionAt: s.transAt,
		RequiresAck:      s.requiresAck,
		Tick:             s.tick,
	})
}

func (s *Supervisor) notify(t Transition) {
	if t.From == t.To {
		return
	}
	for _, fn := range s.listeners {
		fn(t)
	}
}

func (s *Supervisor) notifyCondition(raised bool, c Condition) {
	for _, fn := range s.condListeners {
		fn(raised, c)
	}
}
