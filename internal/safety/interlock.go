package safety

import "time"

// State is the operating state of the safety supervisor. Motion permission
// changes only through transitions of this state.
type State int

const (
	StateSafe State = iota
	StateWarning
	StateFault
	StateEstop
)

func (s State) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StateWarning:
		return "WARNING"
	case StateFault:
		return "FAULT"
	case StateEstop:
		return "ESTOP"
	default:
		return "UNKNOWN"
	}
}

// Severity classifies how an interlock constrains operation. Hard conditions
// force an immediate stop and require operator acknowledgement after they
// clear; soft conditions degrade to WARNING and clear automatically.
type Severity int

const (
	SeveritySoft Severity = iota
	SeverityHard
)

func (s Severity) String() string {
	if s == SeverityHard {
		return "hard"
	}
	return "soft"
}

// Kind names a safety condition. The set is closed; handlers switch over it
// exhaustively rather than matching strings at runtime.
type Kind string

const (
	KindTiltExceeded    Kind = "tilt-exceeded"
	KindProximityBreach Kind = "proximity-breach"
	KindLowVoltage      Kind = "low-voltage"
	KindWatchdogTimeout Kind = "watchdog-timeout"
	KindExplicitStop    Kind = "explicit-stop"
	KindSensorFault     Kind = "sensor-fault"
	KindActuatorFault   Kind = "actuator-fault"
	KindGeofenceBreach  Kind = "geofence-breach"
	KindDegradedPose    Kind = "degraded-pose"
)

// Signal is a raised safety condition on its way to the supervisor.
type Signal struct {
	Kind     Kind
	Severity Severity
	Detail   string
	At       time.Time
}

// Condition is an interlock tracked by the supervisor. A hard condition with
// ClearedAt set still blocks recovery until it is acknowledged.
type Condition struct {
	Kind       Kind
	Severity   Severity
	Detail     string
	DetectedAt time.Time
	ClearedAt  *time.Time
}

// Cleared reports whether the underlying physical condition has passed.
func (c Condition) Cleared() bool {
	return c.ClearedAt != nil
}

// Snapshot is an immutable copy of the supervisor state, published on every
// change. Readers never share memory with the supervisor's working state.
type Snapshot struct {
	State            State
	Active           []Condition
	LastTransitionAt time.Time
	RequiresAck      bool
	Tick             uint64
}

// HasCondition reports whether a condition of the given kind is active.
func (s Snapshot) HasCondition(kind Kind) bool {
	for _, c := range s.Active {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// Transition records one safety state change for audit and telemetry.
type Transition struct {
	From  State
	To    State
	Cause Condition
	At    time.Time
}
