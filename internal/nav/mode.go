package nav

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the navigation operating mode. A single current value is owned by
// the Controller; transitions are validated against a fixed table.
type Mode int

const (
	ModeIdle Mode = iota
	ModeManual
	ModeAutonomous
	ModeCalibration
	ModeEmergencyStop
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeManual:
		return "MANUAL"
	case ModeAutonomous:
		return "AUTONOMOUS"
	case ModeCalibration:
		return "CALIBRATION"
	case ModeEmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// ParseMode converts a mode name as used on the wire back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "IDLE":
		return ModeIdle, nil
	case "MANUAL":
		return ModeManual, nil
	case "AUTONOMOUS":
		return ModeAutonomous, nil
	case "CALIBRATION":
		return ModeCalibration, nil
	case "EMERGENCY_STOP":
		return ModeEmergencyStop, nil
	default:
		return ModeIdle, fmt.Errorf("unknown mode %q", s)
	}
}

// ErrInvalidTransition is returned when a requested mode change is not in
// the transition table. The request is rejected synchronously, never
// silently ignored or retried.
var ErrInvalidTransition = errors.New("invalid mode transition")

// allowedTransitions is the fixed transition table. AUTONOMOUS→MANUAL is
// deliberately absent: a hand-off must pass through IDLE. Entry into
// EMERGENCY_STOP is always allowed and handled separately.
var allowedTransitions = map[Mode][]Mode{
	ModeIdle:          {ModeManual, ModeAutonomous, ModeCalibration},
	ModeManual:        {ModeIdle},
	ModeAutonomous:    {ModeIdle},
	ModeCalibration:   {ModeIdle},
	ModeEmergencyStop: {ModeIdle},
}

// transitionAllowed reports whether the table permits from→to.
func transitionAllowed(from, to Mode) bool {
	if to == ModeEmergencyStop {
		return true
	}
	for _, m := range allowedTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// Snapshot is an immutable copy of the controller state published for
// telemetry and external readers.
type Snapshot struct {
	Mode       Mode
	ChangedAt  time.Time
	Waypoint   int // index of the next coverage waypoint
	PathLength int // total waypoints in the current coverage path
}

// ModeTransition records one mode change for the audit sink.
type ModeTransition struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

func (t ModeTransition) String() string {
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Reason)
}
