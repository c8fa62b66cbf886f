package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/openacre/mowcore/internal/control"
)

// FixQuality describes the quality of a satellite position fix.
type FixQuality int

const (
	FixNone FixQuality = iota
	Fix2D
	Fix3D
	FixDifferential
)

func (q FixQuality) String() string {
	switch q {
	case Fix2D:
		return "2d"
	case Fix3D:
		return "3d"
	case FixDifferential:
		return "dgps"
	default:
		return "none"
	}
}

// GPSSample is a single satellite position fix.
type GPSSample struct {
	Latitude   float64
	Longitude  float64
	Quality    FixQuality
	Satellites int
	HDOP       float64 // horizontal dilution of precision
}

// IMUSample is a single inertial measurement: attitude in radians,
// body-frame accelerations in m/s² and yaw rate in rad/s.
type IMUSample struct {
	Roll    float64
	Pitch   float64
	Yaw     float64
	AccelX  float64
	AccelY  float64
	AccelZ  float64
	GyroZ   float64
}

// EncoderSample carries wheel encoder tick deltas since the previous read.
type EncoderSample struct {
	LeftTicks  int
	RightTicks int
}

// PowerSample is a battery bus measurement.
type PowerSample struct {
	Voltage float64 // volts
	Current float64 // amps, positive when discharging
}

// RangeSample is the minimum clearance reported by the ranging sensors.
type RangeSample struct {
	MinClearance float64 // meters to the nearest detected obstacle
}

// SampleSet is one synchronized read of all sensors. Individual sensors may
// be missing on any given read; consumers must check the Has* flags rather
// than assume every field is populated.
type SampleSet struct {
	Timestamp time.Time

	GPS        GPSSample
	HasGPS     bool
	IMU        IMUSample
	HasIMU     bool
	Encoder    EncoderSample
	HasEncoder bool
	Power      PowerSample
	HasPower   bool
	Range      RangeSample
	HasRange   bool
}

// Adapter is the contract between the control core and concrete hardware
// drivers. Implementations must honor context cancellation on every call;
// the core bounds each call with a timeout and treats expiry as a fault.
type Adapter interface {
	// ReadSensors returns the latest sensor samples. A sensor that has no
	// fresh data is reported with its Has* flag unset, not as an error.
	ReadSensors(ctx context.Context) (SampleSet, error)

	// WriteActuators applies a gated motion request to the motor and blade
	// controllers. The request has already passed the safety gate.
	WriteActuators(ctx context.Context, req control.MotionRequest) error

	// Close releases the underlying device handles.
	Close() error
}

// ActuatorFault reports a failed or unconfirmed actuator write. An actuator
// that cannot be confirmed stopped must be assumed unsafe, so callers
// escalate this to a hard interlock.
type ActuatorFault struct {
	Channel string // "drive" or "blade"
	Err     error
}

func (f *ActuatorFault) Error() string {
	return fmt.Sprintf("actuator fault on %s: %s", f.Channel, f.Err)
}

func (f *ActuatorFault) Unwrap() error {
	return f.Err
}
