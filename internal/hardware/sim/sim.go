// Package sim provides a software-only hardware adapter. It integrates the
// commanded motion with unicycle kinematics and synthesizes sensor samples
// from the resulting ground-truth state, so the full control stack can run
// on a desk with no robot attached.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/hardware"
)

const metersPerDegreeLat = 111320.0

// Config controls the simulated robot and its sensor imperfections.
type Config struct {
	// OriginLat and OriginLon anchor the simulated GPS output. They must
	// match the projection origin configured for sensor fusion.
	OriginLat float64
	OriginLon float64

	// TicksPerMeter is the encoder resolution.
	TicksPerMeter float64

	// WheelBaseM is the distance between the drive wheels.
	WheelBaseM float64

	// GPSNoiseM is the standard deviation of simulated fix error in meters.
	GPSNoiseM float64

	// HeadingNoiseRad is the standard deviation of simulated IMU yaw error.
	HeadingNoiseRad float64

	// StartVoltage is the initial battery voltage.
	StartVoltage float64

	// DrainPerSecond is the simulated voltage sag per second of driving.
	DrainPerSecond float64

	// Seed fixes the noise sequence for reproducible runs. Zero seeds from
	// the clock.
	Seed int64
}

// DefaultConfig returns a simulation tuned to behave like a small mower on
// flat ground.
func DefaultConfig() Config {
	return Config{
		TicksPerMeter:   1200,
		WheelBaseM:      0.35,
		GPSNoiseM:       0.4,
		HeadingNoiseRad: 0.01,
		StartVoltage:    25.2,
		DrainPerSecond:  0.0005,
	}
}

// Adapter is a simulated hardware adapter.
type Adapter struct {
	cfg Config
	rng *rand.Rand

	mu sync.Mutex

	// ground truth
	x, y    float64
	heading float64
	linear  float64
	angular float64
	voltage float64

	lastStep time.Time

	// residual encoder distance carried between reads, per wheel
	leftResidual  float64
	rightResidual float64

	// fault injection
	gpsDown   bool
	imuDown   bool
	tiltRad   float64
	clearance float64

	closed bool
}

var _ hardware.Adapter = (*Adapter)(nil)

// NewAdapter creates a simulated adapter at the origin, facing east.
func NewAdapter(cfg Config) *Adapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Adapter{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		voltage:   cfg.StartVoltage,
		lastStep:  time.Now(),
		clearance: 10,
	}
}

// step advances the ground-truth pose to now using the last commanded
// velocities. Callers must hold mu.
func (a *Adapter) step(now time.Time) {
	dt := now.Sub(a.lastStep).Seconds()
	if dt <= 0 {
		return
	}
	a.lastStep = now

	a.heading = normalizeAngle(a.heading + a.angular*dt)
	a.x += a.linear * math.Cos(a.heading) * dt
	a.y += a.linear * math.Sin(a.heading) * dt

	dist := math.Abs(a.linear) * dt
	a.leftResidual += dist - a.angular*dt*a.cfg.WheelBaseM/2
	a.rightResidual += dist + a.angular*dt*a.cfg.WheelBaseM/2

	if a.linear != 0 || a.angular != 0 {
		a.voltage -= a.cfg.DrainPerSecond * dt
	}
}

// ReadSensors synthesizes one sample set from the current ground truth.
func (a *Adapter) ReadSensors(ctx context.Context) (hardware.SampleSet, error) {
	if err := ctx.Err(); err != nil {
		return hardware.SampleSet{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.step(now)

	set := hardware.SampleSet{Timestamp: now}

	leftTicks := int(a.leftResidual * a.cfg.TicksPerMeter)
	rightTicks := int(a.rightResidual * a.cfg.TicksPerMeter)
	a.leftResidual -= float64(leftTicks) / a.cfg.TicksPerMeter
	a.rightResidual -= float64(rightTicks) / a.cfg.TicksPerMeter
	set.Encoder = hardware.EncoderSample{LeftTicks: leftTicks, RightTicks: rightTicks}
	set.HasEncoder = true

	if !a.imuDown {
		set.IMU = hardware.IMUSample{
			Pitch: a.tiltRad,
			Yaw:   normalizeAngle(a.heading + a.rng.NormFloat64()*a.cfg.HeadingNoiseRad),
			GyroZ: a.angular,
		}
		set.HasIMU = true
	}

	if !a.gpsDown {
		noiseX := a.rng.NormFloat64() * a.cfg.GPSNoiseM
		noiseY := a.rng.NormFloat64() * a.cfg.GPSNoiseM
		set.GPS = hardware.GPSSample{
			Latitude:   a.cfg.OriginLat + (a.y+noiseY)/metersPerDegreeLat,
			Longitude:  a.cfg.OriginLon + (a.x+noiseX)/(metersPerDegreeLat*math.Cos(a.cfg.OriginLat*math.Pi/180)),
			Quality:    hardware.Fix3D,
			Satellites: 9,
			HDOP:       1.1,
		}
		set.HasGPS = true
	}

	set.Power = hardware.PowerSample{Voltage: a.voltage, Current: 1.5}
	set.HasPower = true

	set.Range = hardware.RangeSample{MinClearance: a.clearance}
	set.HasRange = true

	return set, nil
}

// WriteActuators applies the gated request to the simulated drive train.
func (a *Adapter) WriteActuators(ctx context.Context, req control.MotionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return &hardware.ActuatorFault{Channel: "drive", Err: context.Canceled}
	}

	a.step(time.Now())
	a.linear = req.Linear
	a.angular = req.Angular
	return nil
}

// Close stops the simulation. Subsequent writes fail.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.linear = 0
	a.angular = 0
	return nil
}

// Position returns the ground-truth position, for tests and the simulator
// harness. Not available on real hardware.
func (a *Adapter) Position() (x, y, heading float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step(time.Now())
	return a.x, a.y, a.heading
}

// Velocity returns the currently applied drive command.
func (a *Adapter) Velocity() (linear, angular float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linear, a.angular
}

// SetGPSAvailable toggles simulated GPS dropout.
func (a *Adapter) SetGPSAvailable(up bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gpsDown = !up
}

// SetIMUAvailable toggles simulated IMU dropout.
func (a *Adapter) SetIMUAvailable(up bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imuDown = !up
}

// InjectTilt sets the reported pitch angle, simulating a slope or rollover.
func (a *Adapter) InjectTilt(pitchRad float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiltRad = pitchRad
}

// InjectObstacle sets the reported minimum clearance.
func (a *Adapter) InjectObstacle(clearanceM float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearance = clearanceM
}

// SetVoltage overrides the simulated battery voltage.
func (a *Adapter) SetVoltage(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.voltage = v
}

// Teleport moves the ground-truth pose, for test setup.
func (a *Adapter) Teleport(x, y, heading float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.x, a.y, a.heading = x, y, heading
	a.lastStep = time.Now()
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
