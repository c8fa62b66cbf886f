package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/safety"
)

func testConfig() Config {
	return Config{
		Period:            20 * time.Millisecond,
		TicksPerMeter:     1000,
		WheelBaseM:        0.5,
		BlendGain:         1.0,
		MinFixQuality:     hardware.Fix2D,
		MaxHDOP:           5,
		BaseAccuracyM:     0.5,
		AccuracyGrowthMPS: 1.0,
		AccuracyCapM:      10,
		DegradedBoundM:    2.5,
		Staleness:         5 * time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *safety.Supervisor) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	supervisor := safety.NewSupervisor(safety.Thresholds{})
	return NewEngine(cfg, nil, supervisor), supervisor
}

func fixFor(x, y float64) hardware.GPSSample {
	return hardware.GPSSample{
		Latitude:  y / 111_320.0,
		Longitude: x / 111_320.0,
		Quality:   hardware.Fix3D,
		HDOP:      1.0,
	}
}

func TestEngine_InitialEstimateUnavailable(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	pose := e.Pose()
	if pose.Source != SourceUnavailable {
		t.Errorf("Expected source %s before any samples, got %s", SourceUnavailable, pose.Source)
	}
	if !pose.Degraded {
		t.Error("Initial estimate must be degraded")
	}
}

func TestEngine_DeadReckoningStraightLine(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	now := time.Now()
	e.Step(hardware.SampleSet{
		Timestamp:  now,
		HasEncoder: true,
		Encoder:    hardware.EncoderSample{LeftTicks: 1000, RightTicks: 1000},
	})

	pose := e.Pose()
	if math.Abs(pose.Position.X-1.0) > 1e-9 {
		t.Errorf("Expected x=1.0m after 1000 ticks per wheel, got %f", pose.Position.X)
	}
	if math.Abs(pose.Position.Y) > 1e-9 {
		t.Errorf("Expected y=0 on a straight drive, got %f", pose.Position.Y)
	}
	if pose.Source != SourceDeadReckoning {
		t.Errorf("Expected source %s, got %s", SourceDeadReckoning, pose.Source)
	}
	if !pose.Degraded {
		t.Error("Dead reckoning without any fix must be degraded (stale)")
	}
}

func TestEngine_DifferentialHeadingWithoutIMU(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	// Right wheel travels further: the robot turns left (counter-clockwise).
	e.Step(hardware.SampleSet{
		Timestamp:  time.Now(),
		HasEncoder: true,
		Encoder:    hardware.EncoderSample{LeftTicks: 900, RightTicks: 1100},
	})

	pose := e.Pose()
	wantHeading := (1.1 - 0.9) / 0.5
	if math.Abs(pose.Heading-wantHeading) > 1e-9 {
		t.Errorf("Expected heading %f, got %f", wantHeading, pose.Heading)
	}
}

func TestEngine_IMUHeadingPreferred(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	e.Step(hardware.SampleSet{
		Timestamp:  time.Now(),
		HasEncoder: true,
		Encoder:    hardware.EncoderSample{LeftTicks: 1000, RightTicks: 1000},
		HasIMU:     true,
		IMU:        hardware.IMUSample{Yaw: math.Pi / 2},
	})

	pose := e.Pose()
	if math.Abs(pose.Position.Y-1.0) > 1e-9 {
		t.Errorf("With yaw 90 degrees the drive should be north: y=%f", pose.Position.Y)
	}
	if math.Abs(pose.Position.X) > 1e-9 {
		t.Errorf("Expected x=0, got %f", pose.Position.X)
	}
}

func TestEngine_FixCorrectionAndAccuracyReset(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	now := time.Now()
	e.Step(hardware.SampleSet{
		Timestamp: now,
		HasGPS:    true,
		GPS:       fixFor(3, 4),
	})

	pose := e.Pose()
	if math.Abs(pose.Position.X-3) > 0.01 || math.Abs(pose.Position.Y-4) > 0.01 {
		t.Errorf("With blend gain 1 the estimate should snap to the fix, got (%f, %f)", pose.Position.X, pose.Position.Y)
	}
	if pose.AccuracyM != 0.5 {
		t.Errorf("Expected accuracy reset to base 0.5, got %f", pose.AccuracyM)
	}
	if pose.Source != SourceSatelliteFix {
		t.Errorf("Expected source %s, got %s", SourceSatelliteFix, pose.Source)
	}
	if pose.Degraded {
		t.Error("Fresh accurate fix must not be degraded")
	}
}

func TestEngine_PartialBlendAvoidsJumps(t *testing.T) {
	cfg := testConfig()
	cfg.BlendGain = 0.2
	e, _ := newTestEngine(t, cfg)

	e.Step(hardware.SampleSet{
		Timestamp: time.Now(),
		HasGPS:    true,
		GPS:       fixFor(10, 0),
	})

	pose := e.Pose()
	if math.Abs(pose.Position.X-2) > 0.01 {
		t.Errorf("Expected 20%% of the 10m error corrected, got x=%f", pose.Position.X)
	}
}

func TestEngine_AccuracyGrowsToDegraded(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	now := time.Now()
	e.Step(hardware.SampleSet{Timestamp: now, HasGPS: true, GPS: fixFor(0, 0)})
	if e.Pose().Degraded {
		t.Fatal("Expected non-degraded estimate right after a fix")
	}

	// 1 m/s growth from 0.5m base crosses the 2.5m bound after 2 seconds.
	for i := 1; i <= 3; i++ {
		e.Step(hardware.SampleSet{
			Timestamp:  now.Add(time.Duration(i) * time.Second),
			HasEncoder: true,
		})
	}

	pose := e.Pose()
	if pose.AccuracyM <= 2.5 {
		t.Fatalf("Expected accuracy beyond 2.5m after 3s of dead reckoning, got %f", pose.AccuracyM)
	}
	if !pose.Degraded {
		t.Error("Estimate must be degraded once accuracy exceeds the bound")
	}
}

func TestEngine_StaleFixDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.AccuracyGrowthMPS = 0.01 // accuracy stays well inside the bound
	e, _ := newTestEngine(t, cfg)

	now := time.Now()
	e.Step(hardware.SampleSet{Timestamp: now, HasGPS: true, GPS: fixFor(0, 0)})

	e.Step(hardware.SampleSet{
		Timestamp:  now.Add(6 * time.Second),
		HasEncoder: true,
	})

	if pose := e.Pose(); !pose.Degraded {
		t.Errorf("Expected degraded estimate after %s without a fix, accuracy %f", cfg.Staleness, pose.AccuracyM)
	}
}

func TestEngine_RejectsPoorFix(t *testing.T) {
	cfg := testConfig()
	cfg.MinFixQuality = hardware.Fix3D
	e, _ := newTestEngine(t, cfg)

	testCases := []struct {
		name string
		gps  hardware.GPSSample
	}{
		{"quality too low", hardware.GPSSample{Latitude: 0.001, Quality: hardware.Fix2D, HDOP: 1}},
		{"hdop too high", hardware.GPSSample{Latitude: 0.001, Quality: hardware.Fix3D, HDOP: 9}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e.Step(hardware.SampleSet{Timestamp: time.Now(), HasGPS: true, GPS: tc.gps})
			if pose := e.Pose(); pose.Source == SourceSatelliteFix {
				t.Error("Unacceptable fix must not become a correction")
			}
		})
	}
}

func TestEngine_DegradedPoseSignalsSupervisor(t *testing.T) {
	e, supervisor := newTestEngine(t, testConfig())

	now := time.Now()
	e.Step(hardware.SampleSet{Timestamp: now, HasGPS: true, GPS: fixFor(0, 0)})
	if supervisor.Snapshot().HasCondition(safety.KindDegradedPose) {
		t.Fatal("No degraded-pose condition expected while the fix is fresh")
	}

	e.Step(hardware.SampleSet{Timestamp: now.Add(10 * time.Second), HasEncoder: true})
	if !supervisor.Snapshot().HasCondition(safety.KindDegradedPose) {
		t.Fatal("Expected degraded-pose condition after accuracy loss")
	}

	e.Step(hardware.SampleSet{Timestamp: now.Add(11 * time.Second), HasGPS: true, GPS: fixFor(0, 0)})
	if supervisor.Snapshot().HasCondition(safety.KindDegradedPose) {
		t.Error("Degraded-pose condition must clear when the fix returns")
	}
}

func TestEngine_SensorGoesSilent(t *testing.T) {
	e, supervisor := newTestEngine(t, testConfig())

	now := time.Now()
	full := hardware.SampleSet{
		Timestamp:  now,
		HasGPS:     true,
		GPS:        fixFor(0, 0),
		HasEncoder: true,
	}
	e.trackSensorHealth(full)

	// GPS vanishes; the fault is raised only after the threshold, so a
	// short outage stays quiet.
	for i := 1; i <= missingSampleThreshold; i++ {
		e.trackSensorHealth(hardware.SampleSet{
			Timestamp:  now.Add(time.Duration(i) * 20 * time.Millisecond),
			HasEncoder: true,
		})
		if i < missingSampleThreshold && supervisor.Snapshot().HasCondition(safety.KindSensorFault) {
			t.Fatalf("Sensor fault raised too early, after %d missing cycles", i)
		}
	}

	if !supervisor.Snapshot().HasCondition(safety.KindSensorFault) {
		t.Fatal("Expected sensor fault after sustained GPS silence")
	}

	// Samples return: the fault clears.
	e.trackSensorHealth(full)
	if supervisor.Snapshot().HasCondition(safety.KindSensorFault) {
		t.Error("Sensor fault must clear when samples resume")
	}

	health := e.SensorHealth()
	if !health.GPS || !health.Encoder {
		t.Errorf("Expected gps and encoder live in health snapshot, got %+v", health)
	}
}
