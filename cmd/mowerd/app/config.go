package app

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/drive"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

// Duration wraps time.Duration for YAML values like "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

// Config is the main daemon configuration.
type Config struct {
	Settings   Settings         `yaml:"settings"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Safety     SafetyConfig     `yaml:"safety"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Nav        NavConfig        `yaml:"nav"`
	Drive      DriveConfig      `yaml:"drive"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Boundaries []BoundaryConfig `yaml:"boundaries"`
	Storage    StorageConfig    `yaml:"storage"`
}

// Settings represents global daemon settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
	RobotID  string `yaml:"robotId"`
	Listen   string `yaml:"listen"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// AdapterSim selects the simulated hardware adapter. It is the only type
// built into this binary; real drivers register their own.
const AdapterSim = "sim"

// AdapterConfig selects and tunes the hardware adapter.
type AdapterConfig struct {
	Type string `yaml:"type"`

	// Simulation tuning, used when Type is "sim".
	GPSNoiseM       float64 `yaml:"gpsNoiseM"`
	HeadingNoiseRad float64 `yaml:"headingNoiseRad"`
	StartVoltage    float64 `yaml:"startVoltage"`
	Seed            int64   `yaml:"seed"`
}

// SafetyConfig holds the interlock thresholds and loop timing.
type SafetyConfig struct {
	TiltLimitDeg    float64  `yaml:"tiltLimitDeg"`
	MinClearanceM   float64  `yaml:"minClearanceM"`
	LowVoltageWarnV float64  `yaml:"lowVoltageWarnV"`
	LowVoltageCritV float64  `yaml:"lowVoltageCritV"`
	WatchdogTimeout Duration `yaml:"watchdogTimeout"`
	Period          Duration `yaml:"period"`
}

// Thresholds converts the configured limits into supervisor thresholds.
// Tilt is configured in degrees and evaluated in radians.
func (c SafetyConfig) Thresholds() safety.Thresholds {
	return safety.Thresholds{
		TiltLimitRad:    c.TiltLimitDeg * math.Pi / 180,
		MinClearanceM:   c.MinClearanceM,
		LowVoltageWarnV: c.LowVoltageWarnV,
		LowVoltageCritV: c.LowVoltageCritV,
	}
}

// FusionConfig holds the sensor fusion tuning parameters.
type FusionConfig struct {
	Period            Duration `yaml:"period"`
	OriginLat         float64  `yaml:"originLat"`
	OriginLon         float64  `yaml:"originLon"`
	TicksPerMeter     float64  `yaml:"ticksPerMeter"`
	WheelBaseM        float64  `yaml:"wheelBaseM"`
	BlendGain         float64  `yaml:"blendGain"`
	MinFixQuality     string   `yaml:"minFixQuality"`
	MaxHDOP           float64  `yaml:"maxHdop"`
	BaseAccuracyM     float64  `yaml:"baseAccuracyM"`
	AccuracyGrowthMPS float64  `yaml:"accuracyGrowthMps"`
	AccuracyCapM      float64  `yaml:"accuracyCapM"`
	DegradedBoundM    float64  `yaml:"degradedBoundM"`
	Staleness         Duration `yaml:"staleness"`
}

// EngineConfig converts the section into a fusion engine configuration.
func (c FusionConfig) EngineConfig() (fusion.Config, error) {
	quality, err := parseFixQuality(c.MinFixQuality)
	if err != nil {
		return fusion.Config{}, err
	}

	return fusion.Config{
		Period:            c.Period.Duration,
		OriginLat:         c.OriginLat,
		OriginLon:         c.OriginLon,
		TicksPerMeter:     c.TicksPerMeter,
		WheelBaseM:        c.WheelBaseM,
		BlendGain:         c.BlendGain,
		MinFixQuality:     quality,
		MaxHDOP:           c.MaxHDOP,
		BaseAccuracyM:     c.BaseAccuracyM,
		AccuracyGrowthMPS: c.AccuracyGrowthMPS,
		AccuracyCapM:      c.AccuracyCapM,
		DegradedBoundM:    c.DegradedBoundM,
		Staleness:         c.Staleness.Duration,
	}, nil
}

func parseFixQuality(s string) (hardware.FixQuality, error) {
	switch s {
	case "", "2d":
		return hardware.Fix2D, nil
	case "none":
		return hardware.FixNone, nil
	case "3d":
		return hardware.Fix3D, nil
	case "dgps":
		return hardware.FixDifferential, nil
	default:
		return hardware.FixNone, fmt.Errorf("unknown fix quality %q", s)
	}
}

// NavConfig holds the navigation controller tuning parameters.
type NavConfig struct {
	Period             Duration `yaml:"period"`
	MaxLinearMPS       float64  `yaml:"maxLinearMps"`
	MaxAngularRPS      float64  `yaml:"maxAngularRps"`
	WaypointToleranceM float64  `yaml:"waypointToleranceM"`
	LaneSpacingM       float64  `yaml:"laneSpacingM"`
	HeadingGain        float64  `yaml:"headingGain"`
}

// ControllerConfig converts the section into a controller configuration.
func (c NavConfig) ControllerConfig() nav.Config {
	return nav.Config{
		Period:             c.Period.Duration,
		MaxLinearMPS:       c.MaxLinearMPS,
		MaxAngularRPS:      c.MaxAngularRPS,
		WaypointToleranceM: c.WaypointToleranceM,
		LaneSpacingM:       c.LaneSpacingM,
		HeadingGain:        c.HeadingGain,
	}
}

// DriveConfig holds the actuation pipeline timing.
type DriveConfig struct {
	Period       Duration `yaml:"period"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	Hold         Duration `yaml:"hold"`
}

// PipelineConfig converts the section into a pipeline configuration.
func (c DriveConfig) PipelineConfig() drive.Config {
	return drive.Config{
		Period:       c.Period.Duration,
		WriteTimeout: c.WriteTimeout.Duration,
		Hold:         c.Hold.Duration,
	}
}

// TelemetryConfig holds the telemetry hub settings.
type TelemetryConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// BoundaryConfig is one geofence polygon in the configuration file.
type BoundaryConfig struct {
	Name     string       `yaml:"name"`
	Kind     string       `yaml:"kind"`
	Active   bool         `yaml:"active"`
	Vertices []VertexYAML `yaml:"vertices"`
}

// VertexYAML is one polygon vertex in local meters.
type VertexYAML struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Boundary converts the section into a geofence boundary.
func (c BoundaryConfig) Boundary() nav.Boundary {
	vertices := make([]control.Point, len(c.Vertices))
	for i, v := range c.Vertices {
		vertices[i] = control.Point{X: v.X, Y: v.Y}
	}
	return nav.Boundary{
		Name:     c.Name,
		Kind:     nav.BoundaryKind(c.Kind),
		Active:   c.Active,
		Vertices: vertices,
	}
}

// StorageConfig holds the audit store settings.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// Default tuning, applied where the file leaves a value unset.
const (
	defaultTiltLimitDeg    = 30.0
	defaultMinClearanceM   = 0.18
	defaultLowVoltageWarnV = 19.5
	defaultLowVoltageCritV = 18.0
	defaultWatchdogTimeout = 500 * time.Millisecond
	defaultBlendGain       = 0.2
	defaultBaseAccuracyM   = 0.5
	defaultAccuracyGrowth  = 0.25
	defaultAccuracyCapM    = 10.0
	defaultDegradedBoundM  = 2.5
	defaultStaleness       = 5 * time.Second
	defaultMaxLinearMPS    = 0.7
	defaultMaxAngularRPS   = 1.2
	defaultWaypointTolM    = 0.15
	defaultLaneSpacingM    = 0.25
	defaultHeadingGain     = 2.0
	defaultListen          = ":8750"
)

// LoadConfig reads, defaults and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.RobotID == "" {
		c.Settings.RobotID = "mower-01"
	}
	if c.Settings.Listen == "" {
		c.Settings.Listen = defaultListen
	}
	if c.Adapter.Type == "" {
		c.Adapter.Type = AdapterSim
	}

	if c.Safety.TiltLimitDeg == 0 {
		c.Safety.TiltLimitDeg = defaultTiltLimitDeg
	}
	if c.Safety.MinClearanceM == 0 {
		c.Safety.MinClearanceM = defaultMinClearanceM
	}
	if c.Safety.LowVoltageWarnV == 0 {
		c.Safety.LowVoltageWarnV = defaultLowVoltageWarnV
	}
	if c.Safety.LowVoltageCritV == 0 {
		c.Safety.LowVoltageCritV = defaultLowVoltageCritV
	}
	if c.Safety.WatchdogTimeout.Duration == 0 {
		c.Safety.WatchdogTimeout.Duration = defaultWatchdogTimeout
	}

	if c.Fusion.TicksPerMeter == 0 {
		c.Fusion.TicksPerMeter = 1200
	}
	if c.Fusion.WheelBaseM == 0 {
		c.Fusion.WheelBaseM = 0.35
	}
	if c.Fusion.BlendGain == 0 {
		c.Fusion.BlendGain = defaultBlendGain
	}
	if c.Fusion.BaseAccuracyM == 0 {
		c.Fusion.BaseAccuracyM = defaultBaseAccuracyM
	}
	if c.Fusion.AccuracyGrowthMPS == 0 {
		c.Fusion.AccuracyGrowthMPS = defaultAccuracyGrowth
	}
	if c.Fusion.AccuracyCapM == 0 {
		c.Fusion.AccuracyCapM = defaultAccuracyCapM
	}
	if c.Fusion.DegradedBoundM == 0 {
		c.Fusion.DegradedBoundM = defaultDegradedBoundM
	}
	if c.Fusion.Staleness.Duration == 0 {
		c.Fusion.Staleness.Duration = defaultStaleness
	}

	if c.Nav.MaxLinearMPS == 0 {
		c.Nav.MaxLinearMPS = defaultMaxLinearMPS
	}
	if c.Nav.MaxAngularRPS == 0 {
		c.Nav.MaxAngularRPS = defaultMaxAngularRPS
	}
	if c.Nav.WaypointToleranceM == 0 {
		c.Nav.WaypointToleranceM = defaultWaypointTolM
	}
	if c.Nav.LaneSpacingM == 0 {
		c.Nav.LaneSpacingM = defaultLaneSpacingM
	}
	if c.Nav.HeadingGain == 0 {
		c.Nav.HeadingGain = defaultHeadingGain
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Settings.Level(); err != nil {
		return err
	}
	if c.Adapter.Type != AdapterSim {
		return fmt.Errorf("unknown adapter type %q", c.Adapter.Type)
	}
	if c.Safety.LowVoltageCritV >= c.Safety.LowVoltageWarnV {
		return fmt.Errorf("critical voltage %.2f must be below warning voltage %.2f",
			c.Safety.LowVoltageCritV, c.Safety.LowVoltageWarnV)
	}

	engineCfg, err := c.Fusion.EngineConfig()
	if err != nil {
		return err
	}
	if err = engineCfg.Validate(); err != nil {
		return err
	}

	navCfg := c.Nav.ControllerConfig()
	if err = navCfg.Validate(); err != nil {
		return err
	}

	for _, b := range c.Boundaries {
		if kind := nav.BoundaryKind(b.Kind); kind != nav.BoundaryInclusion && kind != nav.BoundaryExclusion {
			return fmt.Errorf("boundary %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	return nil
}
