package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the control core and offers
// nil-safe recording helpers so instrumentation points never have to guard
// against a disabled collector.
type Collector struct {
	gatherer prometheus.Gatherer

	SafetyTransitions *prometheus.CounterVec
	InterlocksRaised  *prometheus.CounterVec
	GateDecisions     *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec

	StopLatency   prometheus.Histogram
	ActuatorWrite prometheus.Histogram

	SafetyState  prometheus.Gauge
	NavMode      prometheus.Gauge
	PoseAccuracy prometheus.Gauge
}

// NewCollector registers the core metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_transitions_total",
		Help: "Total number of safety state transitions, labeled by the entered state.",
	}, []string{"to_state"})
	transitions, err := registerCounterVec(reg, transitions, "safety_transitions_total")
	if err != nil {
		return nil, err
	}

	interlocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interlocks_raised_total",
		Help: "Total number of interlock conditions raised, labeled by kind.",
	}, []string{"kind"})
	interlocks, err = registerCounterVec(reg, interlocks, "interlocks_raised_total")
	if err != nil {
		return nil, err
	}

	gates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_decisions_total",
		Help: "Total number of motion requests evaluated by the safety gate, labeled by outcome.",
	}, []string{"action"})
	gates, err = registerCounterVec(reg, gates, "gate_decisions_total")
	if err != nil {
		return nil, err
	}

	drops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_frames_dropped_total",
		Help: "Total number of telemetry frames dropped due to subscriber backpressure, labeled by topic.",
	}, []string{"topic"})
	drops, err = registerCounterVec(reg, drops, "telemetry_frames_dropped_total")
	if err != nil {
		return nil, err
	}

	stopLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stop_latency_seconds",
		Help:    "Time from a hard interlock being raised to a zero-motion actuator write.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
	})
	stopLatency, err = registerHistogram(reg, stopLatency, "stop_latency_seconds")
	if err != nil {
		return nil, err
	}

	actuatorWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "actuator_write_duration_seconds",
		Help:    "Duration of actuator write calls through the hardware adapter.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
	actuatorWrite, err = registerHistogram(reg, actuatorWrite, "actuator_write_duration_seconds")
	if err != nil {
		return nil, err
	}

	safetyState, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safety_state",
		Help: "Current safety state (0=SAFE, 1=WARNING, 2=FAULT, 3=EMERGENCY_STOP).",
	}), "safety_state")
	if err != nil {
		return nil, err
	}
	navMode, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nav_mode",
		Help: "Current navigation mode (0=IDLE, 1=MANUAL, 2=AUTONOMOUS, 3=CALIBRATION, 4=EMERGENCY_STOP).",
	}), "nav_mode")
	if err != nil {
		return nil, err
	}
	poseAccuracy, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pose_accuracy_meters",
		Help: "Estimated position accuracy of the latest fused pose.",
	}), "pose_accuracy_meters")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		SafetyTransitions: transitions,
		InterlocksRaised:  interlocks,
		GateDecisions:     gates,
		FramesDropped:     drops,
		StopLatency:       stopLatency,
		ActuatorWrite:     actuatorWrite,
		SafetyState:       safetyState,
		NavMode:           navMode,
		PoseAccuracy:      poseAccuracy,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordSafetyTransition counts one transition and updates the state gauge.
func (c *Collector) RecordSafetyTransition(toState string, stateValue int) {
	if c == nil {
		return
	}
	if c.SafetyTransitions != nil {
		c.SafetyTransitions.WithLabelValues(toState).Inc()
	}
	if c.SafetyState != nil {
		c.SafetyState.Set(float64(stateValue))
	}
}

// RecordInterlock counts one raised interlock condition.
func (c *Collector) RecordInterlock(kind string) {
	if c == nil || c.InterlocksRaised == nil {
		return
	}
	c.InterlocksRaised.WithLabelValues(kind).Inc()
}

// RecordGateDecision counts one safety gate outcome.
func (c *Collector) RecordGateDecision(action string) {
	if c == nil || c.GateDecisions == nil {
		return
	}
	c.GateDecisions.WithLabelValues(action).Inc()
}

// RecordFrameDrop counts one dropped telemetry frame.
func (c *Collector) RecordFrameDrop(topic string) {
	if c == nil || c.FramesDropped == nil {
		return
	}
	c.FramesDropped.WithLabelValues(topic).Inc()
}

// ObserveStopLatency records one raise-to-zero-write latency measurement.
func (c *Collector) ObserveStopLatency(d time.Duration) {
	if c == nil || c.StopLatency == nil {
		return
	}
	c.StopLatency.Observe(d.Seconds())
}

// ObserveActuatorWrite records one actuator write duration.
func (c *Collector) ObserveActuatorWrite(d time.Duration) {
	if c == nil || c.ActuatorWrite == nil {
		return
	}
	c.ActuatorWrite.Observe(d.Seconds())
}

// SetNavMode updates the navigation mode gauge.
func (c *Collector) SetNavMode(mode int) {
	if c == nil || c.NavMode == nil {
		return
	}
	c.NavMode.Set(float64(mode))
}

// SetPoseAccuracy updates the pose accuracy gauge.
func (c *Collector) SetPoseAccuracy(meters float64) {
	if c == nil || c.PoseAccuracy == nil {
		return
	}
	c.PoseAccuracy.Set(meters)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
