package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector_RepeatedRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("Second NewCollector on the same registry failed: %v", err)
	}

	first.RecordGateDecision("pass")
	second.RecordGateDecision("pass")

	got := testutil.ToFloat64(first.GateDecisions.WithLabelValues("pass"))
	if got != 2 {
		t.Errorf("Expected both collectors to share the counter, got %f", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.RecordSafetyTransition("EMERGENCY_STOP", 3)
	c.RecordInterlock("tilt-exceeded")
	c.RecordGateDecision("zero")
	c.RecordFrameDrop("http-stream")
	c.ObserveStopLatency(10 * time.Millisecond)
	c.ObserveActuatorWrite(time.Millisecond)
	c.SetNavMode(2)
	c.SetPoseAccuracy(0.5)

	if c.Handler() == nil {
		t.Error("Nil collector must still serve the default gatherer")
	}
}

func TestCollector_HandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	c.RecordSafetyTransition("EMERGENCY_STOP", 3)
	c.RecordInterlock("tilt-exceeded")
	c.SetPoseAccuracy(1.25)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		`safety_transitions_total{to_state="EMERGENCY_STOP"} 1`,
		`interlocks_raised_total{kind="tilt-exceeded"} 1`,
		`pose_accuracy_meters 1.25`,
		`safety_state 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics output missing %q", want)
		}
	}
}
