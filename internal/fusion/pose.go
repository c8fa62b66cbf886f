package fusion

import (
	"time"

	"github.com/openacre/mowcore/internal/control"
)

// Source identifies which inputs produced a pose estimate.
type Source string

const (
	SourceSatelliteFix  Source = "satellite-fix"
	SourceDeadReckoning Source = "dead-reckoning"
	SourceUnavailable   Source = "unavailable"
)

// PoseEstimate is one fused position/velocity estimate. It is created fresh
// each fusion cycle, published by copy and never mutated afterwards. The
// fusion engine is its only producer.
type PoseEstimate struct {
	Timestamp time.Time     `json:"timestamp"`
	Position  control.Point `json:"position"`
	Heading   float64       `json:"heading"` // radians, counter-clockwise from +X
	Linear    float64       `json:"linear"`  // m/s
	Angular   float64       `json:"angular"` // rad/s
	AccuracyM float64       `json:"accuracyM"`
	Source    Source        `json:"source"`
	Degraded  bool          `json:"degraded"`
}
