package control

import (
	"math"
	"time"
)

// Requester identifies the origin of a motion request.
type Requester string

const (
	RequestedByManual     Requester = "manual"
	RequestedByAutonomous Requester = "autonomous"
)

// Point is a position in the local navigation frame, in meters.
// X grows east, Y grows north relative to the configured origin.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two points in meters.
func (p Point) DistanceTo(o Point) float64 {
	return math.Hypot(o.X-p.X, o.Y-p.Y)
}

// BearingTo returns the heading from p to o in radians, measured
// counter-clockwise from the positive X axis.
func (p Point) BearingTo(o Point) float64 {
	return math.Atan2(o.Y-p.Y, o.X-p.X)
}

// MotionRequest is a requested actuation. It is produced by the navigation
// controller or command ingress and is never applied to hardware directly:
// every request passes through the safety gate first.
type MotionRequest struct {
	Linear      float64   `json:"linear"`  // forward velocity in m/s
	Angular     float64   `json:"angular"` // yaw rate in rad/s, positive counter-clockwise
	BladeOn     bool      `json:"bladeOn"`
	RequestedBy Requester `json:"requestedBy"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// ZeroRequest returns a stop request preserving the requester identity.
// Zero linear and angular velocity, blade off.
func ZeroRequest(by Requester) MotionRequest {
	return MotionRequest{RequestedBy: by, IssuedAt: time.Now()}
}

// IsZero reports whether the request commands no motion and no cutting.
func (r MotionRequest) IsZero() bool {
	return r.Linear == 0 && r.Angular == 0 && !r.BladeOn
}
