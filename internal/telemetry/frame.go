package telemetry

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/safety"
)

// SensorHealth carries per-sensor liveness flags for one frame.
type SensorHealth struct {
	GPS     bool `cbor:"gps" json:"gps"`
	IMU     bool `cbor:"imu" json:"imu"`
	Encoder bool `cbor:"encoder" json:"encoder"`
	Power   bool `cbor:"power" json:"power"`
	Range   bool `cbor:"range" json:"range"`
}

// Frame is one immutable snapshot of combined system state, the only entity
// that crosses the core/external boundary. Frames are constructed from the
// latest published snapshots and never reference live state.
type Frame struct {
	Seq       uint64    `cbor:"seq" json:"seq"`
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`

	Pose fusion.PoseEstimate `cbor:"pose" json:"pose"`

	SafetyState  string    `cbor:"safetyState" json:"safetyState"`
	RequiresAck  bool      `cbor:"requiresAck" json:"requiresAck"`
	Interlocks   []string  `cbor:"interlocks,omitempty" json:"interlocks,omitempty"`
	SafetyReason string    `cbor:"safetyReason,omitempty" json:"safetyReason,omitempty"`
	Mode         string    `cbor:"mode" json:"mode"`
	ModeSince    time.Time `cbor:"modeSince" json:"modeSince"`

	Health   SensorHealth `cbor:"health" json:"health"`
	Critical bool         `cbor:"critical" json:"critical"`
}

// encMode is the deterministic CBOR encoder shared by all frames.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("telemetry: building CBOR encoder: %s", err))
	}
}

// Encode serializes the frame to canonical CBOR for egress.
func (f Frame) Encode() ([]byte, error) {
	p, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame %d: %w", f.Seq, err)
	}
	return p, nil
}

// DecodeFrame deserializes a CBOR-encoded frame.
func DecodeFrame(p []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(p, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// safetyFields flattens a safety snapshot into frame fields. The first
// uncleared condition provides the human-readable reason string surfaced to
// the operator.
func safetyFields(s safety.Snapshot) (state string, requiresAck bool, interlocks []string, reason string) {
	state = s.State.String()
	requiresAck = s.RequiresAck
	for _, c := range s.Active {
		interlocks = append(interlocks, string(c.Kind))
		if reason == "" && !c.Cleared() {
			reason = c.Detail
		}
	}
	return state, requiresAck, interlocks, reason
}
