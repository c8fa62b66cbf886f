package command

import (
	"errors"
	"testing"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

type stubPoses struct{}

func (stubPoses) Pose() fusion.PoseEstimate {
	return fusion.PoseEstimate{
		Timestamp: time.Now(),
		Position:  control.Point{X: 1, Y: 1},
		AccuracyM: 0.5,
		Source:    fusion.SourceSatelliteFix,
	}
}

func testDispatcher(t *testing.T) (*Dispatcher, *nav.Controller, *safety.Supervisor, *control.Mailbox) {
	t.Helper()

	g, err := nav.NewGeofence(nav.Boundary{
		Name:   "lawn",
		Kind:   nav.BoundaryInclusion,
		Active: true,
		Vertices: []control.Point{
			{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create geofence: %v", err)
	}

	supervisor := safety.NewSupervisor(safety.Thresholds{})
	var autoBox, manualBox control.Mailbox
	controller := nav.NewController(nav.Config{
		MaxLinearMPS: 0.7, MaxAngularRPS: 1.2,
		WaypointToleranceM: 0.15, LaneSpacingM: 1, HeadingGain: 2,
	}, g, supervisor, stubPoses{}, &autoBox)

	return NewDispatcher(supervisor, controller, &manualBox), controller, supervisor, &manualBox
}

func TestDispatcher_DriveRequiresManualMode(t *testing.T) {
	d, _, _, manual := testDispatcher(t)

	err := d.Dispatch(Command{Kind: KindDrive, Linear: 0.5})
	if !errors.Is(err, ErrNotManual) {
		t.Fatalf("Expected ErrNotManual in IDLE, got %v", err)
	}
	if _, ok := manual.Take(); ok {
		t.Error("Rejected drive command must not reach the mailbox")
	}
}

func TestDispatcher_DriveFlowsIntoManualMailbox(t *testing.T) {
	d, _, _, manual := testDispatcher(t)

	if err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeManual}); err != nil {
		t.Fatalf("Entering MANUAL failed: %v", err)
	}
	if err := d.Dispatch(Command{Kind: KindDrive, Linear: 0.5, Angular: 0.1, BladeOn: true}); err != nil {
		t.Fatalf("Drive command failed: %v", err)
	}

	req, ok := manual.Take()
	if !ok {
		t.Fatal("Expected a request in the manual mailbox")
	}
	if req.Linear != 0.5 || req.Angular != 0.1 || !req.BladeOn {
		t.Errorf("Request fields not carried through: %+v", req)
	}
	if req.RequestedBy != control.RequestedByManual {
		t.Errorf("Expected manual requester, got %s", req.RequestedBy)
	}
}

func TestDispatcher_SetModePropagatesControllerError(t *testing.T) {
	d, _, _, _ := testDispatcher(t)

	if err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeManual}); err != nil {
		t.Fatalf("IDLE -> MANUAL failed: %v", err)
	}
	err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeAutonomous})
	if !errors.Is(err, nav.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestDispatcher_StopReleaseAcknowledgeCycle(t *testing.T) {
	d, _, supervisor, _ := testDispatcher(t)

	if err := d.Dispatch(Command{Kind: KindStop}); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := supervisor.Snapshot().State; got != safety.StateEstop {
		t.Fatalf("Expected ESTOP after stop, got %s", got)
	}

	// Acknowledging before the release must fail.
	if err := d.Dispatch(Command{Kind: KindAcknowledge}); err == nil {
		t.Fatal("Expected acknowledge to fail while the stop is held")
	}

	if err := d.Dispatch(Command{Kind: KindReleaseStop}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := d.Dispatch(Command{Kind: KindAcknowledge}); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if got := supervisor.Snapshot().State; got != safety.StateSafe {
		t.Errorf("Expected SAFE after release and acknowledge, got %s", got)
	}
}

func TestDispatcher_RearmEnablesEstopExit(t *testing.T) {
	d, controller, _, _ := testDispatcher(t)

	if err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeEmergencyStop}); err != nil {
		t.Fatalf("Entering EMERGENCY_STOP failed: %v", err)
	}

	if err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeIdle}); err == nil {
		t.Fatal("Expected leaving EMERGENCY_STOP without rearm to fail")
	}

	if err := d.Dispatch(Command{Kind: KindRearm}); err != nil {
		t.Fatalf("Rearm failed: %v", err)
	}
	if err := d.Dispatch(Command{Kind: KindSetMode, Mode: nav.ModeIdle}); err != nil {
		t.Fatalf("Leaving EMERGENCY_STOP after rearm failed: %v", err)
	}
	if controller.Mode() != nav.ModeIdle {
		t.Errorf("Expected IDLE, got %s", controller.Mode())
	}
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d, _, _, _ := testDispatcher(t)

	if err := d.Dispatch(Command{Kind: Kind(99)}); err == nil {
		t.Error("Expected error for unknown command kind")
	}
}
