package command

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

// Kind enumerates the commands the core accepts from an operator surface.
// The set is closed; dispatch switches over it exhaustively.
type Kind int

const (
	// KindDrive is a manual drive/blade command, honored only in MANUAL.
	KindDrive Kind = iota
	// KindSetMode requests a navigation mode change.
	KindSetMode
	// KindStop raises the explicit-stop hard interlock.
	KindStop
	// KindReleaseStop clears the explicit-stop condition. Recovery still
	// requires a separate acknowledgement.
	KindReleaseStop
	// KindAcknowledge acknowledges cleared hard conditions.
	KindAcknowledge
	// KindRearm records an explicit operator rearm for leaving
	// EMERGENCY_STOP.
	KindRearm
)

func (k Kind) String() string {
	switch k {
	case KindDrive:
		return "drive"
	case KindSetMode:
		return "set-mode"
	case KindStop:
		return "stop"
	case KindReleaseStop:
		return "release-stop"
	case KindAcknowledge:
		return "acknowledge"
	case KindRearm:
		return "rearm"
	default:
		return "unknown"
	}
}

// Command is one operator command. Only the fields relevant to its kind are
// meaningful.
type Command struct {
	Kind    Kind
	Linear  float64
	Angular float64
	BladeOn bool
	Mode    nav.Mode
}

// ErrNotManual is returned for drive commands outside MANUAL mode.
var ErrNotManual = errors.New("manual drive requires MANUAL mode")

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.logger = logger.With(slog.String("component", "command"))
	}
}

// Dispatcher routes operator commands into the core. Manual motion flows
// through the same mailbox and safety gate as autonomous motion; there is
// no privileged bypass path.
type Dispatcher struct {
	supervisor *safety.Supervisor
	controller *nav.Controller
	manual     *control.Mailbox
	logger     *slog.Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(supervisor *safety.Supervisor, controller *nav.Controller, manual *control.Mailbox, options ...func(*Dispatcher)) *Dispatcher {
	d := Dispatcher{
		supervisor: supervisor,
		controller: controller,
		manual:     manual,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Dispatch applies a command. Invalid commands are rejected synchronously
// with a reason; nothing is queued for retry.
func (d *Dispatcher) Dispatch(cmd Command) error {
	d.logger.Debug("command received", slog.String("kind", cmd.Kind.String()))

	switch cmd.Kind {
	case KindDrive:
		if d.controller.Mode() != nav.ModeManual {
			return fmt.Errorf("%w: current mode %s", ErrNotManual, d.controller.Mode())
		}
		d.manual.Put(control.MotionRequest{
			Linear:      cmd.Linear,
			Angular:     cmd.Angular,
			BladeOn:     cmd.BladeOn,
			RequestedBy: control.RequestedByManual,
			IssuedAt:    time.Now(),
		})
		return nil

	case KindSetMode:
		return d.controller.RequestMode(cmd.Mode)

	case KindStop:
		d.supervisor.Raise(safety.Signal{
			Kind:     safety.KindExplicitStop,
			Severity: safety.SeverityHard,
			Detail:   "operator stop",
		})
		return nil

	case KindReleaseStop:
		d.supervisor.ClearCondition(safety.KindExplicitStop)
		return nil

	case KindAcknowledge:
		return d.supervisor.Acknowledge()

	case KindRearm:
		d.controller.Rearm()
		return nil

	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}
