package drive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/hardware"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

const (
	// DefaultPeriod is the default actuator write period.
	DefaultPeriod = 20 * time.Millisecond

	// DefaultHold is how long a received intent keeps being applied when
	// no fresher request arrives. Past it the pipeline writes zero; a
	// silent producer must never translate into continued motion.
	DefaultHold = 500 * time.Millisecond

	// WatchdogLoop is the name the actuator write loop heartbeats under.
	WatchdogLoop = "actuator"
)

// Config holds the actuation pipeline parameters.
type Config struct {
	Period       time.Duration
	WriteTimeout time.Duration
	Hold         time.Duration
}

// ModeSource provides the current navigation mode.
type ModeSource interface {
	Mode() nav.Mode
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "drive"))
	}
}

// WithDecisionListener registers a callback invoked with every gate decision
// applied at the actuator boundary. Used for metrics and latency tracking.
func WithDecisionListener(fn func(safety.Decision)) func(*Pipeline) {
	return func(p *Pipeline) {
		p.listeners = append(p.listeners, fn)
	}
}

// Pipeline is the actuator write boundary. It merges autonomous and manual
// intents, applies the safety gate to every request with no privileged
// bypass, and writes the result to the hardware adapter under a bounded
// timeout. The stop latency contract is measured to this component's
// adapter writes.
type Pipeline struct {
	cfg        Config
	adapter    hardware.Adapter
	supervisor *safety.Supervisor
	modes      ModeSource
	auto       *control.Mailbox
	manual     *control.Mailbox
	logger     *slog.Logger
	listeners  []func(safety.Decision)

	intent     control.MotionRequest
	intentAt   time.Time
	intentMode nav.Mode
}

// NewPipeline creates an actuation pipeline. The auto mailbox is fed by the
// navigation controller, the manual mailbox by command ingress.
func NewPipeline(cfg Config, adapter hardware.Adapter, supervisor *safety.Supervisor, modes ModeSource, auto, manual *control.Mailbox, options ...func(*Pipeline)) *Pipeline {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.Period
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}

	p := Pipeline{
		cfg:        cfg,
		adapter:    adapter,
		supervisor: supervisor,
		modes:      modes,
		auto:       auto,
		manual:     manual,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Run executes the actuator write loop until the context is cancelled. On
// shutdown a final stop request is written unconditionally.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("actuator loop starting", slog.Duration("period", p.cfg.Period))

	p.supervisor.Watchdog().Heartbeat(WatchdogLoop)

	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.writeFinalStop()
			p.logger.Info("actuator loop stopped")
			return

		case now := <-ticker.C:
			p.Tick(ctx, now)
			p.supervisor.Watchdog().Heartbeat(WatchdogLoop)
		}
	}
}

// Tick runs one actuation cycle. Exported for deterministic tests.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	candidate := p.selectIntent(now)

	decision := p.supervisor.GateRequest(candidate)
	for _, fn := range p.listeners {
		fn(decision)
	}

	applied := decision.Request
	if decision.Action == safety.GateReject {
		// A rejected request is not actuated; hold position instead.
		p.logger.Warn("motion request rejected", slog.String("reason", decision.Reason))
		applied = control.ZeroRequest(candidate.RequestedBy)
	}

	p.write(ctx, applied)
}

// selectIntent picks the request to gate this cycle based on the current
// mode: manual intents while MANUAL, autonomous intents while AUTONOMOUS,
// zero otherwise. A held intent expires after the configured hold and never
// survives a mode change.
func (p *Pipeline) selectIntent(now time.Time) control.MotionRequest {
	mode := p.modes.Mode()
	if mode != p.intentMode {
		p.intent = control.MotionRequest{}
		p.intentAt = time.Time{}
		p.intentMode = mode
	}

	var box *control.Mailbox
	switch mode {
	case nav.ModeManual:
		box = p.manual
	case nav.ModeAutonomous:
		box = p.auto
	default:
		return control.ZeroRequest(control.RequestedByAutonomous)
	}

	if req, ok := box.Take(); ok {
		p.intent = req
		p.intentAt = now
		return req
	}

	if p.intentAt.IsZero() || now.Sub(p.intentAt) > p.cfg.Hold {
		return control.ZeroRequest(p.intent.RequestedBy)
	}
	return p.intent
}

func (p *Pipeline) write(ctx context.Context, req control.MotionRequest) {
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	err := p.adapter.WriteActuators(writeCtx, req)
	cancel()

	if err == nil {
		return
	}

	// An actuator that cannot be confirmed stopped is assumed unsafe.
	p.logger.Error("actuator write failed", slog.String("error", err.Error()))
	p.supervisor.Raise(safety.Signal{
		Kind:     safety.KindActuatorFault,
		Severity: safety.SeverityHard,
		Detail:   fmt.Sprintf("actuator write failed: %s", err),
	})
}

// writeFinalStop issues a best-effort stop during shutdown, outside the
// cancelled run context.
func (p *Pipeline) writeFinalStop() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	if err := p.adapter.WriteActuators(ctx, control.ZeroRequest(control.RequestedByAutonomous)); err != nil {
		p.logger.Error("final stop write failed", slog.String("error", err.Error()))
	}
}
