package audit

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

const (
	// DefaultBufferSize is the capacity of the event channel between the
	// control loops and the writer goroutine.
	DefaultBufferSize = 256

	// DefaultPoseBatchSize is the number of pose records accumulated before
	// a batch write.
	DefaultPoseBatchSize = 50

	// DefaultFlushInterval bounds how long a partial pose batch waits.
	DefaultFlushInterval = 2 * time.Second
)

type eventKind int

const (
	eventSafetyTransition eventKind = iota
	eventInterlockRaised
	eventInterlockCleared
	eventModeTransition
	eventPose
)

type event struct {
	kind             eventKind
	safetyTransition safety.Transition
	condition        safety.Condition
	modeTransition   nav.ModeTransition
	pose             fusion.PoseEstimate
}

// WithSinkLogger sets the sink logger.
func WithSinkLogger(logger *slog.Logger) func(*Sink) {
	return func(s *Sink) {
		s.logger = logger.With(slog.String("component", "audit"))
	}
}

// WithBufferSize overrides the event channel capacity.
func WithBufferSize(size int) func(*Sink) {
	return func(s *Sink) {
		s.events = make(chan event, size)
	}
}

// WithPoseBatch overrides pose batching parameters.
func WithPoseBatch(size int, flush time.Duration) func(*Sink) {
	return func(s *Sink) {
		s.batchSize = size
		s.flushEvery = flush
	}
}

// Sink moves audit events from the control loops to the store on a
// dedicated goroutine. Enqueueing never blocks: when the buffer is full the
// event is dropped and counted, because a slow disk must never stall the
// safety or actuation path.
type Sink struct {
	store     *Store
	sessionID int64
	logger    *slog.Logger

	events     chan event
	batchSize  int
	flushEvery time.Duration

	dropped atomic.Uint64
}

// NewSink creates a sink writing to the given store under sessionID.
func NewSink(store *Store, sessionID int64, options ...func(*Sink)) *Sink {
	s := Sink{
		store:      store,
		sessionID:  sessionID,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:     make(chan event, DefaultBufferSize),
		batchSize:  DefaultPoseBatchSize,
		flushEvery: DefaultFlushInterval,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// RecordSafetyTransition enqueues a safety state change.
func (s *Sink) RecordSafetyTransition(t safety.Transition) {
	s.enqueue(event{kind: eventSafetyTransition, safetyTransition: t})
}

// RecordInterlockRaised enqueues an interlock raise.
func (s *Sink) RecordInterlockRaised(c safety.Condition) {
	s.enqueue(event{kind: eventInterlockRaised, condition: c})
}

// RecordInterlockCleared enqueues an interlock clear.
func (s *Sink) RecordInterlockCleared(c safety.Condition) {
	s.enqueue(event{kind: eventInterlockCleared, condition: c})
}

// RecordModeTransition enqueues a navigation mode change.
func (s *Sink) RecordModeTransition(t nav.ModeTransition) {
	s.enqueue(event{kind: eventModeTransition, modeTransition: t})
}

// RecordPose enqueues a pose estimate for the track log.
func (s *Sink) RecordPose(p fusion.PoseEstimate) {
	s.enqueue(event{kind: eventPose, pose: p})
}

func (s *Sink) enqueue(e event) {
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Run drains events until ctx is cancelled, then flushes what remains in
// the buffer before returning.
func (s *Sink) Run(ctx context.Context) error {
	s.logger.Info("audit sink started", slog.Int64("sessionID", s.sessionID))

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	poses := make([]fusion.PoseEstimate, 0, s.batchSize)

	for {
		select {
		case <-ctx.Done():
			s.drain(&poses)
			s.flushPoses(&poses)
			if n := s.dropped.Load(); n > 0 {
				s.logger.Warn("audit events dropped", slog.Uint64("count", n))
			}
			s.logger.Info("audit sink stopped")
			return nil

		case <-ticker.C:
			s.flushPoses(&poses)

		case e := <-s.events:
			s.handle(e, &poses)
		}
	}
}

func (s *Sink) drain(poses *[]fusion.PoseEstimate) {
	for {
		select {
		case e := <-s.events:
			s.handle(e, poses)
		default:
			return
		}
	}
}

func (s *Sink) handle(e event, poses *[]fusion.PoseEstimate) {
	// Writes use Background: shutdown must not abort the trail mid-flush.
	ctx := context.Background()

	switch e.kind {
	case eventSafetyTransition:
		if err := s.store.RecordSafetyTransition(ctx, s.sessionID, e.safetyTransition); err != nil {
			s.logger.Error("recording safety transition", slog.Any("error", err))
		}

	case eventInterlockRaised:
		if err := s.store.RecordInterlock(ctx, s.sessionID, true, e.condition); err != nil {
			s.logger.Error("recording interlock raise", slog.Any("error", err))
		}

	case eventInterlockCleared:
		if err := s.store.RecordInterlock(ctx, s.sessionID, false, e.condition); err != nil {
			s.logger.Error("recording interlock clear", slog.Any("error", err))
		}

	case eventModeTransition:
		if err := s.store.RecordModeTransition(ctx, s.sessionID, e.modeTransition); err != nil {
			s.logger.Error("recording mode transition", slog.Any("error", err))
		}

	case eventPose:
		*poses = append(*poses, e.pose)
		if len(*poses) >= s.batchSize {
			s.flushPoses(poses)
		}
	}
}

func (s *Sink) flushPoses(poses *[]fusion.PoseEstimate) {
	if len(*poses) == 0 {
		return
	}

	if err := s.store.BatchInsertPoses(context.Background(), s.sessionID, *poses); err != nil {
		s.logger.Error("flushing pose batch",
			slog.Int("count", len(*poses)),
			slog.Any("error", err))
	}
	*poses = (*poses)[:0]
}
