package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

const (
	// MinCadenceHz and MaxCadenceHz bound the per-subscriber frame rate.
	MinCadenceHz = 1.0
	MaxCadenceHz = 10.0

	// DefaultCadenceHz is used when a subscriber requests cadence 0.
	DefaultCadenceHz = 5.0

	// DefaultQueueSize is the per-subscriber frame queue capacity.
	DefaultQueueSize = 16
)

// ErrHubClosed is returned by Subscribe after the hub has shut down.
var ErrHubClosed = errors.New("telemetry hub closed")

// Sources supplies the latest published snapshots frames are built from.
// Each function must be lock-free with respect to the producing loops; the
// hub must never hold a lock a control loop needs for writing.
type Sources struct {
	Pose   func() fusion.PoseEstimate
	Safety func() safety.Snapshot
	Nav    func() nav.Snapshot
	Health func() SensorHealth
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger.With(slog.String("component", "telemetry"))
	}
}

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(size int) func(*Hub) {
	return func(h *Hub) {
		h.queueSize = size
	}
}

// WithDropListener registers a callback invoked with the topic of every
// dropped frame, for metrics.
func WithDropListener(fn func(topic string)) func(*Hub) {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// Hub gives external consumers a consistent, rate-limited view of the core
// state without letting a slow consumer stall the control loops. Each
// subscriber runs at its own cadence; backpressure drops that subscriber's
// oldest unsent regular frame and never propagates upstream.
type Hub struct {
	sources   Sources
	logger    *slog.Logger
	queueSize int
	onDrop    func(topic string)

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	seq    uint64
	closed bool

	wg sync.WaitGroup
}

// NewHub creates a telemetry hub.
func NewHub(sources Sources, options ...func(*Hub)) *Hub {
	h := Hub{
		sources:   sources,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		queueSize: DefaultQueueSize,
		subs:      make(map[int]*Subscription),
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Subscribe registers a consumer on the given topic. Cadence is clamped to
// [1, 10] Hz; zero selects the default. The returned cadence is the applied
// value.
func (h *Hub) Subscribe(topic string, cadenceHz float64) (*Subscription, float64, error) {
	cadenceHz = clampCadence(cadenceHz)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, 0, ErrHubClosed
	}

	h.nextID++
	sub := &Subscription{
		hub:       h,
		id:        h.nextID,
		topic:     topic,
		out:       make(chan Frame, 1),
		cadence:   make(chan float64, 1),
		done:      make(chan struct{}),
		queue:     newFrameQueue(h.queueSize),
		cadenceHz: cadenceHz,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.wg.Add(2)
	go sub.tickLoop(cadenceHz)
	go sub.pumpLoop()

	h.logger.Info("subscriber added",
		slog.String("topic", topic),
		slog.Int("id", sub.id),
		slog.Float64("cadenceHz", cadenceHz))

	return sub, cadenceHz, nil
}

// Current assembles and returns a fresh regular frame without involving any
// subscription, for request/response surfaces.
func (h *Hub) Current() Frame {
	return h.buildFrame(false)
}

// PublishCritical broadcasts a critical frame to every subscriber, ahead of
// their regular cadence. Critical frames are never dropped and publication
// never blocks the caller.
func (h *Hub) PublishCritical() {
	frame := h.buildFrame(true)

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.queue.push(frame, true)
	}
}

// Close shuts down all subscribers and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.wg.Wait()
}

// buildFrame assembles one frame from the latest snapshots.
func (h *Hub) buildFrame(critical bool) Frame {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Critical:  critical,
	}
	if h.sources.Pose != nil {
		frame.Pose = h.sources.Pose()
	}
	if h.sources.Safety != nil {
		frame.SafetyState, frame.RequiresAck, frame.Interlocks, frame.SafetyReason = safetyFields(h.sources.Safety())
	}
	if h.sources.Nav != nil {
		ns := h.sources.Nav()
		frame.Mode = ns.Mode.String()
		frame.ModeSince = ns.ChangedAt
	}
	if h.sources.Health != nil {
		frame.Health = h.sources.Health()
	}
	return frame
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one consumer's attachment to the hub.
type Subscription struct {
	hub   *Hub
	id    int
	topic string

	out     chan Frame
	cadence chan float64
	queue   *frameQueue

	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	cadenceHz float64
}

// Frames returns the subscriber's delivery channel. It is closed on
// Unsubscribe/Close.
func (s *Subscription) Frames() <-chan Frame {
	return s.out
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// SetCadence adjusts the subscriber's frame rate at runtime. The returned
// value is the applied cadence, acknowledging the settings change.
func (s *Subscription) SetCadence(hz float64) float64 {
	hz = clampCadence(hz)

	s.mu.Lock()
	s.cadenceHz = hz
	s.mu.Unlock()

	select {
	case s.cadence <- hz:
	case <-s.done:
	}
	return hz
}

// Cadence returns the currently applied cadence in Hz.
func (s *Subscription) Cadence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cadenceHz
}

// Close detaches the subscriber from the hub.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
		s.queue.wake()
	})
}

// tickLoop enqueues a regular frame at the subscriber's cadence.
func (s *Subscription) tickLoop(cadenceHz float64) {
	defer s.hub.wg.Done()

	ticker := time.NewTicker(cadencePeriod(cadenceHz))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case hz := <-s.cadence:
			ticker.Reset(cadencePeriod(hz))

		case <-ticker.C:
			if dropped := s.queue.push(s.hub.buildFrame(false), false); dropped && s.hub.onDrop != nil {
				s.hub.onDrop(s.topic)
			}
		}
	}
}

// pumpLoop moves frames from the queue to the consumer channel. Only this
// subscriber blocks on its consumer; producers and other subscribers are
// unaffected.
func (s *Subscription) pumpLoop() {
	defer s.hub.wg.Done()
	defer close(s.out)

	for {
		frame, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.queue.notify:
				continue
			}
		}

		select {
		case s.out <- frame:
		case <-s.done:
			return
		}
	}
}

// frameQueue is a small bounded queue with two delivery classes: critical
// frames go ahead of regular frames and are never dropped; when the queue
// is full the oldest regular frame is discarded instead.
type frameQueue struct {
	mu     sync.Mutex
	frames []Frame
	limit  int
	notify chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// push enqueues a frame and reports whether a regular frame was dropped to
// make room.
func (q *frameQueue) push(f Frame, critical bool) bool {
	q.mu.Lock()

	dropped := false
	if critical {
		// Insert behind any criticals already waiting, ahead of regulars.
		idx := 0
		for idx < len(q.frames) && q.frames[idx].Critical {
			idx++
		}
		q.frames = append(q.frames, Frame{})
		copy(q.frames[idx+1:], q.frames[idx:])
		q.frames[idx] = f
	} else {
		q.frames = append(q.frames, f)
	}

	if len(q.frames) > q.limit {
		for i, queued := range q.frames {
			if !queued.Critical {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				dropped = true
				break
			}
		}
	}
	q.mu.Unlock()

	q.wake()
	return dropped
}

func (q *frameQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *frameQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func clampCadence(hz float64) float64 {
	if hz == 0 {
		return DefaultCadenceHz
	}
	if hz < MinCadenceHz {
		return MinCadenceHz
	}
	if hz > MaxCadenceHz {
		return MaxCadenceHz
	}
	return hz
}

func cadencePeriod(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}
