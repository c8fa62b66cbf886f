package audit

import (
	"context"
	"testing"
	"time"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/fusion"
)

func TestSink_FlushesPosesOnShutdown(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "sim", "mower-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A batch size larger than the recorded count proves the shutdown drain
	// flushes partial batches.
	sink := NewSink(store, sessionID, WithPoseBatch(100, time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = sink.Run(runCtx)
		close(done)
	}()

	for i := 0; i < 7; i++ {
		sink.RecordPose(fusion.PoseEstimate{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Position:  control.Point{X: float64(i)},
		})
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sink did not stop on cancellation")
	}

	track, err := store.Track(ctx, sessionID)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if len(track) != 7 {
		t.Errorf("Expected all 7 poses flushed on shutdown, got %d", len(track))
	}
}

func TestSink_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	store := testStore(t)

	sessionID, err := store.CreateSession(context.Background(), "sim", "mower-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// No Run goroutine: the buffer fills and further records must return
	// immediately rather than stall the caller.
	sink := NewSink(store, sessionID, WithBufferSize(2))

	start := time.Now()
	for i := 0; i < 10; i++ {
		sink.RecordPose(fusion.PoseEstimate{Timestamp: time.Now()})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Recording with a full buffer must not block, took %s", elapsed)
	}

	if n := sink.dropped.Load(); n != 8 {
		t.Errorf("Expected 8 dropped events, got %d", n)
	}
}
