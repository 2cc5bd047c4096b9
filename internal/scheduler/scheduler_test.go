package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visiona/lince/internal/types"
)

type stubDetector struct {
	boxes []types.BoundingBox
	err   error

	started chan struct{} // signalled when a Detect call begins, if set
	release chan struct{} // Detect blocks on this until closed, if set

	calls atomic.Uint64
}

func (d *stubDetector) Detect(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error) {
	d.calls.Add(1)
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}
	return d.boxes, d.err
}

type sinkRecord struct {
	connID string
	result types.DetectionResult
}

type recordingSink struct {
	out chan sinkRecord
}

func newRecordingSink() *recordingSink {
	return &recordingSink{out: make(chan sinkRecord, 64)}
}

func (s *recordingSink) Publish(connID string, result types.DetectionResult) {
	s.out <- sinkRecord{connID: connID, result: result}
}

type countingSink struct {
	n atomic.Uint64
}

func (s *countingSink) Publish(string, types.DetectionResult) {
	s.n.Add(1)
}

func testFrame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Timestamp: time.Now(), Width: 640, Height: 480}
}

func waitRecord(t *testing.T, sink *recordingSink) sinkRecord {
	t.Helper()
	select {
	case rec := <-sink.out:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published result")
		return sinkRecord{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsInferenceAndPublishes(t *testing.T) {
	det := &stubDetector{
		boxes: []types.BoundingBox{{X: 10, Y: 20, W: 30, H: 40, Class: "person", Confidence: 0.9}},
	}
	sink := newRecordingSink()
	s := New(det, sink, 2, 8)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	s.Register("cam-1", context.Background())
	if err := s.Submit("cam-1", testFrame(15)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	rec := waitRecord(t, sink)
	if rec.connID != "cam-1" {
		t.Errorf("result routed to %s, want cam-1", rec.connID)
	}
	if rec.result.FrameIndex != 15 {
		t.Errorf("frame index = %d, want 15", rec.result.FrameIndex)
	}
	if rec.result.Width != 640 || rec.result.Height != 480 {
		t.Errorf("result carries %dx%d, want 640x480", rec.result.Width, rec.result.Height)
	}
	if len(rec.result.Detections) != 1 || rec.result.Detections[0].Class != "person" {
		t.Errorf("unexpected detections: %+v", rec.result.Detections)
	}

	waitFor(t, "completion counter", func() bool { return s.Stats().Completed == 1 })
}

func TestSingleFlightDropsBusyFrames(t *testing.T) {
	det := &stubDetector{release: make(chan struct{})}
	sink := newRecordingSink()
	s := New(det, sink, 2, 8)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	s.Register("cam-1", context.Background())

	if err := s.Submit("cam-1", testFrame(0)); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	// The first frame holds the gate until the detector is released, so
	// every frame behind it is dropped, not queued.
	for i := 1; i <= 5; i++ {
		if err := s.Submit("cam-1", testFrame(uint64(i*5))); err == nil {
			t.Errorf("submit %d accepted while an inference was in flight", i)
		}
	}
	if got := s.Stats().DroppedBusy; got != 5 {
		t.Fatalf("dropped_busy = %d, want 5", got)
	}

	close(det.release)
	rec := waitRecord(t, sink)
	if rec.result.FrameIndex != 0 {
		t.Errorf("completed frame index = %d, want 0", rec.result.FrameIndex)
	}

	// The gate reopens once the inference finishes.
	waitFor(t, "gate release", func() bool {
		return s.Submit("cam-1", testFrame(30)) == nil
	})
	rec = waitRecord(t, sink)
	if rec.result.FrameIndex != 30 {
		t.Errorf("second completed frame index = %d, want 30", rec.result.FrameIndex)
	}

	if got := det.calls.Load(); got != 2 {
		t.Errorf("detector ran %d times, want 2", got)
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	det := &stubDetector{started: make(chan struct{}, 8), release: make(chan struct{})}
	sink := newRecordingSink()
	s := New(det, sink, 1, 1)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	for _, id := range []string{"conn-a", "conn-b", "conn-c"} {
		s.Register(id, context.Background())
	}

	if err := s.Submit("conn-a", testFrame(0)); err != nil {
		t.Fatalf("submit conn-a failed: %v", err)
	}
	<-det.started // the single worker is now pinned, queue empty

	if err := s.Submit("conn-b", testFrame(0)); err != nil {
		t.Fatalf("submit conn-b failed: %v", err)
	}
	if err := s.Submit("conn-c", testFrame(0)); err == nil {
		t.Fatal("submit conn-c accepted with a full queue")
	}
	if got := s.Stats().DroppedQueue; got != 1 {
		t.Fatalf("dropped_queue = %d, want 1", got)
	}

	// A queue drop must release the connection's gate again.
	if err := s.Submit("conn-c", testFrame(5)); err == nil {
		t.Fatal("second conn-c submit accepted with a full queue")
	}
	if got := s.Stats().DroppedQueue; got != 2 {
		t.Fatalf("dropped_queue = %d, want 2", got)
	}

	close(det.release)
	first := waitRecord(t, sink)
	second := waitRecord(t, sink)
	if first.connID != "conn-a" || second.connID != "conn-b" {
		t.Errorf("completion order %s, %s; want conn-a, conn-b", first.connID, second.connID)
	}
}

func TestFailedInferencePublishesEmptyResult(t *testing.T) {
	det := &stubDetector{err: errors.New("session exploded")}
	sink := newRecordingSink()
	s := New(det, sink, 1, 4)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	s.Register("cam-1", context.Background())
	if err := s.Submit("cam-1", testFrame(10)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	rec := waitRecord(t, sink)
	if rec.result.Detections == nil {
		t.Fatal("failed inference published nil detections")
	}
	if len(rec.result.Detections) != 0 {
		t.Errorf("failed inference published %d detections, want 0", len(rec.result.Detections))
	}
	if rec.result.FrameIndex != 10 {
		t.Errorf("frame index = %d, want 10", rec.result.FrameIndex)
	}

	waitFor(t, "failure counters", func() bool {
		st := s.Stats()
		return st.Failures == 1 && st.Completed == 1
	})

	// The connection survives: the next frame goes through normally.
	det.err = nil
	if err := s.Submit("cam-1", testFrame(15)); err != nil {
		t.Fatalf("submit after failure rejected: %v", err)
	}
	waitRecord(t, sink)
}

func TestCancelledConnectionSkipsQueuedTasks(t *testing.T) {
	det := &stubDetector{started: make(chan struct{}, 8), release: make(chan struct{})}
	sink := newRecordingSink()
	s := New(det, sink, 1, 4)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	s.Register("conn-a", context.Background())
	s.Register("conn-b", ctxB)

	if err := s.Submit("conn-a", testFrame(0)); err != nil {
		t.Fatalf("submit conn-a failed: %v", err)
	}
	<-det.started // worker pinned on conn-a

	if err := s.Submit("conn-b", testFrame(0)); err != nil {
		t.Fatalf("submit conn-b failed: %v", err)
	}

	// conn-b goes away while its task sits in the queue.
	cancelB()
	close(det.release)

	rec := waitRecord(t, sink)
	if rec.connID != "conn-a" {
		t.Errorf("published for %s, want conn-a", rec.connID)
	}

	waitFor(t, "skip counter", func() bool { return s.Stats().SkippedCancelled == 1 })
	if got := s.Stats().Completed; got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
	if got := det.calls.Load(); got != 1 {
		t.Errorf("detector ran %d times, want 1", got)
	}
}

func TestUnknownConnectionDropped(t *testing.T) {
	det := &stubDetector{}
	sink := newRecordingSink()
	s := New(det, sink, 1, 4)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Submit("ghost", testFrame(0)); err == nil {
		t.Fatal("submit for an unregistered connection accepted")
	}
	if got := s.Stats().DroppedUnknown; got != 1 {
		t.Errorf("dropped_unknown = %d, want 1", got)
	}
}

func TestCounterConservation(t *testing.T) {
	det := &stubDetector{}
	sink := &countingSink{}
	s := New(det, sink, 3, 4)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	conns := []string{"c0", "c1", "c2", "c3"}
	for _, id := range conns {
		s.Register(id, context.Background())
	}

	const (
		submitters = 8
		perWorker  = 250
	)
	var wg sync.WaitGroup
	for g := 0; g < submitters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Submit(conns[(g+i)%len(conns)], testFrame(uint64(i)))
			}
		}(g)
	}
	wg.Wait()
	s.Stop()

	st := s.Stats()
	if st.Submitted != submitters*perWorker {
		t.Fatalf("submitted = %d, want %d", st.Submitted, submitters*perWorker)
	}
	terminal := st.Completed + st.DroppedBusy + st.DroppedQueue + st.DroppedUnknown + st.SkippedCancelled
	if terminal != st.Submitted {
		t.Errorf("counters leak: submitted %d, terminal outcomes %d (%+v)", st.Submitted, terminal, st)
	}
	if st.DroppedUnknown != 0 {
		t.Errorf("dropped_unknown = %d, want 0", st.DroppedUnknown)
	}
	if got := sink.n.Load(); got != st.Completed {
		t.Errorf("published %d results for %d completions", got, st.Completed)
	}
}

func TestStopIsIdempotentAndRejectsSubmits(t *testing.T) {
	det := &stubDetector{}
	s := New(det, &countingSink{}, 1, 1)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Register("cam-1", context.Background())

	s.Stop()
	s.Stop()

	if err := s.Submit("cam-1", testFrame(0)); err == nil {
		t.Fatal("submit accepted after stop")
	}
}
