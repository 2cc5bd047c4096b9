// Package scheduler fans sampled frames out to a bounded pool of inference
// workers.
//
// Two admission gates protect latency. A per-connection single-flight gate
// drops a new frame while an older one is still being inferred for the same
// connection, and a bounded task queue shared by all connections drops frames
// when every worker is behind. Nothing in the submit path ever blocks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/lince/internal/types"
)

// Detector runs one inference over one frame.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error)
}

// Publisher receives finished detection results. Implementations must not
// block: the worker pool calls Publish inline.
type Publisher interface {
	Publish(connID string, result types.DetectionResult)
}

// connGate is the single-flight admission gate for one connection. The gate
// is held from Submit until the worker finishes (or skips) the task.
type connGate struct {
	ctx  context.Context
	busy atomic.Bool
}

type task struct {
	connID string
	frame  types.Frame
	gate   *connGate
}

// Scheduler owns the shared inference worker pool. One instance serves all
// connections; Register gives a connection an admission gate, Unregister
// takes it away.
type Scheduler struct {
	detector Detector
	sink     Publisher

	workers   int
	queueSize int
	tasks     chan task

	mu    sync.RWMutex
	gates map[string]*connGate

	wg       sync.WaitGroup
	isActive atomic.Bool

	// Stats
	submitted        atomic.Uint64
	completed        atomic.Uint64
	failures         atomic.Uint64
	droppedBusy      atomic.Uint64
	droppedQueue     atomic.Uint64
	droppedUnknown   atomic.Uint64
	skippedCancelled atomic.Uint64
}

// Stats is a point-in-time snapshot of scheduler counters.
//
// Every Submit call lands in exactly one terminal counter, so once the pool
// is idle: Submitted == Completed + DroppedBusy + DroppedQueue +
// DroppedUnknown + SkippedCancelled. Failures are a subset of Completed: a
// failed inference still completes, with an empty result.
type Stats struct {
	Submitted        uint64 `json:"submitted"`
	Completed        uint64 `json:"completed"`
	Failures         uint64 `json:"failures"`
	DroppedBusy      uint64 `json:"dropped_busy"`
	DroppedQueue     uint64 `json:"dropped_queue"`
	DroppedUnknown   uint64 `json:"dropped_unknown"`
	SkippedCancelled uint64 `json:"skipped_cancelled"`
}

// New creates a scheduler with the given pool size and shared queue depth.
// Call Start before submitting.
func New(detector Detector, sink Publisher, workers, queueSize int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Scheduler{
		detector:  detector,
		sink:      sink,
		workers:   workers,
		queueSize: queueSize,
		gates:     make(map[string]*connGate),
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() error {
	if s.isActive.Load() {
		return fmt.Errorf("scheduler already started")
	}

	s.tasks = make(chan task, s.queueSize)
	s.isActive.Store(true)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run(i)
	}

	slog.Info("inference scheduler started",
		"workers", s.workers,
		"queue_size", s.queueSize,
	)
	return nil
}

// Stop drains the pool. In-flight inferences finish; queued tasks are still
// processed (their connections are usually gone by then, which skips them).
func (s *Scheduler) Stop() {
	if !s.isActive.Load() {
		return
	}
	s.isActive.Store(false)
	close(s.tasks)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("inference scheduler stop timed out, abandoning workers")
	}

	slog.Info("inference scheduler stopped", "stats", s.Stats())
}

// Register installs an admission gate for a connection. ctx is the
// connection's lifetime: once it is cancelled, tasks that have not started
// yet are skipped.
func (s *Scheduler) Register(connID string, ctx context.Context) {
	s.mu.Lock()
	s.gates[connID] = &connGate{ctx: ctx}
	s.mu.Unlock()
}

// Unregister removes a connection's admission gate. Work already in the
// queue is not cancelled here; cancelling the context passed to Register is
// what stops it.
func (s *Scheduler) Unregister(connID string) {
	s.mu.Lock()
	delete(s.gates, connID)
	s.mu.Unlock()
}

// Submit offers a sampled frame for inference. It never blocks: the frame is
// either accepted into the queue or dropped, and the returned error says
// which drop path was taken. Results arrive through the Publisher.
func (s *Scheduler) Submit(connID string, frame types.Frame) (err error) {
	// Protect against the send-on-closed race with a concurrent Stop
	defer func() {
		if r := recover(); r != nil {
			s.droppedQueue.Add(1)
			err = fmt.Errorf("scheduler stopped")
		}
	}()

	s.submitted.Add(1)

	if !s.isActive.Load() {
		s.droppedQueue.Add(1)
		return fmt.Errorf("scheduler not active")
	}

	s.mu.RLock()
	gate := s.gates[connID]
	s.mu.RUnlock()
	if gate == nil {
		s.droppedUnknown.Add(1)
		return fmt.Errorf("unknown connection %s", connID)
	}

	// Single-flight: one inference in flight per connection, newer frames
	// are dropped, not queued behind it.
	if !gate.busy.CompareAndSwap(false, true) {
		s.droppedBusy.Add(1)
		return fmt.Errorf("inference in flight for connection %s", connID)
	}

	select {
	case s.tasks <- task{connID: connID, frame: frame, gate: gate}:
		return nil
	default:
		gate.busy.Store(false)
		s.droppedQueue.Add(1)
		return fmt.Errorf("inference queue full")
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted:        s.submitted.Load(),
		Completed:        s.completed.Load(),
		Failures:         s.failures.Load(),
		DroppedBusy:      s.droppedBusy.Load(),
		DroppedQueue:     s.droppedQueue.Load(),
		DroppedUnknown:   s.droppedUnknown.Load(),
		SkippedCancelled: s.skippedCancelled.Load(),
	}
}

func (s *Scheduler) run(workerID int) {
	defer s.wg.Done()
	for t := range s.tasks {
		s.process(workerID, t)
	}
}

func (s *Scheduler) process(workerID int, t task) {
	defer t.gate.busy.Store(false)

	if t.gate.ctx.Err() != nil {
		s.skippedCancelled.Add(1)
		slog.Debug("inference skipped, connection closed",
			"worker_id", workerID,
			"conn_id", t.connID,
			"frame_seq", t.frame.Seq,
		)
		return
	}

	boxes, err := s.detector.Detect(t.gate.ctx, t.frame)
	if err != nil {
		if t.gate.ctx.Err() != nil {
			s.skippedCancelled.Add(1)
			slog.Debug("inference abandoned, connection closed",
				"worker_id", workerID,
				"conn_id", t.connID,
				"frame_seq", t.frame.Seq,
			)
			return
		}
		// A failed inference degrades to an empty result; it never takes
		// the connection down.
		s.failures.Add(1)
		slog.Error("inference failed",
			"worker_id", workerID,
			"conn_id", t.connID,
			"frame_seq", t.frame.Seq,
			"error", err,
		)
		boxes = []types.BoundingBox{}
	}
	if boxes == nil {
		boxes = []types.BoundingBox{}
	}

	s.sink.Publish(t.connID, types.DetectionResult{
		FrameIndex: t.frame.Seq,
		Width:      t.frame.Width,
		Height:     t.frame.Height,
		Detections: boxes,
	})
	s.completed.Add(1)
}
