// Package sampler selects every Kth frame of a connection's intake stream
// for inference and discards the rest.
//
// Inference runs at tens to hundreds of milliseconds per frame while intake
// arrives at 15-30 fps. Forwarding everything would queue without bound, so
// sampling trades update frequency for bounded latency:
//
//	"Drop frames, never queue. Latency > Completeness."
//
// Discarded frames are dropped immediately; the sampler holds no history.
package sampler

import "sync/atomic"

// Sampler is a per-connection frame selector. Take must be called from the
// connection's single intake goroutine; Stats is safe from any goroutine.
type Sampler struct {
	k uint64

	seen  atomic.Uint64
	taken atomic.Uint64
}

// Stats contains sampler counters. Seen == Taken + Discarded always holds.
type Stats struct {
	Seen      uint64 `json:"seen"`
	Taken     uint64 `json:"taken"`
	Discarded uint64 `json:"discarded"`
}

// New creates a sampler forwarding every kth frame. k below 1 is treated as 1
// (every frame forwarded).
func New(k int) *Sampler {
	if k < 1 {
		k = 1
	}
	return &Sampler{k: uint64(k)}
}

// Interval returns the sampling interval K.
func (s *Sampler) Interval() int {
	return int(s.k)
}

// Take consumes the next arriving frame. It returns the frame's index within
// the connection (0-based) and whether the frame is selected for inference.
// Frames 0, K, 2K, ... are selected.
func (s *Sampler) Take() (uint64, bool) {
	index := s.seen.Add(1) - 1
	if index%s.k != 0 {
		return index, false
	}
	s.taken.Add(1)
	return index, true
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	seen := s.seen.Load()
	taken := s.taken.Load()
	return Stats{
		Seen:      seen,
		Taken:     taken,
		Discarded: seen - taken,
	}
}
