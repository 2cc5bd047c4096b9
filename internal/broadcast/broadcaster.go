// Package broadcast routes finished detection results back to the data
// channel of the connection that produced them, and mirrors a copy to any
// monitoring observers.
//
// Delivery is best-effort. A result whose connection has no open channel is
// dropped silently, and a result older than the last delivered one is
// discarded so receivers always observe non-decreasing frame indexes.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/visiona/lince/internal/types"
)

// Sender writes one payload to a connection's open data channel.
type Sender interface {
	Send(payload []byte) error
}

// Observer receives a copy of every result admitted for delivery.
type Observer interface {
	Observe(connID string, result types.DetectionResult)
}

// envelope is the wire format sent over the data channel.
type envelope struct {
	Type string `json:"type"`
	types.DetectionResult
}

// route is the delivery state for one connection. lastIndex only moves
// forward; results behind it are stale and discarded.
type route struct {
	sender Sender

	mu        sync.Mutex
	lastIndex uint64
	hasLast   bool
}

// Broadcaster owns the connection-to-channel routing table. Safe for
// concurrent use.
type Broadcaster struct {
	mu     sync.RWMutex
	routes map[string]*route

	observer Observer

	published        atomic.Uint64
	droppedNoChannel atomic.Uint64
	droppedStale     atomic.Uint64
	sendErrors       atomic.Uint64
}

// Stats is a point-in-time snapshot of broadcaster counters. SendErrors
// count results that were admitted but failed to write; they are included
// in Published.
type Stats struct {
	Published        uint64 `json:"published"`
	DroppedNoChannel uint64 `json:"dropped_no_channel"`
	DroppedStale     uint64 `json:"dropped_stale"`
	SendErrors       uint64 `json:"send_errors"`
}

// New creates a broadcaster. observer may be nil.
func New(observer Observer) *Broadcaster {
	return &Broadcaster{
		routes:   make(map[string]*route),
		observer: observer,
	}
}

// Attach opens delivery for a connection. Called when the connection's data
// channel reports open; an existing route for the same id is replaced and
// its ordering state reset.
func (b *Broadcaster) Attach(connID string, sender Sender) {
	b.mu.Lock()
	b.routes[connID] = &route{sender: sender}
	b.mu.Unlock()

	slog.Debug("result channel attached", "conn_id", connID)
}

// Detach closes delivery for a connection. Safe to call repeatedly and for
// ids that were never attached.
func (b *Broadcaster) Detach(connID string) {
	b.mu.Lock()
	_, had := b.routes[connID]
	delete(b.routes, connID)
	b.mu.Unlock()

	if had {
		slog.Debug("result channel detached", "conn_id", connID)
	}
}

// Attached reports whether a connection currently has an open route.
func (b *Broadcaster) Attached(connID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes[connID] != nil
}

// Publish delivers one result to its connection. Results for unknown
// connections and results older than the last delivered frame are dropped;
// Publish never blocks on, and never reports, a missing receiver.
func (b *Broadcaster) Publish(connID string, result types.DetectionResult) {
	b.mu.RLock()
	r := b.routes[connID]
	b.mu.RUnlock()
	if r == nil {
		b.droppedNoChannel.Add(1)
		return
	}

	payload, err := json.Marshal(envelope{Type: "detection", DetectionResult: result})
	if err != nil {
		slog.Error("result marshal failed", "conn_id", connID, "error", err)
		return
	}

	r.mu.Lock()
	if r.hasLast && result.FrameIndex < r.lastIndex {
		r.mu.Unlock()
		b.droppedStale.Add(1)
		slog.Debug("stale result discarded",
			"conn_id", connID,
			"frame_index", result.FrameIndex,
		)
		return
	}
	r.lastIndex = result.FrameIndex
	r.hasLast = true
	sendErr := r.sender.Send(payload)
	r.mu.Unlock()

	b.published.Add(1)
	if sendErr != nil {
		// Write failures are the transport's problem; the connection state
		// machine will hear about them through its own callbacks.
		b.sendErrors.Add(1)
		slog.Debug("result send failed",
			"conn_id", connID,
			"frame_index", result.FrameIndex,
			"error", sendErr,
		)
	}

	if b.observer != nil {
		b.observer.Observe(connID, result)
	}
}

// Stats returns a snapshot of the broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published:        b.published.Load(),
		DroppedNoChannel: b.droppedNoChannel.Load(),
		DroppedStale:     b.droppedStale.Load(),
		SendErrors:       b.sendErrors.Load(),
	}
}
