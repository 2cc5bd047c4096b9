package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/visiona/lince/internal/broadcast"
	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/scheduler"
)

// Manager owns every live session. Sessions remove themselves from it when
// their lifecycle machine releases them.
type Manager struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
	bcast *broadcast.Broadcaster

	mu       sync.RWMutex
	sessions map[string]*Session

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewManager creates an empty session manager.
func NewManager(cfg *config.Config, sched *scheduler.Scheduler, bcast *broadcast.Broadcaster) *Manager {
	return &Manager{
		cfg:      cfg,
		sched:    sched,
		bcast:    bcast,
		sessions: make(map[string]*Session),
	}
}

// HandleOffer creates a session for one offer and returns the answer and
// the new connection id. A rejected offer leaves no session behind.
func (m *Manager) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, string, error) {
	sess, err := newSession(m.cfg, m.sched, m.bcast, m.remove)
	if err != nil {
		m.rejected.Add(1)
		return webrtc.SessionDescription{}, "", err
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	answer, err := sess.negotiate(ctx, offer)
	if err != nil {
		m.rejected.Add(1)
		sess.Stop()
		return webrtc.SessionDescription{}, "", err
	}

	m.accepted.Add(1)
	slog.Info("offer answered",
		"conn_id", sess.id,
		"sessions", m.Count(),
	)
	return answer, sess.id, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Stop closes one session immediately. It reports whether the id was live.
func (m *Manager) Stop(id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	sess.Stop()
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Accepted returns how many offers have been answered since start.
func (m *Manager) Accepted() uint64 {
	return m.accepted.Load()
}

// Snapshot returns stats for every live session.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Snapshot())
	}
	return infos
}

// CloseAll stops every session. Called on daemon shutdown; each stop runs
// the session's release synchronously.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.Stop()
	}

	if n := len(sessions); n > 0 {
		slog.Info("all sessions closed", "count", n)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
