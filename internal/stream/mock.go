package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/lince/internal/types"
)

// MockSource generates synthetic RGB frames at a fixed rate. It stands in
// for a Decoder when no real media is available (development and tests).
type MockSource struct {
	width  int
	height int
	fps    int

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockSource creates a synthetic frame source.
func NewMockSource(width, height, fps int) *MockSource {
	if fps <= 0 {
		fps = 15
	}
	return &MockSource{
		width:    width,
		height:   height,
		fps:      fps,
		framesCh: make(chan types.Frame, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("mock source already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Frames returns the frames channel.
func (m *MockSource) Frames() <-chan types.Frame {
	return m.framesCh
}

// Stop stops the source and closes the frame channel.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	m.mu.Lock()
	m.isRunning = false
	emitted := m.framesEmitted
	m.mu.Unlock()

	slog.Info("mock source stopped",
		"frames_emitted", emitted,
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:  m.framesEmitted,
		FPSTarget:   m.fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected: m.isRunning,
	}
}

func (m *MockSource) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame := m.createFrame()
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}
}

// createFrame renders a gray field with a white block sweeping across it,
// enough structure to see the pipeline move in a viewer.
func (m *MockSource) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)
	for i := range data {
		data[i] = 0x20
	}

	blockSize := m.height / 8
	if blockSize < 1 {
		blockSize = 1
	}
	offsetX := int(seq) * 4 % max(m.width-blockSize, 1)
	offsetY := (m.height - blockSize) / 2
	for y := offsetY; y < offsetY+blockSize && y < m.height; y++ {
		row := y * m.width * 3
		for x := offsetX; x < offsetX+blockSize && x < m.width; x++ {
			p := row + x*3
			data[p] = 0xff
			data[p+1] = 0xff
			data[p+2] = 0xff
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}
