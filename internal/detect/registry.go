// Package detect owns the object-detection model: lazy loading with a
// fallback chain, a pool of ONNX Runtime sessions for concurrent inference,
// and YOLO output decoding.
//
// The registry degrades instead of failing: when no weights can be loaded it
// answers every inference with an empty detection list and reports itself
// degraded, keeping the pipeline alive.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/types"
)

// ErrModelUnavailable reports that no weights could be loaded from any source.
// The registry swallows it into degraded mode; it never reaches Detect callers.
var ErrModelUnavailable = errors.New("model unavailable")

// Status of the registry's lazily loaded model handle.
type Status string

const (
	// StatusUnloaded means no load attempt has resolved yet
	StatusUnloaded Status = "unloaded"
	// StatusReady means weights are loaded and sessions are serving
	StatusReady Status = "ready"
	// StatusDegraded means the fallback chain was exhausted; inference is a no-op
	StatusDegraded Status = "degraded"
)

const fetchTimeout = 60 * time.Second

// Registry is the process-wide detection model handle. Construct once and
// share by reference; all methods are safe for concurrent use.
//
// The first Detect (or EnsureLoaded) call runs the load chain under a mutex:
// concurrent first-callers block until that one attempt resolves and then all
// observe the same outcome, loaded or degraded.
type Registry struct {
	cfg      config.ModelConfig
	poolSize int

	// loadMu serializes load attempts; mu guards the state below and is
	// never held across the load chain, so Status stays cheap while a
	// download or session init is in flight.
	loadMu sync.Mutex

	mu       sync.Mutex
	loaded   bool
	degraded bool
	closed   bool
	sessions chan *modelSession // nil when degraded
	ortReady bool

	loadAttempts atomic.Uint64
	inferences   atomic.Uint64
	failures     atomic.Uint64

	httpClient *http.Client
}

// Stats contains registry counters.
type Stats struct {
	Status       Status `json:"status"`
	LoadAttempts uint64 `json:"load_attempts"`
	Inferences   uint64 `json:"inferences"`
	Failures     uint64 `json:"failures"`
	PoolSize     int    `json:"pool_size"`
}

// modelSession is one pooled ONNX session with its bound tensors. A session
// serves one inference at a time; the pool channel enforces that.
type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *modelSession) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// NewRegistry creates an unloaded registry. poolSize bounds how many
// inferences can run concurrently; it should match the scheduler pool.
func NewRegistry(cfg config.ModelConfig, poolSize int) *Registry {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Registry{
		cfg:        cfg,
		poolSize:   poolSize,
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// Status returns the current model state without triggering a load.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.loaded:
		return StatusUnloaded
	case r.degraded:
		return StatusDegraded
	default:
		return StatusReady
	}
}

// Degraded reports whether the registry is serving no-op inference.
func (r *Registry) Degraded() bool {
	return r.Status() == StatusDegraded
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Status:       r.Status(),
		LoadAttempts: r.loadAttempts.Load(),
		Inferences:   r.inferences.Load(),
		Failures:     r.failures.Load(),
		PoolSize:     r.poolSize,
	}
}

// EnsureLoaded runs the load chain if it has not run yet and returns the
// resulting status. It never returns an error: an exhausted fallback chain
// resolves to StatusDegraded. Concurrent first-callers block until the one
// running attempt resolves and then all observe the same outcome.
func (r *Registry) EnsureLoaded(ctx context.Context) Status {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if st := r.Status(); st != StatusUnloaded {
		return st
	}

	r.loadAttempts.Add(1)
	sessions, ortInited, err := r.load(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ortInited {
		r.ortReady = true
	}
	if r.closed {
		// Closed while the load was running; nothing to serve.
		if sessions != nil {
			close(sessions)
			for ms := range sessions {
				ms.destroy()
			}
		}
		if r.ortReady {
			if derr := ort.DestroyEnvironment(); derr != nil {
				slog.Error("failed to destroy onnxruntime environment", "error", derr)
			}
			r.ortReady = false
		}
		r.loaded = true
		r.degraded = true
		return StatusDegraded
	}

	if err != nil {
		slog.Warn("model load chain exhausted, running degraded",
			"model_path", r.cfg.Path,
			"fetch_url", r.cfg.FetchURL,
			"error", err,
		)
		r.degraded = true
		r.loaded = true
		return StatusDegraded
	}

	r.sessions = sessions
	r.loaded = true
	slog.Info("model loaded",
		"model_path", r.cfg.Path,
		"pool_size", r.poolSize,
	)
	return StatusReady
}

// Detect runs inference on a decoded frame. Safe for concurrent callers; in
// degraded mode it returns an empty list and never an error.
func (r *Registry) Detect(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error) {
	img, err := frameImage(frame)
	if err != nil {
		r.failures.Add(1)
		return nil, fmt.Errorf("bad frame: %w", err)
	}
	return r.DetectImage(ctx, img)
}

// DetectImage runs inference on an arbitrary image (used by the single-shot
// HTTP path). Safe for concurrent callers.
func (r *Registry) DetectImage(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	if r.EnsureLoaded(ctx) == StatusDegraded {
		return []types.BoundingBox{}, nil
	}

	ms, err := r.acquireSession(ctx)
	if err != nil {
		return nil, err
	}
	defer r.releaseSession(ms)

	bounds := img.Bounds()
	prepareInput(resizeForModel(img), ms.input.GetData())

	if err := ms.session.Run(); err != nil {
		r.failures.Add(1)
		return nil, fmt.Errorf("inference: %w", err)
	}

	boxes, err := decodePredictions(ms.output.GetData(), bounds.Dx(), bounds.Dy(), r.cfg.Confidence)
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}

	r.inferences.Add(1)
	return boxes, nil
}

// acquireSession takes a session from the pool, honoring cancellation.
func (r *Registry) acquireSession(ctx context.Context) (*modelSession, error) {
	r.mu.Lock()
	sessions, closed := r.sessions, r.closed
	r.mu.Unlock()

	if closed || sessions == nil {
		return nil, errors.New("registry closed")
	}

	select {
	case ms := <-sessions:
		if ms == nil {
			return nil, errors.New("registry closed")
		}
		return ms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseSession returns a session to the pool, destroying it instead when
// the registry was closed while the inference ran.
func (r *Registry) releaseSession(ms *modelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.sessions == nil {
		ms.destroy()
		return
	}
	r.sessions <- ms
}

// Close destroys the session pool and the ONNX environment. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	if r.sessions != nil {
		close(r.sessions)
		for ms := range r.sessions {
			ms.destroy()
		}
		r.sessions = nil
	}
	if r.ortReady {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("failed to destroy onnxruntime environment", "error", err)
		}
		r.ortReady = false
	}
}

// load attempts each weight source in order. Caller holds r.loadMu only;
// the returned pool is committed to the registry by EnsureLoaded.
func (r *Registry) load(ctx context.Context) (chan *modelSession, bool, error) {
	path := r.cfg.Path
	if _, err := os.Stat(path); err != nil {
		slog.Warn("local weights not found, trying pretrained fetch",
			"model_path", path,
			"error", err,
		)

		if r.cfg.FetchURL == "" {
			return nil, false, fmt.Errorf("%w: no local weights and fetch disabled", ErrModelUnavailable)
		}

		fetched, err := r.fetchWeights(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		path = fetched
	}

	sessions, ortInited, err := r.initSessions(path)
	if err != nil {
		return nil, ortInited, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return sessions, ortInited, nil
}

// fetchWeights downloads pretrained weights into the cache directory and
// returns the local path. An existing cached copy is reused.
func (r *Registry) fetchWeights(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	dest := filepath.Join(r.cfg.CacheDir, filepath.Base(r.cfg.FetchURL))
	if _, err := os.Stat(dest); err == nil {
		slog.Info("using cached pretrained weights", "path", dest)
		return dest, nil
	}

	slog.Info("fetching pretrained weights",
		"url", r.cfg.FetchURL,
		"dest", dest,
	)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.FetchURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch weights: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch weights: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(r.cfg.CacheDir, "weights-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write weights: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store weights: %w", err)
	}

	slog.Info("pretrained weights fetched", "path", dest, "size_bytes", written)
	return dest, nil
}

// initSessions brings up the ONNX environment and fills the session pool.
// The second return reports whether the environment came up and needs a
// DestroyEnvironment on teardown.
func (r *Registry) initSessions(modelPath string) (chan *modelSession, bool, error) {
	if r.cfg.ORTLibrary != "" {
		ort.SetSharedLibraryPath(r.cfg.ORTLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, false, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	sessions := make(chan *modelSession, r.poolSize)
	for i := 0; i < r.poolSize; i++ {
		ms, err := newModelSession(modelPath)
		if err != nil {
			close(sessions)
			for s := range sessions {
				s.destroy()
			}
			return nil, true, fmt.Errorf("create session %d: %w", i, err)
		}
		sessions <- ms
	}

	return sessions, true, nil
}

func newModelSession(modelPath string) (*modelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inputHeight, inputWidth))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, numPredictions, rowSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &modelSession{session: session, input: inputTensor, output: outputTensor}, nil
}
