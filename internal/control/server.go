// Package control is the daemon's HTTP surface: WebRTC signaling, health
// and readiness probes, a single-shot detection endpoint, and the
// websocket observer feed.
package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v3"

	"github.com/visiona/lince/internal/broadcast"
	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/detect"
	"github.com/visiona/lince/internal/emitter"
	"github.com/visiona/lince/internal/scheduler"
	"github.com/visiona/lince/internal/session"
	"github.com/visiona/lince/internal/types"
)

const negotiateTimeout = 15 * time.Second

// Deps are the components the control plane dispatches to and reports on.
// Emitter may be nil when MQTT is disabled.
type Deps struct {
	Manager     *session.Manager
	Registry    *detect.Registry
	Scheduler   *scheduler.Scheduler
	Broadcaster *broadcast.Broadcaster
	Hub         *broadcast.Hub
	Emitter     *emitter.MQTT
	Running     func() (bool, time.Time)
}

// Server serves the control plane on one listener.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *mux.Router
	srv    *http.Server
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type detectResponse struct {
	Detections []types.BoundingBox `json:"detections"`
	Width      int                 `json:"w"`
	Height     int                 `json:"h"`
}

// ReadinessReport is the detailed state returned by GET /readiness.
type ReadinessReport struct {
	Running     bool            `json:"running"`
	UptimeS     int64           `json:"uptime_s"`
	Model       detect.Stats    `json:"model"`
	Sessions    []session.Info  `json:"sessions"`
	Scheduler   scheduler.Stats `json:"scheduler"`
	Broadcaster broadcast.Stats `json:"broadcaster"`
	Watchers    int             `json:"watchers"`
	MQTT        *emitter.Stats  `json:"mqtt,omitempty"`
}

// NewServer wires the control plane routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws", deps.Hub.Handle).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously so startup can abort.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /ws hijacks the connection and lives for hours.
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("control server listening",
		"addr", addr,
		"endpoints", []string{"/offer", "/health", "/readiness", "/detect", "/ws"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleOffer negotiates one WebRTC session. The model registry is not
// consulted here: a peer may connect while the model is still loading or
// degraded and will simply receive empty detections.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeError(w, "invalid_offer", "body is not a session description", http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		writeError(w, "invalid_offer", `expected {"sdp": "...", "type": "offer"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), negotiateTimeout)
	defer cancel()

	answer, connID, err := s.deps.Manager.HandleOffer(ctx, offer)
	if err != nil {
		if errors.Is(err, session.ErrInvalidOffer) {
			writeError(w, "invalid_offer", err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("negotiation failed", "error", err)
		writeError(w, "negotiation_failed", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Conn-Id", connID)
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: healthOf(s.deps.Registry.Status())})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	running, started := s.deps.Running()

	rep := ReadinessReport{
		Running:     running,
		Model:       s.deps.Registry.Stats(),
		Sessions:    s.deps.Manager.Snapshot(),
		Scheduler:   s.deps.Scheduler.Stats(),
		Broadcaster: s.deps.Broadcaster.Stats(),
		Watchers:    s.deps.Hub.ClientCount(),
	}
	if !started.IsZero() {
		rep.UptimeS = int64(time.Since(started).Seconds())
	}
	if s.deps.Emitter != nil {
		st := s.deps.Emitter.Stats()
		rep.MQTT = &st
	}

	code := http.StatusOK
	if !running {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// handleDetect runs one inference on a posted still image, exercising the
// registry without a WebRTC peer.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_request", `body must be {"image": "<base64>"}`, http.StatusBadRequest)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, "invalid_request", "image is not valid base64", http.StatusBadRequest)
		return
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		writeError(w, "invalid_image", "failed to decode image", http.StatusBadRequest)
		return
	}

	boxes, err := s.deps.Registry.DetectImage(r.Context(), img)
	if err != nil {
		slog.Error("single shot detection failed", "error", err)
		writeError(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	bounds := img.Bounds()
	writeJSON(w, http.StatusOK, detectResponse{
		Detections: boxes,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	})
}

// healthOf maps registry state to the wire vocabulary: a model that has
// not resolved a load attempt yet is "unreachable", not an error.
func healthOf(st detect.Status) string {
	switch st {
	case detect.StatusReady:
		return "ready"
	case detect.StatusDegraded:
		return "degraded"
	default:
		return "unreachable"
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
