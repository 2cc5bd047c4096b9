package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/visiona/lince/internal/broadcast"
	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/detect"
	"github.com/visiona/lince/internal/scheduler"
	"github.com/visiona/lince/internal/session"
	"github.com/visiona/lince/internal/types"
)

type noopDetector struct{}

func (noopDetector) Detect(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error) {
	return []types.BoundingBox{}, nil
}

func newTestServer(t *testing.T, running bool) (*Server, *detect.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.WebRTC.STUNServers = nil

	bcast := broadcast.New(nil)
	sched := scheduler.New(noopDetector{}, bcast, 1, 4)
	if err := sched.Start(); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	t.Cleanup(sched.Stop)

	// No weights on disk and no fetch URL: the first load attempt degrades.
	reg := detect.NewRegistry(config.ModelConfig{
		Path:       filepath.Join(t.TempDir(), "missing.onnx"),
		Confidence: 0.25,
	}, 1)
	t.Cleanup(reg.Close)

	mgr := session.NewManager(cfg, sched, bcast)
	t.Cleanup(mgr.CloseAll)

	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	started := time.Now()
	srv := NewServer(cfg, Deps{
		Manager:     mgr,
		Registry:    reg,
		Scheduler:   sched,
		Broadcaster: bcast,
		Hub:         hub,
		Running:     func() (bool, time.Time) { return running, started },
	})
	return srv, reg
}

func realOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client peer: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		t.Fatalf("client channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client ice gathering timed out")
	}
	return *pc.LocalDescription()
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsRegistryLifecycle(t *testing.T) {
	srv, reg := newTestServer(t, true)

	var health healthResponse
	rec := get(srv.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "unreachable" {
		t.Errorf("health before any load = %q, want unreachable", health.Status)
	}

	reg.EnsureLoaded(context.Background())

	rec = get(srv.Handler(), "/health")
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("health after exhausted load = %q, want degraded", health.Status)
	}
}

func TestOfferSucceedsWhileModelUnavailable(t *testing.T) {
	srv, reg := newTestServer(t, true)
	offer := realOffer(t)

	rec := postJSON(t, srv.Handler(), "/offer", offer)
	if rec.Code != http.StatusOK {
		t.Fatalf("offer status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer type = %s, want answer", answer.Type)
	}
	if answer.SDP == "" {
		t.Error("empty answer sdp")
	}
	if rec.Header().Get("X-Conn-Id") == "" {
		t.Error("missing X-Conn-Id header")
	}

	// Signaling must never touch the model.
	if got := reg.Stats().LoadAttempts; got != 0 {
		t.Errorf("offer triggered %d model load attempts", got)
	}
}

func TestMalformedOffersRejected(t *testing.T) {
	srv, _ := newTestServer(t, true)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "sdp=please"},
		{"wrong type", `{"sdp": "v=0", "type": "answer"}`},
		{"empty sdp", `{"sdp": "", "type": "offer"}`},
		{"garbage sdp", `{"sdp": "definitely not sdp", "type": "offer"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var errResp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if errResp.Code != "invalid_offer" {
				t.Errorf("error code = %q, want invalid_offer", errResp.Code)
			}
		})
	}
}

func TestDetectAgainstDegradedRegistry(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 6))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	body := map[string]string{"image": base64.StdEncoding.EncodeToString(buf.Bytes())}

	rec := postJSON(t, srv.Handler(), "/detect", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("detect status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp detectResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Detections == nil || len(resp.Detections) != 0 {
		t.Errorf("degraded detect returned %v, want empty list", resp.Detections)
	}
	if resp.Width != 8 || resp.Height != 6 {
		t.Errorf("image size = %dx%d, want 8x6", resp.Width, resp.Height)
	}
}

func TestDetectRejectsBadPayloads(t *testing.T) {
	srv, _ := newTestServer(t, true)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"not json", "just bytes", "invalid_request"},
		{"bad base64", `{"image": "!!not-base64!!"}`, "invalid_request"},
		{"not an image", `{"image": "` + base64.StdEncoding.EncodeToString([]byte("junk")) + `"}`, "invalid_image"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var errResp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if errResp.Code != tc.code {
				t.Errorf("error code = %q, want %q", errResp.Code, tc.code)
			}
		})
	}
}

func TestReadinessReflectsRunState(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := get(srv.Handler(), "/readiness")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness while stopped = %d, want 503", rec.Code)
	}

	var rep ReadinessReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Running {
		t.Error("report says running while stopped")
	}

	srv2, _ := newTestServer(t, true)
	rec = get(srv2.Handler(), "/readiness")
	if rec.Code != http.StatusOK {
		t.Fatalf("readiness while running = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Running {
		t.Error("report says stopped while running")
	}
	if rep.Model.Status != detect.StatusUnloaded {
		t.Errorf("model status = %s, want %s", rep.Model.Status, detect.StatusUnloaded)
	}
	if rep.Sessions == nil {
		t.Error("sessions list missing from report")
	}
}

func TestOfferPreflightAllowed(t *testing.T) {
	srv, _ := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodOptions, "/offer", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
}

func TestOfferRejectsWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, true)

	rec := get(srv.Handler(), "/offer")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /offer = %d, want 405", rec.Code)
	}
}
