package core

import (
	"context"
	"testing"
	"time"

	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ephemeral port keeps parallel runs from colliding
	cfg.WebRTC.STUNServers = nil
	cfg.Model.Path = "/nonexistent/weights.onnx"
	cfg.Model.FetchURL = "" // keep the load chain offline
	return cfg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWiresComponents(t *testing.T) {
	l := New(testConfig())

	if l.registry == nil || l.sched == nil || l.bcast == nil || l.hub == nil ||
		l.manager == nil || l.control == nil {
		t.Fatal("component left unwired")
	}
	if l.emitter != nil {
		t.Error("emitter constructed despite empty broker")
	}

	cfg := testConfig()
	cfg.MQTT.Broker = "localhost:1883"
	if New(cfg).emitter == nil {
		t.Error("emitter missing despite configured broker")
	}
}

func TestRunAndShutdownLifecycle(t *testing.T) {
	l := New(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { running, _ := l.runState(); return running }, "service never came up")

	if err := l.Run(context.Background()); err == nil {
		t.Error("second Run while running should fail")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit on cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := l.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if running, _ := l.runState(); running {
		t.Error("still running after shutdown")
	}

	// Second shutdown is a no-op.
	if err := l.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("repeat shutdown: %v", err)
	}
}

func TestShutdownBeforeRunIsNoOp(t *testing.T) {
	l := New(testConfig())
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown before run: %v", err)
	}
}

func TestFanoutDeliversToAllObservers(t *testing.T) {
	var a, b int
	observers := fanout{
		observerFunc(func(string, types.DetectionResult) { a++ }),
		observerFunc(func(string, types.DetectionResult) { b++ }),
	}

	observers.Observe("conn", types.DetectionResult{FrameIndex: 1})
	observers.Observe("conn", types.DetectionResult{FrameIndex: 2})

	if a != 2 || b != 2 {
		t.Errorf("observer calls = %d/%d, want 2/2", a, b)
	}
}

type observerFunc func(string, types.DetectionResult)

func (f observerFunc) Observe(connID string, result types.DetectionResult) {
	f(connID, result)
}
