// Package stream turns incoming media into raw RGB frames.
//
// Each connection gets its own Decoder: a GStreamer pipeline fed RTP over a
// loopback UDP socket, depayloading and decoding to RGB24 at the configured
// resolution and rate. The appsink keeps at most one buffer and drops the
// rest, so a slow consumer sees fresh frames, never a backlog.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/lince/internal/types"
)

// Source produces decoded RGB frames. Implemented by Decoder and MockSource.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan types.Frame
	Stop() error
	Stats() types.StreamStats
}

// Codec names accepted by the decoder.
const (
	CodecVP8  = "vp8"
	CodecH264 = "h264"
)

// DecoderConfig describes one connection's decode pipeline.
type DecoderConfig struct {
	ConnID string
	Codec  string // CodecVP8 or CodecH264
	Width  int
	Height int
	FPS    int // 0 means uncapped
}

// Decoder is a per-connection GStreamer pipeline. Write RTP packets to the
// loopback address returned by Addr and read frames from Frames.
type Decoder struct {
	connID string
	codec  string
	width  int
	height int
	fps    int

	port     int
	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames chan types.Frame

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	playing       atomic.Bool
	started       time.Time
}

// NewDecoder creates a decoder for one connection's video track.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	switch cfg.Codec {
	case CodecVP8, CodecH264:
	default:
		return nil, fmt.Errorf("unsupported codec %q", cfg.Codec)
	}

	return &Decoder{
		connID: cfg.ConnID,
		codec:  cfg.Codec,
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FPS,
		frames: make(chan types.Frame, 10),
	}, nil
}

// Start reserves the loopback port and brings the pipeline up.
func (d *Decoder) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("decoder already started")
	}

	gst.Init(nil)

	port, err := reserveUDPPort()
	if err != nil {
		return fmt.Errorf("failed to reserve decode port: %w", err)
	}
	d.port = port

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = time.Now()

	d.wg.Add(1)
	go d.runPipeline()

	slog.Info("decode pipeline starting",
		"conn_id", d.connID,
		"codec", d.codec,
		"port", d.port,
		"resolution", fmt.Sprintf("%dx%d", d.width, d.height),
		"target_fps", d.fps,
	)
	return nil
}

// Addr is the loopback address RTP packets must be written to.
func (d *Decoder) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.port}
}

// Frames returns the channel of decoded frames. Closed when the pipeline
// stops.
func (d *Decoder) Frames() <-chan types.Frame {
	return d.frames
}

// reserveUDPPort lets the kernel pick a free loopback port. The socket is
// released again so udpsrc can bind it, which leaves a small window where
// another process could take it; on loopback that trade is fine.
func reserveUDPPort() (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return 0, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port, nil
}

// rtpCaps builds the udpsrc caps string for the negotiated codec.
func (d *Decoder) rtpCaps() string {
	encoding := "VP8"
	if d.codec == CodecH264 {
		encoding = "H264"
	}
	return fmt.Sprintf(
		"application/x-rtp,media=video,clock-rate=90000,encoding-name=%s",
		encoding,
	)
}

// runPipeline builds and runs the GStreamer pipeline until the context is
// cancelled or the pipeline fails.
func (d *Decoder) runPipeline() {
	defer d.wg.Done()
	defer close(d.frames)

	if err := d.buildAndPlay(); err != nil {
		slog.Error("decode pipeline failed",
			"conn_id", d.connID,
			"error", err,
		)
	}
}

func (d *Decoder) buildAndPlay() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline = pipeline

	udpsrc, err := gst.NewElement("udpsrc")
	if err != nil {
		return fmt.Errorf("failed to create udpsrc: %w", err)
	}
	udpsrc.SetProperty("address", "127.0.0.1")
	udpsrc.SetProperty("port", d.port)
	udpsrc.SetProperty("caps", gst.NewCapsFromString(d.rtpCaps()))

	jitterbuffer, _ := gst.NewElement("rtpjitterbuffer")
	jitterbuffer.SetProperty("latency", 50)
	jitterbuffer.SetProperty("drop-on-latency", true)

	var depay, decode *gst.Element
	switch d.codec {
	case CodecH264:
		depay, _ = gst.NewElement("rtph264depay")
		decode, _ = gst.NewElement("avdec_h264")
	default:
		depay, _ = gst.NewElement("rtpvp8depay")
		decode, _ = gst.NewElement("vp8dec")
	}
	if depay == nil || decode == nil {
		return fmt.Errorf("failed to create %s decode elements", d.codec)
	}

	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", d.width, d.height)
	if d.fps > 0 {
		capsStr = fmt.Sprintf("%s,framerate=%d/1", capsStr, d.fps)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	d.appsink = appsink
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return d.onNewSample(sink)
		},
	})

	pipeline.AddMany(udpsrc, jitterbuffer, depay, decode, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(udpsrc, jitterbuffer, depay, decode, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-d.ctx.Done():
			slog.Debug("decode pipeline context cancelled", "conn_id", d.connID)
			d.playing.Store(false)
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("decode pipeline end of stream", "conn_id", d.connID)
			d.playing.Store(false)
			pipeline.SetState(gst.StateNull)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			d.playing.Store(false)
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, next := msg.ParseStateChanged()
				if next == gst.StatePlaying {
					d.playing.Store(true)
					slog.Info("decode pipeline playing", "conn_id", d.connID)
				}
			}
		}
	}
}

// onNewSample copies one decoded buffer out of GStreamer and offers it to
// the frame channel, dropping when the consumer is behind.
func (d *Decoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Seq:       d.frameCount.Add(1),
		Timestamp: time.Now(),
		Width:     d.width,
		Height:    d.height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}
	d.bytesRead.Add(uint64(len(data)))

	select {
	case d.frames <- frame:
	default:
		d.framesDropped.Add(1)
		slog.Debug("dropping frame, channel full",
			"conn_id", d.connID,
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// Stop tears the pipeline down and closes the frame channel.
func (d *Decoder) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return fmt.Errorf("decoder not started")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("decode pipeline stopped",
			"conn_id", d.connID,
			"frames_decoded", d.frameCount.Load(),
			"uptime", time.Since(d.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("decode pipeline stop timeout",
			"conn_id", d.connID,
			"frames_decoded", d.frameCount.Load(),
		)
	}
	return nil
}

// Stats returns current decode statistics.
func (d *Decoder) Stats() types.StreamStats {
	frameCount := d.frameCount.Load()
	uptime := time.Since(d.started).Seconds()

	var fpsReal float64
	if uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: d.framesDropped.Load(),
		BytesRead:     d.bytesRead.Load(),
		FPSTarget:     d.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", d.width, d.height),
		IsConnected:   d.playing.Load(),
	}
}
