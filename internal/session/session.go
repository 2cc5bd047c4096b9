package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/visiona/lince/internal/broadcast"
	"github.com/visiona/lince/internal/config"
	"github.com/visiona/lince/internal/sampler"
	"github.com/visiona/lince/internal/scheduler"
	"github.com/visiona/lince/internal/stream"
	"github.com/visiona/lince/internal/types"
)

// ErrInvalidOffer reports a session description the peer stack would not
// accept. Signaling maps it to a client error; nothing else does.
var ErrInvalidOffer = errors.New("invalid offer")

const (
	dataChannelLabel = "detections"

	// How often to ask the sender for a keyframe. Decoders joining
	// mid-stream cannot produce frames until one arrives.
	keyframeInterval = 3 * time.Second
)

// Session is one remote peer: its peer connection, lifecycle machine,
// media intake and result channel.
type Session struct {
	id      string
	created time.Time

	cfg     *config.Config
	pc      *webrtc.PeerConnection
	machine *Machine
	samp    *sampler.Sampler
	sched   *scheduler.Scheduler
	bcast   *broadcast.Broadcaster

	// ctx spans the session's life; cancelling it is the first step of
	// release and unblocks everything owned by the session.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	source  stream.Source
	udpConn *net.UDPConn

	onClosed func(string)
}

// Info is a point-in-time view of one session for the stats surface.
type Info struct {
	ID        string             `json:"id"`
	State     State              `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	UptimeS   float64            `json:"uptime_s"`
	Sampler   sampler.Stats      `json:"sampler"`
	Stream    *types.StreamStats `json:"stream,omitempty"`
}

func newSession(cfg *config.Config, sched *scheduler.Scheduler, bcast *broadcast.Broadcaster, onClosed func(string)) (*Session, error) {
	var rtcCfg webrtc.Configuration
	if len(cfg.WebRTC.STUNServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.WebRTC.STUNServers}}
	}
	pc, err := webrtc.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New().String(),
		created:  time.Now(),
		cfg:      cfg,
		pc:       pc,
		samp:     sampler.New(cfg.Pipeline.SampleInterval),
		sched:    sched,
		bcast:    bcast,
		ctx:      ctx,
		cancel:   cancel,
		onClosed: onClosed,
	}
	s.machine = NewMachine(s.id, cfg.WebRTC.GracePeriod(), s.release)

	sched.Register(s.id, ctx)

	// The server opens the result channel; the peer only listens.
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		cancel()
		sched.Unregister(s.id)
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	dc.OnOpen(func() {
		if s.machine.State() == StateClosed {
			return
		}
		s.bcast.Attach(s.id, dataChannelSender{dc: dc})
	})
	dc.OnClose(func() {
		s.bcast.Detach(s.id)
	})

	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(s.handleTrack)

	slog.Info("session created", "conn_id", s.id)
	return s, nil
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.machine.State()
}

// Stop tears the session down immediately, skipping any grace period.
func (s *Session) Stop() {
	s.machine.Dispatch(EventStop)
}

// Snapshot returns the session's current stats.
func (s *Session) Snapshot() Info {
	info := Info{
		ID:        s.id,
		State:     s.machine.State(),
		CreatedAt: s.created,
		UptimeS:   time.Since(s.created).Seconds(),
		Sampler:   s.samp.Stats(),
	}
	s.mu.Lock()
	if s.source != nil {
		st := s.source.Stats()
		info.Stream = &st
	}
	s.mu.Unlock()
	return info
}

// negotiate answers one offer. The context bounds ICE gathering.
func (s *Session) negotiate(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.machine.Dispatch(EventOfferReceived)

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrInvalidOffer, err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrInvalidOffer, err)
	}

	// Answer with the full candidate set; the signaling surface has no
	// side channel for trickled candidates.
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering aborted: %w", ctx.Err())
	}

	return *s.pc.LocalDescription(), nil
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	slog.Debug("transport state",
		"conn_id", s.id,
		"state", state.String(),
	)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.machine.Dispatch(EventTransportConnected)
		if s.cfg.Stream.UseMock {
			s.startMockIntake()
		}
	case webrtc.PeerConnectionStateDisconnected:
		s.machine.Dispatch(EventTransportDisconnected)
	case webrtc.PeerConnectionStateFailed:
		s.machine.Dispatch(EventTransportFailed)
	case webrtc.PeerConnectionStateClosed:
		s.machine.Dispatch(EventStop)
	}
}

func codecFromMime(mimeType string) string {
	switch mimeType {
	case webrtc.MimeTypeVP8:
		return stream.CodecVP8
	case webrtc.MimeTypeH264:
		return stream.CodecH264
	}
	return ""
}

// handleTrack wires an incoming video track into a decode pipeline: RTP is
// pumped to the decoder's loopback socket and decoded frames flow to the
// sampler.
func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		slog.Debug("ignoring non-video track",
			"conn_id", s.id,
			"kind", track.Kind().String(),
		)
		return
	}

	codec := codecFromMime(track.Codec().MimeType)
	if codec == "" {
		slog.Warn("unsupported video codec",
			"conn_id", s.id,
			"mime_type", track.Codec().MimeType,
		)
		return
	}

	s.mu.Lock()
	if s.source != nil {
		s.mu.Unlock()
		slog.Debug("ignoring additional video track", "conn_id", s.id)
		return
	}

	decoder, err := stream.NewDecoder(stream.DecoderConfig{
		ConnID: s.id,
		Codec:  codec,
		Width:  s.cfg.Stream.Width,
		Height: s.cfg.Stream.Height,
		FPS:    s.cfg.Stream.FPS,
	})
	if err == nil {
		err = decoder.Start(s.ctx)
	}
	if err != nil {
		s.mu.Unlock()
		slog.Error("failed to start decode pipeline",
			"conn_id", s.id,
			"error", err,
		)
		return
	}

	udpConn, err := net.DialUDP("udp4", nil, decoder.Addr())
	if err != nil {
		s.mu.Unlock()
		decoder.Stop()
		slog.Error("failed to open decode socket",
			"conn_id", s.id,
			"error", err,
		)
		return
	}

	s.source = decoder
	s.udpConn = udpConn
	s.mu.Unlock()

	slog.Info("video track attached",
		"conn_id", s.id,
		"codec", codec,
	)

	s.wg.Add(3)
	go s.pumpRTP(track, udpConn)
	go s.requestKeyframes(track)
	go s.consumeFrames(decoder)
}

// pumpRTP copies RTP packets from the track to the decoder socket.
func (s *Session) pumpRTP(track *webrtc.TrackRemote, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			slog.Debug("track read ended", "conn_id", s.id, "error", err)
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			slog.Debug("rtp forward ended", "conn_id", s.id, "error", err)
			return
		}
	}
}

// requestKeyframes nags the sender with PLI so the decoder can sync.
func (s *Session) requestKeyframes(track *webrtc.TrackRemote) {
	defer s.wg.Done()

	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// consumeFrames runs the per-connection intake: every Kth decoded frame is
// stamped with the sample index and offered to the scheduler. The loop ends
// when the source closes its channel.
func (s *Session) consumeFrames(src stream.Source) {
	defer s.wg.Done()

	for frame := range src.Frames() {
		idx, selected := s.samp.Take()
		if !selected {
			continue
		}
		frame.Seq = idx
		if err := s.sched.Submit(s.id, frame); err != nil {
			slog.Debug("sampled frame not scheduled",
				"conn_id", s.id,
				"frame_index", idx,
				"reason", err,
			)
		}
	}
	slog.Debug("frame intake ended", "conn_id", s.id)
}

// startMockIntake replaces real media with the synthetic source. Used when
// stream.use_mock is set; peers still negotiate, but incoming tracks are
// ignored in favor of generated frames.
func (s *Session) startMockIntake() {
	s.mu.Lock()
	if s.source != nil {
		s.mu.Unlock()
		return
	}
	mock := stream.NewMockSource(s.cfg.Stream.Width, s.cfg.Stream.Height, s.cfg.Stream.FPS)
	if err := mock.Start(s.ctx); err != nil {
		s.mu.Unlock()
		slog.Error("failed to start mock source", "conn_id", s.id, "error", err)
		return
	}
	s.source = mock
	s.mu.Unlock()

	slog.Info("mock intake started", "conn_id", s.id)

	s.wg.Add(1)
	go s.consumeFrames(mock)
}

// release frees everything the session owns. The lifecycle machine runs it
// exactly once, on whichever path reached StateClosed first.
func (s *Session) release() {
	slog.Info("releasing connection", "conn_id", s.id)

	s.cancel()
	s.sched.Unregister(s.id)

	s.mu.Lock()
	source := s.source
	udpConn := s.udpConn
	s.mu.Unlock()

	if udpConn != nil {
		udpConn.Close()
	}
	if source != nil {
		source.Stop()
	}
	if err := s.pc.Close(); err != nil {
		slog.Debug("peer connection close", "conn_id", s.id, "error", err)
	}

	// No transport callbacks fire after Close; a detach here cannot be
	// undone by a late data channel open.
	s.bcast.Detach(s.id)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("connection teardown timed out", "conn_id", s.id)
	}

	if s.onClosed != nil {
		s.onClosed(s.id)
	}

	st := s.samp.Stats()
	slog.Info("connection released",
		"conn_id", s.id,
		"uptime", time.Since(s.created),
		"frames_seen", st.Seen,
		"frames_sampled", st.Taken,
	)
}

// dataChannelSender adapts a webrtc.DataChannel to the broadcaster. Text
// frames keep browser clients on the JSON.parse fast path.
type dataChannelSender struct {
	dc *webrtc.DataChannel
}

func (d dataChannelSender) Send(payload []byte) error {
	return d.dc.SendText(string(payload))
}
