package stream

import (
	"net"
	"strings"
	"testing"
)

func TestNewDecoderValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  DecoderConfig
	}{
		{"zero width", DecoderConfig{Codec: CodecVP8, Width: 0, Height: 480}},
		{"zero height", DecoderConfig{Codec: CodecVP8, Width: 640, Height: 0}},
		{"unknown codec", DecoderConfig{Codec: "av1", Width: 640, Height: 480}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewDecoder(tc.cfg); err == nil {
				t.Error("config accepted")
			}
		})
	}
}

func TestRTPCapsPerCodec(t *testing.T) {
	vp8, err := NewDecoder(DecoderConfig{ConnID: "c", Codec: CodecVP8, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("vp8 decoder: %v", err)
	}
	if caps := vp8.rtpCaps(); !strings.Contains(caps, "encoding-name=VP8") {
		t.Errorf("vp8 caps = %q", caps)
	}

	h264, err := NewDecoder(DecoderConfig{ConnID: "c", Codec: CodecH264, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("h264 decoder: %v", err)
	}
	caps := h264.rtpCaps()
	if !strings.Contains(caps, "encoding-name=H264") || !strings.Contains(caps, "clock-rate=90000") {
		t.Errorf("h264 caps = %q", caps)
	}
}

func TestReserveUDPPortYieldsBindablePort(t *testing.T) {
	port, err := reserveUDPPort()
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("reserved port %d not bindable: %v", port, err)
	}
	conn.Close()
}

func TestStopBeforeStartRejected(t *testing.T) {
	d, err := NewDecoder(DecoderConfig{ConnID: "c", Codec: CodecVP8, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	if err := d.Stop(); err == nil {
		t.Error("stop before start accepted")
	}
}
