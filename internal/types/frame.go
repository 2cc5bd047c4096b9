package types

import "time"

// Frame represents a single decoded video frame.
//
// Frames are immutable after creation: the intake allocates Data once and no
// downstream component writes to it. A frame is consumed exactly once by the
// sampler of the connection that produced it.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the intake
	Seq uint64
	// Timestamp is when the frame was decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel data (RGB24, Width*Height*3 bytes)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// StreamStats contains media intake statistics.
type StreamStats struct {
	FrameCount    uint64  `json:"frame_count"`
	FramesDropped uint64  `json:"frames_dropped"`
	BytesRead     uint64  `json:"bytes_read"`
	FPSTarget     int     `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Resolution    string  `json:"resolution"`
	IsConnected   bool    `json:"is_connected"`
}
