package types

// BoundingBox is a single detected object in frame pixel coordinates.
// X, Y is the top-left corner. Confidence is in [0, 1].
type BoundingBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Class      string  `json:"cls"`
	Confidence float64 `json:"conf"`
}

// Clamp constrains the box to the given frame dimensions.
func (b *BoundingBox) Clamp(frameWidth, frameHeight int) {
	if b.X < 0 {
		b.X = 0
	}
	if b.Y < 0 {
		b.Y = 0
	}
	if b.X+b.W > frameWidth {
		b.W = frameWidth - b.X
	}
	if b.Y+b.H > frameHeight {
		b.H = frameHeight - b.Y
	}
}

// DetectionResult is the outcome of one inference over one sampled frame.
// Never mutated after creation.
type DetectionResult struct {
	// FrameIndex is the connection's frame counter value at sampling time
	FrameIndex uint64 `json:"frameIndex"`
	// Width and Height of the frame the detections refer to
	Width  int `json:"w"`
	Height int `json:"h"`
	// Detections in model output order; empty (never nil) when nothing was found
	Detections []BoundingBox `json:"detections"`
}
