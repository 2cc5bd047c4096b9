package detect

import (
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/visiona/lince/internal/types"
)

// YOLOv5 ONNX export layout: input "images" (1,3,640,640) float32 CHW /255,
// output "output0" (1,25200,85) with rows [cx,cy,w,h,obj,80 class scores]
// in input-pixel units.
const (
	inputWidth  = 640
	inputHeight = 640

	numPredictions = 25200
	rowSize        = 85

	iouThreshold = 0.45
)

// prepareInput fills dst (CHW, 3*inputWidth*inputHeight floats) from an
// already-resized image.
func prepareInput(pic *image.NRGBA, dst []float32) {
	channelSize := inputWidth * inputHeight
	for y := 0; y < inputHeight; y++ {
		rowOffset := y * pic.Stride
		dstOffset := y * inputWidth
		for x := 0; x < inputWidth; x++ {
			p := rowOffset + x*4
			i := dstOffset + x
			dst[i] = float32(pic.Pix[p]) / 255.0
			dst[channelSize+i] = float32(pic.Pix[p+1]) / 255.0
			dst[channelSize*2+i] = float32(pic.Pix[p+2]) / 255.0
		}
	}
}

// resizeForModel scales an arbitrary image to the model input size.
func resizeForModel(img image.Image) *image.NRGBA {
	return imaging.Resize(img, inputWidth, inputHeight, imaging.Linear)
}

// frameImage wraps a raw RGB24 frame buffer as an image.
func frameImage(frame types.Frame) (*image.NRGBA, error) {
	want := frame.Width * frame.Height * 3
	if len(frame.Data) != want {
		return nil, fmt.Errorf("frame buffer size %d does not match %dx%d rgb24 (%d)",
			len(frame.Data), frame.Width, frame.Height, want)
	}

	out := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := y * frame.Width * 3
		dst := y * out.Stride
		for x := 0; x < frame.Width; x++ {
			out.Pix[dst] = frame.Data[src]
			out.Pix[dst+1] = frame.Data[src+1]
			out.Pix[dst+2] = frame.Data[src+2]
			out.Pix[dst+3] = 0xff
			src += 3
			dst += 4
		}
	}
	return out, nil
}

// decodePredictions converts a raw output tensor into thresholded, suppressed
// bounding boxes scaled to the original frame size.
func decodePredictions(predictions []float32, origWidth, origHeight int, confThreshold float64) ([]types.BoundingBox, error) {
	if len(predictions) != numPredictions*rowSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d",
			len(predictions), numPredictions*rowSize)
	}

	threshold := float32(confThreshold)
	scaleX := float32(origWidth) / inputWidth
	scaleY := float32(origHeight) / inputHeight

	boxes := make([]types.BoundingBox, 0, 32)
	for i := 0; i < numPredictions; i++ {
		row := predictions[i*rowSize : i*rowSize+rowSize]

		objectness := row[4]
		if objectness < threshold {
			continue
		}

		// Best class under the combined score
		classID := 0
		classScore := row[5]
		for c := 1; c < rowSize-5; c++ {
			if row[5+c] > classScore {
				classScore = row[5+c]
				classID = c
			}
		}

		score := objectness * classScore
		if score < threshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		box := types.BoundingBox{
			X:          int((cx - w/2) * scaleX),
			Y:          int((cy - h/2) * scaleY),
			W:          int(w * scaleX),
			H:          int(h * scaleY),
			Class:      className(classID),
			Confidence: float64(score),
		}
		box.Clamp(origWidth, origHeight)
		boxes = append(boxes, box)
	}

	return suppressOverlaps(boxes, iouThreshold), nil
}

// suppressOverlaps applies greedy non-maximum suppression: boxes are visited
// in descending confidence order and any later box overlapping a kept one
// beyond the IoU threshold is discarded.
func suppressOverlaps(boxes []types.BoundingBox, iou float64) []types.BoundingBox {
	sort.Slice(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	kept := make([]types.BoundingBox, 0, len(boxes))
	for _, candidate := range boxes {
		overlapping := false
		for _, k := range kept {
			if intersectionOverUnion(candidate, k) > iou {
				overlapping = true
				break
			}
		}
		if !overlapping {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func intersectionOverUnion(a, b types.BoundingBox) float64 {
	ix := max(a.X, b.X)
	iy := max(a.Y, b.Y)
	ix2 := min(a.X+a.W, b.X+b.W)
	iy2 := min(a.Y+a.H, b.Y+b.H)

	iw := ix2 - ix
	ih := iy2 - iy
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := float64(iw * ih)
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
