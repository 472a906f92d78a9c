package detect

import (
	"context"
	"image"
)

// Detection is one labeled box produced by the detector.
type Detection struct {
	Bbox       [4]float64 `json:"bbox"` // x, y, w, h
	Label      string     `json:"class"`
	Confidence float64    `json:"confidence"`
}

// Result is the payload broadcast for one consumed frame. FrameID increases
// monotonically within one session's frame consumer.
type Result struct {
	FrameID    int         `json:"frame_id"`
	Detections []Detection `json:"detections"`
	Timestamp  int64       `json:"timestamp"`
}

// Processor runs inference on a single frame. Implementations must keep the
// returned detections in model output order.
type Processor interface {
	Process(ctx context.Context, img image.Image) ([]Detection, error)
}
