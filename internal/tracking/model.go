// Package tracking follows detected obstacles across camera frames and runs
// that capability as a pipeline operator, locally or on an offload server.
package tracking

import (
	"errors"
	"fmt"
	"time"
)

// EncodingBGR is the only pixel layout trackers accept.
const EncodingBGR = "BGR"

// ErrEncoding is returned for camera frames that are not BGR.
var ErrEncoding = errors.New("unsupported frame encoding")

// Frame is one camera image.
type Frame struct {
	Encoding string `json:"encoding"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Data     []byte `json:"data"`
}

// Validate checks the encoding and that Data matches the dimensions.
func (f Frame) Validate() error {
	if f.Encoding != EncodingBGR {
		return fmt.Errorf("%w: %q", ErrEncoding, f.Encoding)
	}
	if want := f.Width * f.Height * 3; len(f.Data) != 0 && len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%d", len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// Empty reports whether the frame has no image area.
func (f Frame) Empty() bool { return f.Width <= 0 || f.Height <= 0 }

// BoundingBox2D is an axis-aligned box in pixel coordinates.
type BoundingBox2D struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Width returns the box width, zero when degenerate.
func (b BoundingBox2D) Width() float64 { return max(b.XMax-b.XMin, 0) }

// Height returns the box height, zero when degenerate.
func (b BoundingBox2D) Height() float64 { return max(b.YMax-b.YMin, 0) }

// Area returns the box area.
func (b BoundingBox2D) Area() float64 { return b.Width() * b.Height() }

// Center returns the box centre.
func (b BoundingBox2D) Center() (float64, float64) {
	return (b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2
}

// IoU returns the intersection over union of two boxes.
func (b BoundingBox2D) IoU(o BoundingBox2D) float64 {
	inter := BoundingBox2D{
		XMin: max(b.XMin, o.XMin),
		XMax: min(b.XMax, o.XMax),
		YMin: max(b.YMin, o.YMin),
		YMax: min(b.YMax, o.YMax),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip limits the box to a width x height image.
func (b BoundingBox2D) Clip(width, height int) BoundingBox2D {
	w, h := float64(width), float64(height)
	return BoundingBox2D{
		XMin: clamp(b.XMin, 0, w),
		XMax: clamp(b.XMax, 0, w),
		YMin: clamp(b.YMin, 0, h),
		YMax: clamp(b.YMax, 0, h),
	}
}

func clamp(v, lo, hi float64) float64 { return max(lo, min(hi, v)) }

// Labels with special handling.
const (
	LabelPerson  = "person"
	LabelCar     = "car"
	LabelTruck   = "truck"
	LabelBus     = "bus"
	LabelBicycle = "bicycle"
	LabelMotor   = "motorcycle"
)

// Obstacle is one detected or tracked object.
type Obstacle struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        BoundingBox2D `json:"box"`
}

// IsPerson reports whether the obstacle is a pedestrian.
func (o Obstacle) IsPerson() bool { return o.Label == LabelPerson }

// IsVehicle reports whether the obstacle is a road vehicle.
func (o Obstacle) IsVehicle() bool {
	switch o.Label {
	case LabelCar, LabelTruck, LabelBus, LabelBicycle, LabelMotor:
		return true
	}
	return false
}

func (o Obstacle) String() string {
	return fmt.Sprintf("Obstacle(id: %s, label: %s, confidence: %.2f, box: [%.0f %.0f %.0f %.0f])",
		o.ID, o.Label, o.Confidence, o.Box.XMin, o.Box.YMin, o.Box.XMax, o.Box.YMax)
}

// ObstaclesMessage carries detections or tracks for one timestamp.
//
// For detector output Runtime is the detector's runtime. For tracker output
// it is the effective delay from the frame's arrival until the tracks were
// ready, including any time spent queued behind earlier tracker runs.
type ObstaclesMessage struct {
	Obstacles []Obstacle    `json:"obstacles"`
	Runtime   time.Duration `json:"runtime"`
}

// TrackableObstacles returns the vehicles and people in obs, the only
// classes trackers are reinitialised with.
func TrackableObstacles(obs []Obstacle) []Obstacle {
	var out []Obstacle
	for _, o := range obs {
		if o.IsVehicle() || o.IsPerson() {
			out = append(out, o)
		}
	}
	return out
}
