package tracking

import (
	"fmt"

	"github.com/google/uuid"
)

// SortOptions tune the SORT-style tracker.
type SortOptions struct {
	// MinIoU is the overlap below which a detection and a track are never
	// associated.
	MinIoU float64

	// MaxAge is how many consecutive reinitialisations a track may go
	// unmatched before it is dropped.
	MaxAge int

	// VelocityGain blends a matched detection's displacement into the
	// track's velocity estimate, in [0, 1].
	VelocityGain float64
}

// DefaultSortOptions returns the defaults.
func DefaultSortOptions() SortOptions {
	return SortOptions{MinIoU: 0.3, MaxAge: 1, VelocityGain: 0.5}
}

// Tracker follows obstacles between detections.
type Tracker interface {
	// Reinitialize associates fresh detections with the current tracks.
	Reinitialize(frame Frame, detections []Obstacle) error

	// Track advances every track to frame. ok is false when the tracker
	// cannot produce a result for the frame.
	Track(frame Frame) (obstacles []Obstacle, ok bool)
}

// NewTracker returns the tracker registered under kind.
func NewTracker(kind string, opts SortOptions) (Tracker, error) {
	switch kind {
	case "", "sort":
		return NewSortTracker(opts), nil
	}
	return nil, fmt.Errorf("unexpected tracker type %q", kind)
}

type sortTrack struct {
	obstacle Obstacle
	vx, vy   float64 // px per frame
	misses   int

	// Centre of the last matched detection and frames tracked since.
	cx, cy float64
	frames int

	// fresh tracks were just placed on a detection and are not advanced
	// by the next Track call.
	fresh bool
}

func (t *sortTrack) predict() {
	t.frames++
	if t.fresh {
		t.fresh = false
		return
	}
	b := &t.obstacle.Box
	b.XMin += t.vx
	b.XMax += t.vx
	b.YMin += t.vy
	b.YMax += t.vy
}

// SortTracker associates detections to tracks by bounding-box overlap and
// moves tracks with a constant-velocity model between detections.
type SortTracker struct {
	opts   SortOptions
	tracks []*sortTrack
}

// NewSortTracker creates an empty tracker.
func NewSortTracker(opts SortOptions) *SortTracker {
	if opts.MinIoU <= 0 {
		opts.MinIoU = DefaultSortOptions().MinIoU
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultSortOptions().MaxAge
	}
	opts.VelocityGain = clamp(opts.VelocityGain, 0, 1)
	return &SortTracker{opts: opts}
}

// Len returns the number of live tracks.
func (s *SortTracker) Len() int { return len(s.tracks) }

// Reinitialize implements Tracker.
func (s *SortTracker) Reinitialize(frame Frame, detections []Obstacle) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	cost := make([][]float64, len(detections))
	for i, det := range detections {
		cost[i] = make([]float64, len(s.tracks))
		for j, trk := range s.tracks {
			iou := det.Box.IoU(trk.obstacle.Box)
			if iou < s.opts.MinIoU || det.Label != trk.obstacle.Label {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = 1 - iou
			}
		}
	}

	matched := make([]bool, len(s.tracks))
	var born []*sortTrack
	for i, j := range Assign(cost) {
		det := detections[i]
		if j < 0 {
			det.ID = "trk_" + uuid.NewString()
			cx, cy := det.Box.Center()
			born = append(born, &sortTrack{obstacle: det, cx: cx, cy: cy, fresh: true})
			continue
		}
		trk := s.tracks[j]
		matched[j] = true
		ncx, ncy := det.Box.Center()
		frames := float64(max(trk.frames, 1))
		g := s.opts.VelocityGain
		trk.vx = (1-g)*trk.vx + g*(ncx-trk.cx)/frames
		trk.vy = (1-g)*trk.vy + g*(ncy-trk.cy)/frames
		det.ID = trk.obstacle.ID
		trk.obstacle = det
		trk.cx, trk.cy = ncx, ncy
		trk.frames = 0
		trk.misses = 0
		trk.fresh = true
	}

	kept := s.tracks[:0]
	for j, trk := range s.tracks {
		if !matched[j] {
			trk.misses++
			if trk.misses > s.opts.MaxAge {
				continue
			}
		}
		kept = append(kept, trk)
	}
	s.tracks = append(kept, born...)
	return nil
}

// Track implements Tracker. Tracks that leave the frame are dropped.
func (s *SortTracker) Track(frame Frame) ([]Obstacle, bool) {
	if frame.Empty() || frame.Validate() != nil {
		return nil, false
	}
	out := make([]Obstacle, 0, len(s.tracks))
	kept := s.tracks[:0]
	for _, trk := range s.tracks {
		trk.predict()
		clipped := trk.obstacle.Box.Clip(frame.Width, frame.Height)
		if clipped.Area() == 0 {
			continue
		}
		kept = append(kept, trk)
		o := trk.obstacle
		o.Box = clipped
		out = append(out, o)
	}
	s.tracks = kept
	return out, true
}
