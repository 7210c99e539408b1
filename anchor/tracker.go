package anchor

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

// FrameSource yields marker detections, one frame per call. io.EOF ends tracking.
type FrameSource interface {
	Next() (Frame, error)
}

// AnchorRepository is what the tracker needs from anchor storage.
type AnchorRepository interface {
	List() []Anchor
	Save(candidate Anchor) (UpdateResult, error)
}

// Snapshot is the immutable result of processing one frame. The tracker hands
// out copies; nothing in a Snapshot aliases tracker state.
type Snapshot struct {
	Sequence     uint64
	Timestamp    int64
	Observations []MarkerObservation
	Matched      *Anchor
	Fused        *Reconstruction
	FusedPixel   *orb.Point
}

// Poses returns the resolved poses keyed by marker ID.
func (s *Snapshot) Poses() map[int]Pose {
	poses := make(map[int]Pose, len(s.Observations))
	for _, o := range s.Observations {
		if o.Pose != nil {
			poses[o.ID] = *o.Pose
		}
	}
	return poses
}

// PosedIDs returns the IDs of markers with a resolved pose.
func (s *Snapshot) PosedIDs() MarkerSet {
	ids := make([]int, 0, len(s.Observations))
	for _, o := range s.Observations {
		if o.Pose != nil {
			ids = append(ids, o.ID)
		}
	}
	return NewMarkerSet(ids...)
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Observations = make([]MarkerObservation, len(s.Observations))
	for i, o := range s.Observations {
		c.Observations[i] = o
		if o.Pose != nil {
			p := *o.Pose
			c.Observations[i].Pose = &p
		}
	}
	if s.Matched != nil {
		m := s.Matched.Clone()
		c.Matched = &m
	}
	if s.Fused != nil {
		f := *s.Fused
		f.Estimates = append([]MarkerEstimate(nil), s.Fused.Estimates...)
		c.Fused = &f
	}
	if s.FusedPixel != nil {
		px := *s.FusedPixel
		c.FusedPixel = &px
	}
	return &c
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// Camera is required; a nil camera fails with ErrCalibrationMissing.
	Camera     *CameraModel
	MarkerSize float64
	Solver     PnPSolver
	Anchors    AnchorRepository
	Sink       EventSink
	Logger     zerolog.Logger
}

// Tracker runs the per-frame detect → pose → match → fuse cycle and serves
// point-selection requests against the latest frame.
type Tracker struct {
	cam        CameraModel
	markerSize float64
	solver     PnPSolver
	anchors    AnchorRepository
	sink       EventSink
	logger     zerolog.Logger

	mu         sync.Mutex
	snapshot   *Snapshot
	matchedID  string
	hasMatched bool
	sequence   uint64

	stop atomic.Bool
	now  func() time.Time
}

// NewTracker validates options and returns a tracker ready to Run.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Camera == nil {
		return nil, fmt.Errorf("%w: tracker needs a camera model", ErrCalibrationMissing)
	}
	if opts.Anchors == nil {
		return nil, fmt.Errorf("tracker needs an anchor repository")
	}
	if opts.MarkerSize <= 0 {
		opts.MarkerSize = DefaultMarkerSize
	}
	if opts.Solver == nil {
		opts.Solver = PlanarPnP{}
	}
	if opts.Sink == nil {
		opts.Sink = MultiSink{}
	}
	return &Tracker{
		cam:        *opts.Camera,
		markerSize: opts.MarkerSize,
		solver:     opts.Solver,
		anchors:    opts.Anchors,
		sink:       opts.Sink,
		logger:     opts.Logger.With().Str("component", "tracker").Logger(),
		now:        time.Now,
	}, nil
}

// Camera returns the tracker's camera model.
func (t *Tracker) Camera() CameraModel {
	return t.cam
}

// Run processes frames until Stop is called or the source returns io.EOF.
// The stop flag is checked once per frame.
func (t *Tracker) Run(src FrameSource) error {
	t.logger.Info().Float64("markerSize", t.markerSize).Msg("tracking started")
	defer t.logger.Info().Msg("tracking stopped")

	for !t.stop.Load() {
		frame, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		t.ProcessFrame(frame)
	}
	return nil
}

// Stop asks Run to return before the next frame. It is permanent: a Stop that
// arrives before Run starts makes Run return without reading a frame.
func (t *Tracker) Stop() {
	t.stop.Store(true)
}

// Snapshot returns a copy of the latest frame's state, or nil before the first frame.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return nil
	}
	return t.snapshot.clone()
}

// ProcessFrame resolves poses, matches a stored anchor and fuses its position.
// Only publishing the result takes the lock.
func (t *Tracker) ProcessFrame(frame Frame) Snapshot {
	snap := &Snapshot{
		Sequence:  frame.Sequence,
		Timestamp: frame.Timestamp,
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = t.now().UnixMilli()
	}

	var poseErrs []error
	seen := make(map[int]bool, len(frame.Detections))
	for _, d := range frame.Detections {
		if seen[d.ID] {
			t.logger.Debug().Int("marker", d.ID).Msg("duplicate marker in frame, keeping first")
			continue
		}
		seen[d.ID] = true

		obs := MarkerObservation{ID: d.ID, Corners: d.Corners}
		pose, err := ResolvePose(t.solver, t.markerSize, d.Corners, t.cam)
		if err != nil {
			poseErrs = append(poseErrs, fmt.Errorf("marker %d: %w", d.ID, err))
		} else {
			obs.Pose = &pose
		}
		snap.Observations = append(snap.Observations, obs)
	}
	sort.Slice(snap.Observations, func(i, j int) bool {
		return snap.Observations[i].ID < snap.Observations[j].ID
	})

	if match, ok := MatchAnchor(t.anchors.List(), snap.PosedIDs()); ok {
		snap.Matched = &match
		if rec, ok := Reconstruct(match, snap.Poses()); ok {
			snap.Fused = &rec
			if px, ok := ProjectToImage(t.cam, rec.Point); ok {
				snap.FusedPixel = &px
			}
		}
	}

	t.mu.Lock()
	t.sequence++
	if snap.Sequence == 0 {
		snap.Sequence = t.sequence
	}
	changed := false
	switch {
	case snap.Matched != nil && (!t.hasMatched || t.matchedID != snap.Matched.ID):
		changed = true
		t.hasMatched = true
		t.matchedID = snap.Matched.ID
	case snap.Matched == nil && t.hasMatched:
		changed = true
		t.hasMatched = false
		t.matchedID = ""
	}
	t.snapshot = snap
	out := snap.clone()
	t.mu.Unlock()

	for _, err := range poseErrs {
		t.sink.Error(err)
	}
	if changed {
		var current *Anchor
		if out.Matched != nil {
			c := out.Matched.Clone()
			current = &c
		}
		t.sink.ConfigurationChanged(current)
	}
	if out.Fused != nil {
		ev := FusedPointEvent{
			Sequence:   out.Sequence,
			Timestamp:  out.Timestamp,
			AnchorID:   out.Matched.ID,
			AnchorName: out.Matched.Name,
			Point:      ToPoint3(out.Fused.Point),
			Markers:    out.Fused.Estimates,
		}
		if out.FusedPixel != nil {
			ev.Pixel = &[2]float64{out.FusedPixel[0], out.FusedPixel[1]}
		}
		t.sink.FusedPoint(ev)
	}
	return *out
}

// SelectRequest is an operator click on the current image.
type SelectRequest struct {
	Pixel orb.Point
	Name  string
	Type  string
}

// SelectResult is the outcome of a successful point selection.
type SelectResult struct {
	CameraPoint r3.Vector
	Update      UpdateResult
}

// BuildCandidate computes the clicked point's position in each visible marker's
// frame from the latest snapshot. Exactly AnchorSize posed markers are required.
func (t *Tracker) BuildCandidate(req SelectRequest) (Anchor, r3.Vector, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snapshot == nil {
		return Anchor{}, r3.Vector{}, ErrNoFrame
	}
	snap := t.snapshot

	poses := snap.Poses()
	ids := snap.PosedIDs()
	if len(ids) != AnchorSize {
		return Anchor{}, r3.Vector{}, fmt.Errorf("%w: need exactly %d markers, see %d", ErrWrongMarkerCount, AnchorSize, len(ids))
	}

	centroids := make([]r3.Vector, 0, len(ids))
	for _, id := range ids {
		centroids = append(centroids, poses[id].Tvec)
	}
	point, err := EstimatePoint(t.cam, centroids, req.Pixel)
	if err != nil {
		return Anchor{}, r3.Vector{}, err
	}

	candidate := Anchor{
		Name:           req.Name,
		Type:           req.Type,
		MarkerIDs:      []int(ids),
		RelativePoints: make(map[int]r3.Vector, len(ids)),
	}
	if candidate.Name == "" {
		candidate.Name = DefaultAnchorName(ids)
	}
	for _, id := range ids {
		candidate.RelativePoints[id] = ToMarkerFrame(poses[id], point)
	}
	return candidate, point, nil
}

// SelectPoint records the clicked pixel as an anchor over the visible markers.
// Failures leave the store untouched and are reported to the sink.
func (t *Tracker) SelectPoint(req SelectRequest) (SelectResult, error) {
	candidate, point, err := t.BuildCandidate(req)
	if err != nil {
		t.logger.Warn().Err(err).Msg("point selection failed")
		t.sink.Error(err)
		return SelectResult{}, err
	}

	res, err := t.anchors.Save(candidate)
	if err != nil {
		return SelectResult{}, err
	}
	t.logger.Info().
		Str("anchor", res.Anchor.Name).
		Float64("x", point.X).
		Float64("y", point.Y).
		Float64("z", point.Z).
		Msg("point selected")
	return SelectResult{CameraPoint: point, Update: res}, nil
}

// DefaultAnchorName names an anchor after its markers, e.g. "Anchor 1-2-3-4".
func DefaultAnchorName(ids MarkerSet) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "Anchor " + strings.Join(parts, "-")
}
