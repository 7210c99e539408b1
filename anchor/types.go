package anchor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// AnchorSize is the number of markers that must be visible to record a new anchor.
const AnchorSize = 4

// DateLayout is the creation date format stored with each anchor (dd-MM-yyyy).
const DateLayout = "02-01-2006"

// CameraModel holds pinhole intrinsics and OpenCV-style distortion coefficients
// (k1, k2, p1, p2[, k3]). It is immutable once loaded.
type CameraModel struct {
	Fx         float64
	Fy         float64
	Cx         float64
	Cy         float64
	Distortion []float64
}

// Pose places a marker's local frame inside the camera frame.
// Rvec is a Rodrigues rotation vector, Tvec the marker origin in camera coordinates.
type Pose struct {
	Rvec r3.Vector
	Tvec r3.Vector
	// ReprojectionError is the RMS corner reprojection error in pixels.
	ReprojectionError float64
}

// MarkerObservation is one detected marker in one frame. Pose is nil until resolved
// or when the corners were degenerate.
type MarkerObservation struct {
	ID      int
	Corners [4]orb.Point
	Pose    *Pose
}

// Detection is a raw detector result: marker ID plus image corners in
// TL, TR, BR, BL order.
type Detection struct {
	ID      int          `json:"id"`
	Corners [4]orb.Point `json:"corners"`
}

// Frame is a batch of detections from one captured image.
type Frame struct {
	Sequence   uint64      `json:"seq"`
	Timestamp  int64       `json:"timestamp"`
	Detections []Detection `json:"markers"`
}

// Point3 is the wire form of a 3D point.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ToPoint3 converts a vector to its wire form.
func ToPoint3(v r3.Vector) Point3 {
	return Point3{X: v.X, Y: v.Y, Z: v.Z}
}

// Vector converts the wire form back into a vector.
func (p Point3) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// Anchor is a named point recorded relative to a fixed set of markers
// (a "configuration" in operator terms).
type Anchor struct {
	ID             string
	Name           string
	Type           string
	CreatedDate    string
	MarkerIDs      []int
	RelativePoints map[int]r3.Vector
}

// Clone returns a deep copy.
func (a Anchor) Clone() Anchor {
	c := a
	c.MarkerIDs = append([]int(nil), a.MarkerIDs...)
	c.RelativePoints = make(map[int]r3.Vector, len(a.RelativePoints))
	for id, p := range a.RelativePoints {
		c.RelativePoints[id] = p
	}
	return c
}

// MarkerSet returns the anchor's marker IDs as a set.
func (a Anchor) MarkerSet() MarkerSet {
	return NewMarkerSet(a.MarkerIDs...)
}

// Validate checks that the anchor has a name, unique marker IDs, and exactly one
// relative point per marker.
func (a Anchor) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("anchor name is required")
	}
	if len(a.MarkerIDs) == 0 {
		return fmt.Errorf("anchor %q has no markers", a.Name)
	}
	seen := make(map[int]bool, len(a.MarkerIDs))
	for _, id := range a.MarkerIDs {
		if seen[id] {
			return fmt.Errorf("anchor %q lists marker %d twice", a.Name, id)
		}
		seen[id] = true
		if _, ok := a.RelativePoints[id]; !ok {
			return fmt.Errorf("anchor %q has no relative point for marker %d", a.Name, id)
		}
	}
	for id := range a.RelativePoints {
		if !seen[id] {
			return fmt.Errorf("anchor %q has a relative point for unlisted marker %d", a.Name, id)
		}
	}
	return nil
}

type anchorJSON struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	CreatedDate    string            `json:"createdDate"`
	MarkerIDs      []int             `json:"markerIds"`
	RelativePoints map[string]Point3 `json:"relativePoints"`
}

// MarshalJSON renders relative points keyed by marker ID.
func (a Anchor) MarshalJSON() ([]byte, error) {
	out := anchorJSON{
		ID:             a.ID,
		Name:           a.Name,
		Type:           a.Type,
		CreatedDate:    a.CreatedDate,
		MarkerIDs:      a.MarkerIDs,
		RelativePoints: make(map[string]Point3, len(a.RelativePoints)),
	}
	if out.MarkerIDs == nil {
		out.MarkerIDs = []int{}
	}
	for id, p := range a.RelativePoints {
		out.RelativePoints[strconv.Itoa(id)] = ToPoint3(p)
	}
	return json.Marshal(out)
}

// MarkerSet is a sorted, duplicate-free list of marker IDs.
type MarkerSet []int

// NewMarkerSet builds a set from ids, dropping duplicates.
func NewMarkerSet(ids ...int) MarkerSet {
	set := make(MarkerSet, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			set = append(set, id)
		}
	}
	sort.Ints(set)
	return set
}

// Contains reports whether id is in the set.
func (s MarkerSet) Contains(id int) bool {
	i := sort.SearchInts(s, id)
	return i < len(s) && s[i] == id
}

// Equal reports whether both sets hold the same IDs.
func (s MarkerSet) Equal(o MarkerSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Intersect returns the IDs present in both sets.
func (s MarkerSet) Intersect(o MarkerSet) MarkerSet {
	out := MarkerSet{}
	for _, id := range s {
		if o.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// ConflictType is the outcome of classifying a candidate anchor against the store.
type ConflictType int

const (
	// ConflictNone means the candidate is new.
	ConflictNone ConflictType = iota
	// ConflictExactMatch means the candidate replaces one existing anchor.
	ConflictExactMatch
	// ConflictIntersection means the candidate would make marker sets ambiguous.
	ConflictIntersection
)

func (c ConflictType) String() string {
	switch c {
	case ConflictNone:
		return "none"
	case ConflictExactMatch:
		return "exact_match"
	case ConflictIntersection:
		return "intersection"
	default:
		return fmt.Sprintf("conflict(%d)", int(c))
	}
}

// MarshalJSON encodes the conflict as its string name.
func (c ConflictType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}
