package anchor

import (
	"sort"

	"github.com/golang/geo/r3"
)

// FusionEpsilon keeps weights finite when a marker's error is exactly zero.
const FusionEpsilon = 1e-9

// MarkerEstimate is one marker's reconstruction of an anchor point in the
// camera frame.
type MarkerEstimate struct {
	MarkerID int       `json:"markerId"`
	Point    r3.Vector `json:"-"`
	Error    float64   `json:"error"`
	Weight   float64   `json:"weight"`
}

// Reconstruction is the fused camera-frame position of a matched anchor.
type Reconstruction struct {
	Point     r3.Vector
	Estimates []MarkerEstimate
}

// Fuse combines points by error-weighted averaging:
// point = Σ wᵢ·pᵢ / Σ wᵢ with wᵢ = 1/(errᵢ + ε).
// ok is false when there is nothing to fuse or the slices disagree in length.
func Fuse(points []r3.Vector, errs []float64) (r3.Vector, bool) {
	if len(points) == 0 || len(points) != len(errs) {
		return r3.Vector{}, false
	}
	var sum r3.Vector
	var total float64
	for i, p := range points {
		w := 1 / (errs[i] + FusionEpsilon)
		sum = sum.Add(p.Mul(w))
		total += w
	}
	return sum.Mul(1 / total), true
}

// SortAnchors orders anchors by name, then ID. This is the tie-break for
// matching when several anchors overlap the visible markers.
func SortAnchors(anchors []Anchor) {
	sort.SliceStable(anchors, func(i, j int) bool {
		if anchors[i].Name != anchors[j].Name {
			return anchors[i].Name < anchors[j].Name
		}
		return anchors[i].ID < anchors[j].ID
	})
}

// MatchAnchor returns the first anchor, in SortAnchors order, whose marker set
// overlaps the visible set.
func MatchAnchor(anchors []Anchor, visible MarkerSet) (Anchor, bool) {
	if len(visible) == 0 {
		return Anchor{}, false
	}
	ordered := append([]Anchor(nil), anchors...)
	SortAnchors(ordered)
	for _, a := range ordered {
		if len(a.MarkerSet().Intersect(visible)) > 0 {
			return a, true
		}
	}
	return Anchor{}, false
}

// Reconstruct projects the anchor's relative point through every shared posed
// marker and fuses the results. Each marker's error is its round-trip residual
// plus the distance of its estimate from the mean of the other markers'
// estimates. ok is false when no anchor marker is currently posed.
func Reconstruct(a Anchor, poses map[int]Pose) (Reconstruction, bool) {
	var estimates []MarkerEstimate
	for _, id := range a.MarkerSet() {
		pose, ok := poses[id]
		if !ok {
			continue
		}
		rel, ok := a.RelativePoints[id]
		if !ok {
			continue
		}
		estimates = append(estimates, MarkerEstimate{
			MarkerID: id,
			Point:    ToCameraFrame(pose, rel),
			Error:    RoundTripResidual(pose, rel),
		})
	}
	if len(estimates) == 0 {
		return Reconstruction{}, false
	}

	if len(estimates) > 1 {
		var total r3.Vector
		for _, e := range estimates {
			total = total.Add(e.Point)
		}
		others := float64(len(estimates) - 1)
		for i := range estimates {
			mean := total.Sub(estimates[i].Point).Mul(1 / others)
			estimates[i].Error += estimates[i].Point.Distance(mean)
		}
	}

	points := make([]r3.Vector, len(estimates))
	errs := make([]float64, len(estimates))
	var totalWeight float64
	for i, e := range estimates {
		points[i] = e.Point
		errs[i] = e.Error
		estimates[i].Weight = 1 / (e.Error + FusionEpsilon)
		totalWeight += estimates[i].Weight
	}
	for i := range estimates {
		estimates[i].Weight /= totalWeight
	}

	point, _ := Fuse(points, errs)
	return Reconstruction{Point: point, Estimates: estimates}, true
}
