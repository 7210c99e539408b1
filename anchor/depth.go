package anchor

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

const (
	// planeEpsilon is the smallest plane normal magnitude accepted (collinear centroids).
	planeEpsilon = 1e-9
	// parallelEpsilon is the smallest |n̂·d̂| accepted before the ray is considered parallel.
	parallelEpsilon = 1e-9
)

// Plane is n·x + D = 0.
type Plane struct {
	Normal r3.Vector
	D      float64
}

// FitPlane spans a plane through the first three centroids:
// n = (p1-p0)×(p2-p0), D = -n·p0.
func FitPlane(centroids []r3.Vector) (Plane, error) {
	if len(centroids) < 3 {
		return Plane{}, fmt.Errorf("%w: need at least 3 marker centroids, have %d", ErrNoDepthIntersection, len(centroids))
	}
	p0, p1, p2 := centroids[0], centroids[1], centroids[2]
	normal := p1.Sub(p0).Cross(p2.Sub(p0))
	if normal.Norm() < planeEpsilon {
		return Plane{}, fmt.Errorf("%w: marker centroids are collinear", ErrNoDepthIntersection)
	}
	return Plane{Normal: normal, D: -normal.Dot(p0)}, nil
}

// IntersectRay intersects a ray from the camera origin along dir with the plane
// and returns t·dir.
func (p Plane) IntersectRay(dir r3.Vector) (r3.Vector, error) {
	denom := p.Normal.Dot(dir)
	if math.Abs(denom) < parallelEpsilon*p.Normal.Norm()*dir.Norm() {
		return r3.Vector{}, fmt.Errorf("%w: ray is parallel to marker plane", ErrNoDepthIntersection)
	}
	t := -p.D / denom
	if t <= 0 {
		return r3.Vector{}, fmt.Errorf("%w: marker plane is behind the camera", ErrNoDepthIntersection)
	}
	return dir.Mul(t), nil
}

// EstimatePoint back-projects a clicked pixel onto the plane spanned by the
// visible markers' centroids (their translation vectors, in camera frame).
func EstimatePoint(cam CameraModel, centroids []r3.Vector, pixel orb.Point) (r3.Vector, error) {
	plane, err := FitPlane(centroids)
	if err != nil {
		return r3.Vector{}, err
	}
	return plane.IntersectRay(cam.Ray(pixel))
}
