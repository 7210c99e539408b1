package anchor

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/mat"
)

// DefaultMarkerSize is the marker side length used when none is configured (mm).
const DefaultMarkerSize = 50.0

// minQuadArea is the smallest image-space area (px²) accepted for a marker
// quad or any triangle of its corners.
const minQuadArea = 1e-3

// PnPSolver recovers a marker pose from four object/image correspondences.
type PnPSolver interface {
	Solve(object [4]r3.Vector, image [4]orb.Point, cam CameraModel) (Pose, error)
}

// MarkerObjectPoints returns the corners of a square marker of the given side,
// centred on the origin in the z=0 plane, in TL, TR, BR, BL order.
func MarkerObjectPoints(size float64) [4]r3.Vector {
	h := size / 2
	return [4]r3.Vector{
		{X: -h, Y: h, Z: 0},
		{X: h, Y: h, Z: 0},
		{X: h, Y: -h, Z: 0},
		{X: -h, Y: -h, Z: 0},
	}
}

// MarkerCenter returns the mean of a marker's image corners.
func MarkerCenter(corners [4]orb.Point) orb.Point {
	c, _ := planar.CentroidArea(orb.MultiPoint(corners[:]))
	return c
}

// checkCorners rejects corner sets that cannot determine a pose: a collapsed quad
// or any three collinear corners.
func checkCorners(corners [4]orb.Point) error {
	for _, p := range corners {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return fmt.Errorf("%w: non-finite corner", ErrDegeneratePose)
		}
	}

	quad := orb.Ring{corners[0], corners[1], corners[2], corners[3], corners[0]}
	if math.Abs(planar.Area(quad)) < minQuadArea {
		return fmt.Errorf("%w: marker quad has no area", ErrDegeneratePose)
	}

	for skip := 0; skip < 4; skip++ {
		tri := make(orb.Ring, 0, 4)
		for i := 0; i < 4; i++ {
			if i != skip {
				tri = append(tri, corners[i])
			}
		}
		tri = append(tri, tri[0])
		if math.Abs(planar.Area(tri)) < minQuadArea {
			return fmt.Errorf("%w: collinear corners", ErrDegeneratePose)
		}
	}
	return nil
}

// ResolvePose validates the correspondences for one marker and runs the solver.
// Failures wrap ErrDegeneratePose; callers skip the marker for this frame.
func ResolvePose(solver PnPSolver, markerSize float64, corners [4]orb.Point, cam CameraModel) (Pose, error) {
	if err := checkCorners(corners); err != nil {
		return Pose{}, err
	}

	pose, err := solver.Solve(MarkerObjectPoints(markerSize), corners, cam)
	if err != nil {
		return Pose{}, fmt.Errorf("%w: %v", ErrDegeneratePose, err)
	}

	for _, v := range []float64{pose.Rvec.X, pose.Rvec.Y, pose.Rvec.Z, pose.Tvec.X, pose.Tvec.Y, pose.Tvec.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, fmt.Errorf("%w: non-finite solution", ErrDegeneratePose)
		}
	}
	if pose.Tvec.Z <= 0 {
		return Pose{}, fmt.Errorf("%w: marker behind camera", ErrDegeneratePose)
	}
	return pose, nil
}

// PlanarPnP solves the four-point planar pose problem through the plane-to-image
// homography. The object points must lie in the z=0 plane.
type PlanarPnP struct{}

// Solve implements PnPSolver.
func (PlanarPnP) Solve(object [4]r3.Vector, image [4]orb.Point, cam CameraModel) (Pose, error) {
	if cam.Fx == 0 || cam.Fy == 0 {
		return Pose{}, fmt.Errorf("camera model has zero focal length")
	}

	// Scale object coordinates to roughly unit size for conditioning.
	scale := 0.0
	for _, p := range object {
		if math.Abs(p.Z) > 1e-9 {
			return Pose{}, fmt.Errorf("object points must be planar (z=0)")
		}
		scale = math.Max(scale, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if scale == 0 {
		return Pose{}, fmt.Errorf("object points collapse to origin")
	}

	var src, dst [4]orb.Point
	for i := range object {
		src[i] = orb.Point{object[i].X / scale, object[i].Y / scale}
		x, y := cam.Undistort(image[i])
		dst[i] = orb.Point{x, y}
	}

	h, err := homography(src, dst)
	if err != nil {
		return Pose{}, err
	}

	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}.Mul(1 / scale)
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}.Mul(1 / scale)
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}

	norm := (h1.Norm() + h2.Norm()) / 2
	if norm < 1e-12 {
		return Pose{}, fmt.Errorf("homography has no rotation component")
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		lambda = -lambda
	}

	r1 := h1.Mul(lambda)
	r2 := h2.Mul(lambda)
	t := h3.Mul(lambda)

	rot, err := orthonormalize(r1, r2, r1.Cross(r2))
	if err != nil {
		return Pose{}, err
	}

	pose := Pose{Rvec: RotationVector(rot), Tvec: t}
	pose.ReprojectionError = ReprojectionError(pose, object, image, cam)
	return pose, nil
}

// homography returns the 3x3 H (h22 = 1) mapping src[i] to dst[i].
func homography(src, dst [4]orb.Point) (*mat.Dense, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		X, Y := src[i][0], src[i][1]
		x, y := dst[i][0], dst[i][1]
		r := 2 * i
		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)
		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("solving homography: %w", err)
	}

	return mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	}), nil
}

// orthonormalize returns the rotation closest (Frobenius) to the matrix with
// columns c1, c2, c3.
func orthonormalize(c1, c2, c3 r3.Vector) (*mat.Dense, error) {
	m := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, fmt.Errorf("rotation SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, nil
}

// ReprojectionError is the RMS pixel distance between the detected corners and
// the object corners projected through pose.
func ReprojectionError(pose Pose, object [4]r3.Vector, image [4]orb.Point, cam CameraModel) float64 {
	var sum float64
	for i := range object {
		p, ok := ProjectToImage(cam, ToCameraFrame(pose, object[i]))
		if !ok {
			return math.Inf(1)
		}
		dx := p[0] - image[i][0]
		dy := p[1] - image[i][1]
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(object)))
}

// ProjectMarker renders the image corners of a marker of the given side seen at
// pose. It returns false when any corner falls behind the camera.
func ProjectMarker(cam CameraModel, pose Pose, size float64) ([4]orb.Point, bool) {
	var corners [4]orb.Point
	for i, p := range MarkerObjectPoints(size) {
		px, ok := ProjectToImage(cam, ToCameraFrame(pose, p))
		if !ok {
			return corners, false
		}
		corners[i] = px
	}
	return corners, true
}
