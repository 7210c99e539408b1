package anchor

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// Rotation expands a Rodrigues rotation vector into a 3x3 rotation matrix.
// R = cos(θ)·I + (1-cos(θ))·k·kᵀ + sin(θ)·[k]ₓ with θ = |rvec|, k = rvec/θ.
func Rotation(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	k := rvec.Mul(1 / theta)
	c := math.Cos(theta)
	s := math.Sin(theta)
	v := 1 - c

	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}

// RotationVector is the inverse of Rotation: it compresses an orthonormal 3x3
// matrix into a Rodrigues vector.
func RotationVector(r mat.Matrix) r3.Vector {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)

	axis := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}

	if theta < 1e-9 {
		return axis.Mul(0.5)
	}

	if math.Pi-theta < 1e-6 {
		// Near π the antisymmetric part vanishes; R ≈ 2kkᵀ - I.
		return axisFromSymmetric(r).Mul(theta)
	}

	return axis.Mul(theta / (2 * math.Sin(theta)))
}

func axisFromSymmetric(r mat.Matrix) r3.Vector {
	d := [3]float64{r.At(0, 0), r.At(1, 1), r.At(2, 2)}
	i := 0
	for j := 1; j < 3; j++ {
		if d[j] > d[i] {
			i = j
		}
	}
	k := [3]float64{}
	k[i] = math.Sqrt(math.Max(0, (d[i]+1)/2))
	for j := 0; j < 3; j++ {
		if j != i {
			k[j] = (r.At(i, j) + r.At(j, i)) / (4 * k[i])
		}
	}
	return r3.Vector{X: k[0], Y: k[1], Z: k[2]}.Normalize()
}

func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// ToCameraFrame maps a marker-relative point into the camera frame:
// camera = R·relative + t.
func ToCameraFrame(pose Pose, relative r3.Vector) r3.Vector {
	return mulVec(Rotation(pose.Rvec), relative).Add(pose.Tvec)
}

// ToMarkerFrame maps a camera-frame point into the marker's local frame:
// relative = R⁻¹·(camera - t). R is orthonormal, so R⁻¹ = Rᵀ.
func ToMarkerFrame(pose Pose, camera r3.Vector) r3.Vector {
	return mulVec(Rotation(pose.Rvec).T(), camera.Sub(pose.Tvec))
}

// RoundTripResidual measures how far a relative point drifts after a forward and
// inverse projection through the same pose.
func RoundTripResidual(pose Pose, relative r3.Vector) float64 {
	return ToMarkerFrame(pose, ToCameraFrame(pose, relative)).Distance(relative)
}

// ProjectToImage projects a camera-frame point to pixel coordinates, applying the
// camera's distortion model. ok is false for points at or behind the camera.
func ProjectToImage(cam CameraModel, p r3.Vector) (orb.Point, bool) {
	if p.Z <= 1e-12 {
		return orb.Point{}, false
	}
	x, y := cam.distort(p.X/p.Z, p.Y/p.Z)
	return orb.Point{cam.Fx*x + cam.Cx, cam.Fy*y + cam.Cy}, true
}

// distortionCoeffs returns k1, k2, p1, p2, k3 with missing entries as zero.
func (c CameraModel) distortionCoeffs() (k1, k2, p1, p2, k3 float64) {
	var d [5]float64
	copy(d[:], c.Distortion)
	return d[0], d[1], d[2], d[3], d[4]
}

// distort applies radial and tangential distortion to normalized coordinates.
func (c CameraModel) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := c.distortionCoeffs()
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Undistort maps a pixel to ideal normalized image coordinates by fixed-point
// iteration on the distortion model.
func (c CameraModel) Undistort(px orb.Point) (float64, float64) {
	xd := (px[0] - c.Cx) / c.Fx
	yd := (px[1] - c.Cy) / c.Fy
	k1, k2, p1, p2, k3 := c.distortionCoeffs()
	if k1 == 0 && k2 == 0 && p1 == 0 && p2 == 0 && k3 == 0 {
		return xd, yd
	}

	x, y := xd, yd
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// Ray returns the back-projected viewing direction through a pixel, scaled so
// that Z = 1. Distortion is not removed, matching the plane intersection
// formula used for depth estimation.
func (c CameraModel) Ray(px orb.Point) r3.Vector {
	return r3.Vector{X: (px[0] - c.Cx) / c.Fx, Y: (px[1] - c.Cy) / c.Fy, Z: 1}
}
