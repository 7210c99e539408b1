package anchor

import (
	"io"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testCamera() CameraModel {
	return CameraModel{Fx: 800, Fy: 800, Cx: 320, Cy: 240}
}

func distortedCamera() CameraModel {
	return CameraModel{Fx: 810, Fy: 805, Cx: 322, Cy: 238, Distortion: []float64{-0.12, 0.05, 0.001, -0.0005, 0}}
}

func quietLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// facingPose returns a marker at tvec facing the camera, turned by the given
// small rotation.
func facingPose(tvec, tilt r3.Vector) Pose {
	return Pose{Rvec: r3.Vector{X: math.Pi, Y: 0, Z: 0}.Add(tilt), Tvec: tvec}
}

// squareRig is four markers 200 mm apart on a plane 1 m in front of the camera.
func squareRig() map[int]Pose {
	return map[int]Pose{
		1: facingPose(r3.Vector{X: -100, Y: -100, Z: 1000}, r3.Vector{X: 0.05, Y: 0.02}),
		2: facingPose(r3.Vector{X: 100, Y: -100, Z: 1000}, r3.Vector{X: -0.03, Y: 0.04}),
		3: facingPose(r3.Vector{X: 100, Y: 100, Z: 1000}, r3.Vector{Y: -0.05, Z: 0.1}),
		4: facingPose(r3.Vector{X: -100, Y: 100, Z: 1000}, r3.Vector{X: 0.02, Z: -0.08}),
	}
}

// frameFor renders the detections a perfect detector would report for poses.
func frameFor(t *testing.T, cam CameraModel, poses map[int]Pose, seq uint64) Frame {
	t.Helper()
	frame := Frame{Sequence: seq, Timestamp: int64(seq) * 33}
	for id, pose := range poses {
		corners, ok := ProjectMarker(cam, pose, DefaultMarkerSize)
		require.True(t, ok, "marker %d behind camera", id)
		frame.Detections = append(frame.Detections, Detection{ID: id, Corners: corners})
	}
	return frame
}

// anchorAt builds an anchor whose relative points all reconstruct to point
// under poses.
func anchorAt(name string, point r3.Vector, poses map[int]Pose) Anchor {
	a := Anchor{Name: name, RelativePoints: make(map[int]r3.Vector)}
	for id, pose := range poses {
		a.MarkerIDs = append(a.MarkerIDs, id)
		a.RelativePoints[id] = ToMarkerFrame(pose, point)
	}
	a.MarkerIDs = []int(NewMarkerSet(a.MarkerIDs...))
	return a
}

// simpleAnchor builds an anchor with arbitrary relative points over ids.
func simpleAnchor(name string, ids ...int) Anchor {
	a := Anchor{Name: name, Type: "door", MarkerIDs: ids, RelativePoints: make(map[int]r3.Vector)}
	for _, id := range ids {
		a.RelativePoints[id] = r3.Vector{X: float64(id), Y: 2 * float64(id), Z: 10}
	}
	return a
}

func assertVecNear(t *testing.T, want, got r3.Vector, tol float64, msgAndArgs ...interface{}) {
	t.Helper()
	require.InDelta(t, want.X, got.X, tol, msgAndArgs...)
	require.InDelta(t, want.Y, got.Y, tol, msgAndArgs...)
	require.InDelta(t, want.Z, got.Z, tol, msgAndArgs...)
}
