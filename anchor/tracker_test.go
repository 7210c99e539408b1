package anchor

import (
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type trackerFixture struct {
	cam     CameraModel
	store   *Store
	service *AnchorService
	sink    *RecordingSink
	tracker *Tracker
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	cam := testCamera()
	sink := &RecordingSink{}
	store := NewStore(filepath.Join(t.TempDir(), "configurations.yml"), quietLogger())
	service := NewAnchorService(store, sink)
	tracker, err := NewTracker(TrackerOptions{
		Camera:     &cam,
		MarkerSize: DefaultMarkerSize,
		Anchors:    service,
		Sink:       sink,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	return &trackerFixture{cam: cam, store: store, service: service, sink: sink, tracker: tracker}
}

func subset(poses map[int]Pose, ids ...int) map[int]Pose {
	out := make(map[int]Pose, len(ids))
	for _, id := range ids {
		out[id] = poses[id]
	}
	return out
}

// errSource fails after its frames run out.
type errSource struct {
	frames []Frame
	err    error
}

func (s *errSource) Next() (Frame, error) {
	if len(s.frames) == 0 {
		return Frame{}, s.err
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

// ---------------------------------------------------------------------------
// construction
// ---------------------------------------------------------------------------

func TestNewTracker_RequiresCamera(t *testing.T) {
	_, err := NewTracker(TrackerOptions{Anchors: NewAnchorService(NewStore("x.yml", quietLogger()), nil)})
	assert.ErrorIs(t, err, ErrCalibrationMissing)
}

// ---------------------------------------------------------------------------
// ProcessFrame
// ---------------------------------------------------------------------------

func TestProcessFrame_ResolvesPoses(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()

	snap := f.tracker.ProcessFrame(frameFor(t, f.cam, rig, 1))
	assert.Equal(t, uint64(1), snap.Sequence)
	require.Len(t, snap.Observations, 4)
	assert.Equal(t, MarkerSet{1, 2, 3, 4}, snap.PosedIDs())

	for id, pose := range snap.Poses() {
		assertVecNear(t, rig[id].Tvec, pose.Tvec, 1e-3, "marker %d", id)
	}
	assert.Nil(t, snap.Matched, "store is empty")
	assert.Empty(t, f.sink.Changes)
}

func TestProcessFrame_DegenerateMarkerSkipped(t *testing.T) {
	f := newTrackerFixture(t)
	frame := frameFor(t, f.cam, subset(squareRig(), 1, 2), 1)
	frame.Detections = append(frame.Detections, Detection{ID: 9, Corners: [4]orb.Point{{1, 1}, {2, 2}, {3, 3}, {4, 4}}})

	snap := f.tracker.ProcessFrame(frame)
	assert.Len(t, snap.Observations, 3)
	assert.Equal(t, MarkerSet{1, 2}, snap.PosedIDs())
	require.Equal(t, 1, f.sink.ErrorCount())
	assert.ErrorIs(t, f.sink.Errors[0], ErrDegeneratePose)
}

func TestProcessFrame_DuplicateMarkerKeepsFirst(t *testing.T) {
	f := newTrackerFixture(t)
	frame := frameFor(t, f.cam, subset(squareRig(), 1), 1)
	frame.Detections = append(frame.Detections, Detection{ID: 1, Corners: [4]orb.Point{{0, 0}, {0, 0}, {0, 0}, {0, 0}}})

	snap := f.tracker.ProcessFrame(frame)
	require.Len(t, snap.Observations, 1)
	assert.NotNil(t, snap.Observations[0].Pose)
}

func TestProcessFrame_FusesMatchedAnchor(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()
	point := r3.Vector{X: 20, Y: -30, Z: 1000}
	_, err := f.service.Save(anchorAt("Block1", point, rig))
	require.NoError(t, err)

	snap := f.tracker.ProcessFrame(frameFor(t, f.cam, subset(rig, 2, 3), 7))
	require.NotNil(t, snap.Matched)
	assert.Equal(t, "Block1", snap.Matched.Name)
	require.NotNil(t, snap.Fused)
	assertVecNear(t, point, snap.Fused.Point, 0.5)
	require.NotNil(t, snap.FusedPixel)

	require.Equal(t, 1, f.sink.PointCount())
	ev := f.sink.Points[0]
	assert.Equal(t, uint64(7), ev.Sequence)
	assert.Equal(t, "Block1", ev.AnchorName)
	assert.Len(t, ev.Markers, 2)
	require.NotNil(t, ev.Pixel)
}

func TestProcessFrame_ChangeNotifiedOncePerTransition(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()
	_, err := f.service.Save(anchorAt("Block1", r3.Vector{Z: 1000}, rig))
	require.NoError(t, err)

	frames := []Frame{
		frameFor(t, f.cam, rig, 1),
		frameFor(t, f.cam, rig, 2),
		frameFor(t, f.cam, subset(rig, 1), 3),
		{Sequence: 4},
		{Sequence: 5},
		frameFor(t, f.cam, rig, 6),
	}
	for _, fr := range frames {
		f.tracker.ProcessFrame(fr)
	}

	require.Len(t, f.sink.Changes, 3)
	require.NotNil(t, f.sink.Changes[0])
	assert.Equal(t, "Block1", f.sink.Changes[0].Name)
	assert.Nil(t, f.sink.Changes[1], "anchor left view")
	require.NotNil(t, f.sink.Changes[2])
	assert.Equal(t, "Block1", f.sink.Changes[2].Name)
}

func TestSnapshot_IsACopy(t *testing.T) {
	f := newTrackerFixture(t)
	assert.Nil(t, f.tracker.Snapshot())

	f.tracker.ProcessFrame(frameFor(t, f.cam, squareRig(), 1))
	a := f.tracker.Snapshot()
	require.NotNil(t, a)
	a.Observations[0].Pose.Tvec = r3.Vector{}

	b := f.tracker.Snapshot()
	assert.NotEqual(t, r3.Vector{}, b.Observations[0].Pose.Tvec)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_StopsAtEOF(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()
	src := NewSliceSource(frameFor(t, f.cam, rig, 1), frameFor(t, f.cam, rig, 2))

	require.NoError(t, f.tracker.Run(src))
	assert.Equal(t, uint64(2), f.tracker.Snapshot().Sequence)
}

func TestRun_PropagatesSourceError(t *testing.T) {
	f := newTrackerFixture(t)
	boom := errors.New("detector crashed")
	err := f.tracker.Run(&errSource{frames: []Frame{frameFor(t, f.cam, squareRig(), 1)}, err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestRun_StopEndsLoop(t *testing.T) {
	f := newTrackerFixture(t)
	src := NewMQTTDetectionSource(NewMQTTClientWithClient(NewMockClient(), quietLogger()), "cam/markers", 1, quietLogger())

	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(src) }()

	src.Push(frameFor(t, f.cam, squareRig(), 1))
	require.Eventually(t, func() bool { return f.tracker.Snapshot() != nil }, time.Second, 5*time.Millisecond)

	f.tracker.Stop()
	// Stop is checked once per frame; closing the source unblocks Next.
	require.NoError(t, src.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestProcessFrame_StoredAnchorsWithoutIDs(t *testing.T) {
	rig := squareRig()
	rig2 := map[int]Pose{5: rig[1], 6: rig[2], 7: rig[3], 8: rig[4]}
	a := anchorAt("Block1", r3.Vector{Z: 1000}, rig)
	b := anchorAt("Block2", r3.Vector{Z: 1000}, rig2)

	path := filepath.Join(t.TempDir(), "configurations.yml")
	require.NoError(t, writeStoreFile(path, map[string]Anchor{a.Name: a, b.Name: b}))
	store, outcome, err := LoadStore(path, quietLogger())
	require.NoError(t, err)
	require.Equal(t, LoadOK, outcome)

	cam := testCamera()
	sink := &RecordingSink{}
	tracker, err := NewTracker(TrackerOptions{
		Camera:  &cam,
		Anchors: NewAnchorService(store, sink),
		Sink:    sink,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	tracker.ProcessFrame(frameFor(t, cam, rig, 1))
	tracker.ProcessFrame(frameFor(t, cam, rig2, 2))

	require.Len(t, sink.Changes, 2)
	require.NotNil(t, sink.Changes[0])
	require.NotNil(t, sink.Changes[1])
	assert.Equal(t, "Block1", sink.Changes[0].Name)
	assert.Equal(t, "Block2", sink.Changes[1].Name)
	assert.NotEqual(t, sink.Changes[0].ID, sink.Changes[1].ID)
}

func TestRun_StopBeforeStart(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.Stop()

	src := NewSliceSource(frameFor(t, f.cam, squareRig(), 1))
	require.NoError(t, f.tracker.Run(src))
	assert.Nil(t, f.tracker.Snapshot(), "no frame is read after an early Stop")
}

// ---------------------------------------------------------------------------
// SelectPoint
// ---------------------------------------------------------------------------

func TestSelectPoint_NoFrame(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.SelectPoint(SelectRequest{Pixel: orb.Point{320, 240}})
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestSelectPoint_ScenarioE_WrongMarkerCount(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.ProcessFrame(frameFor(t, f.cam, subset(squareRig(), 1, 2, 3), 1))

	_, err := f.tracker.SelectPoint(SelectRequest{Pixel: orb.Point{320, 240}, Name: "Block1"})
	assert.ErrorIs(t, err, ErrWrongMarkerCount)
	assert.Equal(t, 0, f.store.Len(), "nothing written")
	assert.Equal(t, 1, f.sink.ErrorCount())
}

func TestSelectPoint_RecordsAnchorThatReconstructs(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()
	f.tracker.ProcessFrame(frameFor(t, f.cam, rig, 1))

	res, err := f.tracker.SelectPoint(SelectRequest{Pixel: orb.Point{320, 240}, Name: "Block1", Type: "door"})
	require.NoError(t, err)
	assert.Equal(t, ConflictNone, res.Update.Conflict)
	assert.Equal(t, []int{1, 2, 3, 4}, res.Update.Anchor.MarkerIDs)
	assert.Equal(t, "door", res.Update.Anchor.Type)
	assert.InDelta(t, 0, res.CameraPoint.X, 1e-3)
	assert.InDelta(t, 0, res.CameraPoint.Y, 1e-3)
	assert.InDelta(t, 1000, res.CameraPoint.Z, 0.5)
	require.Len(t, f.sink.Saved, 1)

	// The marker rig is seen again later from the same viewpoint.
	snap := f.tracker.ProcessFrame(frameFor(t, f.cam, subset(rig, 1, 4), 2))
	require.NotNil(t, snap.Fused)
	assertVecNear(t, res.CameraPoint, snap.Fused.Point, 1e-3)
}

func TestSelectPoint_DefaultName(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.ProcessFrame(frameFor(t, f.cam, squareRig(), 1))

	res, err := f.tracker.SelectPoint(SelectRequest{Pixel: orb.Point{300, 250}})
	require.NoError(t, err)
	assert.Equal(t, "Anchor 1-2-3-4", res.Update.Anchor.Name)
}

func TestSelectPoint_ConflictLeavesStore(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.service.Save(simpleAnchor("Existing", 3, 4, 5, 6))
	require.NoError(t, err)
	f.tracker.ProcessFrame(frameFor(t, f.cam, squareRig(), 1))

	_, err = f.tracker.SelectPoint(SelectRequest{Pixel: orb.Point{320, 240}, Name: "Block1"})
	assert.ErrorIs(t, err, ErrConfigurationConflict)
	assert.Equal(t, 1, f.store.Len())
}

func TestSelectPoint_ConcurrentWithFrames(t *testing.T) {
	f := newTrackerFixture(t)
	rig := squareRig()
	frame := frameFor(t, f.cam, rig, 1)
	f.tracker.ProcessFrame(frame)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.tracker.ProcessFrame(frame)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _, _ = f.tracker.BuildCandidate(SelectRequest{Pixel: orb.Point{320, 240}})
		}
	}()
	wg.Wait()
}

func TestDefaultAnchorName(t *testing.T) {
	assert.Equal(t, "Anchor 2-7-9-11", DefaultAnchorName(NewMarkerSet(11, 2, 9, 7)))
}

func TestSliceSource_EOF(t *testing.T) {
	src := NewSliceSource(Frame{Sequence: 1})
	_, err := src.Next()
	require.NoError(t, err)
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}
