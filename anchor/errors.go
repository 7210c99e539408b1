package anchor

import "errors"

var (
	// ErrDegeneratePose is returned when a marker's corners cannot yield a pose.
	ErrDegeneratePose = errors.New("degenerate marker pose")
	// ErrNoDepthIntersection is returned when the click ray misses the marker plane.
	ErrNoDepthIntersection = errors.New("no depth intersection")
	// ErrWrongMarkerCount is returned when point selection sees other than AnchorSize markers.
	ErrWrongMarkerCount = errors.New("wrong marker count")
	// ErrCalibrationMissing is returned when no usable camera model is available.
	ErrCalibrationMissing = errors.New("calibration missing")
	// ErrConfigurationConflict is returned when a write would create ambiguous marker sets.
	ErrConfigurationConflict = errors.New("configuration conflict")
	// ErrConfigurationNotFound is returned when removing or editing an unknown anchor.
	ErrConfigurationNotFound = errors.New("configuration not found")
	// ErrPersistence wraps store I/O failures.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidAnchor is returned when a candidate anchor has marker IDs and relative points that disagree.
	ErrInvalidAnchor = errors.New("invalid anchor")
	// ErrNoFrame is returned when point selection runs before any frame was processed.
	ErrNoFrame = errors.New("no frame processed yet")
)

// ErrorKind returns a stable short name for the error's category, used in
// events and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDegeneratePose):
		return "degenerate_pose"
	case errors.Is(err, ErrNoDepthIntersection):
		return "no_depth_intersection"
	case errors.Is(err, ErrWrongMarkerCount):
		return "wrong_marker_count"
	case errors.Is(err, ErrCalibrationMissing):
		return "calibration_missing"
	case errors.Is(err, ErrConfigurationConflict):
		return "configuration_conflict"
	case errors.Is(err, ErrConfigurationNotFound):
		return "configuration_not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrInvalidAnchor):
		return "invalid_anchor"
	case errors.Is(err, ErrNoFrame):
		return "no_frame"
	default:
		return "internal"
	}
}
