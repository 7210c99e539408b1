package anchor

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// FusedPointEvent is emitted once per frame in which a matched anchor could be
// reconstructed.
type FusedPointEvent struct {
	Sequence   uint64           `json:"seq"`
	Timestamp  int64            `json:"timestamp"`
	AnchorID   string           `json:"anchorId"`
	AnchorName string           `json:"anchorName"`
	Point      Point3           `json:"point"`
	Pixel      *[2]float64      `json:"pixel,omitempty"`
	Markers    []MarkerEstimate `json:"markers"`
}

// EventSink receives the engine's outward notifications. Implementations must
// not block for long; they are called from the tracking loop.
type EventSink interface {
	FusedPoint(ev FusedPointEvent)
	// ConfigurationChanged is called once per transition of the matched anchor;
	// current is nil when no anchor matches any more.
	ConfigurationChanged(current *Anchor)
	AnchorSaved(res UpdateResult)
	AnchorRemoved(a Anchor)
	Error(err error)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// FusedPoint forwards ev to every sink.
func (m MultiSink) FusedPoint(ev FusedPointEvent) {
	for _, s := range m {
		s.FusedPoint(ev)
	}
}

// ConfigurationChanged forwards the new match to every sink.
func (m MultiSink) ConfigurationChanged(current *Anchor) {
	for _, s := range m {
		s.ConfigurationChanged(current)
	}
}

// AnchorSaved forwards res to every sink.
func (m MultiSink) AnchorSaved(res UpdateResult) {
	for _, s := range m {
		s.AnchorSaved(res)
	}
}

// AnchorRemoved forwards a to every sink.
func (m MultiSink) AnchorRemoved(a Anchor) {
	for _, s := range m {
		s.AnchorRemoved(a)
	}
}

// Error forwards err to every sink.
func (m MultiSink) Error(err error) {
	for _, s := range m {
		s.Error(err)
	}
}

// LogSink writes events to a zerolog logger. Fused points are logged at debug
// level since they arrive every frame.
type LogSink struct {
	Logger zerolog.Logger
}

// FusedPoint logs the fused point at debug level.
func (l LogSink) FusedPoint(ev FusedPointEvent) {
	l.Logger.Debug().
		Uint64("seq", ev.Sequence).
		Str("anchor", ev.AnchorName).
		Float64("x", ev.Point.X).
		Float64("y", ev.Point.Y).
		Float64("z", ev.Point.Z).
		Int("markers", len(ev.Markers)).
		Msg("fused point")
}

// ConfigurationChanged logs the matched anchor, or that none is in view.
func (l LogSink) ConfigurationChanged(current *Anchor) {
	if current == nil {
		l.Logger.Info().Msg("no configuration in view")
		return
	}
	l.Logger.Info().Str("anchor", current.Name).Str("id", current.ID).Msg("configuration changed")
}

// AnchorSaved logs a successful store write.
func (l LogSink) AnchorSaved(res UpdateResult) {
	l.Logger.Debug().
		Str("anchor", res.Anchor.Name).
		Str("conflict", res.Conflict.String()).
		Str("replaced", res.Replaced).
		Msg("anchor saved")
}

// AnchorRemoved logs a removal.
func (l LogSink) AnchorRemoved(a Anchor) {
	l.Logger.Debug().Str("anchor", a.Name).Msg("anchor removed")
}

// Error logs degenerate poses at debug level; they recur every frame while a
// marker is seen edge-on.
func (l LogSink) Error(err error) {
	ev := l.Logger.Warn()
	if errors.Is(err, ErrDegeneratePose) {
		ev = l.Logger.Debug()
	}
	ev.Err(err).Str("kind", ErrorKind(err)).Msg("engine error")
}

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu      sync.Mutex
	Points  []FusedPointEvent
	Changes []*Anchor
	Saved   []UpdateResult
	Removed []Anchor
	Errors  []error
}

// FusedPoint records ev.
func (r *RecordingSink) FusedPoint(ev FusedPointEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Points = append(r.Points, ev)
}

// ConfigurationChanged records the new match; nil means none.
func (r *RecordingSink) ConfigurationChanged(current *Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Changes = append(r.Changes, current)
}

// AnchorSaved records res.
func (r *RecordingSink) AnchorSaved(res UpdateResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Saved = append(r.Saved, res)
}

// AnchorRemoved records a.
func (r *RecordingSink) AnchorRemoved(a Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed = append(r.Removed, a)
}

// Error records err.
func (r *RecordingSink) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
}

// ErrorCount returns the number of recorded errors.
func (r *RecordingSink) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors)
}

// PointCount returns the number of recorded fused points.
func (r *RecordingSink) PointCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Points)
}
