package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kwv/anchormesh/anchor"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

// apiError is the body of every failed request.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, anchor.ErrConfigurationConflict):
		return http.StatusConflict
	case errors.Is(err, anchor.ErrConfigurationNotFound):
		return http.StatusNotFound
	case errors.Is(err, anchor.ErrWrongMarkerCount),
		errors.Is(err, anchor.ErrNoDepthIntersection),
		errors.Is(err, anchor.ErrInvalidAnchor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, anchor.ErrCalibrationMissing),
		errors.Is(err, anchor.ErrNoFrame):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encoding response")
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	writeJSON(w, logger, statusFor(err), apiError{Error: anchor.ErrorKind(err), Message: err.Error()})
}

// poseView is the wire form of a marker pose.
type poseView struct {
	Rvec              anchor.Point3 `json:"rvec"`
	Tvec              anchor.Point3 `json:"tvec"`
	ReprojectionError float64       `json:"reprojectionError"`
}

type markerView struct {
	ID      int          `json:"id"`
	Corners [4]orb.Point `json:"corners"`
	Pose    *poseView    `json:"pose,omitempty"`
}

type snapshotView struct {
	Sequence  uint64                  `json:"seq"`
	Timestamp int64                   `json:"timestamp"`
	Markers   []markerView            `json:"markers"`
	Matched   *anchor.Anchor          `json:"matched"`
	Point     *anchor.Point3          `json:"point,omitempty"`
	Pixel     *orb.Point              `json:"pixel,omitempty"`
	Estimates []anchor.MarkerEstimate `json:"estimates,omitempty"`
}

func newSnapshotView(s *anchor.Snapshot) snapshotView {
	v := snapshotView{
		Sequence:  s.Sequence,
		Timestamp: s.Timestamp,
		Markers:   make([]markerView, 0, len(s.Observations)),
		Matched:   s.Matched,
		Pixel:     s.FusedPixel,
	}
	for _, o := range s.Observations {
		m := markerView{ID: o.ID, Corners: o.Corners}
		if o.Pose != nil {
			m.Pose = &poseView{
				Rvec:              anchor.ToPoint3(o.Pose.Rvec),
				Tvec:              anchor.ToPoint3(o.Pose.Tvec),
				ReprojectionError: o.Pose.ReprojectionError,
			}
		}
		v.Markers = append(v.Markers, m)
	}
	if s.Fused != nil {
		p := anchor.ToPoint3(s.Fused.Point)
		v.Point = &p
		v.Estimates = s.Fused.Estimates
	}
	return v
}

// selectRequest is the body of POST /select.
type selectRequest struct {
	X    *float64 `json:"x"`
	Y    *float64 `json:"y"`
	Name string   `json:"name"`
	Type string   `json:"type"`
}

type selectResponse struct {
	anchor.UpdateResult
	CameraPoint anchor.Point3 `json:"cameraPoint"`
}

// renameRequest is the body of PUT /anchors/{name}.
type renameRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// newHTTPServer creates the operator API. tracker is nil while the camera is
// uncalibrated; anchor management still works then.
func newHTTPServer(tracker *anchor.Tracker, anchors *anchor.AnchorService, mqttClient *anchor.MQTTClient, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Calibrated    bool      `json:"calibrated"`
			Anchors       int       `json:"anchors"`
			MQTTConnected bool      `json:"mqttConnected"`
			LastSequence  uint64    `json:"lastSequence"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Calibrated:    tracker != nil,
			Anchors:       len(anchors.List()),
			MQTTConnected: mqttClient != nil && mqttClient.IsConnected(),
		}
		if tracker != nil {
			if s := tracker.Snapshot(); s != nil {
				status.LastSequence = s.Sequence
			}
		}
		writeJSON(w, logger, http.StatusOK, status)
	})

	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, r *http.Request) {
		if tracker == nil {
			writeError(w, logger, fmt.Errorf("%w: no camera model loaded", anchor.ErrCalibrationMissing))
			return
		}
		s := tracker.Snapshot()
		if s == nil {
			writeError(w, logger, anchor.ErrNoFrame)
			return
		}
		writeJSON(w, logger, http.StatusOK, newSnapshotView(s))
	})

	mux.HandleFunc("GET /anchors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, anchors.List())
	})

	mux.HandleFunc("GET /anchors/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		a, ok := anchors.Get(name)
		if !ok {
			writeError(w, logger, fmt.Errorf("%w: %q", anchor.ErrConfigurationNotFound, name))
			return
		}
		writeJSON(w, logger, http.StatusOK, a)
	})

	mux.HandleFunc("POST /select", func(w http.ResponseWriter, r *http.Request) {
		if tracker == nil {
			writeError(w, logger, fmt.Errorf("%w: no camera model loaded", anchor.ErrCalibrationMissing))
			return
		}
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.X == nil || req.Y == nil {
			writeJSON(w, logger, http.StatusBadRequest, apiError{Error: "bad_request", Message: "body must be {\"x\":..,\"y\":..}"})
			return
		}
		logger.Info().Float64("x", *req.X).Float64("y", *req.Y).Str("name", req.Name).Msg("select request")

		res, err := tracker.SelectPoint(anchor.SelectRequest{
			Pixel: orb.Point{*req.X, *req.Y},
			Name:  req.Name,
			Type:  req.Type,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		status := http.StatusCreated
		if res.Update.Conflict == anchor.ConflictExactMatch {
			status = http.StatusOK
		}
		writeJSON(w, logger, status, selectResponse{UpdateResult: res.Update, CameraPoint: anchor.ToPoint3(res.CameraPoint)})
	})

	mux.HandleFunc("PUT /anchors/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req renameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, apiError{Error: "bad_request", Message: err.Error()})
			return
		}
		res, err := anchors.Rename(r.PathValue("name"), req.Name, req.Type)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, res)
	})

	mux.HandleFunc("DELETE /anchors/{name}", func(w http.ResponseWriter, r *http.Request) {
		removed, err := anchors.Remove(r.PathValue("name"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, removed)
	})

	mux.HandleFunc("POST /anchors/reload", func(w http.ResponseWriter, r *http.Request) {
		outcome, err := anchors.Reload()
		body := struct {
			Outcome string `json:"outcome"`
			Anchors int    `json:"anchors"`
			Error   string `json:"error,omitempty"`
		}{Outcome: outcome.String(), Anchors: len(anchors.List())}
		if err != nil {
			body.Error = err.Error()
		}
		writeJSON(w, logger, http.StatusOK, body)
	})

	return mux
}
