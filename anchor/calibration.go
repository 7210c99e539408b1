package anchor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultCalibrationPath is the default camera calibration artifact.
const DefaultCalibrationPath = "calibration.yml"

// calibrationFile is the calibration artifact written by the external
// calibration tool: a row-major 3x3 camera matrix and distortion coefficients.
type calibrationFile struct {
	CameraMatrix []float64 `yaml:"CameraMatrix"`
	DistCoeffs   []float64 `yaml:"DistCoeffs"`
	RMS          float64   `yaml:"RMS,omitempty"`
}

// LoadCameraModel reads a calibration artifact. Any failure, including a missing
// file, is reported as ErrCalibrationMissing.
func LoadCameraModel(path string) (CameraModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CameraModel{}, fmt.Errorf("%w: %s not found", ErrCalibrationMissing, path)
		}
		return CameraModel{}, fmt.Errorf("%w: reading %s: %v", ErrCalibrationMissing, path, err)
	}

	var cal calibrationFile
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return CameraModel{}, fmt.Errorf("%w: parsing %s: %v", ErrCalibrationMissing, path, err)
	}

	cam, err := cameraFromMatrix(cal.CameraMatrix, cal.DistCoeffs)
	if err != nil {
		return CameraModel{}, fmt.Errorf("%w: %s: %v", ErrCalibrationMissing, path, err)
	}
	return cam, nil
}

func cameraFromMatrix(m []float64, dist []float64) (CameraModel, error) {
	if len(m) != 9 {
		return CameraModel{}, fmt.Errorf("CameraMatrix has %d entries, want 9", len(m))
	}
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return CameraModel{}, fmt.Errorf("CameraMatrix has non-finite entries")
		}
	}
	if m[0] <= 0 || m[4] <= 0 {
		return CameraModel{}, fmt.Errorf("focal lengths must be positive (fx=%g, fy=%g)", m[0], m[4])
	}
	switch len(dist) {
	case 0, 4, 5:
	case 8, 12, 14:
		return CameraModel{}, fmt.Errorf("DistCoeffs has %d entries; only the k1, k2, p1, p2, k3 model is supported", len(dist))
	default:
		return CameraModel{}, fmt.Errorf("DistCoeffs has %d entries", len(dist))
	}
	return CameraModel{
		Fx:         m[0],
		Fy:         m[4],
		Cx:         m[2],
		Cy:         m[5],
		Distortion: append([]float64(nil), dist...),
	}, nil
}

// SaveCameraModel writes cam as a calibration artifact.
func SaveCameraModel(path string, cam CameraModel) error {
	cal := calibrationFile{
		CameraMatrix: []float64{cam.Fx, 0, cam.Cx, 0, cam.Fy, cam.Cy, 0, 0, 1},
		DistCoeffs:   cam.Distortion,
	}
	if cal.DistCoeffs == nil {
		cal.DistCoeffs = []float64{}
	}

	data, err := yaml.Marshal(&cal)
	if err != nil {
		return fmt.Errorf("marshaling calibration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	return nil
}
