package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/anchormesh/anchor"
	"github.com/paulmach/orb"
)

// testSite writes a calibration file and a config pointing at temp paths, and
// returns an App wired to it.
type testSite struct {
	dir        string
	configPath string
	cfg        *anchor.Config
}

func newTestSite(t *testing.T, calibrated bool) *testSite {
	t.Helper()
	dir := t.TempDir()

	cfg, err := anchor.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.LogLevel = "error"
	cfg.Camera.CalibrationFile = filepath.Join(dir, "calibration.yml")
	cfg.Store.Path = filepath.Join(dir, "configurations.yml")
	cfg.MQTT.Broker = ""

	if calibrated {
		if err := anchor.SaveCameraModel(cfg.Camera.CalibrationFile, testCamera()); err != nil {
			t.Fatalf("SaveCameraModel: %v", err)
		}
	}
	configPath := filepath.Join(dir, "anchormesh.yml")
	if err := anchor.SaveConfig(configPath, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	return &testSite{dir: dir, configPath: configPath, cfg: cfg}
}

func (s *testSite) app(opts AppOptions) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	app := NewApp()
	app.Out = &out
	opts.ConfigFile = s.configPath
	app.ApplyOptions(opts)
	return app, &out
}

// recordAnchor selects the image center over the full rig and stores it.
func (s *testSite) recordAnchor(t *testing.T, name string) {
	t.Helper()
	store, _, err := anchor.LoadStore(s.cfg.Store.Path, quietLogger())
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	cam := testCamera()
	tracker, err := anchor.NewTracker(anchor.TrackerOptions{
		Camera:  &cam,
		Anchors: anchor.NewAnchorService(store, nil),
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.ProcessFrame(rigFrame(t, 1, 1, 2, 3, 4))
	if _, err := tracker.SelectPoint(anchor.SelectRequest{Pixel: orb.Point{320, 240}, Name: name}); err != nil {
		t.Fatalf("SelectPoint: %v", err)
	}
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Out == nil {
		t.Error("Out should default to stdout")
	}
	if app.Tracker != nil || app.Anchors != nil {
		t.Error("tracker and anchors are built lazily")
	}
}

func TestApplyOptions_Overrides(t *testing.T) {
	site := newTestSite(t, false)
	app, _ := site.app(AppOptions{LogLevel: "debug", HttpPort: 9191, ReplayFile: "cap.jsonl"})

	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if app.Config.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", app.Config.LogLevel)
	}
	if app.Config.HTTP.Port != 9191 {
		t.Errorf("HTTP.Port = %d, want 9191", app.Config.HTTP.Port)
	}
	if app.Config.Detector.ReplayFile != "cap.jsonl" {
		t.Errorf("ReplayFile = %s, want cap.jsonl", app.Config.Detector.ReplayFile)
	}
}

func TestRunInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchormesh.yml")
	var out bytes.Buffer
	app := NewApp()
	app.Out = &out

	if err := app.RunInitConfig(path); err != nil {
		t.Fatalf("RunInitConfig: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("expected path in output, got %q", out.String())
	}
	cfg, err := anchor.LoadConfig(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Camera.MarkerSize != anchor.DefaultMarkerSize {
		t.Errorf("MarkerSize = %v, want default", cfg.Camera.MarkerSize)
	}

	if err := app.RunInitConfig(path); err == nil {
		t.Error("expected refusal to overwrite existing config")
	}
}

func TestRunCheck(t *testing.T) {
	t.Run("missing calibration", func(t *testing.T) {
		site := newTestSite(t, false)
		app, out := site.app(AppOptions{CheckOnly: true})
		err := app.RunCheck()
		if err == nil {
			t.Fatal("expected check to fail without calibration")
		}
		if !strings.Contains(out.String(), "calibration missing") {
			t.Errorf("expected calibration error in output, got:\n%s", out.String())
		}
		if !strings.Contains(out.String(), "Anchor store: empty") {
			t.Errorf("expected empty store in output, got:\n%s", out.String())
		}
	})

	t.Run("ok", func(t *testing.T) {
		site := newTestSite(t, true)
		site.recordAnchor(t, "Block1")
		app, out := site.app(AppOptions{CheckOnly: true})
		if err := app.RunCheck(); err != nil {
			t.Fatalf("RunCheck: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "fx=800.00") {
			t.Errorf("expected intrinsics in output, got:\n%s", out.String())
		}
		if !strings.Contains(out.String(), "Anchor store: ok, 1 anchor(s)") {
			t.Errorf("expected one anchor in output, got:\n%s", out.String())
		}
	})

	t.Run("corrupt store", func(t *testing.T) {
		site := newTestSite(t, true)
		if err := os.WriteFile(site.cfg.Store.Path, []byte("Configurations: {{{"), 0o644); err != nil {
			t.Fatal(err)
		}
		app, out := site.app(AppOptions{CheckOnly: true})
		if err := app.RunCheck(); err == nil {
			t.Fatal("expected check to fail on corrupt store")
		}
		if !strings.Contains(out.String(), "Anchor store: corrupt") {
			t.Errorf("expected corrupt store in output, got:\n%s", out.String())
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		app := NewApp()
		app.Out = &bytes.Buffer{}
		app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yml")})
		if err := app.RunCheck(); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}

func TestRunListAnchors(t *testing.T) {
	site := newTestSite(t, true)
	site.recordAnchor(t, "Block1")

	app, out := site.app(AppOptions{ListAnchors: true})
	if err := app.RunListAnchors(); err != nil {
		t.Fatalf("RunListAnchors: %v", err)
	}
	for _, want := range []string{"1 anchor(s)", "=== Block1 ===", "Markers: [1 2 3 4]", "Marker_1:", "Marker_4:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output, got:\n%s", want, out.String())
		}
	}
}

func TestRunReplay(t *testing.T) {
	site := newTestSite(t, true)
	site.recordAnchor(t, "Block1")

	replayPath := filepath.Join(site.dir, "capture.jsonl")
	f, err := os.Create(replayPath)
	if err != nil {
		t.Fatal(err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := anchor.WriteFrame(f, rigFrame(t, seq, 1, 2, 3, 4)); err != nil {
			t.Fatal(err)
		}
	}
	// A frame with a single marker still fuses through the partial view.
	if err := anchor.WriteFrame(f, rigFrame(t, 4, 2)); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	app, out := site.app(AppOptions{ReplayFile: replayPath})
	if err := app.RunReplay(replayPath); err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if !strings.Contains(out.String(), "seq=1 anchor=Block1") {
		t.Errorf("expected first fused point, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "4 fused point(s), 0 error(s)") {
		t.Errorf("expected summary, got:\n%s", out.String())
	}
}

func TestRunReplay_NeedsCalibration(t *testing.T) {
	site := newTestSite(t, false)
	app, _ := site.app(AppOptions{})
	err := app.RunReplay(filepath.Join(site.dir, "capture.jsonl"))
	if !errors.Is(err, anchor.ErrCalibrationMissing) {
		t.Errorf("err = %v, want ErrCalibrationMissing", err)
	}
}

func TestFrameSource(t *testing.T) {
	site := newTestSite(t, true)

	app, _ := site.app(AppOptions{})
	if err := app.loadConfig(); err != nil {
		t.Fatal(err)
	}
	src, closeFn, err := app.frameSource()
	if err != nil || src != nil || closeFn != nil {
		t.Errorf("expected no source without detector config, got %v %v", src, err)
	}

	app.Config.Detector.Topic = "cam/markers"
	if _, _, err := app.frameSource(); err == nil {
		t.Error("expected error for detector topic without MQTT")
	}

	app.Config.Detector.Topic = ""
	app.Config.Detector.ReplayFile = filepath.Join(site.dir, "missing.jsonl")
	if _, _, err := app.frameSource(); err == nil {
		t.Error("expected error for missing replay file")
	}
}
