package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/anchormesh/anchor"
	"github.com/rs/zerolog"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *anchor.Config
	Logger     zerolog.Logger
	Camera     *anchor.CameraModel
	Anchors    *anchor.AnchorService
	Tracker    *anchor.Tracker
	MQTTClient *anchor.MQTTClient
	Publisher  *anchor.Publisher

	Out  io.Writer
	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Logger: anchor.NewLogger("info", nil),
		Out:    os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the configuration and applies command line overrides.
func (a *App) loadConfig() error {
	cfg, err := anchor.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.opts.LogLevel != "" {
		cfg.LogLevel = a.opts.LogLevel
	}
	if a.opts.HttpPort != 0 {
		cfg.HTTP.Port = a.opts.HttpPort
	}
	if a.opts.ReplayFile != "" {
		cfg.Detector.ReplayFile = a.opts.ReplayFile
	}
	a.Config = cfg
	a.Logger = anchor.NewLogger(cfg.LogLevel, nil)
	return nil
}

// setup loads configuration, calibration and the anchor store, and builds the
// tracker when a camera model is available. sinks receive engine events in
// addition to the log.
func (a *App) setup(sinks ...anchor.EventSink) error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	sink := anchor.MultiSink{anchor.LogSink{Logger: a.Logger}}
	sink = append(sink, sinks...)

	store, outcome, err := anchor.LoadStore(a.Config.Store.Path, a.Logger)
	if err != nil && outcome != anchor.LoadCorrupt {
		return err
	}
	a.Anchors = anchor.NewAnchorService(store, sink)

	cam, err := anchor.LoadCameraModel(a.Config.Camera.CalibrationFile)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("tracking disabled until the camera is calibrated")
		return nil
	}
	a.Camera = &cam

	tracker, err := anchor.NewTracker(anchor.TrackerOptions{
		Camera:     a.Camera,
		MarkerSize: a.Config.Camera.MarkerSize,
		Anchors:    a.Anchors,
		Sink:       sink,
		Logger:     a.Logger,
	})
	if err != nil {
		return err
	}
	a.Tracker = tracker
	return nil
}

// RunInitConfig writes the default configuration to path.
func (a *App) RunInitConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}
	cfg, err := anchor.DefaultConfig()
	if err != nil {
		return err
	}
	if err := anchor.SaveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote default configuration to %s\n", path)
	return nil
}

// RunCheck validates every input the service needs and prints a summary.
func (a *App) RunCheck() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Config: ok (%s)\n", configSource(a.opts.ConfigFile))

	var failed bool
	cam, err := anchor.LoadCameraModel(a.Config.Camera.CalibrationFile)
	if err != nil {
		failed = true
		fmt.Fprintf(a.Out, "Calibration: %v\n", err)
	} else {
		fmt.Fprintf(a.Out, "Calibration: fx=%.2f fy=%.2f cx=%.2f cy=%.2f distortion=%v\n",
			cam.Fx, cam.Fy, cam.Cx, cam.Cy, cam.Distortion)
	}

	store, outcome, err := anchor.LoadStore(a.Config.Store.Path, a.Logger)
	if err != nil {
		failed = true
		fmt.Fprintf(a.Out, "Anchor store: %s (%v)\n", outcome, err)
	} else {
		fmt.Fprintf(a.Out, "Anchor store: %s, %d anchor(s) in %s\n", outcome, store.Len(), store.Path())
	}

	if failed {
		return errors.New("check failed")
	}
	return nil
}

func configSource(path string) string {
	if path == "" {
		return "defaults and environment"
	}
	return path
}

// RunListAnchors prints the stored anchors.
func (a *App) RunListAnchors() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	store, _, err := anchor.LoadStore(a.Config.Store.Path, a.Logger)
	if err != nil {
		return err
	}
	anchors := store.List()
	fmt.Fprintf(a.Out, "%d anchor(s) in %s\n\n", len(anchors), store.Path())
	for _, an := range anchors {
		fmt.Fprintf(a.Out, "=== %s ===\n", an.Name)
		fmt.Fprintf(a.Out, "ID: %s\nType: %s\nCreated: %s\nMarkers: %v\n", an.ID, an.Type, an.CreatedDate, an.MarkerIDs)
		for _, id := range an.MarkerIDs {
			p := an.RelativePoints[id]
			fmt.Fprintf(a.Out, "  Marker_%d: (%.3f, %.3f, %.3f)\n", id, p.X, p.Y, p.Z)
		}
		fmt.Fprintln(a.Out)
	}
	return nil
}

// RunReplay feeds a recording through the tracker and prints every fused point.
func (a *App) RunReplay(path string) error {
	rec := &anchor.RecordingSink{}
	if err := a.setup(rec); err != nil {
		return err
	}
	if a.Tracker == nil {
		return fmt.Errorf("%w: cannot replay without a camera model", anchor.ErrCalibrationMissing)
	}

	src, err := anchor.OpenReplay(path, a.opts.ReplayInterval, a.Logger)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := a.Tracker.Run(src); err != nil {
		return err
	}

	for _, p := range rec.Points {
		fmt.Fprintf(a.Out, "seq=%d anchor=%s point=(%.3f, %.3f, %.3f) markers=%d\n",
			p.Sequence, p.AnchorName, p.Point.X, p.Point.Y, p.Point.Z, len(p.Markers))
	}
	fmt.Fprintf(a.Out, "\n%d fused point(s), %d error(s)\n", rec.PointCount(), rec.ErrorCount())
	return nil
}

// RunService runs tracking, MQTT publishing and the HTTP API until interrupted.
func (a *App) RunService() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	mqttClient, err := anchor.InitMQTT(a.Config.MQTT, a.Logger)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	a.MQTTClient = mqttClient

	var extra []anchor.EventSink
	if mqttClient != nil {
		a.Publisher = anchor.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix, a.Logger)
		extra = append(extra, a.Publisher)
	}
	if err := a.setup(extra...); err != nil {
		return err
	}
	if a.Publisher != nil {
		mqttClient.OnConnected(func() {
			if err := a.Publisher.PublishAnchors(a.Anchors.List()); err != nil {
				a.Logger.Warn().Err(err).Msg("anchor republish failed")
			}
		})
	}

	source, closeSource, err := a.frameSource()
	if err != nil {
		return err
	}

	trackerDone := make(chan error, 1)
	if a.Tracker != nil && source != nil {
		go func() { trackerDone <- a.Tracker.Run(source) }()
	} else if source == nil {
		a.Logger.Warn().Msg("no detector configured: set detector.topic or detector.replayFile")
	}

	var server *http.Server
	if a.opts.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Tracker, a.Anchors, a.MQTTClient, a.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Logger.Info().Str("addr", server.Addr).Msg("HTTP server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-trackerDone:
		if err != nil {
			a.Logger.Error().Err(err).Msg("tracking ended")
		} else {
			a.Logger.Info().Msg("detection source exhausted")
		}
		if server != nil {
			<-sigChan
		}
	}

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if a.Tracker != nil {
		a.Tracker.Stop()
	}
	if closeSource != nil {
		_ = closeSource()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

// frameSource picks the detector input: an MQTT topic wins over a replay file.
func (a *App) frameSource() (anchor.FrameSource, func() error, error) {
	det := a.Config.Detector
	switch {
	case det.Topic != "":
		if a.MQTTClient == nil {
			return nil, nil, fmt.Errorf("detector.topic %q needs an MQTT broker", det.Topic)
		}
		src := anchor.NewMQTTDetectionSource(a.MQTTClient, det.Topic, det.FrameBuffer, a.Logger)
		return src, src.Close, nil
	case det.ReplayFile != "":
		src, err := anchor.OpenReplay(det.ReplayFile, a.opts.ReplayInterval, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, nil
	}
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	if a.Camera == nil {
		fmt.Fprintf(a.Out, "\nCalibration: missing (%s), tracking disabled\n", a.Config.Camera.CalibrationFile)
	}
	fmt.Fprintf(a.Out, "\nAnchors: %d stored in %s\n", len(a.Anchors.List()), a.Config.Store.Path)

	if a.MQTTClient != nil {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Fprintln(a.Out, "\nMQTT:")
		if a.Config.Detector.Topic != "" {
			fmt.Fprintf(a.Out, "  Detections from: %s\n", a.Config.Detector.Topic)
		}
		fmt.Fprintf(a.Out, "  Fused point:     %s/point\n", prefix)
		fmt.Fprintf(a.Out, "  Configuration:   %s/configuration\n", prefix)
		fmt.Fprintf(a.Out, "  Anchors:         %s/anchors/{name}\n", prefix)
		fmt.Fprintf(a.Out, "  Events:          %s/events\n", prefix)
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Fprintln(a.Out, "  GET    /health             - Health check")
		fmt.Fprintln(a.Out, "  GET    /snapshot           - Latest frame: markers, matched anchor, fused point")
		fmt.Fprintln(a.Out, "  GET    /anchors            - Stored anchors")
		fmt.Fprintln(a.Out, "  GET    /anchors/{name}     - One anchor")
		fmt.Fprintln(a.Out, "  POST   /select             - Record the clicked pixel as an anchor")
		fmt.Fprintln(a.Out, "  PUT    /anchors/{name}     - Rename or retype an anchor")
		fmt.Fprintln(a.Out, "  DELETE /anchors/{name}     - Remove an anchor")
		fmt.Fprintln(a.Out, "  POST   /anchors/reload     - Re-read the anchor store")
	}
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
