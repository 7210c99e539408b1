package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile     string
	InitConfig     string
	CheckOnly      bool
	ListAnchors    bool
	ReplayFile     string
	ReplayInterval time.Duration
	HttpMode       bool
	HttpPort       int
	LogLevel       string
}

// Application is the set of run modes main dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunInitConfig(path string) error
	RunCheck() error
	RunListAnchors() error
	RunReplay(path string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], NewApp(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "anchormesh: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to one run mode.
func run(args []string, app Application, out io.Writer) error {
	fs := flag.NewFlagSet("anchormesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (defaults plus environment when empty)")
	fs.StringVar(&opts.InitConfig, "init-config", "", "Write a default configuration file to this path and exit")
	fs.BoolVar(&opts.CheckOnly, "check", false, "Validate configuration, calibration and anchor store, then exit")
	fs.BoolVar(&opts.ListAnchors, "list", false, "Print stored anchors and exit")
	fs.StringVar(&opts.ReplayFile, "replay", "", "Process a JSON-lines detection recording and exit")
	fs.DurationVar(&opts.ReplayInterval, "replay-interval", 0, "Delay between replayed frames")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable the operator HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (overrides http.port)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides logLevel)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "anchormesh version: %s\n", Version)

	app.ApplyOptions(opts)

	switch {
	case opts.InitConfig != "":
		return app.RunInitConfig(opts.InitConfig)
	case opts.CheckOnly:
		return app.RunCheck()
	case opts.ListAnchors:
		return app.RunListAnchors()
	case opts.ReplayFile != "":
		return app.RunReplay(opts.ReplayFile)
	default:
		return app.RunService()
	}
}
