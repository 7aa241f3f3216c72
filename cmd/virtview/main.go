// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// virtview is a remote-display viewer: it connects to a compute
// endpoint, tracks the session's display and device redirection
// channels, and presents them in a terminal UI.
//
// Two modes of operation:
//
// TUI mode (default): a bubbletea program shows the session state,
// one panel per attached display, and a rolling log of device
// attach/detach notices. Quitting requests an orderly disconnect and
// waits for teardown to complete.
//
// Headless mode (--headless): no UI; every session event becomes a
// structured log line. Useful for scripting and for watching a
// session's behavior verbatim.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/virtview/virtview/lib/config"
	"github.com/virtview/virtview/lib/version"
	"github.com/virtview/virtview/session"
	"github.com/virtview/virtview/transport"
	"github.com/virtview/virtview/viewerui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var targetHost string
	var targetPort int
	var connectTimeout time.Duration
	var headless bool
	var logOutput string

	flagSet := pflag.NewFlagSet("virtview", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&targetHost, "target", "", "remote endpoint host (overrides config)")
	flagSet.IntVar(&targetPort, "port", 0, "remote endpoint signaling port (overrides config)")
	flagSet.DurationVar(&connectTimeout, "connect-timeout", 0, "bound on the connecting phase (overrides config)")
	flagSet.BoolVar(&headless, "headless", false, "no TUI; log session events to stderr")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works regardless of
	// other flag errors.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("virtview")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if targetHost != "" {
		cfg.Target.Host = targetHost
	}
	if targetPort != 0 {
		cfg.Target.Port = targetPort
	}
	if connectTimeout != 0 {
		cfg.Connect.Timeout = connectTimeout
	}
	if logOutput != "" {
		cfg.Log.Output = logOutput
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCleanup, err := buildLogger(cfg, headless)
	if err != nil {
		return err
	}
	defer logCleanup()

	iceConfig := transport.ICEConfig{}
	if cfg.ICEServersFile != "" {
		servers, err := config.LoadICEServers(cfg.ICEServersFile)
		if err != nil {
			return err
		}
		iceConfig = transport.ICEConfigFromServers(servers)
	}

	target := transport.Target{Host: cfg.Target.Host, Port: cfg.Target.Port}
	webrtcTransport := transport.NewWebRTCTransport(iceConfig, logger)

	if headless {
		return runHeadless(logger, webrtcTransport, target, cfg.Connect.Timeout)
	}
	return runTUI(logger, webrtcTransport, target, cfg.Connect.Timeout)
}

// runHeadless drives the session with a log-backed sink. SIGINT
// requests an orderly disconnect; a second SIGINT abandons the wait.
func runHeadless(logger *slog.Logger, t transport.Transport, target transport.Target, connectTimeout time.Duration) error {
	sink := viewerui.NewLogSink(logger)
	controller := session.New(t, sink, session.Options{
		Target:         target,
		ConnectTimeout: connectTimeout,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		logger.Info("interrupt received, disconnecting")
		controller.RequestDisconnect()
		<-signals
		logger.Warn("second interrupt, abandoning teardown")
		cancel()
	}()

	return controller.Run(ctx)
}

// runTUI drives the session behind a bubbletea program. The session
// controller runs on its own goroutine; its result is collected after
// the program exits so a fatal session error still reaches the user.
func runTUI(logger *slog.Logger, t transport.Transport, target transport.Target, connectTimeout time.Duration) error {
	sink := viewerui.NewProgramSink()
	controller := session.New(t, sink, session.Options{
		Target:         target,
		ConnectTimeout: connectTimeout,
		Logger:         logger,
	})

	model := viewerui.NewModel(target.Address(), controller.RequestDisconnect)
	program := tea.NewProgram(model, tea.WithAltScreen())
	sink.SetProgram(program)

	sessionResult := make(chan error, 1)
	go func() { sessionResult <- controller.Run(context.Background()) }()

	if _, err := program.Run(); err != nil {
		controller.RequestDisconnect()
		<-sessionResult
		return err
	}

	// The program quits on the Disconnected transition, so the
	// session result is already decided (or imminently so).
	return <-sessionResult
}

// buildLogger assembles the binary's logger. In TUI mode records go
// to the log file when one is configured and are discarded otherwise:
// writing to stderr would corrupt the alt-screen display.
func buildLogger(cfg *config.Config, headless bool) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}

	if cfg.Log.Output != "" {
		file, err := os.Create(cfg.Log.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		logger := slog.New(slog.NewJSONHandler(file, options))
		return logger, func() { file.Close() }, nil
	}

	if headless {
		return slog.New(slog.NewTextHandler(os.Stderr, options)), func() {}, nil
	}
	return slog.New(slog.NewTextHandler(io.Discard, options)), func() {}, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `virtview — remote-display viewer.

Connects to a compute endpoint and tracks the session's channels:
the main control channel, one display channel per monitor, and
device redirection channels for forwarded peripherals. Displays
render as terminal panels; device notices stream into a rolling log.

The target defaults to localhost:5900. Configuration comes from a
YAML file (--config or $%s), with flags overriding it.

Usage:
  virtview [flags]

Examples:
  # Connect to the default local endpoint
  virtview

  # Connect to a remote host
  virtview --target vmhost.example.org --port 5900

  # Headless run with JSON logs for later inspection
  virtview --headless --log-output session.jsonl

Flags:
`, config.EnvVar)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
