// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// virtview-mock-host is a scripted remote-display endpoint for
// exercising the viewer end to end without a hypervisor. It serves
// the signaling endpoint, and for every viewer that connects it opens
// a main channel, a configurable number of display and device
// redirection channels, and plays back scripted device notices.
//
// Typical demo:
//
//	virtview-mock-host --listen localhost:5900 --displays 2 --devices 1 &
//	virtview
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/virtview/virtview/lib/version"
	"github.com/virtview/virtview/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listenAddress string
	var displays int
	var devices int
	var noticeInterval time.Duration
	var sessionLength time.Duration
	var logLevel string

	flagSet := pflag.NewFlagSet("virtview-mock-host", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddress, "listen", "localhost:5900", "signaling listen address")
	flagSet.IntVar(&displays, "displays", 1, "display channels to open per session")
	flagSet.IntVar(&devices, "devices", 1, "device redirection channels to open per session")
	flagSet.DurationVar(&noticeInterval, "notice-interval", 3*time.Second, "delay between scripted device notices")
	flagSet.DurationVar(&sessionLength, "session-length", 0, "close the session after this long (0 = until the viewer leaves)")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("virtview-mock-host")
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

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddress, err)
	}
	logger.Info("mock host listening", "address", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	script := sessionScript{
		displays:       displays,
		devices:        devices,
		noticeInterval: noticeInterval,
		sessionLength:  sessionLength,
		logger:         logger,
	}

	endpoint := transport.NewHostEndpoint(transport.ICEConfig{}, logger)
	endpoint.OnSession = func(session *transport.HostSession) {
		script.play(ctx, session)
	}

	return endpoint.Serve(ctx, listener)
}

// sessionScript is what the mock host does with each viewer session.
type sessionScript struct {
	displays       int
	devices        int
	noticeInterval time.Duration
	sessionLength  time.Duration
	logger         *slog.Logger
}

// scriptedDevices is the fixed cast of peripherals the mock host
// pretends to hotplug.
var scriptedDevices = []transport.DeviceNotice{
	{Vendor: 0x1d6b, Product: 0x0002, Bus: 1, Address: 1, Description: "Linux Foundation 2.0 root hub"},
	{Vendor: 0x046d, Product: 0xc52b, Bus: 1, Address: 4, Description: "Logitech Unifying Receiver"},
	{Vendor: 0x0781, Product: 0x5567, Bus: 2, Address: 2, Description: "SanDisk Cruzer Blade"},
}

// play opens the scripted channels toward one viewer and runs the
// device notice loop until the session ends.
func (s sessionScript) play(ctx context.Context, session *transport.HostSession) {
	defer session.Close()

	main, err := session.OpenChannel(transport.ChannelTypeMain, 0)
	if err != nil {
		s.logger.Error("opening main channel failed", "error", err)
		return
	}
	s.logger.Info("session scripted", "displays", s.displays, "devices", s.devices)

	var deviceChannels []*transport.HostChannel
	for id := 0; id < s.displays; id++ {
		if _, err := session.OpenChannel(transport.ChannelTypeDisplay, id); err != nil {
			s.logger.Error("opening display channel failed", "id", id, "error", err)
			return
		}
	}
	for id := 0; id < s.devices; id++ {
		channel, err := session.OpenChannel(transport.ChannelTypeUSBRedir, id)
		if err != nil {
			s.logger.Error("opening device channel failed", "id", id, "error", err)
			return
		}
		deviceChannels = append(deviceChannels, channel)
	}

	end := ctx.Done()
	if s.sessionLength > 0 {
		timed, cancel := context.WithTimeout(ctx, s.sessionLength)
		defer cancel()
		end = timed.Done()
	}

	s.runNoticeLoop(end, deviceChannels)

	// Closing the main channel tells the viewer the session is over;
	// the deferred session close takes the rest down.
	main.Close()
	s.logger.Info("session script finished")
}

// runNoticeLoop alternates attach and detach notices across the
// scripted device cast until the session ends.
func (s sessionScript) runNoticeLoop(end <-chan struct{}, channels []*transport.HostChannel) {
	if len(channels) == 0 || s.noticeInterval <= 0 {
		<-end
		return
	}

	step := 0
	for {
		select {
		case <-end:
			return
		case <-time.After(s.noticeInterval):
		}

		notice := scriptedDevices[step%len(scriptedDevices)]
		if (step/len(scriptedDevices))%2 == 0 {
			notice.Action = transport.DeviceAttach
		} else {
			notice.Action = transport.DeviceDetach
		}
		channel := channels[step%len(channels)]
		if err := channel.Send(notice); err != nil {
			s.logger.Warn("sending device notice failed", "error", err)
			return
		}
		s.logger.Debug("device notice sent", "notice", notice.String())
		step++
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `virtview-mock-host — scripted remote-display endpoint.

Serves the viewer signaling endpoint and plays a fixed script for
every session: a main channel, N display channels, M device
redirection channels, and a loop of device attach/detach notices.
No hypervisor involved; this exists to demo and test the viewer.

Usage:
  virtview-mock-host [flags]

Examples:
  # Two displays, one device channel, notice every 3s
  virtview-mock-host --displays 2

  # End each session after a minute (viewer sees an orderly shutdown)
  virtview-mock-host --session-length 1m

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
