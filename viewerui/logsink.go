// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package viewerui

import (
	"context"
	"log/slog"
	"time"

	"github.com/virtview/virtview/session"
)

// Compile-time interface check.
var _ session.EventSink = (*LogSink)(nil)

// LogSink is the headless presentation layer: every session callback
// becomes a structured log line. Used for --headless runs, where the
// interesting output is the session's behavior rather than a rendered
// UI, and by the mock host.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed event sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (sink *LogSink) SessionStateChanged(state session.State) {
	sink.logger.Info("session state", "state", state.String())
}

func (sink *LogSink) DisplayAttached(_ context.Context, id int) (session.SurfaceRef, error) {
	sink.logger.Info("display attached", "id", id)
	return &DisplayPanel{ID: id, AttachedAt: time.Now()}, nil
}

func (sink *LogSink) DisplayDetached(id int) {
	sink.logger.Info("display detached", "id", id)
}

func (sink *LogSink) DeviceSurfaceReady(surface *session.DeviceSurface) {
	sink.logger.Info("device redirection surface ready")
	go func() {
		for notice := range surface.Notices() {
			sink.logger.Info("device notice", "notice", notice.String())
		}
	}()
}

func (sink *LogSink) DeviceSurfaceDisposed() {
	sink.logger.Info("device redirection surface disposed")
}

func (sink *LogSink) ChannelDiagnostic(diagnostic session.Diagnostic) {
	sink.logger.Warn("channel diagnostic",
		"channel", diagnostic.Descriptor.String(),
		"error", diagnostic.Err,
	)
}
