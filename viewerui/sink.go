// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package viewerui

import (
	"context"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/virtview/virtview/session"
	"github.com/virtview/virtview/transport"
)

// Compile-time interface check.
var _ session.EventSink = (*ProgramSink)(nil)

// sessionStateMsg delivers a session state transition to the model.
type sessionStateMsg struct {
	state session.State
}

// displayAttachedMsg reports a new display panel.
type displayAttachedMsg struct {
	id int
}

// displayDetachedMsg reports a disposed display panel.
type displayDetachedMsg struct {
	id int
}

// deviceSurfaceMsg reports device redirection surface availability.
type deviceSurfaceMsg struct {
	active bool
}

// deviceNoticeMsg delivers one device attach/detach notice.
type deviceNoticeMsg struct {
	notice transport.DeviceNotice
}

// diagnosticMsg delivers a recoverable session condition for the
// status bar.
type diagnosticMsg struct {
	diagnostic session.Diagnostic
}

// diagnosticFadeMsg clears the status bar diagnostic after a delay.
type diagnosticFadeMsg struct{}

// DisplayPanel is the text stand-in for a display surface. The model
// renders one panel per attached display; the session core only sees
// it as an opaque [session.SurfaceRef].
type DisplayPanel struct {
	// ID is the display channel id the panel is bound to.
	ID int

	// AttachedAt records when the surface was allocated.
	AttachedAt time.Time
}

// ProgramSink implements session.EventSink by forwarding every
// callback into a bubbletea program as a message. The sink must be
// created before the program; call SetProgram once the tea.Program
// exists. Callbacks arriving before SetProgram are dropped, matching
// the session's fire-and-forget publication model.
type ProgramSink struct {
	program atomic.Pointer[tea.Program]
}

// NewProgramSink creates a sink for a program that does not exist yet.
func NewProgramSink() *ProgramSink {
	return &ProgramSink{}
}

// SetProgram sets the bubbletea program that receives session
// messages. Safe to call from any goroutine.
func (sink *ProgramSink) SetProgram(program *tea.Program) {
	sink.program.Store(program)
}

func (sink *ProgramSink) send(message tea.Msg) {
	if program := sink.program.Load(); program != nil {
		program.Send(message)
	}
}

// SessionStateChanged forwards the transition to the model.
func (sink *ProgramSink) SessionStateChanged(state session.State) {
	sink.send(sessionStateMsg{state: state})
}

// DisplayAttached allocates a text panel for the display and tells
// the model about it. Panel allocation never fails and never blocks,
// so the session's surface request completes immediately.
func (sink *ProgramSink) DisplayAttached(_ context.Context, id int) (session.SurfaceRef, error) {
	panel := &DisplayPanel{ID: id, AttachedAt: time.Now()}
	sink.send(displayAttachedMsg{id: id})
	return panel, nil
}

// DisplayDetached removes the display's panel.
func (sink *ProgramSink) DisplayDetached(id int) {
	sink.send(displayDetachedMsg{id: id})
}

// DeviceSurfaceReady marks the device panel active and starts a
// goroutine pumping the surface's notice stream into the program.
// The goroutine exits when the surface is disposed (the stream
// closes).
func (sink *ProgramSink) DeviceSurfaceReady(surface *session.DeviceSurface) {
	sink.send(deviceSurfaceMsg{active: true})
	go func() {
		for notice := range surface.Notices() {
			sink.send(deviceNoticeMsg{notice: notice})
		}
	}()
}

// DeviceSurfaceDisposed marks the device panel inactive.
func (sink *ProgramSink) DeviceSurfaceDisposed() {
	sink.send(deviceSurfaceMsg{active: false})
}

// ChannelDiagnostic routes a recoverable condition to the status bar.
func (sink *ProgramSink) ChannelDiagnostic(diagnostic session.Diagnostic) {
	sink.send(diagnosticMsg{diagnostic: diagnostic})
}
