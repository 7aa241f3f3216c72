// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/virtview/virtview/transport"
)

// State is the session lifecycle state. Transitions are monotonic
// except that StateDisconnected is reachable from any state.
type State int

const (
	// StateIdle is the initial state before connect is issued.
	StateIdle State = iota

	// StateConnecting means the transport connect was issued and the
	// main channel has not opened yet.
	StateConnecting

	// StateConnected means the main channel opened; display and
	// device channels are acted on.
	StateConnected

	// StateDisconnecting means teardown has begun; the session is
	// waiting for registered channels to close.
	StateDisconnecting

	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SurfaceRef is an opaque presentation-layer surface reference. The
// session core never inspects it; it only tracks the binding between
// a display channel and the surface the presentation layer allocated
// for it.
type SurfaceRef any

// Diagnostic is a recoverable condition reported upward without a
// state change: non-fatal channel errors, malformed events, duplicate
// registrations.
type Diagnostic struct {
	// Descriptor identifies the channel, when one is known.
	Descriptor ChannelDescriptor

	// Err is the condition. Errors.Is/As work against the session
	// error taxonomy.
	Err error
}

// EventSink is the presentation layer's view of the session. The
// controller invokes every method except DisplayAttached serially
// from the session event loop; implementations must not call back
// into the controller from within a sink method (RequestDisconnect
// is safe — it only posts).
type EventSink interface {
	// SessionStateChanged reports every state transition, in order.
	SessionStateChanged(state State)

	// DisplayAttached requests a surface for the display channel with
	// the given id. It runs on its own goroutine — it may block on
	// surface allocation without stalling event routing — and must
	// return a usable surface reference or an error. It is called
	// exactly once per attached display channel.
	DisplayAttached(ctx context.Context, id int) (SurfaceRef, error)

	// DisplayDetached instructs the presentation layer to dispose the
	// surface for the given display id. Called exactly once per
	// delivered surface, even when the channel closed before the
	// surface arrived. Disposal must be safe on a surface that was
	// never shown.
	DisplayDetached(id int)

	// DeviceSurfaceReady publishes the session's single
	// device-redirection surface. Called at most once per session.
	DeviceSurfaceReady(surface *DeviceSurface)

	// DeviceSurfaceDisposed reports that the device-redirection
	// surface is gone. Called at most once, after the last
	// device-redirection channel closed.
	DeviceSurfaceDisposed()

	// ChannelDiagnostic reports recoverable conditions.
	ChannelDiagnostic(diagnostic Diagnostic)
}

// deviceNoticeBuffer bounds the device surface's pending notices.
const deviceNoticeBuffer = 32

// DeviceSurface is the session's single device-redirection surface.
// It outlives individual device attach/detach events and individual
// device channels; the presentation layer reads the notice stream and
// renders it however it likes.
type DeviceSurface struct {
	mu      sync.Mutex
	notices chan transport.DeviceNotice
	closed  bool
}

func newDeviceSurface() *DeviceSurface {
	return &DeviceSurface{
		notices: make(chan transport.DeviceNotice, deviceNoticeBuffer),
	}
}

// Notices delivers device attach/detach notifications in arrival
// order. The channel is closed when the surface is disposed.
func (s *DeviceSurface) Notices() <-chan transport.DeviceNotice {
	return s.notices
}

// publish queues a notice. Late notices racing surface disposal are
// dropped, as is anything beyond the buffer: device hotplug is
// advisory display material, never flow-controlled.
func (s *DeviceSurface) publish(notice transport.DeviceNotice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.notices <- notice:
		return true
	default:
		return false
	}
}

func (s *DeviceSurface) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notices)
	}
}
