// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"

	"github.com/virtview/virtview/transport"
)

// bindingState tracks where a display surface binding is in its life.
type bindingState int

const (
	// surfacePending: the surface request was issued and has not
	// completed yet.
	surfacePending bindingState = iota

	// surfaceBound: the presentation layer delivered a surface.
	surfaceBound

	// closedAwaitingSurface: the channel closed while the surface
	// request was still in flight. The detach is issued when the
	// surface eventually arrives, so no binding dangles.
	closedAwaitingSurface
)

// displayBinding pairs one display channel with its surface request.
type displayBinding struct {
	state   bindingState
	surface SurfaceRef
}

// displayManager owns display channel attachment: one surface binding
// per open display channel, each independent — a failure attaching
// one display never affects the others.
//
// All methods run on the session event loop.
type displayManager struct {
	registry *ChannelRegistry
	sink     EventSink
	logger   *slog.Logger
	post     func(controllerEvent)

	bindings map[int]*displayBinding
}

func newDisplayManager(registry *ChannelRegistry, sink EventSink, logger *slog.Logger, post func(controllerEvent)) *displayManager {
	return &displayManager{
		registry: registry,
		sink:     sink,
		logger:   logger,
		post:     post,
		bindings: make(map[int]*displayBinding),
	}
}

// attach handles a display channel-new: register the handle and issue
// the surface request. The request runs on its own goroutine and its
// completion re-enters the event loop as a surfaceResultEvent.
func (m *displayManager) attach(ctx context.Context, raw int, channel transport.Channel) {
	id, err := channel.ID()
	if err != nil {
		m.sink.ChannelDiagnostic(Diagnostic{
			Descriptor: ChannelDescriptor{Kind: KindDisplay, Raw: raw},
			Err:        &MalformedChannelEventError{ChannelType: raw, Err: err},
		})
		channel.Close()
		return
	}

	descriptor := ChannelDescriptor{Kind: KindDisplay, Raw: raw, ID: id}
	handle := &ChannelHandle{Descriptor: descriptor, Channel: channel}
	if err := m.registry.Register(handle); err != nil {
		// First registration wins; the duplicate handle is dropped
		// and no second surface request is issued.
		m.sink.ChannelDiagnostic(Diagnostic{Descriptor: descriptor, Err: err})
		channel.Close()
		return
	}

	m.bindings[id] = &displayBinding{state: surfacePending}
	m.logger.Info("display channel attached", "id", id)

	go func() {
		surface, err := m.sink.DisplayAttached(ctx, id)
		m.post(surfaceResultEvent{id: id, surface: surface, err: err})
	}()
}

// surfaceDelivered handles the completion of a surface request.
func (m *displayManager) surfaceDelivered(event surfaceResultEvent) {
	binding, exists := m.bindings[event.id]
	if !exists {
		// Attach was rolled back before the result arrived.
		return
	}

	switch binding.state {
	case surfacePending:
		if event.err != nil {
			// Independent failure: report it, roll this display
			// back, leave every other display alone.
			m.sink.ChannelDiagnostic(Diagnostic{
				Descriptor: ChannelDescriptor{Kind: KindDisplay, ID: event.id},
				Err:        event.err,
			})
			delete(m.bindings, event.id)
			if handle, ok := m.registry.Unregister(KindDisplay, event.id); ok {
				handle.Channel.Close()
			}
			return
		}
		binding.state = surfaceBound
		binding.surface = event.surface
		m.logger.Debug("display surface bound", "id", event.id)

	case closedAwaitingSurface:
		// The channel closed while the request was in flight. Now
		// that the surface exists, dispose it — exactly once.
		delete(m.bindings, event.id)
		if event.err == nil {
			m.sink.DisplayDetached(event.id)
		}
	}
}

// closed handles a display channel-close: unregister, release the
// transport handle, and dispose the surface (now, or once it arrives).
func (m *displayManager) closed(id int) {
	if handle, ok := m.registry.Unregister(KindDisplay, id); ok {
		handle.Channel.Close()
	}

	binding, exists := m.bindings[id]
	if !exists {
		// Closing an already-closed display is not an error.
		return
	}

	switch binding.state {
	case surfaceBound:
		delete(m.bindings, id)
		m.sink.DisplayDetached(id)
		m.logger.Info("display channel detached", "id", id)
	case surfacePending:
		binding.state = closedAwaitingSurface
	}
}

// outstanding returns the number of surface requests still in flight
// (including closed channels awaiting their surface for disposal).
// Session teardown waits for this to reach zero so no binding leaks.
func (m *displayManager) outstanding() int {
	count := 0
	for _, binding := range m.bindings {
		if binding.state != surfaceBound {
			count++
		}
	}
	return count
}

// abandon drops all in-flight surface bookkeeping. Used when teardown
// gives up waiting on a presentation layer that never responds.
func (m *displayManager) abandon() {
	for id, binding := range m.bindings {
		if binding.state == surfaceBound {
			m.sink.DisplayDetached(id)
		}
		delete(m.bindings, id)
	}
}
