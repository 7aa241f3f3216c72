// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"

	"github.com/virtview/virtview/lib/codec"
	"github.com/virtview/virtview/transport"
)

// deviceManager owns the session's single device-redirection surface.
// The surface is created lazily on the first device channel, fed by
// every device channel, and disposed when the last one closes. It is
// never created a second time within a session.
//
// All methods run on the session event loop; payload decoding runs on
// per-channel reader goroutines that re-enter the loop via post.
type deviceManager struct {
	registry *ChannelRegistry
	sink     EventSink
	logger   *slog.Logger
	post     func(controllerEvent)

	surface        *DeviceSurface
	surfaceCreated bool
}

func newDeviceManager(registry *ChannelRegistry, sink EventSink, logger *slog.Logger, post func(controllerEvent)) *deviceManager {
	return &deviceManager{
		registry: registry,
		sink:     sink,
		logger:   logger,
		post:     post,
	}
}

// attach handles a device-redirection channel-new. Endpoints may open
// several such channels (one per controller); only the first creates
// the surface, the rest feed it.
func (m *deviceManager) attach(raw int, channel transport.Channel) {
	id, err := channel.ID()
	if err != nil {
		m.sink.ChannelDiagnostic(Diagnostic{
			Descriptor: ChannelDescriptor{Kind: KindDeviceRedirection, Raw: raw},
			Err:        &MalformedChannelEventError{ChannelType: raw, Err: err},
		})
		channel.Close()
		return
	}

	descriptor := ChannelDescriptor{Kind: KindDeviceRedirection, Raw: raw, ID: id}
	handle := &ChannelHandle{Descriptor: descriptor, Channel: channel}
	if err := m.registry.Register(handle); err != nil {
		m.sink.ChannelDiagnostic(Diagnostic{Descriptor: descriptor, Err: err})
		channel.Close()
		return
	}

	if !m.surfaceCreated {
		m.surfaceCreated = true
		m.surface = newDeviceSurface()
		m.sink.DeviceSurfaceReady(m.surface)
		m.logger.Info("device redirection surface created", "id", id)
	} else if m.surface == nil {
		// The surface was already disposed this session and is not
		// recreated; the channel is tracked but its notices go
		// nowhere.
		m.logger.Warn("device channel after surface disposal", "id", id)
	}

	go m.readNotices(descriptor, channel)
}

// readNotices decodes device notices off one channel and re-enters
// the event loop with them. Runs until the channel's payload stream
// closes.
func (m *deviceManager) readNotices(descriptor ChannelDescriptor, channel transport.Channel) {
	for payload := range channel.Payloads() {
		var notice transport.DeviceNotice
		if err := codec.Unmarshal(payload, &notice); err != nil {
			// Recoverable: drop the single payload.
			m.post(diagnosticEvent{diagnostic: Diagnostic{
				Descriptor: descriptor,
				Err:        &MalformedChannelEventError{ChannelType: descriptor.Raw, Err: err},
			}})
			continue
		}
		m.post(deviceNoticeEvent{notice: notice})
	}
}

// notice feeds one decoded device notice to the surface.
func (m *deviceManager) notice(notice transport.DeviceNotice) {
	m.logger.Info("device notice", "notice", notice.String())
	if m.surface == nil {
		return
	}
	if !m.surface.publish(notice) {
		m.logger.Warn("device notice dropped", "notice", notice.String())
	}
}

// closed handles a device-redirection channel-close. The surface is
// disposed only when the last device channel for the session closes.
func (m *deviceManager) closed(id int) {
	if handle, ok := m.registry.Unregister(KindDeviceRedirection, id); ok {
		handle.Channel.Close()
	}

	if m.registry.CountKind(KindDeviceRedirection) == 0 && m.surface != nil {
		m.surface.close()
		m.surface = nil
		m.sink.DeviceSurfaceDisposed()
		m.logger.Info("device redirection surface disposed")
	}
}
