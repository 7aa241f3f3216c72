// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Transport = (*MemoryTransport)(nil)
	_ Channel   = (*MemoryChannel)(nil)
)

// MemoryTransport is an in-process Transport for tests. Nothing happens
// on its own: the test scripts the notification stream by calling
// AnnounceChannel and Emit, standing in for the remote endpoint.
type MemoryTransport struct {
	mu            sync.Mutex
	notifications chan Notification
	target        Target
	connectCalls  int
	closed        bool
}

// NewMemoryTransport creates a scripted in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		notifications: make(chan Notification, 64),
	}
}

// Connect records the target and returns immediately. The scripted
// notifications decide whether the connection "succeeds".
func (mt *MemoryTransport) Connect(_ context.Context, target Target) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return net.ErrClosed
	}
	mt.target = target
	mt.connectCalls++
	return nil
}

// Notifications returns the scripted notification stream.
func (mt *MemoryTransport) Notifications() <-chan Notification {
	return mt.notifications
}

// Close shuts the notification stream. Idempotent.
func (mt *MemoryTransport) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.closed {
		mt.closed = true
		close(mt.notifications)
	}
	return nil
}

// Target returns the target of the last Connect call.
func (mt *MemoryTransport) Target() Target {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.target
}

// ConnectCalls returns how many times Connect was called.
func (mt *MemoryTransport) ConnectCalls() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.connectCalls
}

// AnnounceChannel posts a ChannelNew notification and returns the
// channel handle for payload injection. Closing the returned handle
// posts the channel's EventClosed, mirroring the real transport.
func (mt *MemoryTransport) AnnounceChannel(typeRaw, id int) *MemoryChannel {
	channel := &MemoryChannel{
		transport:   mt,
		channelType: typeRaw,
		id:          id,
		payloads:    make(chan []byte, 16),
	}
	mt.post(Notification{
		Kind:        ChannelNew,
		ChannelType: typeRaw,
		Channel:     channel,
	})
	return channel
}

// AnnounceBrokenChannel posts a ChannelNew notification whose handle
// cannot resolve its id, exercising the malformed-event path.
func (mt *MemoryTransport) AnnounceBrokenChannel(typeRaw int) *MemoryChannel {
	channel := &MemoryChannel{
		channelType: typeRaw,
		idErr:       errors.New("channel id not available"),
		payloads:    make(chan []byte, 16),
	}
	mt.post(Notification{
		Kind:        ChannelNew,
		ChannelType: typeRaw,
		Channel:     channel,
	})
	return channel
}

// Emit posts a ChannelEvent notification.
func (mt *MemoryTransport) Emit(typeRaw, id int, event EventCode) {
	mt.post(Notification{
		Kind:        ChannelEvent,
		ChannelType: typeRaw,
		ChannelID:   id,
		Event:       event,
	})
}

// OpenMain announces the main channel and reports it opened: the
// shortest script for a successful connect.
func (mt *MemoryTransport) OpenMain() *MemoryChannel {
	channel := mt.AnnounceChannel(ChannelTypeMain, 0)
	mt.Emit(ChannelTypeMain, 0, EventOpened)
	return channel
}

func (mt *MemoryTransport) post(notification Notification) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return
	}
	mt.notifications <- notification
}

// MemoryChannel is the scripted channel handle.
type MemoryChannel struct {
	transport   *MemoryTransport
	channelType int
	id          int
	idErr       error
	payloads    chan []byte

	closeOnce sync.Once
	closedFlg sync.Mutex
	isClosed  bool
}

func (mc *MemoryChannel) Type() int { return mc.channelType }

func (mc *MemoryChannel) ID() (int, error) {
	if mc.idErr != nil {
		return 0, mc.idErr
	}
	return mc.id, nil
}

func (mc *MemoryChannel) Payloads() <-chan []byte { return mc.payloads }

func (mc *MemoryChannel) Close() error {
	mc.closeOnce.Do(func() {
		mc.closedFlg.Lock()
		mc.isClosed = true
		mc.closedFlg.Unlock()
		close(mc.payloads)
		if mc.transport != nil && mc.idErr == nil {
			mc.transport.post(Notification{
				Kind:        ChannelEvent,
				ChannelType: mc.channelType,
				ChannelID:   mc.id,
				Event:       EventClosed,
				Channel:     mc,
			})
		}
	})
	return nil
}

// Closed reports whether Close has been called, for ownership
// assertions in tests.
func (mc *MemoryChannel) Closed() bool {
	mc.closedFlg.Lock()
	defer mc.closedFlg.Unlock()
	return mc.isClosed
}

// InjectPayload delivers one payload message to the channel's consumer.
// Panics if the channel is already closed, matching a real transport
// where closed is the last event.
func (mc *MemoryChannel) InjectPayload(data []byte) {
	mc.payloads <- data
}
