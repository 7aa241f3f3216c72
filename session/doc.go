// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is virtview's remote-display session core: it owns
// connection state, multiplexes the logical channels a connection
// exposes, and publishes stable handles the presentation layer
// attaches to.
//
// A [Controller] drives one session. It issues the transport connect,
// consumes the transport's serial notification stream on a single
// event loop, and routes channel lifecycle to its delegated managers:
// the display manager binds one presentation surface per open display
// channel, and the device manager owns the session's single
// [DeviceSurface], created lazily on the first device-redirection
// channel and disposed when the last one closes.
//
// The state machine runs Idle → Connecting → Connected →
// Disconnecting → Disconnected. Display and device channels announced
// while still Connecting are buffered and replayed once the main
// channel opens; channel announcements after teardown begins are
// ignored. Only connection-level failures terminate the session —
// everything else surfaces through [EventSink.ChannelDiagnostic]
// without a state change.
//
// The presentation layer is reached exclusively through the
// [EventSink] interface injected at construction, and talks back only
// via [Controller.RequestDisconnect], which is safe from any
// goroutine and idempotent. The [ChannelRegistry] is mutated only by
// the controller and its managers, never by the presentation layer.
package session
