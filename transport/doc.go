// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries a remote-display session's logical channels
// between the viewer and the remote compute endpoint.
//
// The package defines the [Transport] interface consumed by the session
// core: Connect starts connection establishment and returns immediately,
// and Notifications delivers the serial per-session event stream —
// [ChannelNew] announcements carrying an opaque [Channel] handle, and
// [ChannelEvent] lifecycle reports ([EventOpened], [EventClosed], and
// the error codes, of which the connection-level ones report
// Fatal() = true). For a given channel id, ChannelNew always precedes
// any event, and EventClosed is always the last event observed.
//
// The production implementation, [WebRTCTransport], uses pion/webrtc
// data channels: the endpoint opens one SCTP data channel per logical
// channel and identifies it with a CBOR [ChannelAnnounce] envelope as
// the first message. Signaling is a single HTTP offer/answer
// round-trip against the target (vanilla ICE, all candidates gathered
// before the offer is published). [HostEndpoint] implements the
// answering side, used by virtview-mock-host and the loopback tests.
//
// [MemoryTransport] is an in-process scripted implementation for
// session core tests: the test plays the role of the remote endpoint
// by posting notifications directly.
package transport
