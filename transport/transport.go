// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Conventional remote-display channel type numbers. The session core
// only acts on Main, Display, and USBRedir; everything else is
// registered and otherwise ignored, so endpoints may introduce new
// types without breaking older viewers.
const (
	ChannelTypeMain     = 1
	ChannelTypeDisplay  = 2
	ChannelTypeInputs   = 3
	ChannelTypeCursor   = 4
	ChannelTypePlayback = 5
	ChannelTypeRecord   = 6
	ChannelTypeUSBRedir = 9
	ChannelTypePort     = 10
)

// ChannelTypeString returns a diagnostic name for a raw channel type.
// Unknown types render as "unknown(N)".
func ChannelTypeString(raw int) string {
	switch raw {
	case ChannelTypeMain:
		return "main"
	case ChannelTypeDisplay:
		return "display"
	case ChannelTypeInputs:
		return "inputs"
	case ChannelTypeCursor:
		return "cursor"
	case ChannelTypePlayback:
		return "playback"
	case ChannelTypeRecord:
		return "record"
	case ChannelTypeUSBRedir:
		return "usbredir"
	case ChannelTypePort:
		return "port"
	default:
		return "unknown(" + strconv.Itoa(raw) + ")"
	}
}

// Target identifies the remote endpoint to connect to.
type Target struct {
	Host string
	Port int
}

// Address returns the host:port form of the target.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Address() }

// EventCode classifies a channel-event notification.
type EventCode int

const (
	// EventOpened reports that the channel completed its open
	// handshake and is usable.
	EventOpened EventCode = iota + 1

	// EventClosed reports orderly channel shutdown. It is the last
	// event ever delivered for a channel id.
	EventClosed

	// EventErrorConnect reports a failure to establish the channel:
	// routing or endpoint rejection upstream of any data flowing.
	EventErrorConnect

	// EventErrorAuth reports an authentication failure.
	EventErrorAuth

	// EventErrorLink reports loss of the underlying connection.
	EventErrorLink

	// EventErrorIO reports a per-message error on an otherwise
	// healthy channel (e.g. an undecodable payload).
	EventErrorIO
)

// Fatal reports whether the event is connection-level: serious enough
// that the session cannot continue. Per-message IO errors are not.
func (e EventCode) Fatal() bool {
	switch e {
	case EventErrorConnect, EventErrorAuth, EventErrorLink:
		return true
	default:
		return false
	}
}

func (e EventCode) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventErrorConnect:
		return "error-connect"
	case EventErrorAuth:
		return "error-auth"
	case EventErrorLink:
		return "error-link"
	case EventErrorIO:
		return "error-io"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// NotificationKind distinguishes the two notification shapes.
type NotificationKind int

const (
	// ChannelNew announces a channel the endpoint has opened. The
	// Channel field carries the handle.
	ChannelNew NotificationKind = iota + 1

	// ChannelEvent reports a lifecycle event on a known channel.
	ChannelEvent
)

// Notification is one entry in a session's serial event stream.
// For a given channel id, ChannelNew always precedes any ChannelEvent,
// and EventClosed is always the last event observed.
type Notification struct {
	Kind NotificationKind

	// ChannelType is the raw channel type for both notification kinds.
	ChannelType int

	// Channel is the handle for ChannelNew notifications. For
	// ChannelEvent notifications it is set when the transport knows
	// which concrete channel the event originated from, so consumers
	// can tell an event on a registered channel apart from one on a
	// dropped duplicate. Nil means identity is unknown.
	Channel Channel

	// ChannelID identifies the channel for ChannelEvent notifications.
	ChannelID int

	// Event is the event code for ChannelEvent notifications.
	Event EventCode
}

// Channel is the opaque per-channel transport handle. Ownership passes
// to whoever registers it; Close releases the underlying resources and
// is safe to call more than once.
type Channel interface {
	// Type returns the raw channel type.
	Type() int

	// ID returns the channel id. The id must be resolvable
	// synchronously at channel-new time; a failure here means the
	// endpoint announced a malformed channel.
	ID() (int, error)

	// Payloads delivers the channel's decoded payload messages in
	// arrival order. The channel is closed when the transport channel
	// closes.
	Payloads() <-chan []byte

	// Close releases the channel. Idempotent.
	Close() error
}

// Transport establishes a connection to a remote endpoint and delivers
// the per-session notification stream. Implementations must deliver
// notifications serially: the consumer processes each to completion
// before the next is observed.
type Transport interface {
	// Connect starts connection establishment and returns immediately.
	// The outcome arrives on the notification stream: a main-channel
	// ChannelNew followed by EventOpened on success, or an
	// EventErrorConnect on failure.
	Connect(ctx context.Context, target Target) error

	// Notifications returns the serial notification stream. The
	// channel is closed when the transport shuts down.
	Notifications() <-chan Notification

	// Close tears down the connection and all channels. Idempotent.
	Close() error
}
