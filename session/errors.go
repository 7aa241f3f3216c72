// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/virtview/virtview/transport"
)

// ErrDuplicateChannel reports a channel-new for a (kind, id) pair that
// is already registered. Recoverable: the first registration wins and
// the duplicate handle is dropped.
var ErrDuplicateChannel = errors.New("duplicate channel registration")

// ConnectError is fatal: the session failed before becoming usable.
// It covers transport-level connect failures, authentication failures
// reported on the main channel, and the connect deadline expiring.
type ConnectError struct {
	// Target is the endpoint the session was connecting to.
	Target transport.Target

	// Event is the channel event that reported the failure, zero for
	// timeouts.
	Event transport.EventCode

	// Timeout is true when the Connecting deadline expired without
	// the main channel opening.
	Timeout bool

	// Err is the underlying transport error, when one exists.
	Err error
}

func (e *ConnectError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("connecting to %s timed out", e.Target)
	case e.Err != nil:
		return fmt.Sprintf("connecting to %s failed: %v", e.Target, e.Err)
	default:
		return fmt.Sprintf("connecting to %s failed: %s", e.Target, e.Event)
	}
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ChannelError is a channel-level failure. Fatal channel errors
// terminate the session; non-fatal ones are surfaced to the event
// sink as diagnostics without a state change.
type ChannelError struct {
	// Descriptor identifies the failing channel.
	Descriptor ChannelDescriptor

	// Event is the transport event that reported the failure.
	Event transport.EventCode
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s", e.Descriptor, e.Event)
}

// Fatal reports whether the error terminates the session.
func (e *ChannelError) Fatal() bool { return e.Event.Fatal() }

// MalformedChannelEventError reports a channel-new whose handle could
// not resolve its id, or an undecodable channel payload. Recoverable:
// the single event is dropped.
type MalformedChannelEventError struct {
	// ChannelType is the raw channel type of the offending event.
	ChannelType int

	// Err is the underlying resolution or decode failure.
	Err error
}

func (e *MalformedChannelEventError) Error() string {
	return fmt.Sprintf("malformed event on %s channel: %v",
		transport.ChannelTypeString(e.ChannelType), e.Err)
}

func (e *MalformedChannelEventError) Unwrap() error { return e.Err }
