// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/virtview/virtview/transport"
)

// ChannelKind is the semantic classification of a channel. Only the
// three named kinds drive behavior; everything else is KindOther and
// is registered but otherwise ignored, since forward-compatible
// endpoints may introduce new channel types.
type ChannelKind int

const (
	// KindOther covers channel types the session does not act on.
	KindOther ChannelKind = iota

	// KindMain is the control channel. Its successful open gates
	// usability of all other channels.
	KindMain

	// KindDisplay carries one remote framebuffer's updates.
	KindDisplay

	// KindDeviceRedirection carries forwarded peripheral traffic.
	KindDeviceRedirection
)

// ResolveChannelKind maps a raw transport channel type to its semantic
// kind. Unknown values are not errors: they resolve to KindOther.
func ResolveChannelKind(raw int) ChannelKind {
	switch raw {
	case transport.ChannelTypeMain:
		return KindMain
	case transport.ChannelTypeDisplay:
		return KindDisplay
	case transport.ChannelTypeUSBRedir:
		return KindDeviceRedirection
	default:
		return KindOther
	}
}

func (k ChannelKind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindDisplay:
		return "display"
	case KindDeviceRedirection:
		return "device-redirection"
	case KindOther:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChannelDescriptor is the typed identity of a channel, produced once
// at channel-new time from the raw transport values.
type ChannelDescriptor struct {
	// Kind is the resolved semantic kind.
	Kind ChannelKind

	// Raw is the transport channel type the kind was resolved from.
	// Retained so KindOther channels keep their identity in
	// diagnostics.
	Raw int

	// ID is the channel id, unique per kind within a session.
	ID int
}

func (d ChannelDescriptor) String() string {
	return fmt.Sprintf("%s:%d", transport.ChannelTypeString(d.Raw), d.ID)
}
