// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "fmt"

// signalPath is the HTTP path for the one-round-trip SDP exchange.
const signalPath = "/virtview/v1/session"

// offerBody is the JSON request body of the signaling POST.
type offerBody struct {
	SDP string `json:"sdp"`
}

// answerBody is the JSON response body of the signaling POST.
type answerBody struct {
	SDP string `json:"sdp"`
}

// ChannelAnnounce is the first CBOR message on every data channel. It
// binds the SCTP stream to a logical channel identity. Fields the
// viewer does not know are ignored (see lib/codec), so endpoints can
// extend the envelope.
type ChannelAnnounce struct {
	// Type is the raw channel type (ChannelTypeMain etc.).
	Type int `cbor:"type"`

	// ID is the channel id, unique per type within the session.
	ID int `cbor:"id"`
}

// Device notice actions.
const (
	DeviceAttach = "attach"
	DeviceDetach = "detach"
)

// DeviceNotice is a payload message on a device-redirection channel
// reporting a forwarded peripheral appearing or disappearing.
type DeviceNotice struct {
	// Action is DeviceAttach or DeviceDetach.
	Action string `cbor:"action"`

	// Vendor and Product are the USB vendor/product ids.
	Vendor  uint16 `cbor:"vendor"`
	Product uint16 `cbor:"product"`

	// Bus and Address locate the device on the remote host.
	Bus     int `cbor:"bus"`
	Address int `cbor:"address"`

	// Description is the human-readable device name, if known.
	Description string `cbor:"description,omitempty"`
}

// String renders the notice the way the viewer displays it, e.g.
// "attach 1d6b:0002 Linux Foundation 2.0 root hub at 1-3".
func (n DeviceNotice) String() string {
	label := n.Description
	if label == "" {
		label = "device"
	}
	return fmt.Sprintf("%s %04x:%04x %s at %d-%d", n.Action, n.Vendor, n.Product, label, n.Bus, n.Address)
}
