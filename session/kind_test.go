// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"

	"github.com/virtview/virtview/transport"
)

func TestResolveChannelKind(t *testing.T) {
	cases := []struct {
		raw  int
		want ChannelKind
	}{
		{transport.ChannelTypeMain, KindMain},
		{transport.ChannelTypeDisplay, KindDisplay},
		{transport.ChannelTypeUSBRedir, KindDeviceRedirection},
		{transport.ChannelTypeInputs, KindOther},
		{transport.ChannelTypeCursor, KindOther},
		{0, KindOther},
		// Forward compatibility: unknown types resolve, never fail.
		{99, KindOther},
		{-1, KindOther},
	}
	for _, tc := range cases {
		if got := ResolveChannelKind(tc.raw); got != tc.want {
			t.Errorf("ResolveChannelKind(%d) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestChannelDescriptorString(t *testing.T) {
	descriptor := ChannelDescriptor{Kind: KindDisplay, Raw: transport.ChannelTypeDisplay, ID: 2}
	if got := descriptor.String(); got != "display:2" {
		t.Errorf("String() = %q, want display:2", got)
	}

	unknown := ChannelDescriptor{Kind: KindOther, Raw: 77, ID: 1}
	if got := unknown.String(); got != "unknown(77):1" {
		t.Errorf("String() = %q, want unknown(77):1", got)
	}
}
