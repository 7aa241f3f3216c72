// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/virtview/virtview/lib/config"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromServers converts the viewer configuration's ICE server
// entries into an ICEConfig suitable for pion/webrtc. An empty list
// yields a config with only host candidates — sufficient for
// same-machine and same-LAN use, which is the common remote-display
// deployment.
func ICEConfigFromServers(servers []config.ICEServer) ICEConfig {
	if len(servers) == 0 {
		return ICEConfig{}
	}
	ice := ICEConfig{Servers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, server := range servers {
		ice.Servers = append(ice.Servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return ice
}
