// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/virtview/virtview/lib/codec"
)

// HostEndpoint is the endpoint side of the WebRTC transport: it
// accepts a viewer's SDP offer over HTTP, answers it, and hands the
// established session to the OnSession callback, which opens logical
// channels toward the viewer.
//
// Production endpoints live inside the hypervisor stack; this
// implementation backs virtview-mock-host and the transport tests.
type HostEndpoint struct {
	logger    *slog.Logger
	iceConfig ICEConfig

	// OnSession is invoked on its own goroutine once a viewer's
	// PeerConnection is established. Must be set before Serve.
	OnSession func(*HostSession)

	mu       sync.Mutex
	sessions []*HostSession
	closed   bool
}

// NewHostEndpoint creates a host endpoint.
func NewHostEndpoint(iceConfig ICEConfig, logger *slog.Logger) *HostEndpoint {
	return &HostEndpoint{
		logger:    logger,
		iceConfig: iceConfig,
	}
}

// Serve accepts signaling requests on the listener until ctx is done.
func (he *HostEndpoint) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+signalPath, he.handleOffer)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Close()
		he.closeSessions()
	}()

	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (he *HostEndpoint) closeSessions() {
	he.mu.Lock()
	defer he.mu.Unlock()
	he.closed = true
	for _, session := range he.sessions {
		session.pc.Close()
	}
	he.sessions = nil
}

// handleOffer performs the answering half of the one-round-trip SDP
// exchange.
func (he *HostEndpoint) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer offerBody
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "malformed offer body", http.StatusBadRequest)
		return
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: he.iceConfig.Servers})
	if err != nil {
		he.logger.Error("creating PeerConnection failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	session := &HostSession{pc: pc, established: make(chan struct{})}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected ||
			state == webrtc.ICEConnectionStateCompleted {
			session.establishOnce.Do(func() { close(session.established) })
		}
	})
	// The viewer's trigger channel; nothing flows on it.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == "init" {
			dc.OnOpen(func() { dc.Close() })
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		http.Error(w, "unusable offer", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		he.logger.Error("creating SDP answer failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		he.logger.Error("setting local description failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		he.logger.Error("ICE gathering timed out")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case <-r.Context().Done():
		pc.Close()
		return
	}

	he.mu.Lock()
	if he.closed {
		he.mu.Unlock()
		pc.Close()
		return
	}
	he.sessions = append(he.sessions, session)
	he.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answerBody{SDP: pc.LocalDescription().SDP})

	he.logger.Info("viewer session answered", "remote", r.RemoteAddr)

	go func() {
		select {
		case <-session.established:
		case <-time.After(iceGatherTimeout):
			he.logger.Warn("viewer session never established")
			pc.Close()
			return
		}
		if he.OnSession != nil {
			he.OnSession(session)
		}
	}()
}

// HostSession is one established viewer connection on the host side.
type HostSession struct {
	pc            *webrtc.PeerConnection
	established   chan struct{}
	establishOnce sync.Once
}

// OpenChannel opens a logical channel toward the viewer: a new data
// channel whose first message is the announce envelope. Blocks until
// the data channel is open.
func (s *HostSession) OpenChannel(typeRaw, id int) (*HostChannel, error) {
	label := fmt.Sprintf("%s-%d", ChannelTypeString(typeRaw), id)
	dc, err := s.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within 10s", label)
	}

	announce, err := codec.Marshal(ChannelAnnounce{Type: typeRaw, ID: id})
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("encoding announce for %s: %w", label, err)
	}
	if err := dc.Send(announce); err != nil {
		dc.Close()
		return nil, fmt.Errorf("sending announce for %s: %w", label, err)
	}

	return &HostChannel{dc: dc}, nil
}

// Close tears down the viewer connection.
func (s *HostSession) Close() error {
	return s.pc.Close()
}

// HostChannel is the host side of one logical channel.
type HostChannel struct {
	dc *webrtc.DataChannel
}

// Send encodes v as CBOR and delivers it as one payload message.
func (c *HostChannel) Send(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return c.dc.Send(data)
}

// Close closes the underlying data channel; the viewer observes an
// EventClosed for this channel.
func (c *HostChannel) Close() error {
	return c.dc.Close()
}
