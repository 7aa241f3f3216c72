// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/virtview/virtview/lib/codec"
)

// Compile-time interface checks.
var (
	_ Transport = (*WebRTCTransport)(nil)
	_ Channel   = (*webrtcChannel)(nil)
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP offer.
const iceGatherTimeout = 15 * time.Second

// signalTimeout bounds the signaling HTTP round-trip.
const signalTimeout = 30 * time.Second

// payloadBuffer is the per-channel payload queue depth. A consumer
// that falls this far behind loses messages (logged), never blocks
// the transport's delivery callbacks.
const payloadBuffer = 64

// WebRTCTransport connects to a remote-display endpoint over a single
// WebRTC PeerConnection. The endpoint opens one SCTP data channel per
// logical channel; the first CBOR message on each is a ChannelAnnounce
// binding the stream to a (type, id) identity. Subsequent messages are
// the channel's payloads.
//
// Signaling is a single HTTP round-trip against the target: the viewer
// POSTs its SDP offer and receives the answer in the response. Vanilla
// ICE — all candidates are gathered before the offer is published.
//
// One WebRTCTransport carries one session. Connect may be called once.
type WebRTCTransport struct {
	logger     *slog.Logger
	iceConfig  ICEConfig
	httpClient *http.Client

	notifications chan Notification

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	connected bool
	closed    bool
}

// NewWebRTCTransport creates a WebRTC transport with the given ICE
// configuration.
func NewWebRTCTransport(iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		logger:        logger,
		iceConfig:     iceConfig,
		httpClient:    &http.Client{Timeout: signalTimeout},
		notifications: make(chan Notification, 64),
	}
}

// Connect starts connection establishment and returns immediately.
// Signaling and ICE run in the background; failure surfaces as a
// synthetic main-channel EventErrorConnect notification, so the
// session observes exactly one error path for all connect failures.
func (wt *WebRTCTransport) Connect(ctx context.Context, target Target) error {
	wt.mu.Lock()
	if wt.closed {
		wt.mu.Unlock()
		return net.ErrClosed
	}
	if wt.connected {
		wt.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	wt.connected = true

	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.connected = false
		wt.mu.Unlock()
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	wt.pc = pc
	wt.mu.Unlock()

	pc.OnDataChannel(wt.handleInboundChannel)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(state)
	})

	go func() {
		if err := wt.establish(ctx, pc, target); err != nil {
			wt.logger.Error("connection establishment failed",
				"target", target.Address(),
				"error", err,
			)
			wt.post(Notification{
				Kind:        ChannelEvent,
				ChannelType: ChannelTypeMain,
				ChannelID:   0,
				Event:       EventErrorConnect,
			})
		}
	}()
	return nil
}

// Notifications returns the serial notification stream.
func (wt *WebRTCTransport) Notifications() <-chan Notification {
	return wt.notifications
}

// Close tears down the PeerConnection and the notification stream.
func (wt *WebRTCTransport) Close() error {
	wt.mu.Lock()
	if wt.closed {
		wt.mu.Unlock()
		return nil
	}
	wt.closed = true
	pc := wt.pc
	close(wt.notifications)
	wt.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

// establish performs the offer/answer exchange with the target's
// signaling endpoint.
func (wt *WebRTCTransport) establish(ctx context.Context, pc *webrtc.PeerConnection, target Target) error {
	// A trigger data channel forces pion to include a data channel
	// section in the SDP. The endpoint discards it.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(offerBody{SDP: pc.LocalDescription().SDP})
	if err != nil {
		return fmt.Errorf("encoding offer: %w", err)
	}

	url := "http://" + target.Address() + signalPath
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building signaling request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := wt.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("signaling exchange with %s: %w", target.Address(), err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("signaling endpoint returned %s: %s", response.Status, detail)
	}

	var answer answerBody
	if err := json.NewDecoder(response.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decoding SDP answer: %w", err)
	}

	description := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}
	if err := pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("signaling complete", "target", target.Address())
	return nil
}

// handleInboundChannel wires an endpoint-opened data channel into the
// notification stream. The first message must be the announce
// envelope; everything after it is payload.
func (wt *WebRTCTransport) handleInboundChannel(dc *webrtc.DataChannel) {
	if dc.Label() == "init" {
		// Our own trigger channel, looped back by some endpoints.
		dc.OnOpen(func() { dc.Close() })
		return
	}

	channel := &webrtcChannel{
		dc:       dc,
		payloads: make(chan []byte, payloadBuffer),
	}

	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		channel.mu.Lock()
		announced := channel.announced
		channel.mu.Unlock()

		if !announced {
			var announce ChannelAnnounce
			if err := codec.Unmarshal(message.Data, &announce); err != nil {
				wt.logger.Warn("undecodable channel announce, dropping channel",
					"label", dc.Label(),
					"error", err,
				)
				dc.Close()
				return
			}
			channel.mu.Lock()
			channel.announced = true
			channel.channelType = announce.Type
			channel.id = announce.ID
			channel.mu.Unlock()

			wt.logger.Debug("channel announced",
				"type", ChannelTypeString(announce.Type),
				"id", announce.ID,
			)
			wt.post(Notification{
				Kind:        ChannelNew,
				ChannelType: announce.Type,
				Channel:     channel,
			})
			wt.post(Notification{
				Kind:        ChannelEvent,
				ChannelType: announce.Type,
				ChannelID:   announce.ID,
				Event:       EventOpened,
				Channel:     channel,
			})
			return
		}

		if !channel.deliver(message.Data) {
			wt.logger.Warn("payload dropped",
				"type", ChannelTypeString(channel.channelType),
				"id", channel.id,
			)
		}
	})

	dc.OnClose(func() {
		channel.markClosed()
		channel.mu.Lock()
		announced := channel.announced
		channelType, id := channel.channelType, channel.id
		channel.mu.Unlock()
		if !announced {
			return
		}
		wt.post(Notification{
			Kind:        ChannelEvent,
			ChannelType: channelType,
			ChannelID:   id,
			Event:       EventClosed,
			Channel:     channel,
		})
	})

	dc.OnError(func(err error) {
		channel.mu.Lock()
		announced := channel.announced
		channelType, id := channel.channelType, channel.id
		channel.mu.Unlock()
		if !announced {
			return
		}
		wt.logger.Warn("data channel error",
			"type", ChannelTypeString(channelType),
			"id", id,
			"error", err,
		)
		wt.post(Notification{
			Kind:        ChannelEvent,
			ChannelType: channelType,
			ChannelID:   id,
			Event:       EventErrorIO,
			Channel:     channel,
		})
	})
}

// handleICEStateChange surfaces connection-level failures as a fatal
// main-channel event. While still connecting this reads as a connect
// failure; after that, as link loss.
func (wt *WebRTCTransport) handleICEStateChange(state webrtc.ICEConnectionState) {
	wt.logger.Debug("ICE state change", "state", state.String())

	if state == webrtc.ICEConnectionStateFailed {
		wt.post(Notification{
			Kind:        ChannelEvent,
			ChannelType: ChannelTypeMain,
			ChannelID:   0,
			Event:       EventErrorLink,
		})
	}
}

// post delivers a notification unless the transport is closed.
func (wt *WebRTCTransport) post(notification Notification) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if wt.closed {
		return
	}
	select {
	case wt.notifications <- notification:
	default:
		// The buffer is deep and the session consumes promptly; a
		// full queue means the consumer is gone. Dropping beats
		// deadlocking pion's callback goroutine.
		wt.logger.Warn("notification queue full, dropping",
			"type", ChannelTypeString(notification.ChannelType),
			"event", notification.Event.String(),
		)
	}
}

// newPeerConnection creates a pion PeerConnection with the configured
// ICE servers. Loopback candidates are enabled so same-machine
// sessions and tests work without STUN.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	})
}

// webrtcChannel adapts one pion data channel to the Channel interface.
type webrtcChannel struct {
	dc       *webrtc.DataChannel
	payloads chan []byte

	mu          sync.Mutex
	announced   bool
	channelType int
	id          int
	closed      bool

	closeOnce sync.Once
}

// deliver queues one payload message. Returns false when the message
// was dropped: the channel is closed or the consumer is full.
func (c *webrtcChannel) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.payloads <- data:
		return true
	default:
		return false
	}
}

func (c *webrtcChannel) Type() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelType
}

func (c *webrtcChannel) ID() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.announced {
		return 0, fmt.Errorf("channel %s has no announce envelope", c.dc.Label())
	}
	return c.id, nil
}

func (c *webrtcChannel) Payloads() <-chan []byte { return c.payloads }

func (c *webrtcChannel) Close() error {
	err := c.dc.Close()
	c.markClosed()
	return err
}

func (c *webrtcChannel) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.payloads)
		c.mu.Unlock()
	})
}
