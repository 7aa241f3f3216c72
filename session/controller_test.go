// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/virtview/virtview/lib/clock"
	"github.com/virtview/virtview/lib/codec"
	"github.com/virtview/virtview/transport"
)

// recordingSink records every presentation-layer callback. The
// attachGate, when non-nil, blocks DisplayAttached until released,
// simulating a slow presentation layer.
type recordingSink struct {
	mu            sync.Mutex
	states        []State
	attached      []int
	detached      []int
	deviceReady   int
	deviceSurface *DeviceSurface
	disposed      int
	diagnostics   []Diagnostic

	attachGate chan struct{}
	attachErr  error
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) SessionStateChanged(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) DisplayAttached(ctx context.Context, id int) (SurfaceRef, error) {
	s.mu.Lock()
	s.attached = append(s.attached, id)
	gate := s.attachGate
	err := s.attachErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("surface-%d", id), nil
}

func (s *recordingSink) DisplayDetached(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, id)
}

func (s *recordingSink) DeviceSurfaceReady(surface *DeviceSurface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceReady++
	s.deviceSurface = surface
}

func (s *recordingSink) DeviceSurfaceDisposed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
}

func (s *recordingSink) ChannelDiagnostic(diagnostic Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, diagnostic)
}

func (s *recordingSink) snapshot() (states []State, attached, detached []int, ready, disposed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...),
		append([]int(nil), s.attached...),
		append([]int(nil), s.detached...),
		s.deviceReady, s.disposed
}

func (s *recordingSink) diagnosticCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.diagnostics)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// startSession wires a controller to a scripted transport and runs it.
func startSession(t *testing.T, sink *recordingSink, options Options) (*scriptedSession, <-chan error) {
	t.Helper()

	mt := transport.NewMemoryTransport()
	options.Logger = quietLogger()
	if options.Target.Host == "" {
		options.Target = transport.Target{Host: "vmhost", Port: 5900}
	}
	controller := New(mt, sink, options)

	result := make(chan error, 1)
	go func() { result <- controller.Run(context.Background()) }()

	waitUntil(t, "connect to be issued", func() bool { return mt.ConnectCalls() == 1 })
	return &scriptedSession{Transport: mt, Controller: controller}, result
}

// scriptedSession bundles the scripted transport with its controller.
type scriptedSession struct {
	Transport  *transport.MemoryTransport
	Controller *Controller
}

func (s *scriptedSession) openMain(t *testing.T) {
	t.Helper()
	s.Transport.OpenMain()
	waitUntil(t, "session to reach connected", func() bool {
		return s.Controller.State() == StateConnected
	})
}

func TestDisplayAttachDetachScenario(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)
	session.Transport.Emit(transport.ChannelTypeDisplay, 2, transport.EventOpened)
	waitUntil(t, "display 2 to attach", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1 && attached[0] == 2
	})

	session.Transport.Emit(transport.ChannelTypeDisplay, 2, transport.EventClosed)
	waitUntil(t, "display 2 to detach", func() bool {
		_, _, detached, _, _ := sink.snapshot()
		return len(detached) == 1 && detached[0] == 2
	})

	// Further events for the closed id are not accepted: no second
	// detach, no session impact.
	session.Transport.Emit(transport.ChannelTypeDisplay, 2, transport.EventClosed)

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	states, attached, detached, ready, disposed := sink.snapshot()
	wantStates := []State{StateIdle, StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}
	if !reflect.DeepEqual(states, wantStates) {
		t.Errorf("state sequence = %v, want %v", states, wantStates)
	}
	if len(attached) != 1 || len(detached) != 1 {
		t.Errorf("attached %v / detached %v, want one each", attached, detached)
	}
	if ready != 0 || disposed != 0 {
		t.Errorf("device callbacks fired: ready=%d disposed=%d", ready, disposed)
	}
}

func TestConnectErrorWhileConnecting(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})

	session.Transport.Emit(transport.ChannelTypeMain, 0, transport.EventErrorConnect)

	err := <-result
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Run() error = %v, want *ConnectError", err)
	}
	if connectErr.Event != transport.EventErrorConnect {
		t.Errorf("ConnectError.Event = %s, want error-connect", connectErr.Event)
	}

	states, attached, detached, ready, disposed := sink.snapshot()
	wantStates := []State{StateIdle, StateConnecting, StateDisconnecting, StateDisconnected}
	if !reflect.DeepEqual(states, wantStates) {
		t.Errorf("state sequence = %v, want %v", states, wantStates)
	}
	if len(attached)+len(detached)+ready+disposed != 0 {
		t.Error("display/device callbacks fired during failed connect")
	}
}

func TestConnectErrorAfterMainAnnounced(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})

	session.Transport.AnnounceChannel(transport.ChannelTypeMain, 0)
	session.Transport.Emit(transport.ChannelTypeMain, 0, transport.EventErrorAuth)

	err := <-result
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Run() error = %v, want *ConnectError", err)
	}

	states, _, _, _, _ := sink.snapshot()
	for _, state := range states {
		if state == StateConnected {
			t.Fatal("session visited Connected despite main-channel error while Connecting")
		}
	}
	if states[len(states)-1] != StateDisconnected {
		t.Errorf("final state = %s, want disconnected", states[len(states)-1])
	}
}

func TestConnectTimeout(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := newRecordingSink()
	_, result := startSession(t, sink, Options{Clock: fake, ConnectTimeout: 20 * time.Second})

	fake.WaitForWaiters(1)
	fake.Advance(20 * time.Second)

	err := <-result
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Run() error = %v, want *ConnectError", err)
	}
	if !connectErr.Timeout {
		t.Error("ConnectError.Timeout = false, want true")
	}

	states, _, _, _, _ := sink.snapshot()
	for _, state := range states {
		if state == StateConnected {
			t.Fatal("session visited Connected despite connect timeout")
		}
	}
}

func TestChannelsBufferedWhileConnecting(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})

	// Display channel announced before the main channel is ready:
	// buffered, not dropped, not acted on yet.
	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 1)
	session.Transport.Emit(transport.ChannelTypeDisplay, 1, transport.EventOpened)

	time.Sleep(50 * time.Millisecond)
	if _, attached, _, _, _ := sink.snapshot(); len(attached) != 0 {
		t.Fatalf("display attached while still Connecting: %v", attached)
	}

	session.openMain(t)
	waitUntil(t, "buffered display to replay", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1 && attached[0] == 1
	})

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestDuplicateDisplayRegistration(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)
	duplicate := session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)

	waitUntil(t, "duplicate to be reported", func() bool { return sink.diagnosticCount() == 1 })

	sink.mu.Lock()
	diagnostic := sink.diagnostics[0]
	sink.mu.Unlock()
	if !errors.Is(diagnostic.Err, ErrDuplicateChannel) {
		t.Errorf("diagnostic = %v, want ErrDuplicateChannel", diagnostic.Err)
	}
	if !duplicate.Closed() {
		t.Error("duplicate handle was not dropped")
	}

	// Exactly one surface request despite two announcements.
	waitUntil(t, "single attach", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1
	})

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// One registration, so one detach on teardown.
	_, _, detached, _, _ := sink.snapshot()
	if len(detached) != 1 {
		t.Errorf("detached = %v, want exactly one", detached)
	}
}

func TestMalformedDisplayChannelDropped(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	broken := session.Transport.AnnounceBrokenChannel(transport.ChannelTypeDisplay)

	waitUntil(t, "malformed event to be reported", func() bool { return sink.diagnosticCount() == 1 })

	sink.mu.Lock()
	diagnostic := sink.diagnostics[0]
	sink.mu.Unlock()
	var malformed *MalformedChannelEventError
	if !errors.As(diagnostic.Err, &malformed) {
		t.Errorf("diagnostic = %v, want *MalformedChannelEventError", diagnostic.Err)
	}
	if !broken.Closed() {
		t.Error("malformed channel handle was not released")
	}
	if _, attached, _, _, _ := sink.snapshot(); len(attached) != 0 {
		t.Errorf("surface requested for malformed channel: %v", attached)
	}

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestCloseBeforeSurfaceArrives(t *testing.T) {
	sink := newRecordingSink()
	sink.attachGate = make(chan struct{})
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 3)
	waitUntil(t, "surface request to be issued", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1
	})

	// The channel closes while the presentation layer is still
	// allocating the surface.
	session.Transport.Emit(transport.ChannelTypeDisplay, 3, transport.EventClosed)

	time.Sleep(50 * time.Millisecond)
	if _, _, detached, _, _ := sink.snapshot(); len(detached) != 0 {
		t.Fatal("detach fired before the surface arrived")
	}

	// Once the surface arrives, disposal is issued exactly once: no
	// dangling binding.
	close(sink.attachGate)
	waitUntil(t, "deferred detach", func() bool {
		_, _, detached, _, _ := sink.snapshot()
		return len(detached) == 1 && detached[0] == 3
	})

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	_, _, detached, _, _ := sink.snapshot()
	if len(detached) != 1 {
		t.Errorf("detached %v, want exactly one disposal", detached)
	}
}

func TestDisplayFailureIsIndependent(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	// First display attaches fine.
	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 1)
	waitUntil(t, "display 1 to attach", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1
	})

	// Second display's surface request fails; the first is unaffected.
	sink.mu.Lock()
	sink.attachErr = errors.New("no surface available")
	sink.mu.Unlock()
	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)

	waitUntil(t, "display 2 failure to be reported", func() bool { return sink.diagnosticCount() == 1 })

	if session.Controller.State() != StateConnected {
		t.Errorf("state = %s after per-display failure, want connected", session.Controller.State())
	}

	sink.mu.Lock()
	sink.attachErr = nil
	sink.mu.Unlock()
	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// Only the healthy display produced a detach.
	_, _, detached, _, _ := sink.snapshot()
	if len(detached) != 1 || detached[0] != 1 {
		t.Errorf("detached = %v, want [1]", detached)
	}
}

func TestDeviceSurfaceCreatedOnce(t *testing.T) {
	for _, announcements := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("announcements=%d", announcements), func(t *testing.T) {
			sink := newRecordingSink()
			session, result := startSession(t, sink, Options{})
			session.openMain(t)

			for i := 0; i < announcements; i++ {
				session.Transport.AnnounceChannel(transport.ChannelTypeUSBRedir, 5+i)
			}

			wantReady := 0
			if announcements > 0 {
				wantReady = 1
			}
			waitUntil(t, "device surface callbacks to settle", func() bool {
				_, _, _, ready, _ := sink.snapshot()
				return ready == wantReady
			})

			session.Controller.RequestDisconnect()
			if err := <-result; err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			_, _, _, ready, disposed := sink.snapshot()
			if ready != wantReady {
				t.Errorf("DeviceSurfaceReady fired %d times, want %d", ready, wantReady)
			}
			if disposed != wantReady {
				t.Errorf("DeviceSurfaceDisposed fired %d times, want %d", disposed, wantReady)
			}
		})
	}
}

func TestDeviceSurfaceDisposedAfterLastChannel(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeUSBRedir, 5)
	waitUntil(t, "device surface", func() bool {
		_, _, _, ready, _ := sink.snapshot()
		return ready == 1
	})
	session.Transport.AnnounceChannel(transport.ChannelTypeUSBRedir, 7)

	session.Transport.Emit(transport.ChannelTypeUSBRedir, 5, transport.EventClosed)
	time.Sleep(50 * time.Millisecond)
	if _, _, _, _, disposed := sink.snapshot(); disposed != 0 {
		t.Fatal("surface disposed while a device channel is still open")
	}

	session.Transport.Emit(transport.ChannelTypeUSBRedir, 7, transport.EventClosed)
	waitUntil(t, "surface disposal", func() bool {
		_, _, _, _, disposed := sink.snapshot()
		return disposed == 1
	})

	_, _, _, ready, _ := sink.snapshot()
	if ready != 1 {
		t.Errorf("DeviceSurfaceReady fired %d times, want 1", ready)
	}

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// No second disposal during teardown.
	if _, _, _, _, disposed := sink.snapshot(); disposed != 1 {
		t.Errorf("DeviceSurfaceDisposed fired %d times, want 1", disposed)
	}
}

func TestDeviceNoticesReachSurface(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	channel := session.Transport.AnnounceChannel(transport.ChannelTypeUSBRedir, 5)
	waitUntil(t, "device surface", func() bool {
		_, _, _, ready, _ := sink.snapshot()
		return ready == 1
	})

	notice := transport.DeviceNotice{
		Action:      transport.DeviceAttach,
		Vendor:      0x046d,
		Product:     0xc52b,
		Bus:         2,
		Address:     4,
		Description: "Logitech Unifying Receiver",
	}
	payload, err := codec.Marshal(notice)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	channel.InjectPayload(payload)

	sink.mu.Lock()
	surface := sink.deviceSurface
	sink.mu.Unlock()

	select {
	case got := <-surface.Notices():
		if got != notice {
			t.Errorf("notice = %+v, want %+v", got, notice)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for device notice")
	}

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// Disposal closes the notice stream.
	if _, ok := <-surface.Notices(); ok {
		t.Error("notice stream still open after disposal")
	}
}

func TestFatalChannelErrorWhileConnected(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)
	session.Transport.Emit(transport.ChannelTypeDisplay, 2, transport.EventErrorLink)

	err := <-result
	var channelErr *ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("Run() error = %v, want *ChannelError", err)
	}
	if channelErr.Event != transport.EventErrorLink {
		t.Errorf("ChannelError.Event = %s, want error-link", channelErr.Event)
	}
	if session.Controller.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", session.Controller.State())
	}
}

func TestNonFatalErrorReportsWithoutStateChange(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 2)
	waitUntil(t, "display to attach", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1
	})

	session.Transport.Emit(transport.ChannelTypeDisplay, 2, transport.EventErrorIO)
	waitUntil(t, "diagnostic", func() bool { return sink.diagnosticCount() == 1 })

	if session.Controller.State() != StateConnected {
		t.Errorf("state = %s after non-fatal error, want connected", session.Controller.State())
	}

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestChannelNewIgnoredDuringTeardown(t *testing.T) {
	sink := newRecordingSink()
	sink.attachGate = make(chan struct{})
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	// Hold teardown open with an in-flight surface request.
	session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 1)
	waitUntil(t, "surface request", func() bool {
		_, attached, _, _, _ := sink.snapshot()
		return len(attached) == 1
	})

	session.Controller.RequestDisconnect()
	waitUntil(t, "disconnecting", func() bool {
		return session.Controller.State() >= StateDisconnecting
	})

	// A channel announced during teardown must not resurrect state.
	late := session.Transport.AnnounceChannel(transport.ChannelTypeDisplay, 9)

	close(sink.attachGate)
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	waitUntil(t, "late handle release", func() bool { return late.Closed() })
	_, attached, _, _, _ := sink.snapshot()
	for _, id := range attached {
		if id == 9 {
			t.Error("surface requested for channel announced during teardown")
		}
	}
}

func TestRequestDisconnectIdempotent(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	session.Controller.RequestDisconnect()
	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// Safe after the session is already gone.
	session.Controller.RequestDisconnect()

	states, _, _, _, _ := sink.snapshot()
	disconnecting := 0
	for _, state := range states {
		if state == StateDisconnecting {
			disconnecting++
		}
	}
	if disconnecting != 1 {
		t.Errorf("Disconnecting observed %d times, want 1", disconnecting)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)
	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if err := session.Controller.Run(context.Background()); err == nil {
		t.Error("second Run() returned no error")
	}
}

func TestUnknownChannelKindRegisteredNotActedOn(t *testing.T) {
	sink := newRecordingSink()
	session, result := startSession(t, sink, Options{})
	session.openMain(t)

	// A channel type this viewer does not know: tracked for teardown,
	// no surface machinery engaged.
	unknown := session.Transport.AnnounceChannel(42, 0)
	time.Sleep(50 * time.Millisecond)

	_, attached, _, ready, _ := sink.snapshot()
	if len(attached) != 0 || ready != 0 {
		t.Error("unknown channel kind triggered display/device behavior")
	}

	session.Controller.RequestDisconnect()
	if err := <-result; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !unknown.Closed() {
		t.Error("unknown channel handle not released at teardown")
	}
}
