// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/virtview/virtview/lib/clock"
	"github.com/virtview/virtview/transport"
)

// Default policy intervals. Both are controller policy, not delegated
// to the transport.
const (
	// DefaultConnectTimeout bounds how long a session may stay in
	// Connecting before the attempt is treated as a connect failure.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultDrainTimeout bounds how long teardown waits for channel
	// close events and in-flight surface requests before forcing the
	// session to Disconnected.
	DefaultDrainTimeout = 5 * time.Second
)

// internalBuffer is the depth of the loop's re-entry queue (surface
// results, device notices, disconnect requests).
const internalBuffer = 128

// controllerEvent is an event re-entering the session event loop from
// outside the transport's notification stream.
type controllerEvent interface{ isControllerEvent() }

// surfaceResultEvent is the completion of a DisplayAttached request.
type surfaceResultEvent struct {
	id      int
	surface SurfaceRef
	err     error
}

// deviceNoticeEvent is a decoded device attach/detach notice.
type deviceNoticeEvent struct {
	notice transport.DeviceNotice
}

// diagnosticEvent is a recoverable condition found off-loop.
type diagnosticEvent struct {
	diagnostic Diagnostic
}

// disconnectRequestEvent is a user-initiated disconnect.
type disconnectRequestEvent struct{}

func (surfaceResultEvent) isControllerEvent()     {}
func (deviceNoticeEvent) isControllerEvent()      {}
func (diagnosticEvent) isControllerEvent()        {}
func (disconnectRequestEvent) isControllerEvent() {}

// Options configures a session Controller. Zero values get defaults.
type Options struct {
	// Target is the remote endpoint to connect to.
	Target transport.Target

	// ConnectTimeout bounds the Connecting state. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// DrainTimeout bounds teardown. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration

	// Clock is the time source. Nil means the real clock.
	Clock clock.Clock

	// Logger receives session diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Controller owns one remote-display session: it issues the connect,
// consumes the transport's notification stream, routes channel
// lifecycle to the display and device managers, and decides when a
// fatal error must terminate the session.
//
// All session state is confined to the Run event loop — the single
// logical event stream per session. The only methods safe to call
// from other goroutines are State and RequestDisconnect. Multiple
// concurrent sessions are independent Controllers sharing nothing.
type Controller struct {
	transport transport.Transport
	sink      EventSink
	options   Options

	registry *ChannelRegistry
	displays *displayManager
	devices  *deviceManager

	// Loop-confined: the buffered notifications received while still
	// Connecting, replayed on the transition to Connected.
	pending []transport.Notification

	// Loop-confined deadline channels. Nil when not armed.
	connectDeadline <-chan time.Time
	drainDeadline   <-chan time.Time

	// terminalErr is the error Run returns; nil for a user-initiated
	// disconnect.
	terminalErr error

	internal chan controllerEvent

	// runCtx is the context Run was started with; surface requests
	// inherit it.
	runCtx context.Context

	stateMu sync.Mutex
	state   State
	started bool
}

// New creates a session Controller. The transport must be unconnected;
// the controller issues the connect when Run starts.
func New(t transport.Transport, sink EventSink, options Options) *Controller {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = DefaultDrainTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	controller := &Controller{
		transport: t,
		sink:      sink,
		options:   options,
		registry:  NewChannelRegistry(),
		internal:  make(chan controllerEvent, internalBuffer),
		state:     StateIdle,
	}
	controller.displays = newDisplayManager(controller.registry, sink, options.Logger, controller.postInternal)
	controller.devices = newDeviceManager(controller.registry, sink, options.Logger, controller.postInternal)
	return controller
}

// State returns the current session state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// RequestDisconnect asks the session to disconnect. Safe to call from
// any goroutine, in any state, any number of times: while already
// Disconnecting or Disconnected it is a no-op.
func (c *Controller) RequestDisconnect() {
	c.postInternal(disconnectRequestEvent{})
}

// Run executes the session to completion: connect, route events,
// tear down. It returns nil when the session ended by user request or
// orderly endpoint shutdown, a *ConnectError when the session never
// became usable, and a *ChannelError for a fatal channel failure.
//
// Run may be called once per Controller.
func (c *Controller) Run(ctx context.Context) error {
	c.stateMu.Lock()
	if c.started {
		c.stateMu.Unlock()
		return fmt.Errorf("session already run")
	}
	c.started = true
	c.stateMu.Unlock()

	c.runCtx = ctx
	logger := c.options.Logger

	// Report the state machine's starting point, then connect.
	c.sink.SessionStateChanged(StateIdle)
	c.setState(StateConnecting)

	if err := c.transport.Connect(ctx, c.options.Target); err != nil {
		logger.Error("connect request failed", "target", c.options.Target.Address(), "error", err)
		c.terminalErr = &ConnectError{Target: c.options.Target, Err: err}
		c.setState(StateDisconnecting)
		c.finish()
		return c.terminalErr
	}
	logger.Info("connecting", "target", c.options.Target.Address())
	c.connectDeadline = c.options.Clock.After(c.options.ConnectTimeout)

	notifications := c.transport.Notifications()
	done := ctx.Done()

	for c.State() != StateDisconnected {
		select {
		case <-done:
			done = nil
			c.beginTeardown(nil)

		case <-c.connectDeadline:
			c.connectDeadline = nil
			logger.Warn("connect timed out", "target", c.options.Target.Address())
			c.beginTeardown(&ConnectError{Target: c.options.Target, Timeout: true})

		case <-c.drainDeadline:
			c.drainDeadline = nil
			logger.Warn("teardown drain timed out, forcing disconnect")
			c.forceTeardown()

		case notification, ok := <-notifications:
			if !ok {
				notifications = nil
				c.handleStreamEnd()
				continue
			}
			c.handleNotification(notification)

		case event := <-c.internal:
			c.handleInternal(event)
		}
	}

	return c.terminalErr
}

// setState advances the state machine and reports the transition.
// Transitions are monotonic; Disconnected is reachable from anywhere.
func (c *Controller) setState(state State) {
	c.stateMu.Lock()
	if state <= c.state {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	c.options.Logger.Info("session state changed", "state", state.String())
	c.sink.SessionStateChanged(state)
}

// postInternal queues an event for the loop without ever blocking the
// caller. The queue is deep; overflowing it means the loop is gone,
// and dropping is the only safe choice.
func (c *Controller) postInternal(event controllerEvent) {
	select {
	case c.internal <- event:
	default:
		c.options.Logger.Warn("session event queue full, dropping event")
	}
}

// handleNotification routes one transport notification. Runs to
// completion before the next notification is observed.
func (c *Controller) handleNotification(notification transport.Notification) {
	kind := ResolveChannelKind(notification.ChannelType)

	switch notification.Kind {
	case transport.ChannelNew:
		c.handleChannelNew(kind, notification)
	case transport.ChannelEvent:
		c.handleChannelEvent(kind, notification)
	}
}

func (c *Controller) handleChannelNew(kind ChannelKind, notification transport.Notification) {
	logger := c.options.Logger
	logger.Info("channel announced",
		"type", transport.ChannelTypeString(notification.ChannelType),
		"kind", kind.String(),
	)

	switch c.State() {
	case StateConnecting:
		if kind == KindMain {
			c.registerPlain(kind, notification)
			return
		}
		// Display/device channels announced before the main channel
		// is ready are buffered, not dropped, and replayed once
		// Connected.
		c.pending = append(c.pending, notification)

	case StateConnected:
		c.routeChannelNew(kind, notification)

	default:
		// A channel-new after teardown began would resurrect state
		// during shutdown; release the handle and move on.
		logger.Debug("ignoring channel-new during teardown",
			"type", transport.ChannelTypeString(notification.ChannelType),
		)
		notification.Channel.Close()
	}
}

func (c *Controller) routeChannelNew(kind ChannelKind, notification transport.Notification) {
	switch kind {
	case KindDisplay:
		c.displays.attach(c.runCtx, notification.ChannelType, notification.Channel)
	case KindDeviceRedirection:
		c.devices.attach(notification.ChannelType, notification.Channel)
	default:
		// Main and unrecognized kinds are tracked for teardown but
		// drive no behavior.
		c.registerPlain(kind, notification)
	}
}

// registerPlain registers a channel that has no manager of its own.
func (c *Controller) registerPlain(kind ChannelKind, notification transport.Notification) {
	channel := notification.Channel
	id, err := channel.ID()
	if err != nil {
		c.sink.ChannelDiagnostic(Diagnostic{
			Descriptor: ChannelDescriptor{Kind: kind, Raw: notification.ChannelType},
			Err:        &MalformedChannelEventError{ChannelType: notification.ChannelType, Err: err},
		})
		channel.Close()
		return
	}

	descriptor := ChannelDescriptor{Kind: kind, Raw: notification.ChannelType, ID: id}
	handle := &ChannelHandle{Descriptor: descriptor, Channel: channel}
	if err := c.registry.Register(handle); err != nil {
		c.sink.ChannelDiagnostic(Diagnostic{Descriptor: descriptor, Err: err})
		channel.Close()
	}
}

func (c *Controller) handleChannelEvent(kind ChannelKind, notification transport.Notification) {
	logger := c.options.Logger
	descriptor := ChannelDescriptor{Kind: kind, Raw: notification.ChannelType, ID: notification.ChannelID}
	state := c.State()

	if notification.Event.Fatal() {
		if state >= StateDisconnecting {
			return
		}
		if kind == KindMain && state == StateConnecting {
			// A connect-class error on the main channel indicates
			// authentication or routing failure upstream of any
			// channel being usable. Always fatal.
			c.beginTeardown(&ConnectError{Target: c.options.Target, Event: notification.Event})
			return
		}
		c.beginTeardown(&ChannelError{Descriptor: descriptor, Event: notification.Event})
		return
	}

	switch notification.Event {
	case transport.EventOpened:
		if kind == KindMain && state == StateConnecting {
			c.becomeConnected()
			return
		}
		if state == StateConnecting {
			c.pending = append(c.pending, notification)
			return
		}
		logger.Debug("channel opened", "channel", descriptor.String())

	case transport.EventClosed:
		if state == StateConnecting && kind != KindMain {
			c.pending = append(c.pending, notification)
			return
		}
		if c.isForeignChannel(kind, notification) {
			// The close belongs to a channel that lost its
			// registration (a dropped duplicate), not to the channel
			// the session holds under this id.
			logger.Debug("ignoring close from unregistered channel", "channel", descriptor.String())
			return
		}
		if kind == KindMain && state == StateConnected {
			// Endpoint-initiated shutdown: the control channel is
			// gone, so the session is over, but it is not an error.
			logger.Info("main channel closed by endpoint")
			c.beginTeardown(nil)
			return
		}
		c.routeClosed(kind, notification.ChannelID)

	default:
		// Non-fatal channel errors are reported upward without any
		// state change.
		c.sink.ChannelDiagnostic(Diagnostic{
			Descriptor: descriptor,
			Err:        &ChannelError{Descriptor: descriptor, Event: notification.Event},
		})
	}
}

// becomeConnected transitions Connecting → Connected and replays the
// notifications buffered while the main channel was opening.
func (c *Controller) becomeConnected() {
	c.connectDeadline = nil
	c.setState(StateConnected)

	replay := c.pending
	c.pending = nil
	for _, notification := range replay {
		// Replay in arrival order; routing now sees Connected.
		c.handleNotification(notification)
	}
}

// isForeignChannel reports whether an event carrying channel identity
// originated from a channel other than the one registered under its
// (kind, id). Happens when a duplicate announcement was dropped: the
// duplicate's close must not tear down the surviving registration.
func (c *Controller) isForeignChannel(kind ChannelKind, notification transport.Notification) bool {
	if notification.Channel == nil {
		return false
	}
	handle, ok := c.registry.Lookup(kind, notification.ChannelID)
	return ok && handle.Channel != notification.Channel
}

// routeClosed dispatches a channel-close to its manager and checks
// whether teardown has completed.
func (c *Controller) routeClosed(kind ChannelKind, id int) {
	switch kind {
	case KindDisplay:
		c.displays.closed(id)
	case KindDeviceRedirection:
		c.devices.closed(id)
	default:
		if handle, ok := c.registry.Unregister(kind, id); ok {
			handle.Channel.Close()
		}
	}
	c.checkTeardownComplete()
}

func (c *Controller) handleInternal(event controllerEvent) {
	switch event := event.(type) {
	case surfaceResultEvent:
		c.displays.surfaceDelivered(event)
		c.checkTeardownComplete()
	case deviceNoticeEvent:
		c.devices.notice(event.notice)
	case diagnosticEvent:
		c.sink.ChannelDiagnostic(event.diagnostic)
	case disconnectRequestEvent:
		c.beginTeardown(nil)
	}
}

// handleStreamEnd reacts to the transport's notification stream
// closing. During teardown that is expected; before it, the link is
// simply gone and no close events will ever arrive, so teardown is
// forced immediately.
func (c *Controller) handleStreamEnd() {
	if c.State() >= StateDisconnecting {
		c.forceTeardown()
		return
	}
	c.options.Logger.Warn("transport stream ended unexpectedly")
	c.terminalErr = &ChannelError{
		Descriptor: ChannelDescriptor{Kind: KindMain, Raw: transport.ChannelTypeMain},
		Event:      transport.EventErrorLink,
	}
	c.setState(StateDisconnecting)
	c.forceTeardown()
}

// beginTeardown enters Disconnecting: closes every registered channel
// and waits (bounded by DrainTimeout) for their close events and any
// in-flight surface requests. err becomes Run's return value; nil
// means a clean, user- or endpoint-initiated disconnect. Idempotent.
func (c *Controller) beginTeardown(err error) {
	if c.State() >= StateDisconnecting {
		return
	}
	c.terminalErr = err
	c.connectDeadline = nil
	c.pending = nil
	c.setState(StateDisconnecting)

	for _, handle := range c.registry.All() {
		handle.Channel.Close()
	}

	if !c.checkTeardownComplete() {
		c.drainDeadline = c.options.Clock.After(c.options.DrainTimeout)
	}
}

// checkTeardownComplete finishes the session once nothing is left:
// the registry is empty and no surface request is in flight. Returns
// true when the session reached Disconnected.
func (c *Controller) checkTeardownComplete() bool {
	if c.State() != StateDisconnecting {
		return false
	}
	if c.registry.Len() > 0 || c.displays.outstanding() > 0 {
		return false
	}
	c.finish()
	return true
}

// forceTeardown closes out every remaining channel as if the
// transport had reported it closed, then finishes. Used when the
// transport can no longer deliver close events or the drain deadline
// expired.
func (c *Controller) forceTeardown() {
	for _, handle := range c.registry.All() {
		c.routeClosed(handle.Descriptor.Kind, handle.Descriptor.ID)
	}
	c.displays.abandon()
	if c.State() != StateDisconnected {
		c.finish()
	}
}

// finish is the single exit into the terminal state.
func (c *Controller) finish() {
	c.drainDeadline = nil
	c.setState(StateDisconnected)
	c.transport.Close()
	c.options.Logger.Info("session finished",
		"target", c.options.Target.Address(),
		"error", fmt.Sprint(c.terminalErr),
	)
}
