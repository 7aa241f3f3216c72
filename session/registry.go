// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/virtview/virtview/transport"
)

// ChannelHandle pairs a channel's typed identity with its transport
// handle. The registry entry exclusively owns the transport handle;
// it is released (closed) when the channel is unregistered.
type ChannelHandle struct {
	// Descriptor is the channel's typed identity.
	Descriptor ChannelDescriptor

	// Channel is the owned transport handle.
	Channel transport.Channel
}

// registryKey identifies a registry entry. Ids are unique per kind,
// not globally: display channels and device channels may share ids.
type registryKey struct {
	kind ChannelKind
	id   int
}

// ChannelRegistry tracks a session's open channels, keyed by
// (kind, id). It is mutated only from the session's event loop (the
// single logical event stream per session), so it carries no lock.
type ChannelRegistry struct {
	entries map[registryKey]*ChannelHandle
	order   []registryKey
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		entries: make(map[registryKey]*ChannelHandle),
	}
}

// Register inserts the handle. Returns ErrDuplicateChannel when an
// entry with the same (kind, id) already exists; the existing entry
// is untouched.
func (r *ChannelRegistry) Register(handle *ChannelHandle) error {
	key := registryKey{kind: handle.Descriptor.Kind, id: handle.Descriptor.ID}
	if _, exists := r.entries[key]; exists {
		return ErrDuplicateChannel
	}
	r.entries[key] = handle
	r.order = append(r.order, key)
	return nil
}

// Unregister removes and returns the entry for (kind, id). The second
// return is false when no such entry exists — closing an already
// closed channel is not an error.
func (r *ChannelRegistry) Unregister(kind ChannelKind, id int) (*ChannelHandle, bool) {
	key := registryKey{kind: kind, id: id}
	handle, exists := r.entries[key]
	if !exists {
		return nil, false
	}
	delete(r.entries, key)
	for i, ordered := range r.order {
		if ordered == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return handle, true
}

// Lookup returns the entry for (kind, id) without removing it.
func (r *ChannelRegistry) Lookup(kind ChannelKind, id int) (*ChannelHandle, bool) {
	handle, exists := r.entries[registryKey{kind: kind, id: id}]
	return handle, exists
}

// All returns a snapshot of the registered handles in insertion order.
// Teardown iterates this snapshot so channel shutdown is deterministic.
func (r *ChannelRegistry) All() []*ChannelHandle {
	handles := make([]*ChannelHandle, 0, len(r.order))
	for _, key := range r.order {
		handles = append(handles, r.entries[key])
	}
	return handles
}

// Len returns the number of registered channels.
func (r *ChannelRegistry) Len() int { return len(r.entries) }

// CountKind returns the number of registered channels of the given
// kind. The device-redirection manager uses this to dispose its
// surface when the last device channel closes.
func (r *ChannelRegistry) CountKind(kind ChannelKind) int {
	count := 0
	for key := range r.entries {
		if key.kind == kind {
			count++
		}
	}
	return count
}
