// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for testing. After registers a
// pending waiter; Advance moves the clock forward and fires every
// waiter whose deadline has been reached.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
	changed *sync.Cond
}

// fakeWaiter is one pending After call.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// Now returns the current fake time.
func (fake *FakeClock) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.current
}

// After returns a channel that receives once the clock has been
// advanced past duration d. If d <= 0 the channel receives
// immediately without registering a waiter.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.current
		return channel
	}

	fake.waiters = append(fake.waiters, fakeWaiter{
		deadline: fake.current.Add(d),
		channel:  channel,
	})
	fake.changed.Broadcast()
	return channel
}

// Advance moves the clock forward by d and fires all waiters whose
// deadline is now in the past (or exactly now). Fired waiters receive
// their deadline time, matching time.After's contract of delivering
// the fire time rather than the observation time.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	fake.current = fake.current.Add(d)

	remaining := fake.waiters[:0]
	for _, waiter := range fake.waiters {
		if waiter.deadline.After(fake.current) {
			remaining = append(remaining, waiter)
			continue
		}
		waiter.channel <- waiter.deadline
	}
	fake.waiters = remaining
}

// WaitForWaiters blocks until at least count waiters are registered.
// Tests call this after starting the goroutine under test to ensure
// its After call has happened before Advance fires the deadline.
func (fake *FakeClock) WaitForWaiters(count int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for len(fake.waiters) < count {
		fake.changed.Wait()
	}
}

// WaiterCount returns the number of pending waiters.
func (fake *FakeClock) WaiterCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return len(fake.waiters)
}
