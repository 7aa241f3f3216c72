// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now
// or time.After directly. Real() provides standard library behavior;
// Fake() provides a deterministic clock that advances only when Advance
// is called, so timeout policies (like the session connect deadline)
// can be tested without real waiting.
//
// When a goroutine calls After on a FakeClock it registers a pending
// waiter. Tests use WaitForWaiters to block until the waiter exists
// before calling Advance, eliminating the registration/advancement
// race that plagues sleep-based tests.
package clock
