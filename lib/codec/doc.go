// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides virtview's wire encoding: CBOR with Core
// Deterministic Encoding (RFC 8949 §4.2). The transport uses it for
// channel announce envelopes and device-redirection notices.
//
// Consumers import only this package, never fxamacker/cbor directly,
// so encoder options stay consistent across the codebase.
package codec
