// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package viewerui implements the terminal presentation layer for a
// virtview session. Built on bubbletea (Elm architecture), it shows
// the session state, the attached display panels, and a rolling log
// of device redirection notices.
//
// The session core publishes through [session.EventSink]; this
// package provides two implementations. [ProgramSink] translates
// sink callbacks into bubbletea messages delivered with
// Program.Send, so the Model never shares state with the session
// event loop. [LogSink] is the headless alternative: every callback
// becomes a structured log line, used by --headless runs and the
// mock host.
//
// Display "surfaces" are text panels showing the display id and
// attachment status. Pixel rendering is a different program's job;
// the panel stands in for it so surface lifecycle (attach, detach,
// close-before-surface) is fully visible in the terminal.
package viewerui
