// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for virtview binaries.
//
// The viewer configuration is a single YAML file specified by:
//   - the VIRTVIEW_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery; command-line flags
// override individual fields after loading. ICE server lists live in a
// separate JSONC file (comments allowed) referenced from the main
// config, so deployments can share one ICE list across viewers.
package config
