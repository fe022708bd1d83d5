// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the enclave
// runtime and its binaries.
//
// Configuration is loaded from a single file specified by either the
// ENCLAVE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. The file is decoded strictly: unknown
// keys are errors.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter: the
// enclave region must be mlocked.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${ENCLAVE_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- memory, threads, storage, features, operators, log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Size] -- byte counts with KiB/MiB/GiB suffixes
package config
