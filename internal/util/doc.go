// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across docthread.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth, PadRight, StringWidth: display-width aware layout
//   - SingleLine: flatten text for one-line listings
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - IsTempFile: recognize temp files left by an interrupted write
package util
