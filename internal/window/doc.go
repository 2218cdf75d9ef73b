// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package window assembles the context window sent to the model for one
// turn: the system prompt for the conversation's prompt type, the summaries
// of its processed active documents, and the last N messages of its
// effective history.
//
// Building is deterministic: two builds of an unmodified conversation give
// byte-identical JSON and equal fingerprints.
package window
