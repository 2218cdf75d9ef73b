// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript writes human-readable markdown records of conversations.
//
// Each conversation gets output-docs/<name>/conversation.md. Every completed
// turn is appended as:
//
//	## ID: 00001  2025-01-02 15:04:05
//
//	**Q:** question
//
//	**A:** answer
//
//	---
//
// Export writes the whole effective history, trunk included, to
// conversation-full.md with YAML front matter.
package transcript
