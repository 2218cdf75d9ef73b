// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides on-disk persistence for docthread sessions.
//
// # Key Types
//
//   - SessionStore: conversation.Gateway writing one JSON file per
//     conversation plus a small state file
//   - DocumentIndex: document.Persister backed by SQLite, with summaries
//     stored as markdown files
//
// # Storage Location
//
//	<data_dir>/sessions/<uuid>.json
//	<data_dir>/sessions/state.json
//	<data_dir>/documents.db
//	<data_dir>/processed-docs/<id>.<hash12>.summary.md
//
// Every file is written with util.AtomicWriteFile, so a crash never leaves a
// partially written record behind. Files that fail to decode are skipped with
// a logged warning.
package storage
