// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package document tracks input documents through their lifecycle.
//
// A document is registered from a file under the input root (state raw),
// summarized by Process (state processed) and marked stale when its
// extracted text changes. Staleness is decided by BLAKE3 content hashes of
// the normalized text, never by modification times.
//
// # Key Types
//
//   - Document: one tracked file and its lifecycle state
//   - Store: registration, processing and reference resolution
//   - Watcher: fsnotify watcher that re-registers changed files
//   - Extractor, Summarizer, Persister: boundary interfaces
//
// # Usage
//
//	store, err := document.NewStore(inputRoot, document.NewFileExtractor(), summarizer, index, logger)
//	doc, err := store.Register("notes.md")
//	doc, err = store.Process(ctx, doc.ID)
//	ids, err := store.ResolveReferences("compare @@notes.md with @@plan.txt")
package document
