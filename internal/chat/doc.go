// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat runs conversation turns.
//
// An Engine ties the branch manager, the document store, the context window
// builder, the model and the transcript writer together. A turn resolves
// @@ references, processes documents that are not ready, builds the window,
// calls the model and commits the user/assistant pair with its usage in one
// step. A turn that fails or is cancelled commits nothing.
//
// Usage:
//
//	eng := chat.NewEngine(chat.Options{
//	    Manager:    mgr,
//	    Documents:  docs,
//	    Builder:    builder,
//	    Model:      client,
//	    Transcript: transcript.NewWriter(outDir, log),
//	})
//	res, err := eng.Send(ctx, "compare @@a.md with @@b.md")
package chat
