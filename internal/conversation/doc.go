// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation holds branchable conversation state and the branch
// manager that creates, switches and clears conversations.
//
// A conversation owns an append-only list of messages. A branch also names a
// parent and a fork point; the history the model sees is the parent's
// effective history cut at the fork point followed by the branch's own
// messages. Messages the parent appends later never leak into the branch.
//
// # Key Types
//
//   - Conversation: one named thread with its settings and usage totals
//   - Store: the process-wide name -> Conversation map, backed by a Gateway
//   - Manager: branch manager operations on a Store
//   - Gateway: persistence boundary, implemented by the storage package
//
// # Usage
//
//	store, err := conversation.Open(gateway, logger)
//	mgr := conversation.NewManager(store, conversation.DefaultSettings(), rates)
//
//	action, err := mgr.CreateOrSwitch("proj")
//	branch, err := mgr.Branch("deep", "")
//	history, err := store.EffectiveHistory("deep")
//
// Destructive operations need a token that the command layer only hands out
// after the user confirmed:
//
//	err := mgr.ClearAll(conversation.ConfirmClearAll())
package conversation
