// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"errors"
	"fmt"
)

// Errors returned by the store and branch manager.
// Use errors.Is to check for them.
var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNoCurrentConversation = errors.New("no current conversation")
	ErrNameCollision         = errors.New("conversation name already exists")
	ErrInvalidName           = errors.New("invalid conversation name")
	ErrConfirmationRequired  = errors.New("confirmation required")
	ErrCorruptAncestry       = errors.New("corrupt branch ancestry")
	ErrOrphanedBranch        = errors.New("branch parent no longer exists")
	ErrInvalidPromptType     = errors.New("invalid prompt type")
	ErrInvalidResponseLength = errors.New("invalid response length")
	ErrInvalidHistoryDepth   = errors.New("history depth must be at least 1")
	ErrDocumentNotActive     = errors.New("document is not active")
)

// OrphanError reports a branch whose parent is missing from the store.
type OrphanError struct {
	Name   string
	Parent string
}

// Error implements the error interface.
func (e *OrphanError) Error() string {
	return fmt.Sprintf("conversation %q: parent %q no longer exists (use /detach %s)", e.Name, e.Parent, e.Name)
}

// Unwrap lets errors.Is match ErrOrphanedBranch.
func (e *OrphanError) Unwrap() error {
	return ErrOrphanedBranch
}
