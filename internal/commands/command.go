// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"github.com/jeranaias/docthread/internal/conversation"
)

// =============================================================================
// COMMAND VARIANTS
// =============================================================================

// Command is one parsed line of input. The set of variants is closed; the
// Dispatcher handles every one of them.
type Command interface {
	command()
}

// Message is ordinary text sent as a turn.
type Message struct{ Text string }

// Quit ends the session.
type Quit struct{}

// Help shows the command list, or the usage of one command.
type Help struct{ Topic string }

// ListConversations lists every conversation.
type ListConversations struct{}

// Switch creates or switches to a conversation.
type Switch struct{ Name string }

// Branch forks the current conversation into Name.
type Branch struct{ Name string }

// Reload rescans and reprocesses the active documents.
type Reload struct{}

// LoadDepth sets the history depth of the next build only.
type LoadDepth struct{ N int }

// SetDepth sets the persisted history depth of the current conversation.
type SetDepth struct{ N int }

// ListDocuments lists the active documents and their state.
type ListDocuments struct{}

// AddDocuments registers and activates documents.
type AddDocuments struct{ Refs []string }

// RemoveDocument deactivates a document.
type RemoveDocument struct{ ID string }

// ShowPromptTypes lists the prompt types and marks the active one.
type ShowPromptTypes struct{}

// SetPromptType changes the system prompt type.
type SetPromptType struct{ Type conversation.PromptType }

// SetLength changes the response length.
type SetLength struct{ Length conversation.ResponseLength }

// ClearAll deletes every conversation and summary.
type ClearAll struct{}

// ClearConversation deletes one conversation; empty Name means current.
type ClearConversation struct{ Name string }

// Detach turns a branch into a root; empty Name means current.
type Detach struct{ Name string }

// ShowUsage reports token and cost totals.
type ShowUsage struct{}

// PreviewWindow shows what the next turn would send.
type PreviewWindow struct{}

// Export writes the full history of a conversation; empty Name means current.
type Export struct{ Name string }

func (Message) command()           {}
func (Quit) command()              {}
func (Help) command()              {}
func (ListConversations) command() {}
func (Switch) command()            {}
func (Branch) command()            {}
func (Reload) command()            {}
func (LoadDepth) command()         {}
func (SetDepth) command()          {}
func (ListDocuments) command()     {}
func (AddDocuments) command()      {}
func (RemoveDocument) command()    {}
func (ShowPromptTypes) command()   {}
func (SetPromptType) command()     {}
func (SetLength) command()         {}
func (ClearAll) command()          {}
func (ClearConversation) command() {}
func (Detach) command()            {}
func (ShowUsage) command()         {}
func (PreviewWindow) command()     {}
func (Export) command()            {}
