// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"cmp"
	"slices"
	"sync"
)

// =============================================================================
// GATEWAY
// =============================================================================

// State is the process-wide store state persisted next to the conversations.
type State struct {
	Current         string `json:"current"`
	NextCreationSeq int64  `json:"next_creation_seq"`
}

// Gateway loads and saves conversation records. Writes must be atomic with
// respect to a crash: a partially written record is never loaded as valid.
type Gateway interface {
	LoadConversations() ([]*Conversation, error)
	SaveConversation(c *Conversation) error
	DeleteConversation(c *Conversation) error
	LoadState() (State, error)
	SaveState(s State) error
}

// =============================================================================
// MEMORY GATEWAY
// =============================================================================

// MemoryGateway keeps records in memory. Used for --ephemeral sessions and
// in tests.
type MemoryGateway struct {
	mu     sync.Mutex
	convs  map[string]*Conversation
	state  State
	writes int
}

// NewMemoryGateway returns an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{convs: make(map[string]*Conversation)}
}

// LoadConversations returns clones of every stored conversation.
func (g *MemoryGateway) LoadConversations() ([]*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Conversation, 0, len(g.convs))
	for _, c := range g.convs {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *Conversation) int {
		return cmp.Compare(a.CreationSeq, b.CreationSeq)
	})
	return out, nil
}

// SaveConversation stores a clone of c keyed by its id.
func (g *MemoryGateway) SaveConversation(c *Conversation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs[c.ID] = c.Clone()
	g.writes++
	return nil
}

// DeleteConversation removes c.
func (g *MemoryGateway) DeleteConversation(c *Conversation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.convs, c.ID)
	g.writes++
	return nil
}

// LoadState returns the last saved state.
func (g *MemoryGateway) LoadState() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, nil
}

// SaveState stores s.
func (g *MemoryGateway) SaveState(s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
	g.writes++
	return nil
}

// Writes returns the number of mutating calls made so far.
func (g *MemoryGateway) Writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}
