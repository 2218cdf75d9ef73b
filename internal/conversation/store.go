// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// STORE
// =============================================================================

// Store maps conversation names to their state and tracks the current one.
// Every mutation is flushed through the Gateway before it becomes visible.
type Store struct {
	mu      sync.RWMutex
	gateway Gateway
	log     *zap.Logger

	byName  map[string]*Conversation
	current string
	nextSeq int64

	now func() time.Time
}

// Open loads every conversation and the store state from gw.
func Open(gw Gateway, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		gateway: gw,
		log:     log,
		byName:  make(map[string]*Conversation),
		now:     time.Now,
	}

	convs, err := gw.LoadConversations()
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	state, err := gw.LoadState()
	if err != nil {
		return nil, fmt.Errorf("load store state: %w", err)
	}

	for _, c := range convs {
		if err := ValidateName(c.Name); err != nil {
			log.Warn("skipping conversation with invalid name", zap.String("id", c.ID), zap.Error(err))
			continue
		}
		if prev, dup := s.byName[c.Name]; dup {
			log.Warn("duplicate conversation name, keeping the older record",
				zap.String("name", c.Name), zap.String("kept", prev.ID), zap.String("skipped", c.ID))
			continue
		}
		s.byName[c.Name] = c
		if c.CreationSeq >= s.nextSeq {
			s.nextSeq = c.CreationSeq + 1
		}
	}
	if state.NextCreationSeq > s.nextSeq {
		s.nextSeq = state.NextCreationSeq
	}
	if _, ok := s.byName[state.Current]; ok {
		s.current = state.Current
	}

	log.Debug("conversation store opened",
		zap.Int("conversations", len(s.byName)),
		zap.String("current", s.current))
	return s, nil
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

// Get returns a copy of the named conversation.
func (s *Store) Get(name string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, name)
	}
	return c.Clone(), nil
}

// CurrentName returns the current conversation name, or "".
func (s *Store) CurrentName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Current returns a copy of the current conversation.
func (s *Store) Current() (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return nil, ErrNoCurrentConversation
	}
	return s.byName[s.current].Clone(), nil
}

// All returns copies of every conversation in creation order.
func (s *Store) All() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.byName))
	for _, c := range s.byName {
		out = append(out, c.Clone())
	}
	sortByCreation(out)
	return out
}

// EffectiveHistory returns the history the model sees for name: the
// parent's effective history up to the fork point followed by the
// conversation's own messages.
func (s *Store) EffectiveHistory(name string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveLocked(name)
}

// effectiveLocked walks the ancestry root-first. The walk is bounded by the
// number of conversations; anything longer is a cycle.
func (s *Store) effectiveLocked(name string) ([]Message, error) {
	var chain []*Conversation
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		c, ok := s.byName[cur]
		if !ok {
			if len(chain) == 0 {
				return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, cur)
			}
			return nil, &OrphanError{Name: chain[len(chain)-1].Name, Parent: cur}
		}
		if seen[cur] || len(chain) >= len(s.byName) {
			return nil, fmt.Errorf("%w: cycle through %q", ErrCorruptAncestry, cur)
		}
		seen[cur] = true
		chain = append(chain, c)
		cur = c.Parent
	}

	var history []Message
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if c.IsBranch() {
			if c.ForkPoint > len(history) {
				return nil, fmt.Errorf("%w: %q forks at %d but %q has %d messages",
					ErrCorruptAncestry, c.Name, c.ForkPoint, c.Parent, len(history))
			}
			// Full slice expression so the append below copies instead of
			// writing into the parent's backing array.
			history = history[:c.ForkPoint:c.ForkPoint]
		}
		history = append(history, c.Messages...)
	}
	return slices.Clone(history), nil
}

// =============================================================================
// MUTATION
// =============================================================================

// update applies fn to a draft copy of the named conversation, persists the
// draft and only then swaps it in. A failing fn or gateway leaves the store
// unchanged.
func (s *Store) update(name string, fn func(c *Conversation) error) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(name, fn)
}

func (s *Store) updateLocked(name string, fn func(c *Conversation) error) (*Conversation, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, name)
	}
	draft := c.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	draft.UpdatedAt = s.now()
	if err := s.gateway.SaveConversation(draft); err != nil {
		return nil, fmt.Errorf("save conversation %q: %w", name, err)
	}
	s.byName[name] = draft
	return draft.Clone(), nil
}

// insertLocked persists a brand new conversation and assigns its creation seq.
func (s *Store) insertLocked(c *Conversation) error {
	if _, exists := s.byName[c.Name]; exists {
		return fmt.Errorf("%w: %q", ErrNameCollision, c.Name)
	}
	c.CreationSeq = s.nextSeq
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.gateway.SaveConversation(c); err != nil {
		return fmt.Errorf("save conversation %q: %w", c.Name, err)
	}
	s.byName[c.Name] = c
	s.nextSeq++
	return nil
}

// setCurrentLocked records name as current and flushes the store state.
func (s *Store) setCurrentLocked(name string) error {
	state := State{Current: name, NextCreationSeq: s.nextSeq}
	if err := s.gateway.SaveState(state); err != nil {
		return fmt.Errorf("save store state: %w", err)
	}
	s.current = name
	return nil
}

func (s *Store) flushStateLocked() error {
	return s.setCurrentLocked(s.current)
}

func sortByCreation(convs []*Conversation) {
	slices.SortStableFunc(convs, func(a, b *Conversation) int {
		return cmp.Compare(a.CreationSeq, b.CreationSeq)
	})
}
