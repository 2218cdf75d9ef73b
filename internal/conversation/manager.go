// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/usage"
)

// =============================================================================
// ACTIONS
// =============================================================================

// Action tells the caller what CreateOrSwitch did.
type Action int

const (
	ActionSwitched Action = iota
	ActionCreated
)

// String returns the action name.
func (a Action) String() string {
	if a == ActionCreated {
		return "created"
	}
	return "switched"
}

// =============================================================================
// CONFIRMATION TOKENS
// =============================================================================

// ConfirmToken authorizes one destructive operation. The zero value
// authorizes nothing.
type ConfirmToken struct {
	scope string
}

// ConfirmClearAll authorizes ClearAll.
func ConfirmClearAll() ConfirmToken {
	return ConfirmToken{scope: "*"}
}

// ConfirmClear authorizes ClearConversation(name).
func ConfirmClear(name string) ConfirmToken {
	return ConfirmToken{scope: "conversation:" + name}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager implements branch and settings operations on a Store.
type Manager struct {
	store    *Store
	defaults Settings
	rates    usage.Rates
	log      *zap.Logger
}

// NewManager creates a manager. New roots get defaults; usage is priced
// with rates.
func NewManager(store *Store, defaults Settings, rates usage.Rates, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, defaults: defaults, rates: rates, log: log}
}

// Store returns the underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// Rates returns the pricing used for usage records.
func (m *Manager) Rates() usage.Rates {
	return m.rates
}

// CreateOrSwitch makes name current, creating a root conversation first if
// it does not exist.
func (m *Manager) CreateOrSwitch(name string) (Action, error) {
	if err := ValidateName(name); err != nil {
		return ActionSwitched, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		if err := s.setCurrentLocked(name); err != nil {
			return ActionSwitched, err
		}
		m.log.Info("switched conversation", zap.String("name", name))
		return ActionSwitched, nil
	}

	c := &Conversation{
		ID:              uuid.NewString(),
		Name:            name,
		Messages:        []Message{},
		ActiveDocuments: []string{},
	}
	c.applySettings(m.defaults)
	if err := s.insertLocked(c); err != nil {
		return ActionCreated, err
	}
	if err := s.setCurrentLocked(name); err != nil {
		return ActionCreated, err
	}
	m.log.Info("created conversation", zap.String("name", name), zap.String("id", c.ID))
	return ActionCreated, nil
}

// Branch creates newName from the effective history of from (default:
// current) and makes it current. Settings are copied, not linked.
func (m *Manager) Branch(newName, from string) (*Conversation, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == "" {
		from = s.current
	}
	if from == "" {
		return nil, ErrNoCurrentConversation
	}
	if _, exists := s.byName[newName]; exists {
		return nil, fmt.Errorf("%w: %q", ErrNameCollision, newName)
	}
	parent, ok := s.byName[from]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, from)
	}
	trunk, err := s.effectiveLocked(from)
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		ID:              uuid.NewString(),
		Name:            newName,
		Parent:          from,
		ForkPoint:       len(trunk),
		Messages:        []Message{},
		ActiveDocuments: slices.Clone(parent.ActiveDocuments),
	}
	c.applySettings(parent.Settings())
	if err := s.insertLocked(c); err != nil {
		return nil, err
	}
	if err := s.setCurrentLocked(newName); err != nil {
		return nil, err
	}
	m.log.Info("created branch",
		zap.String("name", newName), zap.String("parent", from), zap.Int("fork_point", c.ForkPoint))
	return c.Clone(), nil
}

// List returns one summary per conversation in creation order. Broken
// ancestry shows an effective count of -1.
func (m *Manager) List() []Summary {
	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.byName))
	for _, c := range s.byName {
		convs = append(convs, c)
	}
	sortByCreation(convs)

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		eff := -1
		if h, err := s.effectiveLocked(c.Name); err == nil {
			eff = len(h)
		}
		out = append(out, Summary{
			Name:           c.Name,
			Parent:         c.Parent,
			ForkPoint:      c.ForkPoint,
			MessageCount:   len(c.Messages),
			EffectiveCount: eff,
			Current:        c.Name == s.current,
		})
	}
	return out
}

// =============================================================================
// DESTRUCTIVE OPERATIONS
// =============================================================================

// ClearAll deletes every conversation. It refuses without the token from
// ConfirmClearAll.
func (m *Manager) ClearAll(token ConfirmToken) error {
	if token != ConfirmClearAll() {
		return fmt.Errorf("%w: clear all conversations", ErrConfirmationRequired)
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	convs := make([]*Conversation, 0, len(s.byName))
	for _, c := range s.byName {
		convs = append(convs, c)
	}
	sortByCreation(convs)
	// Children first so a failure part way never leaves an orphan behind.
	slices.Reverse(convs)
	for _, c := range convs {
		if err := s.gateway.DeleteConversation(c); err != nil {
			return fmt.Errorf("delete conversation %q: %w", c.Name, err)
		}
		delete(s.byName, c.Name)
	}
	if err := s.setCurrentLocked(""); err != nil {
		return err
	}
	m.log.Info("cleared all conversations", zap.Int("count", len(convs)))
	return nil
}

// ClearConversation deletes one conversation. Its direct children keep
// their view of the trunk: the inherited prefix is copied into their own
// messages before the parent goes away.
func (m *Manager) ClearConversation(name string, token ConfirmToken) error {
	if token != ConfirmClear(name) {
		return fmt.Errorf("%w: clear conversation %q", ErrConfirmationRequired, name)
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrConversationNotFound, name)
	}

	children := s.childrenLocked(name)
	for _, child := range children {
		if _, err := s.materializeLocked(child); err != nil {
			return fmt.Errorf("detach %q from %q: %w", child, name, err)
		}
	}

	if err := s.gateway.DeleteConversation(target); err != nil {
		return fmt.Errorf("delete conversation %q: %w", name, err)
	}
	delete(s.byName, name)
	if s.current == name {
		s.current = ""
	}
	if err := s.flushStateLocked(); err != nil {
		return err
	}
	m.log.Info("cleared conversation", zap.String("name", name), zap.Strings("detached", children))
	return nil
}

// Detach turns a branch into a root. If the parent still exists the
// inherited trunk is copied in; if it is gone only own messages remain.
func (m *Manager) Detach(name string) (*Conversation, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, name)
	}
	if !c.IsBranch() {
		return c.Clone(), nil
	}
	if _, parentExists := s.byName[c.Parent]; parentExists {
		return s.materializeLocked(name)
	}

	// Only own messages remain, so every direct child's fork point moves
	// back by the length of the lost trunk.
	lost := c.ForkPoint
	out, err := s.updateLocked(name, func(d *Conversation) error {
		d.Parent = ""
		d.ForkPoint = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, child := range s.childrenLocked(name) {
		if _, err := s.updateLocked(child, func(d *Conversation) error {
			if d.ForkPoint < lost {
				m.log.Warn("branch forked inside a lost trunk", zap.String("name", d.Name), zap.Int("fork_point", d.ForkPoint))
				d.ForkPoint = 0
				return nil
			}
			d.ForkPoint -= lost
			return nil
		}); err != nil {
			return nil, fmt.Errorf("rebase %q: %w", child, err)
		}
	}
	m.log.Warn("detached orphaned branch", zap.String("name", name), zap.Int("lost_messages", lost))
	return out, nil
}

// childrenLocked returns the names of the direct branches of name.
func (s *Store) childrenLocked(name string) []string {
	var out []string
	for n, c := range s.byName {
		if c.Parent == name {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// materializeLocked copies the effective history into own messages and
// drops the parent link. Sequence indexes are unchanged.
func (s *Store) materializeLocked(name string) (*Conversation, error) {
	history, err := s.effectiveLocked(name)
	if err != nil {
		return nil, err
	}
	return s.updateLocked(name, func(d *Conversation) error {
		d.Messages = history
		d.Parent = ""
		d.ForkPoint = 0
		return nil
	})
}

// =============================================================================
// SETTINGS
// =============================================================================

// SetPromptType sets the system prompt type of name.
func (m *Manager) SetPromptType(name string, pt PromptType) (*Conversation, error) {
	if _, err := ParsePromptType(string(pt)); err != nil {
		return nil, err
	}
	return m.store.update(name, func(c *Conversation) error {
		c.PromptType = pt
		return nil
	})
}

// SetResponseLength sets the generation budget of name.
func (m *Manager) SetResponseLength(name string, l ResponseLength) (*Conversation, error) {
	if l.Tokens() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResponseLength, l)
	}
	return m.store.update(name, func(c *Conversation) error {
		c.ResponseLength = l
		return nil
	})
}

// SetHistoryDepth sets the persisted history depth of name.
func (m *Manager) SetHistoryDepth(name string, depth int) (*Conversation, error) {
	if depth < 1 {
		return nil, ErrInvalidHistoryDepth
	}
	return m.store.update(name, func(c *Conversation) error {
		c.HistoryDepth = depth
		return nil
	})
}

// ActivateDocuments adds ids to the active set. Already active ids are
// ignored; nothing is written when the set does not change.
func (m *Manager) ActivateDocuments(name string, ids ...string) (*Conversation, error) {
	current, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, id := range ids {
		if id != "" && !current.HasDocument(id) && !slices.Contains(added, id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return current, nil
	}
	return m.store.update(name, func(c *Conversation) error {
		c.ActiveDocuments = mergeDocuments(c.ActiveDocuments, added)
		return nil
	})
}

// DeactivateDocument removes id from the active set.
func (m *Manager) DeactivateDocument(name, id string) (*Conversation, error) {
	return m.store.update(name, func(c *Conversation) error {
		i, found := slices.BinarySearch(c.ActiveDocuments, id)
		if !found {
			return fmt.Errorf("%w: %q", ErrDocumentNotActive, id)
		}
		c.ActiveDocuments = slices.Delete(c.ActiveDocuments, i, i+1)
		return nil
	})
}

// =============================================================================
// TURNS AND USAGE
// =============================================================================

// Turn is one completed exchange ready to be appended.
type Turn struct {
	User            string
	UserTokens      int
	Assistant       string
	AssistantTokens int
	Usage           usage.Entry

	// Activate lists documents the turn referenced; they join the active
	// set in the same step.
	Activate []string
}

// AppendTurn appends the user and assistant messages of one turn, activates
// its referenced documents and records its usage in a single persisted
// step. Nothing changes on error.
func (m *Manager) AppendTurn(name string, turn Turn) (*Conversation, error) {
	if turn.UserTokens < 0 || turn.AssistantTokens < 0 {
		return nil, fmt.Errorf("%w: negative message token count", usage.ErrInvalidUsageRecord)
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.effectiveLocked(name)
	if err != nil {
		return nil, err
	}
	promptID := FormatPromptID(countPrompts(history) + 1)

	return s.updateLocked(name, func(c *Conversation) error {
		totals, err := turn.Usage.Apply(c.Usage, m.rates)
		if err != nil {
			return err
		}
		now := s.now()
		seq := c.NextSeq()
		c.Messages = append(c.Messages,
			Message{Seq: seq, Role: RoleUser, Content: turn.User, TokenCount: turn.UserTokens, PromptID: promptID, CreatedAt: now},
			Message{Seq: seq + 1, Role: RoleAssistant, Content: turn.Assistant, TokenCount: turn.AssistantTokens, PromptID: promptID, CreatedAt: now},
		)
		c.Usage = totals
		if len(turn.Activate) > 0 {
			c.ActiveDocuments = mergeDocuments(c.ActiveDocuments, turn.Activate)
		}
		return nil
	})
}

// mergeDocuments returns the sorted union of active and ids without empty ids.
func mergeDocuments(active, ids []string) []string {
	out := slices.Clone(active)
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RecordUsage charges usage that did not produce messages, such as document
// processing, to name.
func (m *Manager) RecordUsage(name string, entry usage.Entry) (*Conversation, error) {
	return m.store.update(name, func(c *Conversation) error {
		totals, err := entry.Apply(c.Usage, m.rates)
		if err != nil {
			return err
		}
		c.Usage = totals
		return nil
	})
}

// UsageAll aggregates the usage totals of every conversation.
func (m *Manager) UsageAll() usage.Totals {
	convs := m.store.All()
	totals := make([]usage.Totals, len(convs))
	for i, c := range convs {
		totals[i] = c.Usage
	}
	return usage.Aggregate(totals...)
}

// NextPromptID returns the id the next turn in name will get.
func (m *Manager) NextPromptID(name string) (string, error) {
	history, err := m.store.EffectiveHistory(name)
	if err != nil {
		return "", err
	}
	return FormatPromptID(countPrompts(history) + 1), nil
}

// FormatPromptID formats a turn number as a five-digit id.
func FormatPromptID(n int) string {
	return fmt.Sprintf("%05d", n)
}

func countPrompts(history []Message) int {
	n := 0
	for _, msg := range history {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}
