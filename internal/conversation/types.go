// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jeranaias/docthread/internal/usage"
)

// =============================================================================
// ROLES
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// =============================================================================
// PROMPT TYPES
// =============================================================================

// PromptType selects the system prompt template.
type PromptType string

const (
	PromptAnalysis   PromptType = "analysis"
	PromptQA         PromptType = "qa"
	PromptGeneration PromptType = "generation"
)

// PromptTypes returns every prompt type in display order.
func PromptTypes() []PromptType {
	return []PromptType{PromptAnalysis, PromptQA, PromptGeneration}
}

// ParsePromptType parses a user-supplied prompt type (case-insensitive).
func ParsePromptType(s string) (PromptType, error) {
	pt := PromptType(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(PromptTypes(), pt) {
		return pt, nil
	}
	return "", fmt.Errorf("%w: %q (want analysis, qa or generation)", ErrInvalidPromptType, s)
}

// =============================================================================
// RESPONSE LENGTHS
// =============================================================================

// ResponseLength is a named generation budget.
type ResponseLength string

const (
	LengthXXS ResponseLength = "xxs"
	LengthXS  ResponseLength = "xs"
	LengthS   ResponseLength = "s"
	LengthM   ResponseLength = "m"
	LengthL   ResponseLength = "l"
	LengthXL  ResponseLength = "xl"
	LengthXXL ResponseLength = "xxl"
)

var lengthTokens = map[ResponseLength]int{
	LengthXXS: 128,
	LengthXS:  256,
	LengthS:   512,
	LengthM:   1024,
	LengthL:   2048,
	LengthXL:  4096,
	LengthXXL: 8192,
}

// ResponseLengths returns every length from shortest to longest.
func ResponseLengths() []ResponseLength {
	return []ResponseLength{LengthXXS, LengthXS, LengthS, LengthM, LengthL, LengthXL, LengthXXL}
}

// Tokens returns the generation budget, or 0 for an unknown length.
func (l ResponseLength) Tokens() int {
	return lengthTokens[l]
}

// Label is the upper-case form shown in the prompt line.
func (l ResponseLength) Label() string {
	return strings.ToUpper(string(l))
}

// ParseResponseLength parses "xl", "XL" or "/xl".
func ParseResponseLength(s string) (ResponseLength, error) {
	l := ResponseLength(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	if _, ok := lengthTokens[l]; ok {
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResponseLength, s)
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one immutable entry in a conversation.
type Message struct {
	// Seq orders messages within the effective history of a conversation.
	// A branch's first own message continues at the fork point.
	Seq        int       `json:"seq"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	PromptID   string    `json:"prompt_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are the per-conversation knobs copied into a branch at fork time.
type Settings struct {
	PromptType     PromptType
	ResponseLength ResponseLength
	HistoryDepth   int
}

// DefaultHistoryDepth is the number of trailing messages sent per turn.
const DefaultHistoryDepth = 20

// DefaultSettings returns the settings for a brand new root conversation.
func DefaultSettings() Settings {
	return Settings{
		PromptType:     PromptAnalysis,
		ResponseLength: LengthM,
		HistoryDepth:   DefaultHistoryDepth,
	}
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is a branchable conversation state.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Parent is the name of the conversation this one was branched from.
	// Empty for roots.
	Parent string `json:"parent,omitempty"`

	// ForkPoint is the length of the parent's effective history when the
	// branch was created. Zero for roots.
	ForkPoint int `json:"fork_point"`

	Messages        []Message `json:"messages"`
	ActiveDocuments []string  `json:"active_documents"`

	PromptType     PromptType     `json:"prompt_type"`
	ResponseLength ResponseLength `json:"response_length"`
	HistoryDepth   int            `json:"history_depth"`

	Usage usage.Totals `json:"usage"`

	// CreationSeq orders conversations by creation and breaks ties between
	// branches that share a fork point. Assigned by the Store.
	CreationSeq int64 `json:"creation_seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBranch reports whether the conversation has a parent.
func (c *Conversation) IsBranch() bool {
	return c.Parent != ""
}

// Settings returns the conversation's current settings.
func (c *Conversation) Settings() Settings {
	return Settings{
		PromptType:     c.PromptType,
		ResponseLength: c.ResponseLength,
		HistoryDepth:   c.HistoryDepth,
	}
}

// NextSeq returns the sequence index the next appended message gets.
func (c *Conversation) NextSeq() int {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].Seq + 1
	}
	return c.ForkPoint
}

// HasDocument reports whether id is in the active set.
func (c *Conversation) HasDocument(id string) bool {
	_, found := slices.BinarySearch(c.ActiveDocuments, id)
	return found
}

// Clone returns a deep copy. Callers outside the Store only ever see clones.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = slices.Clone(c.Messages)
	cp.ActiveDocuments = slices.Clone(c.ActiveDocuments)
	return &cp
}

// applySettings copies s onto c, leaving zero fields at their defaults.
func (c *Conversation) applySettings(s Settings) {
	d := DefaultSettings()
	c.PromptType = s.PromptType
	if c.PromptType == "" {
		c.PromptType = d.PromptType
	}
	c.ResponseLength = s.ResponseLength
	if c.ResponseLength.Tokens() == 0 {
		c.ResponseLength = d.ResponseLength
	}
	c.HistoryDepth = s.HistoryDepth
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = d.HistoryDepth
	}
}

// Summary is one row of the conversation list.
type Summary struct {
	Name           string
	Parent         string
	ForkPoint      int
	MessageCount   int // own messages
	EffectiveCount int // including the inherited trunk
	Current        bool
}

// =============================================================================
// NAMES
// =============================================================================

// MaxNameLength bounds conversation names; they become directory names.
const MaxNameLength = 64

// ValidateName checks that name can be used as a conversation key and as a
// directory name for its transcript.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	case strings.ContainsAny(name, "/\\ \t\r\n"):
		return fmt.Errorf("%w: %q contains a path separator or whitespace", ErrInvalidName, name)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
