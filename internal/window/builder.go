// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package window

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/conversation"
)

// ErrInvalidDepth is returned for history depths below 1.
var ErrInvalidDepth = errors.New("history depth must be at least 1")

// =============================================================================
// SOURCES
// =============================================================================

// HistorySource resolves a conversation's effective history.
type HistorySource interface {
	EffectiveHistory(name string) ([]conversation.Message, error)
}

// SummarySource returns the summary of a processed document.
type SummarySource interface {
	Summary(id string) (string, error)
}

// =============================================================================
// PAYLOAD
// =============================================================================

// DocumentSummary is one document's summary in a payload.
type DocumentSummary struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Message is one history message in a payload.
type Message struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
	Seq     int               `json:"seq"`
}

// Payload is the ordered content of one context window.
type Payload struct {
	Conversation string                  `json:"conversation"`
	PromptType   conversation.PromptType `json:"prompt_type"`
	System       string                  `json:"system"`
	Documents    []DocumentSummary       `json:"documents"`
	Messages     []Message               `json:"messages"`
	HistoryDepth int                     `json:"history_depth"`
	MaxTokens    int                     `json:"max_tokens"`
}

// JSON returns the canonical encoding of the payload.
func (p *Payload) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// Fingerprint returns the hex BLAKE3 digest of the canonical JSON.
func (p *Payload) Fingerprint() string {
	data, err := p.JSON()
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SystemText returns the system prompt followed by each document summary
// wrapped in a <document> tag.
func (p *Payload) SystemText() string {
	if len(p.Documents) == 0 {
		return p.System
	}
	var sb strings.Builder
	sb.WriteString(p.System)
	for _, d := range p.Documents {
		fmt.Fprintf(&sb, "\n\n<document id=%q>\n%s\n</document>", d.ID, d.Summary)
	}
	return sb.String()
}

// Render returns the system text and the messages to send. The provider
// requires the first message to come from the user, so a leading assistant
// message left over from truncation is dropped.
func (p *Payload) Render() (string, []Message) {
	msgs := p.Messages
	for len(msgs) > 0 && msgs[0].Role != conversation.RoleUser {
		msgs = msgs[1:]
	}
	return p.SystemText(), slices.Clone(msgs)
}

// =============================================================================
// WARNINGS
// =============================================================================

// Warning reports an active document left out of the window.
type Warning struct {
	DocumentID string
	Err        error
}

// Error implements the error interface.
func (w Warning) Error() string {
	return fmt.Sprintf("%s omitted: %v", w.DocumentID, w.Err)
}

// Unwrap exposes the cause, usually document.ErrDocumentNotReady.
func (w Warning) Unwrap() error {
	return w.Err
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder assembles context windows.
type Builder struct {
	history  HistorySource
	docs     SummarySource
	registry *Registry
	log      *zap.Logger

	mu       sync.Mutex
	override int
}

// NewBuilder returns a builder reading history and summaries from the given
// sources.
func NewBuilder(history HistorySource, docs SummarySource, registry *Registry, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{history: history, docs: docs, registry: registry, log: log}
}

// OverrideNext sets the history depth for the next Build only.
func (b *Builder) OverrideNext(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDepth, n)
	}
	b.mu.Lock()
	b.override = n
	b.mu.Unlock()
	return nil
}

// PendingOverride returns the one-shot depth waiting for the next Build, or 0.
func (b *Builder) PendingOverride() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.override
}

// CheckPromptType returns ErrUnknownPromptType when pt has no template. A
// turn runs it before touching any state.
func (b *Builder) CheckPromptType(pt conversation.PromptType) error {
	_, err := b.registry.Template(pt)
	return err
}

// Build assembles the window for conv. A depth of 0 uses the pending
// override if any, else conv.HistoryDepth. A successful Build consumes the
// override.
func (b *Builder) Build(conv *conversation.Conversation, depth int) (*Payload, []Warning, error) {
	return b.build(conv, depth, true)
}

// Preview is Build without consuming the override.
func (b *Builder) Preview(conv *conversation.Conversation, depth int) (*Payload, []Warning, error) {
	return b.build(conv, depth, false)
}

func (b *Builder) build(conv *conversation.Conversation, depth int, consume bool) (*Payload, []Warning, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if depth < 0 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidDepth, depth)
	}
	if depth == 0 {
		depth = b.override
	}
	if depth == 0 {
		depth = conv.HistoryDepth
	}
	if depth <= 0 {
		depth = conversation.DefaultHistoryDepth
	}

	history, err := b.history.EffectiveHistory(conv.Name)
	if err != nil {
		return nil, nil, err
	}
	if len(history) > depth {
		history = history[len(history)-depth:]
	}

	system, err := b.registry.Template(conv.PromptType)
	if err != nil {
		return nil, nil, err
	}

	docs, warnings := b.documents(conv)

	msgs := make([]Message, len(history))
	for i, m := range history {
		msgs[i] = Message{Role: m.Role, Content: m.Content, Seq: m.Seq}
	}

	p := &Payload{
		Conversation: conv.Name,
		PromptType:   conv.PromptType,
		System:       system,
		Documents:    docs,
		Messages:     msgs,
		HistoryDepth: depth,
		MaxTokens:    conv.ResponseLength.Tokens(),
	}
	if consume {
		b.override = 0
	}

	b.log.Debug("built context window",
		zap.String("conversation", conv.Name),
		zap.Int("messages", len(msgs)),
		zap.Int("documents", len(docs)),
		zap.Int("warnings", len(warnings)),
		zap.Int("max_tokens", p.MaxTokens))
	return p, warnings, nil
}

// Documents returns the summaries of conv's processed active documents in
// id order and a warning for each one that was left out. Message order and
// the pending override are untouched.
func (b *Builder) Documents(conv *conversation.Conversation) ([]DocumentSummary, []Warning) {
	return b.documents(conv)
}

func (b *Builder) documents(conv *conversation.Conversation) ([]DocumentSummary, []Warning) {
	ids := slices.Clone(conv.ActiveDocuments)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	docs := []DocumentSummary{}
	var warnings []Warning
	for _, id := range ids {
		summary, err := b.docs.Summary(id)
		if err != nil {
			warnings = append(warnings, Warning{DocumentID: id, Err: err})
			continue
		}
		docs = append(docs, DocumentSummary{ID: id, Summary: summary})
	}
	return docs, warnings
}
