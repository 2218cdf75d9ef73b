// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package window

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/usage"
)

var errNotReady = errors.New("document not ready")

type fakeSummaries map[string]string

func (f fakeSummaries) Summary(id string) (string, error) {
	s, ok := f[id]
	if !ok {
		return "", fmt.Errorf("%w: %s is raw", errNotReady, id)
	}
	return s, nil
}

// newFixture returns a manager with conversation "c" holding n turns.
func newFixture(t *testing.T, turns int) (*conversation.Manager, *Builder) {
	t.Helper()
	store, err := conversation.Open(conversation.NewMemoryGateway(), nil)
	require.NoError(t, err)
	mgr := conversation.NewManager(store, conversation.DefaultSettings(), usage.DefaultRates(), nil)
	_, err = mgr.CreateOrSwitch("c")
	require.NoError(t, err)
	for i := 1; i <= turns; i++ {
		_, err := mgr.AppendTurn("c", conversation.Turn{
			User:      fmt.Sprintf("q%d", i),
			Assistant: fmt.Sprintf("a%d", i),
		})
		require.NoError(t, err)
	}
	docs := fakeSummaries{"a.md": "summary A", "b.md": "summary B"}
	return mgr, NewBuilder(store, docs, NewRegistry(nil), nil)
}

func current(t *testing.T, mgr *conversation.Manager) *conversation.Conversation {
	t.Helper()
	c, err := mgr.Store().Get("c")
	require.NoError(t, err)
	return c
}

func seqs(p *Payload) []int {
	out := make([]int, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = m.Seq
	}
	return out
}

func TestBuild_EmptyConversation(t *testing.T) {
	mgr, b := newFixture(t, 0)
	p, warnings, err := b.Build(current(t, mgr), 0)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Empty(t, p.Messages)
	assert.Empty(t, p.Documents)
	assert.Equal(t, 1024, p.MaxTokens)
	assert.Equal(t, p.System, p.SystemText())
}

func TestBuild_TruncatesToLastN(t *testing.T) {
	mgr, b := newFixture(t, 15) // 30 messages

	p, _, err := b.Build(current(t, mgr), 0)
	require.NoError(t, err)
	assert.Len(t, p.Messages, 20)
	assert.Equal(t, 10, p.Messages[0].Seq)
	assert.Equal(t, 29, p.Messages[19].Seq)

	p, _, err = b.Build(current(t, mgr), 100)
	require.NoError(t, err)
	assert.Len(t, p.Messages, 30, "depth beyond history includes everything")

	_, err = mgr.SetHistoryDepth("c", 4)
	require.NoError(t, err)
	p, _, err = b.Build(current(t, mgr), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{26, 27, 28, 29}, seqs(p))
}

func TestBuild_Deterministic(t *testing.T) {
	mgr, b := newFixture(t, 3)
	_, err := mgr.ActivateDocuments("c", "b.md", "a.md")
	require.NoError(t, err)
	conv := current(t, mgr)

	p1, _, err := b.Build(conv, 0)
	require.NoError(t, err)
	p2, _, err := b.Build(conv, 0)
	require.NoError(t, err)

	j1, err := p1.JSON()
	require.NoError(t, err)
	j2, err := p2.JSON()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(j1, j2), "payloads differ:\n%s\n%s", j1, j2)
	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())
	assert.Len(t, p1.Fingerprint(), 64)
}

func TestOverrideNext_AppliesOnce(t *testing.T) {
	mgr, b := newFixture(t, 10)
	conv := current(t, mgr)

	require.NoError(t, b.OverrideNext(2))
	assert.ErrorIs(t, b.OverrideNext(0), ErrInvalidDepth)

	// Preview does not consume the override.
	p, _, err := b.Preview(conv, 0)
	require.NoError(t, err)
	assert.Len(t, p.Messages, 2)
	assert.Equal(t, 2, b.PendingOverride())

	p, _, err = b.Build(conv, 0)
	require.NoError(t, err)
	assert.Len(t, p.Messages, 2)
	assert.Equal(t, 0, b.PendingOverride())

	p, _, err = b.Build(conv, 0)
	require.NoError(t, err)
	assert.Len(t, p.Messages, 20, "subsequent build reverts to the persisted depth")
}

func TestBuild_UnknownPromptType(t *testing.T) {
	store, err := conversation.Open(conversation.NewMemoryGateway(), nil)
	require.NoError(t, err)
	mgr := conversation.NewManager(store, conversation.DefaultSettings(), usage.DefaultRates(), nil)
	_, err = mgr.CreateOrSwitch("c")
	require.NoError(t, err)
	_, err = mgr.SetPromptType("c", conversation.PromptGeneration)
	require.NoError(t, err)

	b := NewBuilder(store, fakeSummaries{}, NewRegistry(map[string]string{"generation": ""}), nil)
	require.NoError(t, b.OverrideNext(3))

	_, _, err = b.Build(current(t, mgr), 0)
	assert.ErrorIs(t, err, ErrUnknownPromptType)
	assert.Equal(t, 3, b.PendingOverride(), "a failed build keeps the override")
}

func TestBuild_DocumentsOrderedAndNotReadyWarned(t *testing.T) {
	mgr, b := newFixture(t, 1)
	_, err := mgr.ActivateDocuments("c", "zeta.md", "b.md", "a.md")
	require.NoError(t, err)

	p, warnings, err := b.Build(current(t, mgr), 0)
	require.NoError(t, err)
	require.Len(t, p.Documents, 2)
	assert.Equal(t, "a.md", p.Documents[0].ID)
	assert.Equal(t, "b.md", p.Documents[1].ID)

	require.Len(t, warnings, 1)
	assert.Equal(t, "zeta.md", warnings[0].DocumentID)
	assert.ErrorIs(t, warnings[0], errNotReady)

	sys := p.SystemText()
	assert.Contains(t, sys, `<document id="a.md">`+"\nsummary A\n</document>")
	assert.Less(t, strings.Index(sys, "a.md"), strings.Index(sys, "b.md"))
	assert.NotContains(t, sys, "zeta.md")
}

func TestDocuments_DoesNotTouchMessagesOrOverride(t *testing.T) {
	mgr, b := newFixture(t, 2)
	_, err := mgr.ActivateDocuments("c", "a.md")
	require.NoError(t, err)
	require.NoError(t, b.OverrideNext(1))

	docs, warnings := b.Documents(current(t, mgr))
	assert.Len(t, docs, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, 1, b.PendingOverride())
}

func TestBuild_ResponseLengthIsTheBudget(t *testing.T) {
	mgr, b := newFixture(t, 0)
	_, err := mgr.SetResponseLength("c", conversation.LengthXXL)
	require.NoError(t, err)
	_, err = mgr.AppendTurn("c", conversation.Turn{User: strings.Repeat("long ", 5000), Assistant: "ok"})
	require.NoError(t, err)

	p, _, err := b.Build(current(t, mgr), 0)
	require.NoError(t, err)
	assert.Equal(t, 8192, p.MaxTokens)
}

func TestBuild_BranchUsesEffectiveHistory(t *testing.T) {
	mgr, b := newFixture(t, 2)
	_, err := mgr.Branch("br", "c")
	require.NoError(t, err)
	_, err = mgr.AppendTurn("c", conversation.Turn{User: "parent-only", Assistant: "x"})
	require.NoError(t, err)
	_, err = mgr.AppendTurn("br", conversation.Turn{User: "branch-q", Assistant: "branch-a"})
	require.NoError(t, err)

	br, err := mgr.Store().Get("br")
	require.NoError(t, err)
	p, _, err := b.Build(br, 0)
	require.NoError(t, err)

	var contents []string
	for _, m := range p.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q1", "a1", "q2", "a2", "branch-q", "branch-a"}, contents)
}

func TestRender_DropsLeadingAssistant(t *testing.T) {
	mgr, b := newFixture(t, 3)
	p, _, err := b.Build(current(t, mgr), 3)
	require.NoError(t, err)
	require.Equal(t, conversation.RoleAssistant, p.Messages[0].Role)

	_, msgs := p.Render()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Len(t, p.Messages, 3, "Render does not modify the payload")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]string{"QA": "custom qa"})
	text, err := r.Template(conversation.PromptQA)
	require.NoError(t, err)
	assert.Equal(t, "custom qa", text)

	text, err = r.Template(conversation.PromptAnalysis)
	require.NoError(t, err)
	assert.Contains(t, text, "document analysis system")

	_, err = r.Template("poetry")
	assert.ErrorIs(t, err, ErrUnknownPromptType)
	assert.True(t, r.Registered(conversation.PromptGeneration))
}
