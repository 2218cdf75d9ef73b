// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/document"
	"github.com/jeranaias/docthread/internal/llm"
	"github.com/jeranaias/docthread/internal/storage"
	"github.com/jeranaias/docthread/internal/transcript"
	"github.com/jeranaias/docthread/internal/usage"
	"github.com/jeranaias/docthread/internal/window"
)

const summarySystem = "summarize documents"

// fakeModel answers summary requests and turn requests separately.
type fakeModel struct {
	mu       sync.Mutex
	turns    []*llm.Request
	summary  int
	reply    string
	err      error
	sumErr   error
	block    bool
	started  chan struct{}
	onceSend sync.Once
}

func (m *fakeModel) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	if req.System == summarySystem {
		m.summary++
		err := m.sumErr
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &llm.Response{Content: "summary text", Usage: llm.Usage{InputTokens: 50, OutputTokens: 10}}, nil
	}
	m.turns = append(m.turns, req)
	block, err, reply := m.block, m.err, m.reply
	m.mu.Unlock()

	if block {
		m.onceSend.Do(func() { close(m.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: reply, Usage: llm.Usage{InputTokens: 200, OutputTokens: 40}}, nil
}

func (m *fakeModel) lastTurn() *llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turns) == 0 {
		return nil
	}
	return m.turns[len(m.turns)-1]
}

type harness struct {
	eng    *Engine
	mgr    *conversation.Manager
	model  *fakeModel
	input  string
	output string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithPrompts(t, nil)
}

func newHarnessWithPrompts(t *testing.T, prompts map[string]string) *harness {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input-docs")
	output := filepath.Join(dir, "output-docs")
	require.NoError(t, os.MkdirAll(filepath.Join(input, "default"), 0700))

	cs, err := conversation.Open(conversation.NewMemoryGateway(), nil)
	require.NoError(t, err)
	mgr := conversation.NewManager(cs, conversation.DefaultSettings(), usage.DefaultRates(), nil)

	idx, err := storage.OpenDocumentIndex(filepath.Join(dir, "documents.db"), filepath.Join(dir, "processed-docs"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	model := &fakeModel{reply: "the answer", started: make(chan struct{})}
	docs, err := document.NewStore(input, document.NewFileExtractor(), llm.NewSummarizer(model, summarySystem, 512, nil), idx, nil)
	require.NoError(t, err)

	eng := NewEngine(Options{
		Manager:        mgr,
		Documents:      docs,
		Builder:        window.NewBuilder(cs, docs, window.NewRegistry(prompts), nil),
		Model:          model,
		Transcript:     transcript.NewWriter(output, nil),
		DefaultDocsDir: filepath.Join(input, "default"),
	})
	return &harness{eng: eng, mgr: mgr, model: model, input: input, output: output}
}

func (h *harness) writeInput(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.input, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func (h *harness) get(t *testing.T, name string) *conversation.Conversation {
	t.Helper()
	c, err := h.mgr.Store().Get(name)
	require.NoError(t, err)
	return c
}

// =============================================================================
// TURN TESTS
// =============================================================================

func TestSend_BranchScenario(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.mgr.Branch("deep", "")
	require.NoError(t, err)

	res, err := h.eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Reply)
	assert.Equal(t, "00001", res.PromptID)
	assert.Empty(t, res.Warnings)

	deep := h.get(t, "deep")
	proj := h.get(t, "proj")
	assert.Len(t, deep.Messages, 2)
	assert.Empty(t, proj.Messages)
	assert.Equal(t, "proj", deep.Parent)
	assert.Equal(t, 0, deep.ForkPoint)
	assert.Equal(t, 200, deep.Usage.PromptTokens)
	assert.Equal(t, 40, deep.Usage.CompletionTokens)
	assert.True(t, proj.Usage.IsZero())

	req := h.model.lastTurn()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
	assert.Equal(t, conversation.LengthM.Tokens(), req.MaxTokens)

	data, err := os.ReadFile(filepath.Join(h.output, "deep", transcript.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Conversation: [proj:deep]")
	assert.Contains(t, string(data), "**Q:** hello")
}

func TestSend_UnknownReferenceWarnsAndCompletes(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)

	res, err := h.eng.Send(context.Background(), "what does @@missing.pdf say?")
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], document.ErrUnknownDocumentReference)
	assert.Len(t, h.get(t, "proj").Messages, 2)
}

func TestSend_ReferenceActivatesAndProcesses(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.eng.Documents().Register(h.writeInput(t, "a.txt", "alpha content"))
	require.NoError(t, err)

	res, err := h.eng.Send(context.Background(), "summarize @@a.txt please")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.Processed)
	assert.Equal(t, usage.Entry{PromptTokens: 250, CompletionTokens: 50}, res.Usage)

	proj := h.get(t, "proj")
	assert.Equal(t, []string{"a.txt"}, proj.ActiveDocuments)
	assert.Equal(t, 250, proj.Usage.PromptTokens)

	req := h.model.lastTurn()
	assert.Contains(t, req.System, `<document id="a.txt">`)
	assert.Contains(t, req.System, "summary text")

	// A second turn reuses the summary.
	_, err = h.eng.Send(context.Background(), "and again")
	require.NoError(t, err)
	assert.Equal(t, 1, h.model.summary)
}

func TestSend_ProcessingFailureWarns(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "default/notes.md", "# Notes\n\nbody")
	_, warnings, err := h.eng.Open("proj")
	require.NoError(t, err)
	require.Empty(t, warnings)
	assert.Equal(t, []string{"notes.md"}, h.get(t, "proj").ActiveDocuments)

	h.model.sumErr = errors.New("provider down")
	res, err := h.eng.Send(context.Background(), "hi")
	require.NoError(t, err)

	// The failed document is reported once, by its processing error.
	require.Len(t, res.Warnings, 1, "warnings: %v", res.Warnings)
	assert.ErrorIs(t, res.Warnings[0], document.ErrProcessingError)
	var ww window.Warning
	assert.False(t, errors.As(res.Warnings[0], &ww))
	assert.NotContains(t, h.model.lastTurn().System, "<document")
	assert.Len(t, h.get(t, "proj").Messages, 2)
}

func TestSend_CancelledTurnCommitsNothing(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.eng.Send(context.Background(), "first")
	require.NoError(t, err)
	before := h.get(t, "proj")

	h.model.block = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.model.started
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.Send(ctx, "second")
		done <- err
	}()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
	assert.ErrorIs(t, err, context.Canceled)

	after := h.get(t, "proj")
	assert.Equal(t, len(before.Messages), len(after.Messages))
	assert.Equal(t, before.Usage, after.Usage)

	data, err := os.ReadFile(filepath.Join(h.output, "proj", transcript.FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "second")
}

func TestSend_ProviderErrorCommitsNothing(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)

	h.model.err = &llm.ProviderError{Status: 400, Type: "invalid_request_error", Message: "bad"}
	_, err = h.eng.Send(context.Background(), "hi")
	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	proj := h.get(t, "proj")
	assert.Empty(t, proj.Messages)
	assert.True(t, proj.Usage.IsZero())
}

func TestSend_UnknownPromptTypeChangesNothing(t *testing.T) {
	h := newHarnessWithPrompts(t, map[string]string{"qa": ""})
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.mgr.SetPromptType("proj", conversation.PromptQA)
	require.NoError(t, err)
	_, err = h.eng.Documents().Register(h.writeInput(t, "a.txt", "alpha"))
	require.NoError(t, err)

	_, err = h.eng.Send(context.Background(), "look at @@a.txt")
	require.ErrorIs(t, err, window.ErrUnknownPromptType)

	proj := h.get(t, "proj")
	assert.Empty(t, proj.ActiveDocuments)
	assert.Empty(t, proj.Messages)
	assert.True(t, proj.Usage.IsZero())
	assert.Equal(t, 0, h.model.summary, "no summarizer call")
	assert.Nil(t, h.model.lastTurn())
}

func TestSend_FailedTurnDoesNotActivateReferences(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.eng.Documents().Register(h.writeInput(t, "a.txt", "alpha"))
	require.NoError(t, err)

	h.model.err = &llm.ProviderError{Status: 500, Type: "api_error", Message: "down"}
	_, err = h.eng.Send(context.Background(), "look at @@a.txt")
	require.Error(t, err)
	assert.Contains(t, h.model.lastTurn().System, `<document id="a.txt">`, "the window still carried the document")
	assert.Empty(t, h.get(t, "proj").ActiveDocuments)

	h.model.err = nil
	_, err = h.eng.Send(context.Background(), "look at @@a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, h.get(t, "proj").ActiveDocuments)
}

func TestSend_DepthOverrideAppliesOnce(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	for _, q := range []string{"one", "two", "three"} {
		_, err := h.eng.Send(context.Background(), q)
		require.NoError(t, err)
	}

	require.NoError(t, h.eng.Builder().OverrideNext(2))
	_, err = h.eng.Send(context.Background(), "four")
	require.NoError(t, err)
	assert.Len(t, h.model.lastTurn().Messages, 3, "two history messages plus the new one")

	_, err = h.eng.Send(context.Background(), "five")
	require.NoError(t, err)
	assert.Len(t, h.model.lastTurn().Messages, 9)
}

func TestSend_ResponseLengthSetsBudget(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.mgr.SetResponseLength("proj", conversation.LengthXXL)
	require.NoError(t, err)

	_, err = h.eng.Send(context.Background(), strings.Repeat("long question ", 200))
	require.NoError(t, err)
	assert.Equal(t, 8192, h.model.lastTurn().MaxTokens)
}

func TestSend_EmptyAndNoConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Send(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.eng.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, conversation.ErrNoCurrentConversation)
}

// =============================================================================
// CONVERSATION AND DOCUMENT TESTS
// =============================================================================

func TestOpen_DefaultDocumentsOnlyOnCreate(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "default/base.md", "base")
	h.writeInput(t, "proj/own.txt", "own")

	action, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	assert.Equal(t, conversation.ActionCreated, action)
	assert.Equal(t, []string{"base.md", "own.txt"}, h.get(t, "proj").ActiveDocuments)

	require.NoError(t, h.eng.RemoveDocument("base.md"))
	_, _, err = h.eng.Open("other")
	require.NoError(t, err)
	action, _, err = h.eng.Open("proj")
	require.NoError(t, err)
	assert.Equal(t, conversation.ActionSwitched, action)
	assert.Equal(t, []string{"own.txt"}, h.get(t, "proj").ActiveDocuments)
}

func TestReload_ChargesProcessingUsage(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "default/a.txt", "alpha")
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)

	statuses, err := h.eng.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Ready)
	assert.NoError(t, statuses[0].Err)

	proj := h.get(t, "proj")
	assert.Empty(t, proj.Messages)
	assert.Equal(t, 50, proj.Usage.PromptTokens)
	assert.Equal(t, 10, proj.Usage.CompletionTokens)

	// Changed content is picked up by the next reload.
	h.writeInput(t, "default/a.txt", "alpha beta")
	_, err = h.eng.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.model.summary)
}

func TestAddDocuments(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	h.writeInput(t, "x.md", "x")

	ids, err := h.eng.AddDocuments("x.md", "nope.txt")
	assert.ErrorIs(t, err, document.ErrDocumentNotFound)
	assert.Equal(t, []string{"x.md"}, ids)

	statuses, err := h.eng.DocumentStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, document.StateRaw, statuses[0].State)
	assert.False(t, statuses[0].Ready)

	assert.ErrorIs(t, h.eng.RemoveDocument("nope.txt"), conversation.ErrDocumentNotActive)
}

func TestClearAll(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "default/a.txt", "alpha")
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.eng.Send(context.Background(), "hi")
	require.NoError(t, err)

	err = h.eng.ClearAll(conversation.ConfirmToken{})
	assert.ErrorIs(t, err, conversation.ErrConfirmationRequired)
	assert.Len(t, h.get(t, "proj").Messages, 2)

	require.NoError(t, h.eng.ClearAll(conversation.ConfirmClearAll()))
	assert.Empty(t, h.mgr.List())
	_, err = os.Stat(filepath.Join(h.output, "proj"))
	assert.True(t, os.IsNotExist(err))
	doc, err := h.eng.Documents().Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, document.StateRaw, doc.State)
}

func TestClearConversationAndExport(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.eng.Open("proj")
	require.NoError(t, err)
	_, err = h.eng.Send(context.Background(), "trunk question")
	require.NoError(t, err)
	_, err = h.mgr.Branch("deep", "")
	require.NoError(t, err)
	_, err = h.eng.Send(context.Background(), "branch question")
	require.NoError(t, err)

	path, err := h.eng.Export("deep")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "**Q:** trunk question")
	assert.Contains(t, string(data), "**Q:** branch question")

	require.NoError(t, h.eng.ClearConversation("proj", conversation.ConfirmClear("proj")))
	deep := h.get(t, "deep")
	assert.Empty(t, deep.Parent)
	assert.Len(t, deep.Messages, 4)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
