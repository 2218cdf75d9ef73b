// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/document"
	"github.com/jeranaias/docthread/internal/llm"
	"github.com/jeranaias/docthread/internal/transcript"
	"github.com/jeranaias/docthread/internal/usage"
	"github.com/jeranaias/docthread/internal/window"
)

// ErrEmptyInput is returned when a turn has no text.
var ErrEmptyInput = errors.New("empty message")

// =============================================================================
// ENGINE
// =============================================================================

// Options holds the collaborators of an Engine.
type Options struct {
	Manager    *conversation.Manager
	Documents  *document.Store
	Builder    *window.Builder
	Model      llm.Model
	Transcript *transcript.Writer
	Log        *zap.Logger

	// DefaultDocsDir is scanned, together with <input root>/<name>, when a
	// new root conversation is created. Empty disables default documents.
	DefaultDocsDir string
}

// Engine runs turns against the current conversation.
type Engine struct {
	mgr        *conversation.Manager
	convs      *conversation.Store
	docs       *document.Store
	builder    *window.Builder
	model      llm.Model
	transcript *transcript.Writer
	log        *zap.Logger

	defaultDocsDir string
}

// NewEngine returns an engine over opts.
func NewEngine(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		mgr:            opts.Manager,
		convs:          opts.Manager.Store(),
		docs:           opts.Documents,
		builder:        opts.Builder,
		model:          opts.Model,
		transcript:     opts.Transcript,
		log:            log.Named("chat"),
		defaultDocsDir: opts.DefaultDocsDir,
	}
}

// Manager returns the branch manager.
func (e *Engine) Manager() *conversation.Manager { return e.mgr }

// Documents returns the document store.
func (e *Engine) Documents() *document.Store { return e.docs }

// Builder returns the context window builder.
func (e *Engine) Builder() *window.Builder { return e.builder }

// Current returns a snapshot of the current conversation.
func (e *Engine) Current() (*conversation.Conversation, error) {
	return e.convs.Current()
}

// =============================================================================
// TURNS
// =============================================================================

// Result is the outcome of one committed turn.
type Result struct {
	Conversation *conversation.Conversation
	PromptID     string
	Reply        string

	// Usage is everything charged for the turn, document processing included.
	Usage usage.Entry

	// Processed lists documents summarized during the turn.
	Processed []string

	// Warnings are non-fatal problems: unknown references, documents that
	// could not be processed or were left out of the window, transcript
	// write failures.
	Warnings []error

	Fingerprint string
	Elapsed     time.Duration
}

// Send runs one turn of text in the current conversation. Warnings collected
// before a failure are returned with the error in a non-nil Result.
func (e *Engine) Send(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	start := time.Now()
	res := &Result{}

	conv, err := e.convs.Current()
	if err != nil {
		return nil, err
	}
	name := conv.Name
	if err := e.builder.CheckPromptType(conv.PromptType); err != nil {
		return nil, err
	}

	ids, err := e.docs.ResolveReferences(text)
	if err != nil {
		var unresolved *document.UnresolvedError
		if !errors.As(err, &unresolved) {
			return nil, err
		}
		res.Warnings = append(res.Warnings, err)
	}

	// Referenced documents are active for this window but only persisted
	// with the committed turn.
	work := conv.Clone()
	var activate []string
	for _, id := range ids {
		if !work.HasDocument(id) {
			activate = append(activate, id)
			work.ActiveDocuments = append(work.ActiveDocuments, id)
		}
	}

	pending, processed, failed, warnings, err := e.prepare(ctx, work)
	res.Processed = processed
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return res, err
	}

	payload, buildWarnings, err := e.builder.Build(work, 0)
	if err != nil {
		return res, err
	}
	for _, w := range buildWarnings {
		if slices.Contains(failed, w.DocumentID) {
			continue
		}
		res.Warnings = append(res.Warnings, w)
	}

	req := request(payload, text)
	e.log.Debug("sending turn",
		zap.String("conversation", name),
		zap.Int("messages", len(req.Messages)),
		zap.Int("max_tokens", req.MaxTokens),
		zap.String("fingerprint", payload.Fingerprint()))

	resp, err := e.model.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("turn cancelled: %w", ctx.Err())
		}
		return res, err
	}

	entry := pending.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	assistantTokens := resp.Usage.OutputTokens
	if assistantTokens <= 0 {
		assistantTokens = EstimateTokens(resp.Content)
	}
	updated, err := e.mgr.AppendTurn(name, conversation.Turn{
		User:            text,
		UserTokens:      EstimateTokens(text),
		Assistant:       resp.Content,
		AssistantTokens: assistantTokens,
		Usage:           entry,
		Activate:        activate,
	})
	if err != nil {
		return res, err
	}

	res.Conversation = updated
	res.Reply = resp.Content
	res.Usage = entry
	res.Fingerprint = payload.Fingerprint()
	res.PromptID = lastPromptID(updated)
	res.Elapsed = time.Since(start)

	if e.transcript != nil {
		if err := e.transcript.Append(updated, transcript.Entry{
			PromptID:  res.PromptID,
			Question:  text,
			Answer:    resp.Content,
			MaxTokens: payload.MaxTokens,
		}); err != nil {
			e.log.Warn("transcript append failed", zap.String("conversation", name), zap.Error(err))
			res.Warnings = append(res.Warnings, err)
		}
	}

	e.log.Info("turn complete",
		zap.String("conversation", name),
		zap.String("prompt_id", res.PromptID),
		zap.Int("prompt_tokens", entry.PromptTokens),
		zap.Int("completion_tokens", entry.CompletionTokens),
		zap.Duration("took", res.Elapsed))
	return res, nil
}

// prepare processes every active document of conv that is not ready and
// returns the usage those calls cost. A document that cannot be processed is
// a warning and its id is listed in failed; cancellation is an error.
func (e *Engine) prepare(ctx context.Context, conv *conversation.Conversation) (pending usage.Entry, processed, failed []string, warnings []error, err error) {
	pctx := llm.WithUsageReporter(ctx, func(u llm.Usage) {
		pending = pending.Add(u.InputTokens, u.OutputTokens)
	})

	for _, id := range conv.ActiveDocuments {
		doc, gerr := e.docs.Get(id)
		if gerr != nil {
			failed = append(failed, id)
			warnings = append(warnings, gerr)
			continue
		}
		if doc.Ready() {
			continue
		}
		if _, perr := e.docs.Process(pctx, id); perr != nil {
			if ctx.Err() != nil {
				return pending, processed, failed, warnings, fmt.Errorf("turn cancelled: %w", ctx.Err())
			}
			e.log.Warn("document processing failed", zap.String("id", id), zap.Error(perr))
			failed = append(failed, id)
			warnings = append(warnings, perr)
			continue
		}
		processed = append(processed, id)
	}
	return pending, processed, failed, warnings, nil
}

// request converts a payload plus the new user text into a model request.
func request(p *window.Payload, text string) *llm.Request {
	system, history := p.Render()
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: string(conversation.RoleUser), Content: text})
	return &llm.Request{
		System:    system,
		Messages:  msgs,
		MaxTokens: p.MaxTokens,
	}
}

func lastPromptID(c *conversation.Conversation) string {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].PromptID
	}
	return ""
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Open creates or switches to name. A newly created conversation picks up
// the default documents; problems registering them come back as warnings.
func (e *Engine) Open(name string) (conversation.Action, []error, error) {
	action, err := e.mgr.CreateOrSwitch(name)
	if err != nil {
		return action, nil, err
	}
	if action != conversation.ActionCreated || e.defaultDocsDir == "" {
		return action, nil, nil
	}
	warnings := e.loadDefaults(name)
	return action, warnings, nil
}

// loadDefaults scans the default directory and the conversation's own input
// directory and activates everything found.
func (e *Engine) loadDefaults(name string) []error {
	var (
		ids      []string
		warnings []error
	)
	for _, dir := range []string{e.defaultDocsDir, filepath.Join(e.docs.Root(), name)} {
		docs, err := e.docs.Scan(dir)
		if err != nil {
			warnings = append(warnings, err)
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return warnings
	}
	if _, err := e.mgr.ActivateDocuments(name, ids...); err != nil {
		warnings = append(warnings, err)
	}
	e.log.Info("activated default documents", zap.String("conversation", name), zap.Strings("ids", ids))
	return warnings
}

// ClearConversation deletes name and its transcript.
func (e *Engine) ClearConversation(name string, token conversation.ConfirmToken) error {
	if err := e.mgr.ClearConversation(name, token); err != nil {
		return err
	}
	if e.transcript != nil {
		if err := e.transcript.Remove(name); err != nil {
			e.log.Warn("transcript removal failed", zap.String("conversation", name), zap.Error(err))
		}
	}
	return nil
}

// ClearAll deletes every conversation, every transcript and every
// processed summary.
func (e *Engine) ClearAll(token conversation.ConfirmToken) error {
	names := make([]string, 0)
	for _, s := range e.mgr.List() {
		names = append(names, s.Name)
	}
	if err := e.mgr.ClearAll(token); err != nil {
		return err
	}
	var errs []error
	if err := e.docs.Reset(); err != nil {
		errs = append(errs, err)
	}
	if e.transcript != nil {
		for _, name := range names {
			if err := e.transcript.Remove(name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Export writes the full effective history of name and returns the path.
func (e *Engine) Export(name string) (string, error) {
	if e.transcript == nil {
		return "", errors.New("no transcript directory configured")
	}
	c, err := e.convs.Get(name)
	if err != nil {
		return "", err
	}
	history, err := e.convs.EffectiveHistory(name)
	if err != nil {
		return "", err
	}
	return e.transcript.Export(c, history)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// DocumentStatus is the readiness of one active document.
type DocumentStatus struct {
	ID    string
	State document.State
	Ready bool
	Err   error
}

// Reload re-registers and re-processes the active documents of the current
// conversation. No message is appended; processing usage is charged to the
// conversation.
func (e *Engine) Reload(ctx context.Context) ([]DocumentStatus, error) {
	conv, err := e.convs.Current()
	if err != nil {
		return nil, err
	}

	var pending usage.Entry
	pctx := llm.WithUsageReporter(ctx, func(u llm.Usage) {
		pending = pending.Add(u.InputTokens, u.OutputTokens)
	})

	statuses := make([]DocumentStatus, 0, len(conv.ActiveDocuments))
	for _, id := range conv.ActiveDocuments {
		st := DocumentStatus{ID: id}
		doc, err := e.docs.Get(id)
		if err == nil {
			doc, err = e.docs.Register(doc.Path)
		}
		if err == nil {
			doc, err = e.docs.Process(pctx, id)
		}
		if err != nil {
			st.Err = err
			if doc != nil {
				st.State = doc.State
			}
		} else {
			st.State = doc.State
			st.Ready = doc.Ready()
		}
		statuses = append(statuses, st)
		if ctx.Err() != nil {
			break
		}
	}

	if pending != (usage.Entry{}) {
		if _, err := e.mgr.RecordUsage(conv.Name, pending); err != nil {
			return statuses, err
		}
	}
	return statuses, ctx.Err()
}

// DocumentStatuses reports the active documents of the current conversation
// without touching them.
func (e *Engine) DocumentStatuses() ([]DocumentStatus, error) {
	conv, err := e.convs.Current()
	if err != nil {
		return nil, err
	}
	out := make([]DocumentStatus, 0, len(conv.ActiveDocuments))
	for _, id := range conv.ActiveDocuments {
		doc, err := e.docs.Get(id)
		if err != nil {
			out = append(out, DocumentStatus{ID: id, Err: err})
			continue
		}
		out = append(out, DocumentStatus{ID: id, State: doc.State, Ready: doc.Ready()})
	}
	return out, nil
}

// AddDocuments registers paths or ids and activates them in the current
// conversation. An argument that is already a registered id is activated
// as is.
func (e *Engine) AddDocuments(args ...string) ([]string, error) {
	conv, err := e.convs.Current()
	if err != nil {
		return nil, err
	}
	var (
		ids  []string
		errs []error
	)
	for _, arg := range args {
		if doc, err := e.docs.Get(arg); err == nil {
			ids = append(ids, doc.ID)
			continue
		}
		doc, err := e.docs.Register(arg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, doc.ID)
	}
	if len(ids) > 0 {
		if _, err := e.mgr.ActivateDocuments(conv.Name, ids...); err != nil {
			return nil, err
		}
	}
	return ids, errors.Join(errs...)
}

// RemoveDocument deactivates id in the current conversation.
func (e *Engine) RemoveDocument(id string) error {
	conv, err := e.convs.Current()
	if err != nil {
		return err
	}
	_, err = e.mgr.DeactivateDocument(conv.Name, id)
	return err
}

// Preview builds the next window of the current conversation without
// sending it or consuming a pending override.
func (e *Engine) Preview() (*window.Payload, []window.Warning, error) {
	conv, err := e.convs.Current()
	if err != nil {
		return nil, nil, err
	}
	return e.builder.Preview(conv, 0)
}
