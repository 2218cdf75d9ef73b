// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// memPersister keeps records in maps and counts writes.
type memPersister struct {
	mu        sync.Mutex
	docs      map[string]*Document
	summaries map[string]string
	writes    int

	// saveErr, when set, fails SaveDocument.
	saveErr error
}

func newMemPersister() *memPersister {
	return &memPersister{docs: map[string]*Document{}, summaries: map[string]string{}}
}

func (p *memPersister) LoadDocuments() ([]*Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Document
	for _, d := range p.docs {
		out = append(out, d.clone())
	}
	return out, nil
}

func (p *memPersister) SaveDocument(d *Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.docs[d.ID] = d.clone()
	p.writes++
	return nil
}

func (p *memPersister) DeleteDocument(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.docs, id)
	p.writes++
	return nil
}

func (p *memPersister) PutSummary(id, hash, summary string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := id + "@" + hash[:8]
	p.summaries[ref] = summary
	p.writes++
	return ref, nil
}

func (p *memPersister) GetSummary(ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.summaries[ref]
	if !ok {
		return "", errors.New("no summary")
	}
	return s, nil
}

func (p *memPersister) DeleteSummary(ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.summaries, ref)
	p.writes++
	return nil
}

func (p *memPersister) failSaves(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveErr = err
}

func (p *memPersister) hasSummary(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.summaries[ref]
	return ok
}

func (p *memPersister) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// fakeSummarizer returns "summary of <id>: <text>" and counts calls.
type fakeSummarizer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, id, text string) (string, error)
}

func (f *fakeSummarizer) Summarize(ctx context.Context, id, text string) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, id, text)
	}
	return fmt.Sprintf("summary of %s: %s", id, text), nil
}

func newTestStore(t *testing.T) (*Store, *memPersister, *fakeSummarizer, string) {
	t.Helper()
	root := t.TempDir()
	p := newMemPersister()
	sum := &fakeSummarizer{}
	store, err := NewStore(root, NewFileExtractor(), sum, p, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, p, sum, store.Root()
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
