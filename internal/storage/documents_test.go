// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/docthread/internal/document"
)

func openTestIndex(t *testing.T) (*DocumentIndex, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := OpenDocumentIndex(filepath.Join(dir, "documents.db"), filepath.Join(dir, "processed-docs"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, dir
}

func TestDocumentIndex_SaveLoadDelete(t *testing.T) {
	idx, _ := openTestIndex(t)
	updated := time.Date(2025, 3, 4, 5, 6, 7, 8, time.UTC)

	doc := &document.Document{
		ID:            "notes.md",
		Path:          "/in/default/notes.md",
		State:         document.StateProcessed,
		RawHash:       "abc",
		ProcessedHash: "abc",
		SummaryRef:    "notes.md.summary.md",
		UpdatedAt:     updated,
	}
	require.NoError(t, idx.SaveDocument(doc))
	require.NoError(t, idx.SaveDocument(&document.Document{ID: "a.txt", Path: "/in/a.txt", State: document.StateRaw, RawHash: "r", UpdatedAt: updated}))

	docs, err := idx.LoadDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.txt", docs[0].ID, "ordered by id")
	assert.Equal(t, *doc, *docs[1])

	// Upsert replaces the record.
	doc.State = document.StateStale
	doc.RawHash = "def"
	require.NoError(t, idx.SaveDocument(doc))
	docs, err = idx.LoadDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, document.StateStale, docs[1].State)
	assert.Equal(t, "def", docs[1].RawHash)

	require.NoError(t, idx.DeleteDocument("notes.md"))
	docs, err = idx.LoadDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestDocumentIndex_Summaries(t *testing.T) {
	idx, dir := openTestIndex(t)

	ref, err := idx.PutSummary("notes.md", "abc", "# Summary\n\nbody")
	require.NoError(t, err)
	assert.Equal(t, "notes.md.abc.summary.md", ref)

	onDisk, err := os.ReadFile(filepath.Join(dir, "processed-docs", ref))
	require.NoError(t, err)
	assert.Equal(t, "# Summary\n\nbody", string(onDisk))

	got, err := idx.GetSummary(ref)
	require.NoError(t, err)
	assert.Equal(t, "# Summary\n\nbody", got)

	// Reads after a cache miss come from disk.
	idx.cache.Flush()
	got, err = idx.GetSummary(ref)
	require.NoError(t, err)
	assert.Equal(t, "# Summary\n\nbody", got)

	require.NoError(t, idx.DeleteSummary(ref))
	_, err = idx.GetSummary(ref)
	assert.Error(t, err)
	assert.NoError(t, idx.DeleteSummary(ref), "deleting a missing summary is not an error")
}

func TestDocumentIndex_SummaryPerContentVersion(t *testing.T) {
	idx, _ := openTestIndex(t)
	h1 := strings.Repeat("a", 64)
	h2 := strings.Repeat("b", 64)

	ref1, err := idx.PutSummary("notes.md", h1, "first")
	require.NoError(t, err)
	ref2, err := idx.PutSummary("notes.md", h2, "second")
	require.NoError(t, err)

	assert.Equal(t, "notes.md."+h1[:12]+".summary.md", ref1)
	assert.NotEqual(t, ref1, ref2)

	idx.cache.Flush()
	got, err := idx.GetSummary(ref1)
	require.NoError(t, err)
	assert.Equal(t, "first", got, "writing a new version leaves the old file intact")
	got, err = idx.GetSummary(ref2)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestDocumentIndex_RejectsBadRefs(t *testing.T) {
	idx, _ := openTestIndex(t)
	for _, ref := range []string{"", "../x.summary.md", "sub/x.summary.md", "x.md", ".summary.md"} {
		_, err := idx.GetSummary(ref)
		assert.ErrorIs(t, err, ErrInvalidSummaryRef, "ref %q", ref)
	}
}

func TestDocumentIndex_Reopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "documents.db")
	sumDir := filepath.Join(dir, "processed-docs")

	idx, err := OpenDocumentIndex(dbPath, sumDir, nil)
	require.NoError(t, err)
	require.NoError(t, idx.SaveDocument(&document.Document{ID: "a.txt", Path: "/a.txt", State: document.StateRaw, RawHash: "h", UpdatedAt: time.Now()}))
	require.NoError(t, idx.Close())

	idx, err = OpenDocumentIndex(dbPath, sumDir, nil)
	require.NoError(t, err)
	defer idx.Close()
	docs, err := idx.LoadDocuments()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.txt", docs[0].ID)
}

type echoSummarizer struct{ calls int }

func (s *echoSummarizer) Summarize(_ context.Context, id, text string) (string, error) {
	s.calls++
	return "summary of " + id, nil
}

// TestDocumentIndex_WithStore processes a document through the real index
// and checks that re-processing unchanged content writes nothing.
func TestDocumentIndex_WithStore(t *testing.T) {
	idx, dir := openTestIndex(t)
	input := filepath.Join(dir, "input")
	require.NoError(t, os.MkdirAll(input, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(input, "a.txt"), []byte("alpha"), 0600))

	sum := &echoSummarizer{}
	store, err := document.NewStore(input, document.NewFileExtractor(), sum, idx, nil)
	require.NoError(t, err)

	_, err = store.Register(filepath.Join(input, "a.txt"))
	require.NoError(t, err)
	doc, err := store.Process(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.True(t, doc.Ready())

	summaryPath := filepath.Join(dir, "processed-docs", doc.SummaryRef)
	before, err := os.Stat(summaryPath)
	require.NoError(t, err)

	_, err = store.Process(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.calls)
	after, err := os.Stat(summaryPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	got, err := store.Summary("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "summary of a.txt", got)
}
