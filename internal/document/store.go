// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// STORE
// =============================================================================

// Store tracks documents under one input root.
type Store struct {
	root string

	extractor  Extractor
	summarizer Summarizer
	persister  Persister
	log        *zap.Logger

	mu   sync.RWMutex
	docs map[string]*Document

	// Process calls for one id share a flight; locks serialize a flight
	// against registration of the same id.
	flights singleflight.Group
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewStore loads known documents from p and returns a store rooted at root.
func NewStore(root string, ex Extractor, sum Summarizer, p Persister, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve input root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	s := &Store{
		root:       absRoot,
		extractor:  ex,
		summarizer: sum,
		persister:  p,
		log:        log,
		docs:       make(map[string]*Document),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}

	docs, err := p.LoadDocuments()
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	// Files may have been edited or removed while nothing was watching.
	for _, d := range docs {
		if _, err := s.Verify(d.ID); err != nil {
			return nil, fmt.Errorf("verify documents: %w", err)
		}
	}
	log.Debug("document store opened", zap.String("root", absRoot), zap.Int("documents", len(docs)))
	return s, nil
}

// Root returns the absolute input root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// =============================================================================
// REGISTRATION
// =============================================================================

// resolve returns the absolute, symlink-free form of path if it lies under
// the input root. Relative paths are taken relative to the root.
func (s *Store) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrDocumentNotFound, path, err)
	}
	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the input root %s", ErrDocumentNotFound, path, s.root)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrDocumentNotFound, path)
	}
	return resolved, nil
}

// Register creates or updates the document for path. A processed document
// whose text changed becomes stale; a stale document whose text returned to
// the summarized version becomes processed again. Nothing is written when
// neither path nor content changed.
func (s *Store) Register(path string) (*Document, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	id := filepath.Base(abs)

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	text, err := s.extractor.Extract(abs)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", id, err)
	}
	hash := HashText(text)

	s.mu.RLock()
	existing := s.docs[id]
	s.mu.RUnlock()

	var doc *Document
	if existing == nil {
		doc = &Document{ID: id, Path: abs, State: StateRaw, RawHash: hash}
	} else {
		if existing.Path == abs && existing.RawHash == hash {
			return existing.clone(), nil
		}
		if existing.Path != abs {
			s.log.Warn("document id re-registered from another path",
				zap.String("id", id), zap.String("old", existing.Path), zap.String("new", abs))
		}
		doc = existing.clone()
		doc.Path = abs
		doc.rehash(hash)
	}
	doc.UpdatedAt = s.now()

	if err := s.persister.SaveDocument(doc); err != nil {
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}
	s.mu.Lock()
	s.docs[id] = doc
	s.mu.Unlock()

	s.log.Debug("registered document", zap.String("id", id), zap.String("state", string(doc.State)))
	return doc.clone(), nil
}

// Verify re-reads a known document from its recorded path. A processed
// document whose file changed or can no longer be read becomes stale, with
// an empty RawHash for a missing file. Nothing is written when the content
// is unchanged.
func (s *Store) Verify(id string) (*Document, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	existing := s.docs[id]
	s.mu.RUnlock()
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	hash := ""
	if text, err := s.extractor.Extract(existing.Path); err == nil {
		hash = HashText(text)
	} else {
		s.log.Warn("document unreadable", zap.String("id", id), zap.String("path", existing.Path), zap.Error(err))
	}
	if hash == existing.RawHash {
		return existing.clone(), nil
	}

	doc := existing.clone()
	doc.rehash(hash)
	doc.UpdatedAt = s.now()
	if err := s.persister.SaveDocument(doc); err != nil {
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}
	s.mu.Lock()
	s.docs[id] = doc
	s.mu.Unlock()

	s.log.Info("document changed since last seen", zap.String("id", id), zap.String("state", string(doc.State)))
	return doc.clone(), nil
}

// Scan registers every supported file directly inside dir. Unsupported
// files are skipped; per-file failures are joined into the returned error.
func (s *Store) Scan(dir string) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var docs []*Document
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !SupportedExtension(entry.Name()) {
			continue
		}
		doc, err := s.Register(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}

// =============================================================================
// PROCESSING
// =============================================================================

// Process summarizes the current content of id. An already processed
// document whose content is unchanged is returned as is without calling the
// summarizer or writing anything. Concurrent calls for one id share a
// single run.
func (s *Store) Process(ctx context.Context, id string) (*Document, error) {
	v, err, _ := s.flights.Do(id, func() (any, error) {
		return s.process(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document).clone(), nil
}

func (s *Store) process(ctx context.Context, id string) (*Document, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	existing := s.docs[id]
	s.mu.RUnlock()
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	text, err := s.extractor.Extract(existing.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: extract: %w", ErrProcessingError, id, err)
	}
	hash := HashText(text)

	if existing.Ready() && existing.ProcessedHash == hash {
		s.log.Debug("document already processed", zap.String("id", id))
		return existing, nil
	}

	start := s.now()
	summary, err := s.summarizer.Summarize(ctx, id, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessingError, id, err)
	}
	if strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("%w: %s: empty summary", ErrProcessingError, id)
	}

	ref, err := s.persister.PutSummary(id, hash, summary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: store summary: %w", ErrProcessingError, id, err)
	}

	doc := existing.clone()
	oldRef := doc.SummaryRef
	doc.State = StateProcessed
	doc.RawHash = hash
	doc.ProcessedHash = hash
	doc.SummaryRef = ref
	doc.UpdatedAt = s.now()
	if err := s.persister.SaveDocument(doc); err != nil {
		// The record still points at oldRef; drop the unreferenced summary.
		if ref != oldRef {
			if derr := s.persister.DeleteSummary(ref); derr != nil {
				s.log.Warn("failed to delete unsaved summary", zap.String("id", id), zap.Error(derr))
			}
		}
		return nil, fmt.Errorf("%w: %s: save: %w", ErrProcessingError, id, err)
	}
	if oldRef != "" && oldRef != ref {
		if err := s.persister.DeleteSummary(oldRef); err != nil {
			s.log.Warn("failed to delete old summary", zap.String("id", id), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.docs[id] = doc
	s.mu.Unlock()

	s.log.Info("processed document",
		zap.String("id", id),
		zap.Int("text_runes", len([]rune(text))),
		zap.Duration("took", s.now().Sub(start)))
	return doc, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ResolveReferences returns the ids of registered documents referenced with
// @@name in text, in first-appearance order. Names that match nothing are
// reported in an *UnresolvedError alongside the resolved ids.
func (s *Store) ResolveReferences(text string) ([]string, error) {
	names := ScanReferences(text)
	if len(names) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids, missing []string
	for _, name := range names {
		id, ok := s.lookupLocked(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(missing) > 0 {
		return ids, &UnresolvedError{Names: missing}
	}
	return ids, nil
}

// lookupLocked matches a reference exactly, then case-insensitively when
// exactly one document matches.
func (s *Store) lookupLocked(name string) (string, bool) {
	if _, ok := s.docs[name]; ok {
		return name, true
	}
	var match string
	for id := range s.docs {
		if strings.EqualFold(id, name) {
			if match != "" {
				return "", false
			}
			match = id
		}
	}
	return match, match != ""
}

// Summary returns the summary of a processed document.
func (s *Store) Summary(id string) (string, error) {
	doc, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if !doc.Ready() {
		return "", fmt.Errorf("%w: %s is %s", ErrDocumentNotReady, id, doc.State)
	}
	summary, err := s.persister.GetSummary(doc.SummaryRef)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDocumentNotReady, id, err)
	}
	return summary, nil
}

// Get returns a copy of the document.
func (s *Store) Get(id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return d.clone(), nil
}

// List returns copies of every document ordered by id.
func (s *Store) List() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.clone())
	}
	slices.SortFunc(out, func(a, b *Document) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// =============================================================================
// REMOVAL
// =============================================================================

// Remove forgets a document and deletes its summary.
func (s *Store) Remove(id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.Get(id)
	if err != nil {
		return err
	}
	if doc.SummaryRef != "" {
		if err := s.persister.DeleteSummary(doc.SummaryRef); err != nil {
			return fmt.Errorf("delete summary %s: %w", id, err)
		}
	}
	if err := s.persister.DeleteDocument(id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

// Reset drops every summary and returns all documents to raw.
func (s *Store) Reset() error {
	var errs []error
	for _, doc := range s.List() {
		if doc.State == StateRaw && doc.SummaryRef == "" {
			continue
		}
		if err := s.resetOne(doc.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) resetOne(id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.Get(id)
	if err != nil {
		return err
	}
	if doc.SummaryRef != "" {
		if err := s.persister.DeleteSummary(doc.SummaryRef); err != nil {
			return fmt.Errorf("delete summary %s: %w", id, err)
		}
	}
	doc.State = StateRaw
	doc.ProcessedHash = ""
	doc.SummaryRef = ""
	doc.UpdatedAt = s.now()
	if err := s.persister.SaveDocument(doc); err != nil {
		return fmt.Errorf("save document %s: %w", id, err)
	}
	s.mu.Lock()
	s.docs[id] = doc
	s.mu.Unlock()
	return nil
}
