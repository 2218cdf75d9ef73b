// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// =============================================================================
// ERRORS
// =============================================================================

// Errors returned by the document store.
var (
	ErrDocumentNotFound         = errors.New("document not found")
	ErrProcessingError          = errors.New("document processing failed")
	ErrUnknownDocumentReference = errors.New("unknown document reference")
	ErrDocumentNotReady         = errors.New("document not ready")
	ErrUnsupportedFormat        = errors.New("unsupported document format")
)

// UnresolvedError lists @@ references that matched no registered document.
type UnresolvedError struct {
	Names []string
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	refs := make([]string, len(e.Names))
	for i, n := range e.Names {
		refs[i] = "@@" + n
	}
	return fmt.Sprintf("%s: %s", ErrUnknownDocumentReference, strings.Join(refs, ", "))
}

// Unwrap lets errors.Is match ErrUnknownDocumentReference.
func (e *UnresolvedError) Unwrap() error {
	return ErrUnknownDocumentReference
}

// =============================================================================
// DOCUMENT
// =============================================================================

// State is a document's lifecycle state.
type State string

const (
	StateRaw       State = "raw"
	StateProcessed State = "processed"
	StateStale     State = "stale"
)

// Document is a tracked input file.
type Document struct {
	// ID is the file's base name; @@ID refers to it.
	ID string `json:"id"`

	// Path is the absolute path under the input root.
	Path string `json:"path"`

	State State `json:"state"`

	// RawHash is the hash of the extracted text at the last registration.
	RawHash string `json:"raw_hash"`

	// ProcessedHash is the RawHash the current summary was derived from.
	ProcessedHash string `json:"processed_hash,omitempty"`

	// SummaryRef is the Persister handle for the summary.
	SummaryRef string `json:"summary_ref,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Ready reports whether the document has a summary for its current content.
func (d *Document) Ready() bool {
	return d.State == StateProcessed && d.SummaryRef != "" && d.ProcessedHash == d.RawHash
}

// rehash records a new content hash and applies the lifecycle transition:
// processed becomes stale when the content moved away from the summarized
// version, and stale becomes processed again when it moved back.
func (d *Document) rehash(hash string) {
	d.RawHash = hash
	switch {
	case d.State == StateProcessed && d.ProcessedHash != hash:
		d.State = StateStale
	case d.State == StateStale && d.ProcessedHash == hash && d.SummaryRef != "":
		d.State = StateProcessed
	}
}

func (d *Document) clone() *Document {
	cp := *d
	return &cp
}

// HashText returns the hex BLAKE3 digest of text.
func HashText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// BOUNDARY INTERFACES
// =============================================================================

// Extractor turns a file into plain text.
type Extractor interface {
	Extract(path string) (string, error)
}

// Summarizer produces one bounded summary for a document's text.
type Summarizer interface {
	Summarize(ctx context.Context, id, text string) (string, error)
}

// Persister stores document records and summaries.
type Persister interface {
	LoadDocuments() ([]*Document, error)
	SaveDocument(d *Document) error
	DeleteDocument(id string) error

	// PutSummary stores a summary and returns an opaque reference to it.
	PutSummary(id, hash, summary string) (string, error)
	GetSummary(ref string) (string, error)
	DeleteSummary(ref string) error
}
