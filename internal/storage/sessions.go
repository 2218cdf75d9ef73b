// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/util"
)

const (
	// sessionFileVersion is written into every conversation file.
	sessionFileVersion = 1

	stateFileName = "state.json"
)

// ErrInvalidID is returned when a conversation id is not a UUID.
var ErrInvalidID = errors.New("invalid conversation id")

// =============================================================================
// FILE FORMAT
// =============================================================================

// sessionFile is the on-disk envelope for one conversation.
type sessionFile struct {
	Version      int                        `json:"version"`
	Conversation *conversation.Conversation `json:"conversation"`
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore implements conversation.Gateway with one JSON file per
// conversation.
type SessionStore struct {
	// BaseDir holds the conversation files and state.json.
	BaseDir string

	log *zap.Logger
}

// NewSessionStore creates a store rooted at dir, creating it if needed.
func NewSessionStore(dir string, log *zap.Logger) (*SessionStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &SessionStore{BaseDir: dir, log: log.Named("sessions")}, nil
}

// LoadConversations decodes every conversation file in creation order.
// Corrupted or foreign files are skipped with a warning.
func (s *SessionStore) LoadConversations() ([]*conversation.Conversation, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	var convs []*conversation.Conversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == stateFileName || util.IsTempFile(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		c, err := s.load(id)
		if err != nil {
			s.log.Warn("skipping unreadable conversation file", zap.String("file", name), zap.Error(err))
			continue
		}
		convs = append(convs, c)
	}

	slices.SortFunc(convs, func(a, b *conversation.Conversation) int {
		return cmp.Compare(a.CreationSeq, b.CreationSeq)
	})
	return convs, nil
}

func (s *SessionStore) load(id string) (*conversation.Conversation, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		return nil, err
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Conversation == nil {
		return nil, errors.New("missing conversation record")
	}
	if f.Version > sessionFileVersion {
		return nil, fmt.Errorf("unsupported file version %d", f.Version)
	}
	if f.Conversation.ID != id {
		return nil, fmt.Errorf("id %q does not match file name", f.Conversation.ID)
	}
	return f.Conversation, nil
}

// SaveConversation writes c to <id>.json atomically.
func (s *SessionStore) SaveConversation(c *conversation.Conversation) error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sessionFile{Version: sessionFileVersion, Conversation: c}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.Name, err)
	}
	if err := util.AtomicWriteFileWithDir(s.filePath(c.ID), data, 0600, 0700); err != nil {
		return fmt.Errorf("write conversation %s: %w", c.Name, err)
	}
	return nil
}

// DeleteConversation removes the file for c. A missing file is not an error.
func (s *SessionStore) DeleteConversation(c *conversation.Conversation) error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	if err := os.Remove(s.filePath(c.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete conversation %s: %w", c.Name, err)
	}
	return nil
}

// LoadState reads state.json. A missing or corrupted file yields the zero
// state.
func (s *SessionStore) LoadState() (conversation.State, error) {
	var st conversation.State
	data, err := os.ReadFile(filepath.Join(s.BaseDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("ignoring corrupted state file", zap.Error(err))
		return conversation.State{}, nil
	}
	return st, nil
}

// SaveState writes state.json atomically.
func (s *SessionStore) SaveState(st conversation.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(filepath.Join(s.BaseDir, stateFileName), data, 0600, 0700); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// filePath returns the file path for a conversation id.
func (s *SessionStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// validateID rejects ids that are not UUIDs so a record can never name a
// path outside BaseDir.
func validateID(id string) error {
	if u, err := uuid.Parse(id); err != nil || u.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
