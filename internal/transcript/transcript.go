// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/util"
)

const (
	// FileName is the per-turn transcript appended after every turn.
	FileName = "conversation.md"

	// ExportFileName is the full-history export.
	ExportFileName = "conversation-full.md"

	timestampLayout = "2006-01-02 15:04:05"
)

// ErrEmptyConversation is returned when exporting a conversation with no
// messages in its effective history.
var ErrEmptyConversation = errors.New("conversation has no messages")

// Entry is one completed turn.
type Entry struct {
	PromptID string
	Question string
	Answer   string

	// MaxTokens is the generation budget the turn was sent with.
	MaxTokens int
}

// =============================================================================
// WRITER
// =============================================================================

// Writer writes transcripts under an output directory.
type Writer struct {
	dir string
	log *zap.Logger
	now func() time.Time
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{dir: dir, log: log.Named("transcript"), now: time.Now}
}

// Path returns the transcript path for a conversation name.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name, FileName)
}

// Append adds one turn to the transcript of c, writing the header first when
// the file does not exist yet.
func (w *Writer) Append(c *conversation.Conversation, e Entry) error {
	path := w.Path(c.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}

	var sb strings.Builder
	if _, err := os.Stat(path); os.IsNotExist(err) {
		sb.WriteString(Header(c, e.MaxTokens))
		sb.WriteString("\n\n")
	}
	writeTurn(&sb, e.PromptID, w.now(), e.Question, e.Answer)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	w.log.Debug("transcript appended", zap.String("conversation", c.Name), zap.String("prompt_id", e.PromptID))
	return nil
}

// Remove deletes the transcript directory of a conversation.
func (w *Writer) Remove(name string) error {
	if err := os.RemoveAll(filepath.Join(w.dir, name)); err != nil {
		return fmt.Errorf("remove transcript %s: %w", name, err)
	}
	return nil
}

// Export writes the full effective history of c to conversation-full.md and
// returns the path.
func (w *Writer) Export(c *conversation.Conversation, history []conversation.Message) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyConversation
	}
	data, err := Render(c, history, w.now())
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.dir, c.Name, ExportFileName)
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	w.log.Info("conversation exported", zap.String("conversation", c.Name), zap.String("path", path))
	return path, nil
}

// =============================================================================
// FORMATTING
// =============================================================================

// Header returns the first line of a transcript:
//
//	# Conversation: [parent:name] [qa] [2048] [Conversation ID: <id>]
func Header(c *conversation.Conversation, maxTokens int) string {
	label := c.Name
	if c.IsBranch() {
		label = c.Parent + ":" + c.Name
	}
	return fmt.Sprintf("# Conversation: [%s] [%s] [%d] [Conversation ID: %s]",
		label, c.PromptType, maxTokens, c.ID)
}

// frontMatter is the YAML header of an export.
type frontMatter struct {
	Conversation string   `yaml:"conversation"`
	ID           string   `yaml:"id"`
	Parent       string   `yaml:"parent,omitempty"`
	ForkPoint    int      `yaml:"fork_point,omitempty"`
	PromptType   string   `yaml:"prompt_type"`
	Length       string   `yaml:"response_length"`
	Documents    []string `yaml:"documents,omitempty"`
	Messages     int      `yaml:"messages"`
	Tokens       int      `yaml:"tokens"`
	Cost         float64  `yaml:"cost"`
	Created      string   `yaml:"created"`
	Exported     string   `yaml:"exported"`
	Generator    string   `yaml:"generator"`
}

// Render formats history as a markdown document with YAML front matter.
// Messages are paired by prompt id; a message without a partner is written
// on its own.
func Render(c *conversation.Conversation, history []conversation.Message, now time.Time) ([]byte, error) {
	fm := frontMatter{
		Conversation: c.Name,
		ID:           c.ID,
		Parent:       c.Parent,
		ForkPoint:    c.ForkPoint,
		PromptType:   string(c.PromptType),
		Length:       string(c.ResponseLength),
		Documents:    c.ActiveDocuments,
		Messages:     len(history),
		Tokens:       c.Usage.Tokens(),
		Cost:         c.Usage.Cost,
		Created:      c.CreatedAt.Format(time.RFC3339),
		Exported:     now.Format(time.RFC3339),
		Generator:    "docthread",
	}
	meta, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(meta)
	sb.WriteString("---\n\n")
	sb.WriteString(Header(c, c.ResponseLength.Tokens()))
	sb.WriteString("\n\n")

	for i := 0; i < len(history); i++ {
		m := history[i]
		switch {
		case m.Role == conversation.RoleUser && i+1 < len(history) &&
			history[i+1].Role == conversation.RoleAssistant && history[i+1].PromptID == m.PromptID:
			writeTurn(&sb, m.PromptID, m.CreatedAt, m.Content, history[i+1].Content)
			i++
		case m.Role == conversation.RoleUser:
			fmt.Fprintf(&sb, "## ID: %s  %s\n\n**Q:** %s\n\n---\n\n", m.PromptID, m.CreatedAt.Format(timestampLayout), m.Content)
		default:
			fmt.Fprintf(&sb, "## ID: %s  %s\n\n**A:** %s\n\n---\n\n", m.PromptID, m.CreatedAt.Format(timestampLayout), m.Content)
		}
	}
	return []byte(sb.String()), nil
}

func writeTurn(sb *strings.Builder, promptID string, at time.Time, question, answer string) {
	fmt.Fprintf(sb, "## ID: %s  %s\n\n", promptID, at.Format(timestampLayout))
	fmt.Fprintf(sb, "**Q:** %s\n\n", strings.TrimSpace(question))
	fmt.Fprintf(sb, "**A:** %s\n\n---\n\n", strings.TrimSpace(answer))
}
