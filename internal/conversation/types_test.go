// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"errors"
	"testing"
)

func TestParseResponseLength(t *testing.T) {
	tests := []struct {
		in     string
		want   ResponseLength
		tokens int
	}{
		{"xxs", LengthXXS, 128},
		{"/xs", LengthXS, 256},
		{"S", LengthS, 512},
		{"m", LengthM, 1024},
		{"l", LengthL, 2048},
		{" xl ", LengthXL, 4096},
		{"/XXL", LengthXXL, 8192},
	}
	for _, tt := range tests {
		got, err := ParseResponseLength(tt.in)
		if err != nil {
			t.Errorf("ParseResponseLength(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want || got.Tokens() != tt.tokens {
			t.Errorf("ParseResponseLength(%q) = %s (%d), want %s (%d)", tt.in, got, got.Tokens(), tt.want, tt.tokens)
		}
	}

	if _, err := ParseResponseLength("xxxl"); !errors.Is(err, ErrInvalidResponseLength) {
		t.Errorf("ParseResponseLength(xxxl) error = %v, want ErrInvalidResponseLength", err)
	}
}

func TestParsePromptType(t *testing.T) {
	for _, in := range []string{"analysis", "QA", " generation"} {
		if _, err := ParsePromptType(in); err != nil {
			t.Errorf("ParsePromptType(%q) error: %v", in, err)
		}
	}
	if _, err := ParsePromptType("summary"); !errors.Is(err, ErrInvalidPromptType) {
		t.Errorf("ParsePromptType(summary) error = %v, want ErrInvalidPromptType", err)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"proj", "deep-dive", "v1.2", "notes_2024", "日本"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	invalid := []string{"", ".", "..", "a/b", "a b", "a\nb", string(long)}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestConversationClone_DoesNotShareSlices(t *testing.T) {
	c := &Conversation{
		Messages:        []Message{{Seq: 0, Content: "a"}},
		ActiveDocuments: []string{"x.md"},
	}
	cp := c.Clone()
	cp.Messages[0].Content = "changed"
	cp.ActiveDocuments[0] = "y.md"
	if c.Messages[0].Content != "a" || c.ActiveDocuments[0] != "x.md" {
		t.Error("Clone shares backing arrays with the original")
	}
}

func TestNextSeq(t *testing.T) {
	c := &Conversation{ForkPoint: 6}
	if got := c.NextSeq(); got != 6 {
		t.Errorf("NextSeq() on empty branch = %d, want 6", got)
	}
	c.Messages = []Message{{Seq: 6}, {Seq: 7}}
	if got := c.NextSeq(); got != 8 {
		t.Errorf("NextSeq() = %d, want 8", got)
	}
}
