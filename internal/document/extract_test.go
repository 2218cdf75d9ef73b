// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"errors"
	"strings"
	"testing"
)

func TestFileExtractor_PlainText(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "a.txt", "\xef\xbb\xbfline one\r\nline two\n")

	got, err := NewFileExtractor().Extract(path)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if got != "line one\nline two\n" {
		t.Errorf("Extract() = %q", got)
	}
}

func TestFileExtractor_NormalizesToNFC(t *testing.T) {
	dir := t.TempDir()
	// "é" as e + combining acute accent.
	path := writeDoc(t, dir, "a.txt", "cafe\u0301")

	got, err := NewFileExtractor().Extract(path)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if got != "caf\u00e9" {
		t.Errorf("Extract() = %q, want NFC form", got)
	}
	if HashText(got) != HashText("caf\u00e9") {
		t.Error("equivalent text should hash the same after normalization")
	}
}

func TestFileExtractor_Markdown(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "a.md", "# Title\n\nSome *emphasis* and a [link](http://x.y).\n\n- one\n- two\n\n```go\nfmt.Println(1)\n```\n")

	got, err := NewFileExtractor().Extract(path)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	for _, want := range []string{"Title", "Some emphasis and a link.", "one\ntwo", "fmt.Println(1)"} {
		if !strings.Contains(got, want) {
			t.Errorf("flattened markdown missing %q:\n%s", want, got)
		}
	}
	for _, unwanted := range []string{"#", "*", "](", "```"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("flattened markdown still contains %q:\n%s", unwanted, got)
		}
	}
}

func TestFileExtractor_Unsupported(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.docx", "c.bin"} {
		path := writeDoc(t, dir, name, "data")
		if _, err := NewFileExtractor().Extract(path); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Extract(%s) error = %v, want ErrUnsupportedFormat", name, err)
		}
	}

	bin := writeDoc(t, dir, "bad.txt", "\xff\xfe\x00")
	if _, err := NewFileExtractor().Extract(bin); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Extract(non-UTF-8) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestFileExtractor_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "big.txt", strings.Repeat("x", 100))
	ex := &FileExtractor{MaxBytes: 10}
	if _, err := ex.Extract(path); err == nil {
		t.Error("Extract() should fail above MaxBytes")
	}
}

func TestSupportedExtension(t *testing.T) {
	for name, want := range map[string]bool{
		"a.md": true, "A.MARKDOWN": true, "x.txt": true, "d.json": true,
		"e.pdf": false, "noext": false, "f.go": false,
	} {
		if got := SupportedExtension(name); got != want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", name, got, want)
		}
	}
}
