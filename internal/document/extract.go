// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// SUPPORTED FORMATS
// =============================================================================

var textExtensions = map[string]bool{
	".txt":  true,
	".rst":  true,
	".csv":  true,
	".json": true,
	".log":  true,
}

var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

// SupportedExtension reports whether FileExtractor can read name.
func SupportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return textExtensions[ext] || markdownExtensions[ext]
}

// =============================================================================
// FILE EXTRACTOR
// =============================================================================

// DefaultMaxBytes caps the size of a single input file.
const DefaultMaxBytes = 8 << 20

// FileExtractor reads plain text and markdown files. Binary formats such as
// PDF fail with ErrUnsupportedFormat.
type FileExtractor struct {
	MaxBytes int64
}

// NewFileExtractor returns an extractor with DefaultMaxBytes.
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{MaxBytes: DefaultMaxBytes}
}

// Extract returns the NFC-normalized text of the file at path.
func (e *FileExtractor) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !textExtensions[ext] && !markdownExtensions[ext] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if e.MaxBytes > 0 && info.Size() > e.MaxBytes {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", filepath.Base(path), info.Size(), e.MaxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not UTF-8 text", ErrUnsupportedFormat, filepath.Base(path))
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if markdownExtensions[ext] {
		content = FlattenMarkdown(content)
	}
	return norm.NFC.String(content), nil
}

// =============================================================================
// MARKDOWN
// =============================================================================

var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// FlattenMarkdown strips markdown syntax and keeps the text: one line per
// paragraph, heading or list item, code blocks verbatim, link targets
// dropped.
func FlattenMarkdown(input string) string {
	source := []byte(input)
	root := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var out strings.Builder
	endBlock := func() {
		s := out.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				out.Write(node.Segment.Value(source))
				if node.SoftLineBreak() {
					out.WriteByte(' ')
				}
				if node.HardLineBreak() {
					out.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				out.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				out.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				endBlock()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					out.Write(seg.Value(source))
				}
				endBlock()
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.ListItem, *ast.ThematicBreak:
			if !entering {
				endBlock()
			}
		case *extast.TableCell:
			if !entering {
				out.WriteByte('\t')
			}
		case *extast.TableRow, *extast.TableHeader:
			if !entering {
				endBlock()
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(out.String())
}
