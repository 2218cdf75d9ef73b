// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"strings"
	"unicode"
)

// RefMarker introduces a document reference in message text.
const RefMarker = "@@"

// isRefRune reports whether r can appear in a reference name: any Unicode
// letter or digit, '_', '-' or '.'.
func isRefRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

// ScanReferences returns the names referenced with @@name in text, in order
// of first appearance and without duplicates. A trailing period is treated
// as sentence punctuation, not part of the name.
func ScanReferences(text string) []string {
	var names []string
	seen := make(map[string]bool)

	for rest := text; ; {
		i := strings.Index(rest, RefMarker)
		if i < 0 {
			break
		}
		rest = rest[i+len(RefMarker):]

		end := strings.IndexFunc(rest, func(r rune) bool { return !isRefRune(r) })
		if end < 0 {
			end = len(rest)
		}
		name := strings.TrimRight(rest[:end], ".")
		rest = rest[end:]

		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
