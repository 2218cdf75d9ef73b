// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jeranaias/docthread/internal/document"
)

// =============================================================================
// COMPLETER
// =============================================================================

// Completer handles tab completion for commands, arguments and @@ references.
type Completer struct {
	registry *Registry

	// Callbacks for dynamic completion, set by the application.
	ConversationsFn func() []string // Returns conversation names
	DocumentsFn     func() []string // Returns registered document ids
	InputRoot       string          // Directory file arguments are relative to
}

// NewCompleter creates a new completer with the given registry.
func NewCompleter(registry *Registry) *Completer {
	return &Completer{registry: registry}
}

// Complete returns completions for the word being typed at the end of input.
func (c *Completer) Complete(input string) []Completion {
	if !strings.HasPrefix(strings.TrimLeft(input, " "), "/") {
		return c.completeReferences(input)
	}
	input = strings.TrimLeft(input, " ")

	parts := splitCommandLine(input)
	if len(parts) == 0 {
		return c.completeCommands("")
	}

	// Still typing the command name?
	if len(parts) == 1 && !strings.HasSuffix(input, " ") {
		return c.completeCommands(parts[0])
	}

	spec := c.registry.Get(parts[0])
	if spec == nil {
		return nil
	}

	argIndex := len(parts) - 2
	partial := ""
	if strings.HasSuffix(input, " ") {
		argIndex++
	} else {
		partial = parts[len(parts)-1]
	}
	return c.completeArg(spec, parts[1:], argIndex, partial)
}

// Lines returns whole-line candidates for a line editor: input with its
// last word replaced by each completion.
func (c *Completer) Lines(input string) []string {
	completions := c.Complete(input)
	if len(completions) == 0 {
		return nil
	}
	head := input
	if i := strings.LastIndexAny(input, " \t"); i >= 0 {
		head = input[:i+1]
	} else {
		head = ""
	}
	lines := make([]string, 0, len(completions))
	for _, comp := range completions {
		lines = append(lines, head+comp.Value)
	}
	return lines
}

// =============================================================================
// COMMAND COMPLETION
// =============================================================================

// completeCommands matches command names, then aliases one rank lower.
// The bare "/" alias of /help is never offered.
func (c *Completer) completeCommands(partial string) []Completion {
	partial = strings.ToLower(partial)
	var out []Completion
	for _, spec := range c.registry.All() {
		if spec.Hidden {
			continue
		}
		if comp, ok := match(spec.Name, partial); ok {
			comp.Description = spec.Description
			out = append(out, comp)
		}
		if partial == "/" {
			continue
		}
		for _, alias := range spec.Aliases {
			comp, ok := match(alias, partial)
			if !ok || alias == "/" {
				continue
			}
			comp.Display = alias + " -> " + spec.Name
			comp.Description = spec.Description
			comp.Score -= aliasPenalty
			out = append(out, comp)
		}
	}
	return ranked(out)
}

// =============================================================================
// ARGUMENT COMPLETION
// =============================================================================

func (c *Completer) completeArg(spec *Spec, args []string, argIndex int, partial string) []Completion {
	// /docs add takes files, /docs rm takes active ids.
	if spec.Name == "/docs" && argIndex >= 1 && len(args) > 0 {
		if strings.EqualFold(args[0], "add") {
			return c.completeFiles(partial)
		}
		return c.completeFromList(c.documents(), partial)
	}
	if argIndex < 0 || argIndex >= len(spec.Args) {
		return nil
	}

	arg := spec.Args[argIndex]
	switch arg.Type {
	case ArgTypeConversation:
		return c.completeFromList(c.conversations(), partial)
	case ArgTypeDocument:
		return c.completeFromList(c.documents(), partial)
	case ArgTypeFile:
		return c.completeFiles(partial)
	case ArgTypeEnum:
		return c.completeFromList(arg.Values, partial)
	default:
		return nil
	}
}

func (c *Completer) conversations() []string {
	if c.ConversationsFn == nil {
		return nil
	}
	return c.ConversationsFn()
}

func (c *Completer) documents() []string {
	if c.DocumentsFn == nil {
		return nil
	}
	return c.DocumentsFn()
}

// completeFiles lists supported files under the input root.
func (c *Completer) completeFiles(partial string) []Completion {
	if c.InputRoot == "" {
		return nil
	}
	dir := filepath.Dir(partial)
	prefix := filepath.Base(partial)
	if partial == "" || strings.HasSuffix(partial, string(os.PathSeparator)) {
		dir = strings.TrimSuffix(partial, string(os.PathSeparator))
		prefix = ""
	}
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(filepath.Join(c.InputRoot, dir))
	if err != nil {
		return nil
	}

	prefix = strings.ToLower(prefix)
	var out []Completion
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || (!entry.IsDir() && !document.SupportedExtension(name)) {
			continue
		}
		comp, ok := match(name, prefix)
		if !ok {
			continue
		}
		if dir != "." {
			comp.Value = filepath.Join(dir, name)
		}
		if entry.IsDir() {
			comp.Value += string(os.PathSeparator)
			comp.Score += dirBonus
		}
		out = append(out, comp)
	}

	out = ranked(out)
	if len(out) > maxFileItems {
		out = out[:maxFileItems]
	}
	return out
}

func (c *Completer) completeFromList(values []string, partial string) []Completion {
	partial = strings.ToLower(partial)
	var out []Completion
	for _, v := range values {
		if comp, ok := match(v, partial); ok {
			out = append(out, comp)
		}
	}
	return ranked(out)
}

// =============================================================================
// REFERENCE COMPLETION
// =============================================================================

// completeReferences completes an @@name at the end of a message.
func (c *Completer) completeReferences(input string) []Completion {
	word := input
	if i := strings.LastIndexAny(input, " \t"); i >= 0 {
		word = input[i+1:]
	}
	if !strings.HasPrefix(word, document.RefMarker) {
		return nil
	}
	partial := strings.TrimPrefix(word, document.RefMarker)

	completions := c.completeFromList(c.documents(), partial)
	for i := range completions {
		completions[i].Value = document.RefMarker + completions[i].Value
		completions[i].Display = completions[i].Value
	}
	return completions
}

// =============================================================================
// RANKING
// =============================================================================

const (
	exactScore   = 1000
	prefixScore  = 500
	aliasPenalty = 10
	dirBonus     = 5
	maxFileItems = 20
)

// match reports whether value starts with the lowercased partial and
// returns a completion scored by matchScore.
func match(value, partial string) (Completion, bool) {
	if !strings.HasPrefix(strings.ToLower(value), partial) {
		return Completion{}, false
	}
	return Completion{Value: value, Display: value, Score: matchScore(value, partial)}, true
}

// matchScore ranks an exact match first, then shorter completions of the
// same prefix.
func matchScore(value, partial string) int {
	if strings.EqualFold(value, partial) {
		return exactScore
	}
	return prefixScore - (len([]rune(value)) - len([]rune(partial)))
}

// ranked orders completions by score, then by value.
func ranked(list []Completion) []Completion {
	slices.SortFunc(list, func(a, b Completion) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return strings.Compare(a.Value, b.Value)
	})
	return list
}
