// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ErrUnknownCommand is returned for a slash command that is not registered.
var ErrUnknownCommand = errors.New("unknown command")

// =============================================================================
// PARSER
// =============================================================================

// Parser turns input lines into commands.
type Parser struct {
	registry *Registry
}

// NewParser creates a new parser with the given registry.
func NewParser(registry *Registry) *Parser {
	return &Parser{registry: registry}
}

// Parse parses one line of input. Text that does not start with / is a
// Message; a lone "/" is Help.
func (p *Parser) Parse(input string) (Command, error) {
	trimmed := strings.TrimSpace(input)
	if !IsCommand(trimmed) {
		return Message{Text: trimmed}, nil
	}

	parts := splitCommandLine(trimmed)
	if len(parts) == 0 {
		return Help{}, nil
	}
	spec := p.registry.Get(parts[0])
	if spec == nil {
		return nil, fmt.Errorf("%w: %s (type /help for a list)", ErrUnknownCommand, parts[0])
	}
	args := parts[1:]
	if err := ValidateArgs(spec, args); err != nil {
		return nil, err
	}
	return spec.parse(args)
}

// ParseArgs splits a command line into arguments. Single or double quotes
// group words; inside quotes a backslash escapes a quote or a backslash.
func ParseArgs(input string) []string {
	return splitCommandLine(input)
}

// =============================================================================
// TOKENIZER
// =============================================================================

func splitCommandLine(input string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		quote   rune // open quote character, 0 when outside quotes
		started bool // a token is open, possibly empty ("''")
		escaped bool
	)
	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			if r != '"' && r != '\'' && r != '\\' {
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case quote != 0 && r == '\\':
			escaped = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote, started = r, true
		case quote == 0 && unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	flush()
	return tokens
}

// IsCommand reports whether input is a slash command.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// ExtractCommandName returns the leading "/name" of input, or "".
func ExtractCommandName(input string) string {
	fields := strings.Fields(input)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	return fields[0]
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateArgs checks the argument count and enum values of args.
func ValidateArgs(spec *Spec, args []string) error {
	if spec == nil {
		return nil
	}
	if len(args) > len(spec.Args) && !spec.Variadic {
		return spec.invalid("", "too many arguments", strings.Join(args, " "), spec.usageLine())
	}
	for i, def := range spec.Args {
		if i >= len(args) {
			if def.Required {
				return spec.invalid(def.Name, "missing required argument", "", spec.usageLine())
			}
			continue
		}
		if !def.accepts(args[i]) {
			return spec.invalid(def.Name, "invalid value", args[i], strings.Join(def.Values, ", "))
		}
	}
	return nil
}

// accepts reports whether v is allowed; only enums restrict values.
func (d ArgDef) accepts(v string) bool {
	if d.Type != ArgTypeEnum || len(d.Values) == 0 {
		return true
	}
	return slices.ContainsFunc(d.Values, func(allowed string) bool {
		return strings.EqualFold(allowed, v)
	})
}

func (s *Spec) usageLine() string {
	if s.Usage != "" {
		return s.Usage
	}
	return s.Name
}

func (s *Spec) invalid(arg, msg, got, expected string) *ValidationError {
	return &ValidationError{Command: s.Name, Arg: arg, Message: msg, Got: got, Expected: expected}
}

// ValidationError describes arguments a command rejected.
type ValidationError struct {
	Command  string
	Arg      string
	Message  string
	Got      string
	Expected string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Command, e.Message)
	if e.Arg != "" {
		fmt.Fprintf(&b, " for argument '%s'", e.Arg)
	}
	if e.Got != "" {
		fmt.Fprintf(&b, " (got: %s)", e.Got)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, " - expected: %s", e.Expected)
	}
	return b.String()
}
