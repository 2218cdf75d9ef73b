// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jeranaias/docthread/internal/conversation"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// Spec describes one slash command.
type Spec struct {
	// Name is the primary command name (e.g., "/help")
	Name string

	// Aliases are alternative names (e.g., "/h", "/?")
	Aliases []string

	// Description is shown in help and completion
	Description string

	// Usage shows argument syntax (e.g., "/sw <name>")
	Usage string

	// Args defines the expected arguments
	Args []ArgDef

	// Category for grouping in help display
	Category string

	// Hidden commands don't appear in help
	Hidden bool

	// Variadic commands accept more arguments than Args lists
	Variadic bool

	// parse turns validated arguments into a command.
	parse func(args []string) (Command, error)
}

// ArgDef defines an argument for a command.
type ArgDef struct {
	Name        string
	Required    bool
	Type        ArgType
	Description string

	// Values for enum types
	Values []string
}

// ArgType indicates what kind of completion to provide.
type ArgType int

const (
	ArgTypeString       ArgType = iota // Free-form string
	ArgTypeConversation                // Conversation name
	ArgTypeDocument                    // Registered document id
	ArgTypeFile                        // File path under the input root
	ArgTypeEnum                        // One of predefined values
	ArgTypeNumber                      // Positive integer
)

// Completion is one completion candidate.
type Completion struct {
	Value       string
	Display     string
	Description string
	Score       int
}

// Category names in help order.
const (
	CategoryConversation = "Conversation"
	CategoryDocuments    = "Documents"
	CategoryContext      = "Context"
	CategorySession      = "Session"
)

var categoryOrder = []string{CategoryConversation, CategoryContext, CategoryDocuments, CategorySession}

// =============================================================================
// COMMAND REGISTRY
// =============================================================================

// Registry holds all registered commands.
type Registry struct {
	commands map[string]*Spec
	aliases  map[string]*Spec
}

// NewRegistry creates a registry with all built-in commands.
func NewRegistry() *Registry {
	r := &Registry{
		commands: make(map[string]*Spec),
		aliases:  make(map[string]*Spec),
	}
	r.registerBuiltins()
	return r
}

// Register adds a command to the registry.
func (r *Registry) Register(spec *Spec) {
	r.commands[spec.Name] = spec
	for _, alias := range spec.Aliases {
		r.aliases[alias] = spec
	}
}

// Get retrieves a command by name or alias. Lookup is case-insensitive.
func (r *Registry) Get(name string) *Spec {
	name = strings.ToLower(name)
	if spec, ok := r.commands[name]; ok {
		return spec
	}
	if spec, ok := r.aliases[name]; ok {
		return spec
	}
	return nil
}

// All returns all registered commands sorted by name.
func (r *Registry) All() []*Spec {
	specs := make([]*Spec, 0, len(r.commands))
	for _, spec := range r.commands {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ByCategory returns visible commands grouped by category.
func (r *Registry) ByCategory() map[string][]*Spec {
	result := make(map[string][]*Spec)
	for _, spec := range r.All() {
		if spec.Hidden {
			continue
		}
		category := spec.Category
		if category == "" {
			category = CategorySession
		}
		result[category] = append(result[category], spec)
	}
	return result
}

// HelpText formats the command list for the terminal.
func (r *Registry) HelpText() string {
	groups := r.ByCategory()
	var sb strings.Builder
	for _, category := range categoryOrder {
		specs := groups[category]
		if len(specs) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s:\n", category)
		for _, spec := range specs {
			usage := spec.Usage
			if usage == "" {
				usage = spec.Name
			}
			if len(spec.Aliases) > 0 {
				usage += " (" + strings.Join(spec.Aliases, ", ") + ")"
			}
			fmt.Fprintf(&sb, "  %-34s %s\n", usage, spec.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Reference documents in a message with @@name. End a line with \\ to continue it.\n")
	return sb.String()
}

// Usage returns the usage line of one command.
func (r *Registry) Usage(name string) (string, bool) {
	spec := r.Get(name)
	if spec == nil {
		return "", false
	}
	usage := spec.Usage
	if usage == "" {
		usage = spec.Name
	}
	return usage + "  " + spec.Description, true
}

// =============================================================================
// BUILT-IN COMMANDS
// =============================================================================

func (r *Registry) registerBuiltins() {
	// Session
	r.Register(&Spec{
		Name:        "/help",
		Aliases:     []string{"/"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Args:        []ArgDef{{Name: "command", Type: ArgTypeString, Description: "Command to describe"}},
		Category:    CategorySession,
		parse: func(args []string) (Command, error) {
			if len(args) > 0 {
				return Help{Topic: args[0]}, nil
			}
			return Help{}, nil
		},
	})

	r.Register(&Spec{
		Name:        "/quit",
		Aliases:     []string{"/q", "/exit"},
		Description: "Exit docthread",
		Category:    CategorySession,
		parse:       func([]string) (Command, error) { return Quit{}, nil },
	})

	r.Register(&Spec{
		Name:        "/usage",
		Description: "Show token usage and cost",
		Category:    CategorySession,
		parse:       func([]string) (Command, error) { return ShowUsage{}, nil },
	})

	r.Register(&Spec{
		Name:        "/clearall",
		Description: "Delete every conversation and processed summary",
		Category:    CategorySession,
		parse:       func([]string) (Command, error) { return ClearAll{}, nil },
	})

	// Conversation
	r.Register(&Spec{
		Name:        "/sw",
		Aliases:     []string{"/switch"},
		Description: "List conversations, or create or switch to one",
		Usage:       "/sw [name]",
		Args:        []ArgDef{{Name: "name", Type: ArgTypeConversation, Description: "Conversation name"}},
		Category:    CategoryConversation,
		parse: func(args []string) (Command, error) {
			if len(args) == 0 {
				return ListConversations{}, nil
			}
			return Switch{Name: args[0]}, nil
		},
	})

	r.Register(&Spec{
		Name:        "/branch",
		Description: "Fork the current conversation",
		Usage:       "/branch <name>",
		Args:        []ArgDef{{Name: "name", Required: true, Type: ArgTypeString, Description: "New branch name"}},
		Category:    CategoryConversation,
		parse:       func(args []string) (Command, error) { return Branch{Name: args[0]}, nil },
	})

	r.Register(&Spec{
		Name:        "/clearconv",
		Aliases:     []string{"/rmrf"},
		Description: "Delete one conversation (default: current)",
		Usage:       "/clearconv [name]",
		Args:        []ArgDef{{Name: "name", Type: ArgTypeConversation, Description: "Conversation name"}},
		Category:    CategoryConversation,
		parse:       func(args []string) (Command, error) { return ClearConversation{Name: optional(args)}, nil },
	})

	r.Register(&Spec{
		Name:        "/detach",
		Description: "Turn a branch into a standalone conversation",
		Usage:       "/detach [name]",
		Args:        []ArgDef{{Name: "name", Type: ArgTypeConversation, Description: "Conversation name"}},
		Category:    CategoryConversation,
		parse:       func(args []string) (Command, error) { return Detach{Name: optional(args)}, nil },
	})

	r.Register(&Spec{
		Name:        "/export",
		Description: "Write the full history to conversation-full.md",
		Usage:       "/export [name]",
		Args:        []ArgDef{{Name: "name", Type: ArgTypeConversation, Description: "Conversation name"}},
		Category:    CategoryConversation,
		parse:       func(args []string) (Command, error) { return Export{Name: optional(args)}, nil },
	})

	// Context
	r.Register(&Spec{
		Name:        "/ld",
		Description: "Send the last n messages with the next turn only",
		Usage:       fmt.Sprintf("/ld [n=%d]", conversation.DefaultHistoryDepth),
		Args:        []ArgDef{{Name: "n", Type: ArgTypeNumber, Description: "Message count"}},
		Category:    CategoryContext,
		parse: func(args []string) (Command, error) {
			if len(args) == 0 {
				return LoadDepth{N: conversation.DefaultHistoryDepth}, nil
			}
			n, err := positive("/ld", args[0])
			if err != nil {
				return nil, err
			}
			return LoadDepth{N: n}, nil
		},
	})

	r.Register(&Spec{
		Name:        "/depth",
		Description: "Set how many messages every turn sends",
		Usage:       "/depth <n>",
		Args:        []ArgDef{{Name: "n", Required: true, Type: ArgTypeNumber, Description: "Message count"}},
		Category:    CategoryContext,
		parse: func(args []string) (Command, error) {
			n, err := positive("/depth", args[0])
			if err != nil {
				return nil, err
			}
			return SetDepth{N: n}, nil
		},
	})

	promptTypes := make([]string, 0, len(conversation.PromptTypes()))
	for _, pt := range conversation.PromptTypes() {
		promptTypes = append(promptTypes, string(pt))
	}
	r.Register(&Spec{
		Name:        "/p",
		Aliases:     []string{"/prompt"},
		Description: "List prompt types, or set one",
		Usage:       "/p [type]",
		Args:        []ArgDef{{Name: "type", Type: ArgTypeEnum, Values: promptTypes, Description: "Prompt type"}},
		Category:    CategoryContext,
		parse: func(args []string) (Command, error) {
			if len(args) == 0 {
				return ShowPromptTypes{}, nil
			}
			pt, err := conversation.ParsePromptType(args[0])
			if err != nil {
				return nil, err
			}
			return SetPromptType{Type: pt}, nil
		},
	})

	for _, l := range conversation.ResponseLengths() {
		length := l
		r.Register(&Spec{
			Name:        "/" + string(length),
			Description: fmt.Sprintf("Set response length to %s (%d tokens)", length.Label(), length.Tokens()),
			Category:    CategoryContext,
			parse:       func([]string) (Command, error) { return SetLength{Length: length}, nil },
		})
	}

	r.Register(&Spec{
		Name:        "/window",
		Description: "Preview the next context window without sending",
		Category:    CategoryContext,
		parse:       func([]string) (Command, error) { return PreviewWindow{}, nil },
	})

	// Documents
	r.Register(&Spec{
		Name:        "/docs",
		Description: "List active documents, or add or remove them",
		Usage:       "/docs [add <file>... | rm <id>]",
		Args: []ArgDef{
			{Name: "action", Type: ArgTypeEnum, Values: []string{"add", "rm"}, Description: "Action"},
			{Name: "document", Type: ArgTypeDocument, Description: "Document"},
		},
		Category: CategoryDocuments,
		Variadic: true,
		parse:    parseDocs,
	})

	r.Register(&Spec{
		Name:        "/reload",
		Description: "Rescan and reprocess active documents",
		Category:    CategoryDocuments,
		parse:       func([]string) (Command, error) { return Reload{}, nil },
	})
}

func parseDocs(args []string) (Command, error) {
	if len(args) == 0 {
		return ListDocuments{}, nil
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 2 {
			return nil, &ValidationError{Command: "/docs add", Arg: "document", Message: "missing required argument"}
		}
		return AddDocuments{Refs: args[1:]}, nil
	case "rm":
		if len(args) != 2 {
			return nil, &ValidationError{Command: "/docs rm", Arg: "id", Message: "expected exactly one document id"}
		}
		return RemoveDocument{ID: args[1]}, nil
	default:
		return nil, &ValidationError{Command: "/docs", Arg: "action", Message: "invalid value", Got: args[0], Expected: "add, rm"}
	}
}

func optional(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func positive(cmd, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, &ValidationError{Command: cmd, Arg: "n", Message: "invalid value", Got: s, Expected: "a positive integer"}
	}
	return n, nil
}
