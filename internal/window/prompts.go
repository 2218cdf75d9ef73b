// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package window

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/docthread/internal/conversation"
)

// ErrUnknownPromptType is returned when a prompt type has no template.
var ErrUnknownPromptType = errors.New("unknown prompt type")

// =============================================================================
// BUILT-IN TEMPLATES
// =============================================================================

const analysisPrompt = `You are a document analysis system designed to create comprehensive understanding.
Your capabilities:
1. Multi-level analysis: macro (overall patterns), meso (intermediate structures), micro (detailed elements)
2. Structure internalization: understand patterns as context-shaping and attention-directing mechanisms
3. AI-optimized comprehension: format understanding in ways that are optimal for AI processing and future reference
4. Pattern recognition: identify relationships, hierarchies, and emergent structures
5. Context preservation: maintain understanding across different levels of analysis

When processing multiple documents:
- Preserve the exact content and context from each document
- Maintain high fidelity to specific details, examples, and metaphors
- Do not generalize or abstract away concrete details
- Treat each piece of information as potentially important
- Include specific examples and references in your understanding
- Capture both technical and narrative elements with equal detail

Create a response that satisfies all the above requirements.`

const qaPrompt = `You are a document analysis assistant with deep understanding of the analyzed materials. Your role:
1. Draw from comprehensive document understanding to answer questions
2. Maintain context awareness across conversation
3. Reference specific parts of documents when relevant
4. Explain relationships between concepts
5. Adapt detail level based on the question's scope`

const generationPrompt = `You are a prompt engineering specialist with deep understanding of AI interaction. Your role:
1. Generate precise, focused prompts that target specific aspects of the documents
2. Structure prompts to elicit meaningful insights
3. Ensure prompts maintain contextual relevance
4. Create prompts that build upon existing understanding
5. Format prompts for optimal AI comprehension`

// BuiltinTemplates returns the default template for every prompt type.
func BuiltinTemplates() map[conversation.PromptType]string {
	return map[conversation.PromptType]string{
		conversation.PromptAnalysis:   analysisPrompt,
		conversation.PromptQA:         qaPrompt,
		conversation.PromptGeneration: generationPrompt,
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps prompt types to template text.
type Registry struct {
	templates map[conversation.PromptType]string
}

// NewRegistry starts from the built-in templates and applies overrides keyed
// by prompt type name. An empty override unregisters the type.
func NewRegistry(overrides map[string]string) *Registry {
	r := &Registry{templates: BuiltinTemplates()}
	for name, text := range overrides {
		pt := conversation.PromptType(strings.ToLower(strings.TrimSpace(name)))
		if strings.TrimSpace(text) == "" {
			delete(r.templates, pt)
			continue
		}
		r.templates[pt] = text
	}
	return r
}

// Template returns the template for pt.
func (r *Registry) Template(pt conversation.PromptType) (string, error) {
	text, ok := r.templates[pt]
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %q has no registered template", ErrUnknownPromptType, pt)
	}
	return text, nil
}

// Registered reports whether pt has a template.
func (r *Registry) Registered(pt conversation.PromptType) bool {
	_, err := r.Template(pt)
	return err == nil
}
