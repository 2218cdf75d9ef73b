// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// summaryInstruction follows the document text in the summary request.
const summaryInstruction = "Create a comprehensive analysis and understanding of these documents that can serve as a foundation for future interactions."

// UsageFunc receives the usage of a call made on behalf of a caller.
type UsageFunc func(Usage)

type usageKey struct{}

// WithUsageReporter returns a context that routes the usage of summary
// calls made under it to fn.
func WithUsageReporter(ctx context.Context, fn UsageFunc) context.Context {
	return context.WithValue(ctx, usageKey{}, fn)
}

func usageReporter(ctx context.Context) UsageFunc {
	fn, _ := ctx.Value(usageKey{}).(UsageFunc)
	return fn
}

// Summarizer produces document summaries with a Model.
type Summarizer struct {
	model     Model
	system    string
	maxTokens int
	log       *zap.Logger
}

// NewSummarizer creates a Summarizer that sends system as the system prompt
// and caps each summary at maxTokens.
func NewSummarizer(model Model, system string, maxTokens int, log *zap.Logger) *Summarizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Summarizer{
		model:     model,
		system:    system,
		maxTokens: maxTokens,
		log:       log.Named("summarizer"),
	}
}

// Summarize implements document.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, id, text string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<document id=%q>\n%s\n</document>\n\n", id, text)
	sb.WriteString(summaryInstruction)

	resp, err := s.model.Complete(ctx, &Request{
		System:    s.system,
		Messages:  []Message{{Role: "user", Content: sb.String()}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if fn := usageReporter(ctx); fn != nil {
		fn(resp.Usage)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", ErrEmptyResponse
	}
	s.log.Info("document summarized",
		zap.String("id", id),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return summary, nil
}
