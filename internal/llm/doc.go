// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm provides the model client used for conversation turns and
// document summaries.
//
// The client speaks the Anthropic Messages API over HTTPS. Transient failures
// (rate limiting, overload, 5xx) are retried with exponential backoff and
// jitter. Requests are paced with a token-bucket limiter.
//
// # Key Types
//
//   - Model: interface the turn engine calls
//   - AnthropicClient: HTTP implementation of Model
//   - ProviderError: non-2xx response from the API
//   - Summarizer: document.Summarizer backed by a Model
//
// # Usage
//
//	client := llm.NewAnthropicClient(apiKey, log).
//	    WithModel(cfg.Provider.Model).
//	    WithMaxRetries(cfg.Provider.MaxRetries)
//	resp, err := client.Complete(ctx, &llm.Request{
//	    System:    system,
//	    Messages:  []llm.Message{{Role: "user", Content: "Hello"}},
//	    MaxTokens: 1024,
//	})
package llm
