// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for docthread.
//
// Supports TOML and JSON-with-comments configuration files, with sensible
// defaults, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: main configuration structure
//   - ProviderConfig: model API settings
//   - PathsConfig: data, input, session and output directories
//   - DefaultsConfig: settings for new conversations
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (ANTHROPIC_API_KEY, DOCTHREAD_*)
//   - <data_dir>/config.toml
//   - <data_dir>/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load(dataDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	key, err := cfg.RequireCredential()
package config
