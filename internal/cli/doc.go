// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the interactive terminal for docthread.
//
// The REPL reads lines with liner (history, tab completion, multi-line input
// through a trailing backslash), parses them with the commands package and
// dispatches them against a chat.Engine. Terminal implements commands.View:
// lipgloss styles, glamour for answers, go-runewidth aligned tables and a
// bubbletea spinner on stderr while the model is working.
//
// # Signals
//
// Ctrl+C at the prompt discards the line being typed. Ctrl+C while a
// command runs cancels its context, so an in-flight turn is dropped without
// appending a message or recording usage. Ctrl+D ends the session.
//
// # Color
//
// Colors are disabled when stdout is not a terminal, when NO_COLOR is set or
// when --no-color is passed. FORCE_COLOR overrides terminal detection.
package cli
