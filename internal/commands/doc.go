// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands provides the slash command system.
//
// A Parser turns each input line into one Command variant: Message for
// ordinary text, or one of the slash command types. The Dispatcher matches
// every variant and runs it against a chat.Engine, reporting through a
// View that the terminal layer implements.
//
// # Key Types
//
//   - Registry: command specs used for parsing, help and completion
//   - Parser: input line to Command
//   - Dispatcher: Command to engine call
//   - Completer: tab completion for commands, arguments and @@ references
//
// # Usage
//
//	cmd, err := parser.Parse(line)
//	if err != nil {
//	    view.Warn(err)
//	    continue
//	}
//	quit, err := dispatcher.Dispatch(ctx, cmd)
package commands
