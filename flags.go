// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// options holds the parsed command line.
type options struct {
	ConfigPath   string
	DataDir      string
	InputDir     string
	Conversation string
	Model        string
	Verbose      bool
	NoColor      bool
	Quiet        bool
	Ephemeral    bool
	WriteConfig  bool
	Version      bool
	Help         bool
}

// parseFlags parses args (without the program name). Usage text goes to
// out when --help is given or parsing fails.
func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("docthread", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false

	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (TOML, or JSON with comments)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "data directory (default ~/.docthread)")
	fs.StringVar(&opts.InputDir, "input-dir", "", "input documents root (default ./input-docs)")
	fs.StringVarP(&opts.Conversation, "conversation", "C", "", "conversation to open at startup")
	fs.StringVarP(&opts.Model, "model", "m", "", "model name")
	fs.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging to the log file")
	fs.BoolVar(&opts.NoColor, "no-color", false, "disable colors")
	fs.BoolVarP(&opts.Quiet, "quiet", "q", false, "no banner or exit summary")
	fs.BoolVar(&opts.Ephemeral, "ephemeral", false, "keep conversations in memory only")
	fs.BoolVar(&opts.WriteConfig, "write-config", false, "write the effective config to <data-dir>/config.toml and exit")
	fs.BoolVar(&opts.Version, "version", false, "print version and exit")
	fs.BoolVarP(&opts.Help, "help", "h", false, "show this help")

	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: docthread [flags]")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Chat with a model over your documents in named, branchable conversations.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Flags:")
		fmt.Fprint(out, fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if opts.Help {
		fs.Usage()
	}
	return opts, nil
}
