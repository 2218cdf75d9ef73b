// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/chat"
	"github.com/jeranaias/docthread/internal/commands"
	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/document"
	"github.com/jeranaias/docthread/internal/util"
)

// =============================================================================
// REPL
// =============================================================================

// continuationPrompt is shown while a backslash-continued message is typed.
const continuationPrompt = "... "

// maxHistoryEntries bounds the saved line history.
const maxHistoryEntries = 1000

// Options configures a REPL.
type Options struct {
	Engine      *chat.Engine
	Terminal    *Terminal
	HistoryFile string
	Model       string
	DataDir     string
	Log         *zap.Logger

	// Quiet suppresses the welcome banner and the exit summary.
	Quiet bool

	// Conversation is opened with /sw before the first prompt when set.
	Conversation string
}

// REPL is the interactive read-parse-dispatch loop.
type REPL struct {
	eng         *chat.Engine
	term        *Terminal
	registry    *commands.Registry
	parser      *commands.Parser
	completer   *commands.Completer
	dispatcher  *commands.Dispatcher
	historyFile string
	model       string
	dataDir     string
	quiet       bool
	startup     string
	log         *zap.Logger

	notices chan string
}

// New wires the parser, completer and dispatcher around an engine.
func New(opts Options) *REPL {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	registry := commands.NewRegistry()
	r := &REPL{
		eng:         opts.Engine,
		term:        opts.Terminal,
		registry:    registry,
		parser:      commands.NewParser(registry),
		completer:   commands.NewCompleter(registry),
		historyFile: opts.HistoryFile,
		model:       opts.Model,
		dataDir:     opts.DataDir,
		quiet:       opts.Quiet,
		startup:     opts.Conversation,
		log:         log.Named("repl"),
		notices:     make(chan string, 32),
	}
	r.dispatcher = commands.NewDispatcher(opts.Engine, registry, opts.Terminal, log)

	r.completer.InputRoot = opts.Engine.Documents().Root()
	r.completer.ConversationsFn = func() []string {
		list := r.eng.Manager().List()
		names := make([]string, len(list))
		for i, s := range list {
			names[i] = s.Name
		}
		return names
	}
	r.completer.DocumentsFn = func() []string {
		docs := r.eng.Documents().List()
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		return ids
	}
	return r
}

// DocumentChanged queues a notice for the next prompt. It is safe to call
// from the watcher goroutine; notices beyond the buffer are dropped.
func (r *REPL) DocumentChanged(doc *document.Document) {
	msg := fmt.Sprintf("%s changed on disk (%s)", doc.ID, doc.State)
	select {
	case r.notices <- msg:
	default:
		r.log.Debug("notice dropped", zap.String("id", doc.ID))
	}
}

// Run reads and executes lines until /quit, Ctrl+D or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(true)
	line.SetTabCompletionStyle(liner.TabPrints)
	line.SetCompleter(r.completer.Lines)
	r.loadHistory(line)
	defer r.saveHistory(line)

	r.term.SetPrompter(line.Prompt)

	if !r.quiet {
		r.term.Welcome(r.model, r.dataDir)
	}
	if r.startup != "" {
		if _, err := r.dispatcher.Dispatch(ctx, commands.Switch{Name: r.startup}); err != nil {
			r.term.Error(err)
		}
	}

	for {
		if ctx.Err() != nil {
			break
		}
		r.flushNotices()

		text, err := readMessage(line.Prompt, r.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warn("input closed", zap.Error(err))
			}
			fmt.Fprintln(os.Stdout)
			break
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		line.AppendHistory(strings.ReplaceAll(text, "\n", " "))

		quit, err := r.Execute(ctx, text)
		if err != nil {
			r.term.Error(err)
		}
		if quit {
			break
		}
	}

	if !r.quiet {
		r.term.Goodbye(r.eng.Manager().UsageAll())
	}
	return nil
}

// Execute parses and dispatches one input. Ctrl+C while it runs cancels the
// command's context.
func (r *REPL) Execute(ctx context.Context, text string) (bool, error) {
	cmd, err := r.parser.Parse(text)
	if err != nil {
		return false, err
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			r.log.Info("interrupt, cancelling command")
			cancel()
		case <-cmdCtx.Done():
		}
	}()

	return r.dispatcher.Dispatch(cmdCtx, cmd)
}

// prompt renders "[name] type/length > " or "[parent:name] ..." for branches.
// liner measures the prompt itself, so it carries no escape codes.
func (r *REPL) prompt() string {
	conv, err := r.eng.Current()
	if err != nil {
		return "[no conversation] > "
	}
	return promptFor(conv)
}

func promptFor(conv *conversation.Conversation) string {
	name := conv.Name
	if conv.Parent != "" {
		name = conv.Parent + ":" + conv.Name
	}
	return fmt.Sprintf("[%s] %s/%s > ", name, conv.PromptType, strings.ToUpper(string(conv.ResponseLength)))
}

func (r *REPL) flushNotices() {
	for {
		select {
		case msg := <-r.notices:
			r.term.Notice(msg)
		default:
			return
		}
	}
}

// readMessage reads one message. A line ending in a backslash continues on
// the next line; the backslash is dropped and the lines are joined with
// newlines.
func readMessage(prompt func(string) (string, error), first string) (string, error) {
	var lines []string
	p := first
	for {
		s, err := prompt(p)
		if err != nil {
			return "", err
		}
		if strings.HasSuffix(s, `\`) {
			lines = append(lines, strings.TrimSuffix(s, `\`))
			p = continuationPrompt
			continue
		}
		lines = append(lines, s)
		return strings.Join(lines, "\n"), nil
	}
}

// =============================================================================
// HISTORY
// =============================================================================

func (r *REPL) loadHistory(line *liner.State) {
	if r.historyFile == "" {
		return
	}
	f, err := os.Open(r.historyFile)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := line.ReadHistory(f); err != nil {
		r.log.Debug("history not loaded", zap.Error(err))
	}
}

func (r *REPL) saveHistory(line *liner.State) {
	if r.historyFile == "" {
		return
	}
	var buf bytes.Buffer
	if _, err := line.WriteHistory(&buf); err != nil {
		r.log.Warn("history not saved", zap.Error(err))
		return
	}
	if err := util.AtomicWriteFile(r.historyFile, trimHistory(buf.Bytes(), maxHistoryEntries), 0600); err != nil {
		r.log.Warn("history not saved", zap.String("path", r.historyFile), zap.Error(err))
	}
}

// trimHistory keeps the last limit lines.
func trimHistory(data []byte, limit int) []byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) <= limit {
		return data
	}
	return bytes.Join(lines[len(lines)-limit:], nil)
}
