// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/docthread/internal/chat"
	"github.com/jeranaias/docthread/internal/commands"
	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/usage"
	"github.com/jeranaias/docthread/internal/util"
	"github.com/jeranaias/docthread/internal/window"
)

// =============================================================================
// TERMINAL
// =============================================================================

// TerminalOptions configures a Terminal.
type TerminalOptions struct {
	Out io.Writer // answers and listings; defaults to stdout
	Err io.Writer // warnings, errors, spinner and stats; defaults to stderr
	In  io.Reader // confirmation answers when no line editor is attached

	// Markdown renders answers with glamour. Callers enable it on a TTY only.
	Markdown     bool
	GlamourStyle string
	Width        int

	// Spinner shows a spinner on Err while the model is working.
	Spinner bool

	Rates usage.Rates
}

// Terminal writes dispatcher output to a terminal. It implements
// commands.View.
type Terminal struct {
	out     io.Writer
	errOut  io.Writer
	md      *glamour.TermRenderer
	spinner bool
	rates   usage.Rates

	// ask reads one answer line for Confirm.
	ask func(prompt string) (string, error)
}

var _ commands.View = (*Terminal)(nil)

// NewTerminal creates a Terminal. A glamour setup failure falls back to
// plain text.
func NewTerminal(opts TerminalOptions) *Terminal {
	t := &Terminal{
		out:     opts.Out,
		errOut:  opts.Err,
		spinner: opts.Spinner,
		rates:   opts.Rates,
	}
	if t.out == nil {
		t.out = os.Stdout
	}
	if t.errOut == nil {
		t.errOut = os.Stderr
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	reader := bufio.NewReader(in)
	t.ask = func(prompt string) (string, error) {
		fmt.Fprint(t.errOut, prompt)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return line, nil
	}

	if opts.Markdown {
		width := opts.Width
		if width <= 0 {
			width = DefaultTerminalWidth
		}
		if r, err := newMarkdownRenderer(opts.GlamourStyle, width); err == nil {
			t.md = r
		}
	}
	return t
}

// SetPrompter routes Confirm through a line editor.
func (t *Terminal) SetPrompter(ask func(prompt string) (string, error)) {
	t.ask = ask
}

func newMarkdownRenderer(style string, width int) (*glamour.TermRenderer, error) {
	if width > 8 {
		width -= 4
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	return glamour.NewTermRenderer(opts...)
}

// =============================================================================
// MESSAGES
// =============================================================================

// Info prints an informational line.
func (t *Terminal) Info(msg string) {
	fmt.Fprintln(t.out, InfoStyle.Render(msg))
}

// Warn prints a non-fatal problem.
func (t *Terminal) Warn(err error) {
	fmt.Fprintf(t.errOut, "%s %v\n", WarningStyle.Render("[Warning]"), err)
}

// Error prints a failed command with a hint where one helps.
func (t *Terminal) Error(err error) {
	fmt.Fprintf(t.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintln(t.errOut, DimStyle.Render("  "+hint))
	}
}

func errorHint(err error) string {
	var verr *commands.ValidationError
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		return "Type /help for the list of commands."
	case errors.As(err, &verr):
		return "Type /help " + strings.TrimPrefix(verr.Command, "/") + " for usage."
	case errors.Is(err, conversation.ErrNoCurrentConversation):
		return "Start one with /sw <name>."
	}
	return ""
}

// Notice prints a background event such as a document changing on disk.
func (t *Terminal) Notice(msg string) {
	fmt.Fprintf(t.errOut, "%s %s\n", CommandStyle.Render("[Documents]"), msg)
}

// Help prints help text as is.
func (t *Terminal) Help(text string) {
	fmt.Fprintln(t.out, strings.TrimRight(text, "\n"))
}

// Welcome prints the startup banner.
func (t *Terminal) Welcome(model, dataDir string) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, TitleStyle.Render("docthread"))
	fmt.Fprintln(t.out, RenderSeparator(30))
	fmt.Fprintf(t.out, "%s %s\n", InfoStyle.Render("Model:"), CommandStyle.Render(model))
	fmt.Fprintf(t.out, "%s %s\n", InfoStyle.Render("Data: "), ValueStyle.Render(dataDir))
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, InfoStyle.Render("Start with /sw <name>. Reference documents with @@name. /help lists commands."))
	fmt.Fprintln(t.out)
}

// Goodbye prints the session totals.
func (t *Terminal) Goodbye(all usage.Totals) {
	if !all.IsZero() {
		fmt.Fprintf(t.out, "%s %s\n", InfoStyle.Render("Total usage:"), ValueStyle.Render(all.String()))
	}
	fmt.Fprintln(t.out, InfoStyle.Render("Goodbye!"))
}

// =============================================================================
// LISTINGS
// =============================================================================

// Conversations prints the conversation table; the current one is starred.
func (t *Terminal) Conversations(list []conversation.Summary) {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		mark := " "
		if s.Current {
			mark = "*"
		}
		parent, fork := "-", "-"
		if s.Parent != "" {
			parent, fork = s.Parent, strconv.Itoa(s.ForkPoint)
		}
		rows = append(rows, []string{mark, s.Name, parent, fork, strconv.Itoa(s.MessageCount), strconv.Itoa(s.EffectiveCount)})
	}
	t.table([]string{"", "NAME", "PARENT", "FORK", "OWN", "TOTAL"}, rows)
}

// Documents prints the active documents of the current conversation.
func (t *Terminal) Documents(list []chat.DocumentStatus) {
	if len(list) == 0 {
		t.Info("No active documents. Use /docs add <file> or @@name in a message.")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		status := "ready"
		switch {
		case d.Err != nil:
			status = d.Err.Error()
		case !d.Ready:
			status = "processed on next turn"
		}
		rows = append(rows, []string{d.ID, string(d.State), status})
	}
	t.table([]string{"DOCUMENT", "STATE", "STATUS"}, rows)
}

// PromptTypes lists the prompt types with the active one starred.
func (t *Terminal) PromptTypes(active conversation.PromptType, all []conversation.PromptType) {
	for _, pt := range all {
		if pt == active {
			fmt.Fprintf(t.out, "* %s\n", SuccessStyle.Render(string(pt)))
			continue
		}
		fmt.Fprintf(t.out, "  %s\n", ValueStyle.Render(string(pt)))
	}
}

// Usage prints aggregated totals and the current conversation's.
func (t *Terminal) Usage(all usage.Totals, name string, current usage.Totals) {
	rows := [][]string{{"all conversations", strconv.Itoa(all.PromptTokens), strconv.Itoa(all.CompletionTokens), formatCost(all.Cost)}}
	if name != "" {
		rows = append(rows, []string{name, strconv.Itoa(current.PromptTokens), strconv.Itoa(current.CompletionTokens), formatCost(current.Cost)})
	}
	t.table([]string{"SCOPE", "INPUT", "OUTPUT", "COST"}, rows)
}

// Window prints what the next turn would send.
func (t *Terminal) Window(p *window.Payload, warnings []window.Warning, pendingOverride int) {
	docs := "none"
	if len(p.Documents) > 0 {
		ids := make([]string, len(p.Documents))
		for i, d := range p.Documents {
			ids[i] = d.ID
		}
		docs = util.TruncateRunes(strings.Join(ids, ", "), maxDocumentListRunes)
	}
	messages := fmt.Sprintf("%d (depth %d)", len(p.Messages), p.HistoryDepth)
	if pendingOverride > 0 {
		messages = fmt.Sprintf("%d (one-shot depth %d)", len(p.Messages), pendingOverride)
	}

	fmt.Fprintln(t.out, TitleStyle.Render(fmt.Sprintf("Next window for %q", p.Conversation)))
	t.table(nil, [][]string{
		{"Prompt type", string(p.PromptType)},
		{"Documents", docs},
		{"Messages", messages},
		{"Max tokens", strconv.Itoa(p.MaxTokens)},
		{"Fingerprint", p.Fingerprint()},
	})
	for _, w := range warnings {
		t.Warn(w)
	}
}

// Reply renders an answer followed by a one-line stats footer.
func (t *Terminal) Reply(res *chat.Result) {
	fmt.Fprintln(t.out)
	fmt.Fprint(t.out, t.renderAnswer(res.Reply))
	fmt.Fprintln(t.out)

	if len(res.Processed) > 0 {
		fmt.Fprintf(t.errOut, "%s %s\n", CommandStyle.Render("[Documents]"), "processed "+strings.Join(res.Processed, ", "))
	}
	fmt.Fprintln(t.errOut, DimStyle.Render(t.stats(res)))
}

func (t *Terminal) stats(res *chat.Result) string {
	name := ""
	if res.Conversation != nil {
		name = res.Conversation.Name
	}
	cost := t.rates.Cost(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	return fmt.Sprintf("[%s #%s] %d in / %d out | %s | %s",
		name, res.PromptID, res.Usage.PromptTokens, res.Usage.CompletionTokens,
		formatCost(cost), res.Elapsed.Round(time.Millisecond))
}

func (t *Terminal) renderAnswer(text string) string {
	if t.md != nil {
		if rendered, err := t.md.Render(text); err == nil {
			return rendered
		}
	}
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

// =============================================================================
// INTERACTION
// =============================================================================

// Confirm asks a [y/N] question. Only y or yes confirms.
func (t *Terminal) Confirm(question string) bool {
	answer, err := t.ask(question + " [y/N] ")
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// Busy starts the spinner when enabled.
func (t *Terminal) Busy(label string) func() {
	if !t.spinner {
		return func() {}
	}
	return startSpinner(t.errOut, label)
}

// =============================================================================
// TABLES
// =============================================================================

func (t *Terminal) table(headers []string, rows [][]string) {
	lines := formatTable(headers, rows)
	for i, line := range lines {
		if i == 0 && headers != nil {
			fmt.Fprintln(t.out, HeaderStyle.Render(line))
			continue
		}
		fmt.Fprintln(t.out, line)
	}
}

const (
	maxCellWidth         = 72
	maxDocumentListRunes = 200
)

// formatTable aligns cells by display width, so CJK and emoji names line up.
// Cells are flattened to one line and cut at maxCellWidth columns. Trailing
// cells are not padded.
func formatTable(headers []string, rows [][]string) []string {
	all := make([][]string, 0, len(rows)+1)
	if headers != nil {
		all = append(all, headers)
	}
	for _, row := range rows {
		clean := make([]string, len(row))
		for i, cell := range row {
			clean[i] = util.TruncateWidth(util.SingleLine(cell), maxCellWidth)
		}
		all = append(all, clean)
	}
	var widths []int
	for _, row := range all {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := util.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(all))
	for _, row := range all {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if i < len(row)-1 {
				cell = util.PadRight(cell, widths[i])
			}
			b.WriteString(cell)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return lines
}

func formatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}
