// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// SPINNER MODEL
// =============================================================================

// stopSpinnerMsg ends the spinner program.
type stopSpinnerMsg struct{}

// spinnerModel is a one-line bubbletea program: frame, label, elapsed time.
type spinnerModel struct {
	spinner  spinner.Model
	label    string
	start    time.Time
	quitting bool
}

func newSpinnerModel(label string) spinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}
	s.Style = CommandStyle
	return spinnerModel{spinner: s, label: label, start: time.Now()}
}

func (m spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stopSpinnerMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinnerModel) View() string {
	if m.quitting {
		return ""
	}
	elapsed := time.Since(m.start).Round(100 * time.Millisecond)
	return fmt.Sprintf("%s %s %s", m.spinner.View(), InfoStyle.Render(m.label+"..."), DimStyle.Render(elapsed.String()))
}

// =============================================================================
// RUNNER
// =============================================================================

// startSpinner runs a spinner on w until the returned func is called. The
// program reads no input and installs no signal handler, so liner keeps stdin
// and the REPL keeps Ctrl+C.
func startSpinner(w io.Writer, label string) (stop func()) {
	p := tea.NewProgram(newSpinnerModel(label),
		tea.WithOutput(w),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run()
	}()
	return func() {
		p.Send(stopSpinnerMsg{})
		<-done
	}
}
