// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/chat"
	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/usage"
	"github.com/jeranaias/docthread/internal/window"
)

// =============================================================================
// VIEW
// =============================================================================

// View is the terminal side of the dispatcher.
type View interface {
	Info(msg string)
	Warn(err error)
	Help(text string)
	Conversations(list []conversation.Summary)
	Documents(list []chat.DocumentStatus)
	PromptTypes(active conversation.PromptType, all []conversation.PromptType)
	Usage(all usage.Totals, name string, current usage.Totals)
	Window(p *window.Payload, warnings []window.Warning, pendingOverride int)
	Reply(res *chat.Result)

	// Confirm asks a yes/no question; anything but yes is no.
	Confirm(question string) bool

	// Busy shows progress until the returned func is called.
	Busy(label string) (stop func())
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher executes commands against an engine.
type Dispatcher struct {
	eng      *chat.Engine
	mgr      *conversation.Manager
	registry *Registry
	view     View
	log      *zap.Logger
}

// NewDispatcher returns a dispatcher that reports through view.
func NewDispatcher(eng *chat.Engine, registry *Registry, view View, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		eng:      eng,
		mgr:      eng.Manager(),
		registry: registry,
		view:     view,
		log:      log.Named("commands"),
	}
}

// Dispatch runs cmd. It reports true when the session should end.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (bool, error) {
	d.log.Debug("dispatch", zap.String("command", fmt.Sprintf("%T", cmd)))

	switch c := cmd.(type) {
	case Message:
		return false, d.send(ctx, c.Text)
	case Quit:
		return true, nil
	case Help:
		return false, d.help(c.Topic)
	case ListConversations:
		d.listConversations()
		return false, nil
	case Switch:
		return false, d.switchTo(c.Name)
	case Branch:
		return false, d.branch(c.Name)
	case Reload:
		return false, d.reload(ctx)
	case LoadDepth:
		if err := d.eng.Builder().OverrideNext(c.N); err != nil {
			return false, err
		}
		d.view.Info(fmt.Sprintf("Next turn will send the last %d messages.", c.N))
		return false, nil
	case SetDepth:
		return false, d.setDepth(c.N)
	case ListDocuments:
		statuses, err := d.eng.DocumentStatuses()
		if err != nil {
			return false, err
		}
		d.view.Documents(statuses)
		return false, nil
	case AddDocuments:
		return false, d.addDocuments(c.Refs)
	case RemoveDocument:
		if err := d.eng.RemoveDocument(c.ID); err != nil {
			return false, err
		}
		d.view.Info(fmt.Sprintf("Deactivated %s.", c.ID))
		return false, nil
	case ShowPromptTypes:
		conv, err := d.eng.Current()
		if err != nil {
			return false, err
		}
		d.view.PromptTypes(conv.PromptType, conversation.PromptTypes())
		return false, nil
	case SetPromptType:
		return false, d.setPromptType(c.Type)
	case SetLength:
		return false, d.setLength(c.Length)
	case ClearAll:
		return false, d.clearAll()
	case ClearConversation:
		return false, d.clearConversation(c.Name)
	case Detach:
		return false, d.detach(c.Name)
	case ShowUsage:
		d.showUsage()
		return false, nil
	case PreviewWindow:
		return false, d.previewWindow()
	case Export:
		return false, d.export(c.Name)
	default:
		return false, fmt.Errorf("unhandled command %T", cmd)
	}
}

// currentName returns the current conversation name, or the argument if set.
func (d *Dispatcher) currentName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	conv, err := d.eng.Current()
	if err != nil {
		return "", err
	}
	return conv.Name, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (d *Dispatcher) send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	stop := d.view.Busy("Thinking")
	res, err := d.eng.Send(ctx, text)
	stop()
	if res != nil {
		for _, w := range res.Warnings {
			d.view.Warn(w)
		}
	}
	if err != nil {
		return err
	}
	d.view.Reply(res)
	return nil
}

func (d *Dispatcher) help(topic string) error {
	if topic == "" {
		d.view.Help(d.registry.HelpText())
		return nil
	}
	if !strings.HasPrefix(topic, "/") {
		topic = "/" + topic
	}
	usage, ok := d.registry.Usage(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, topic)
	}
	d.view.Help(usage)
	return nil
}

func (d *Dispatcher) listConversations() {
	list := d.mgr.List()
	if len(list) == 0 {
		d.view.Info("No conversations yet. Use /sw <name> to start one.")
		return
	}
	d.view.Conversations(list)
}

func (d *Dispatcher) switchTo(name string) error {
	action, warnings, err := d.eng.Open(name)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		d.view.Warn(w)
	}

	conv, err := d.eng.Current()
	if err != nil {
		return err
	}
	if action == conversation.ActionCreated {
		d.view.Info(fmt.Sprintf("Created conversation %q.", name))
		if len(conv.ActiveDocuments) > 0 {
			d.view.Info("Active documents: " + strings.Join(conv.ActiveDocuments, ", "))
		}
		return nil
	}
	d.view.Info(fmt.Sprintf("Switched to %q.", name))

	// Surface a broken branch now rather than on the next turn.
	if _, err := d.mgr.Store().EffectiveHistory(name); err != nil {
		var orphan *conversation.OrphanError
		if errors.As(err, &orphan) {
			d.view.Warn(err)
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) branch(name string) error {
	c, err := d.mgr.Branch(name, "")
	if err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("Branched %q from %q at message %d.", c.Name, c.Parent, c.ForkPoint))
	return nil
}

func (d *Dispatcher) reload(ctx context.Context) error {
	stop := d.view.Busy("Processing documents")
	statuses, err := d.eng.Reload(ctx)
	stop()
	if len(statuses) > 0 {
		d.view.Documents(statuses)
	} else if err == nil {
		d.view.Info("No active documents.")
	}
	return err
}

func (d *Dispatcher) setDepth(n int) error {
	name, err := d.currentName("")
	if err != nil {
		return err
	}
	if _, err := d.mgr.SetHistoryDepth(name, n); err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("Every turn in %q now sends the last %d messages.", name, n))
	return nil
}

func (d *Dispatcher) addDocuments(refs []string) error {
	ids, err := d.eng.AddDocuments(refs...)
	if len(ids) > 0 {
		d.view.Info("Activated " + strings.Join(ids, ", ") + ". They are processed on the next turn or /reload.")
	}
	return err
}

func (d *Dispatcher) setPromptType(pt conversation.PromptType) error {
	name, err := d.currentName("")
	if err != nil {
		return err
	}
	if _, err := d.mgr.SetPromptType(name, pt); err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("Prompt type set to %s.", pt))
	return nil
}

func (d *Dispatcher) setLength(l conversation.ResponseLength) error {
	name, err := d.currentName("")
	if err != nil {
		return err
	}
	if _, err := d.mgr.SetResponseLength(name, l); err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("Response length set to %s (%d tokens).", l.Label(), l.Tokens()))
	return nil
}

func (d *Dispatcher) clearAll() error {
	if !d.view.Confirm("Delete every conversation, transcript and processed summary?") {
		d.view.Info("Nothing deleted.")
		return nil
	}
	if err := d.eng.ClearAll(conversation.ConfirmClearAll()); err != nil {
		return err
	}
	d.view.Info("Cleared all conversations. Use /sw <name> to start a new one.")
	return nil
}

func (d *Dispatcher) clearConversation(name string) error {
	name, err := d.currentName(name)
	if err != nil {
		return err
	}
	if _, err := d.mgr.Store().Get(name); err != nil {
		return err
	}
	if !d.view.Confirm(fmt.Sprintf("Delete conversation %q and its transcript?", name)) {
		d.view.Info("Nothing deleted.")
		return nil
	}
	if err := d.eng.ClearConversation(name, conversation.ConfirmClear(name)); err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("Cleared %q.", name))
	return nil
}

func (d *Dispatcher) detach(name string) error {
	name, err := d.currentName(name)
	if err != nil {
		return err
	}
	c, err := d.mgr.Detach(name)
	if err != nil {
		return err
	}
	d.view.Info(fmt.Sprintf("%q is now a standalone conversation with %d messages.", c.Name, len(c.Messages)))
	return nil
}

func (d *Dispatcher) showUsage() {
	var (
		name    string
		current usage.Totals
	)
	if conv, err := d.eng.Current(); err == nil {
		name = conv.Name
		current = conv.Usage
	}
	d.view.Usage(d.mgr.UsageAll(), name, current)
}

func (d *Dispatcher) previewWindow() error {
	p, warnings, err := d.eng.Preview()
	if err != nil {
		return err
	}
	d.view.Window(p, warnings, d.eng.Builder().PendingOverride())
	return nil
}

func (d *Dispatcher) export(name string) error {
	name, err := d.currentName(name)
	if err != nil {
		return err
	}
	path, err := d.eng.Export(name)
	if err != nil {
		return err
	}
	d.view.Info("Exported to " + path)
	return nil
}
