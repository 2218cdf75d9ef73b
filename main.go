// docthread - multi-conversation document chat in the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/docthread/internal/chat"
	"github.com/jeranaias/docthread/internal/cli"
	"github.com/jeranaias/docthread/internal/config"
	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/document"
	"github.com/jeranaias/docthread/internal/llm"
	"github.com/jeranaias/docthread/internal/logging"
	"github.com/jeranaias/docthread/internal/storage"
	"github.com/jeranaias/docthread/internal/transcript"
	"github.com/jeranaias/docthread/internal/window"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if opts.Help {
		return
	}
	if opts.Version {
		fmt.Printf("docthread %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(opts); err != nil {
		cli.SetColor(cli.ColorsEnabled(opts.NoColor))
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.ErrorStyle.Render("[Error]"), err)
		os.Exit(1)
	}
}

// =============================================================================
// STARTUP
// =============================================================================

// loadConfig resolves the config file and applies flag overrides on top of
// file and environment values.
func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFromPath(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		dataDir := opts.DataDir
		if dataDir == "" {
			if dataDir, err = config.DefaultDataDir(); err != nil {
				return nil, err
			}
		}
		cfg, err = config.Load(dataDir)
		if cfg == nil {
			return nil, err
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v (using defaults)\n", cli.WarningStyle.Render("[Warning]"), err)
		}
	}

	if opts.DataDir != "" {
		cfg.Paths.DataDir = opts.DataDir
	}
	if opts.InputDir != "" {
		cfg.Paths.InputDir = opts.InputDir
	}
	if opts.Model != "" {
		cfg.Provider.Model = opts.Model
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if opts.NoColor {
		cfg.UI.Color = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if opts.WriteConfig {
		path := config.ConfigPathTOML(cfg.DataDir())
		if err := config.SaveTOML(cfg, path); err != nil {
			return err
		}
		fmt.Println("Wrote " + path)
		return nil
	}

	apiKey, err := cfg.RequireCredential()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Options{
		File:       cfg.LogFile(),
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	log.Info("starting",
		zap.String("version", Version),
		zap.String("model", cfg.Provider.Model),
		zap.String("data_dir", cfg.DataDir()),
		zap.String("input_dir", cfg.InputDir()),
		zap.Bool("ephemeral", opts.Ephemeral))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	// Conversations
	var gw conversation.Gateway = conversation.NewMemoryGateway()
	if !opts.Ephemeral {
		if gw, err = storage.NewSessionStore(cfg.SessionsDir(), log); err != nil {
			return err
		}
	}
	convs, err := conversation.Open(gw, log)
	if err != nil {
		return err
	}
	mgr := conversation.NewManager(convs, cfg.ConversationDefaults(), cfg.Pricing, log)

	// Model client
	client := llm.NewAnthropicClient(apiKey, log).
		WithModel(cfg.Provider.Model).
		WithBaseURL(cfg.Provider.BaseURL).
		WithAPIVersion(cfg.Provider.APIVersion).
		WithTimeout(time.Duration(cfg.Provider.TimeoutSecs) * time.Second).
		WithMaxRetries(cfg.Provider.MaxRetries).
		WithRateLimit(cfg.Provider.RequestsPerMinute)

	// Prompt templates
	overrides, err := cfg.PromptTemplates()
	if err != nil {
		return err
	}
	prompts := window.NewRegistry(overrides)
	processingPrompt, _ := prompts.Template(conversation.PromptAnalysis)

	// Documents
	index, err := storage.OpenDocumentIndex(cfg.DocumentsDB(), cfg.ProcessedDir(), log)
	if err != nil {
		return err
	}
	defer index.Close()
	summarizer := llm.NewSummarizer(client, processingPrompt, cfg.ProcessingTokens(), log)
	docs, err := document.NewStore(cfg.InputDir(), document.NewFileExtractor(), summarizer, index, log)
	if err != nil {
		return err
	}

	defaultDocs := ""
	if cfg.Defaults.LoadDefaultDocs {
		defaultDocs = cfg.DefaultInputDir()
	}
	eng := chat.NewEngine(chat.Options{
		Manager:        mgr,
		Documents:      docs,
		Builder:        window.NewBuilder(convs, docs, prompts, log),
		Model:          client,
		Transcript:     transcript.NewWriter(cfg.OutputDir(), log),
		Log:            log,
		DefaultDocsDir: defaultDocs,
	})

	// Terminal
	cli.SetColor(cli.ColorsEnabled(!cfg.UI.Color))
	term := cli.NewTerminal(cli.TerminalOptions{
		Markdown:     cfg.UI.Markdown && cli.IsStdoutTTY(),
		GlamourStyle: cfg.UI.GlamourStyle,
		Width:        cli.TerminalWidth(),
		Spinner:      cfg.UI.Spinner && cli.IsStderrTTY(),
		Rates:        cfg.Pricing,
	})
	repl := cli.New(cli.Options{
		Engine:      eng,
		Terminal:    term,
		HistoryFile: cfg.HistoryFile(),
		Model:       cfg.Provider.Model,
		DataDir:     cfg.DataDir(),
		Log:         log,
		Quiet:       opts.Quiet,

		Conversation: startupConversation(eng, opts.Conversation, cfg.Defaults.Conversation),
	})

	if cfg.Defaults.WatchInput {
		if watcher, err := startWatcher(ctx, docs, repl, log); err != nil {
			log.Warn("document watcher disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	return repl.Run(ctx)
}

// startupConversation picks the conversation to open before the first
// prompt: the --conversation flag, else none when a persisted current
// conversation exists, else the configured default.
func startupConversation(eng *chat.Engine, flagName, defaultName string) string {
	if flagName != "" {
		return flagName
	}
	if _, err := eng.Current(); err == nil {
		return ""
	}
	return defaultName
}

// startWatcher marks documents stale when their files change and queues a
// notice for the REPL.
func startWatcher(ctx context.Context, docs *document.Store, repl *cli.REPL, log *zap.Logger) (*document.Watcher, error) {
	watcher, err := document.NewWatcher(docs, document.DefaultDebounce, log)
	if err != nil {
		return nil, err
	}
	watcher.OnChange = repl.DocumentChanged
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return watcher, nil
}
