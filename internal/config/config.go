// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/docthread/internal/conversation"
	"github.com/jeranaias/docthread/internal/usage"
	"github.com/jeranaias/docthread/internal/util"
)

// ErrMissingCredential is returned when no API key is configured anywhere.
var ErrMissingCredential = errors.New("no API key: set ANTHROPIC_API_KEY or provider.api_key")

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete docthread configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// PromptsFile is an optional YAML file mapping prompt type to template.
	// Relative paths resolve against the data directory.
	PromptsFile string `toml:"prompts_file,omitempty" json:"prompts_file,omitempty"`

	// Model provider
	Provider ProviderConfig `toml:"provider" json:"provider"`

	// Token pricing per 1K tokens
	Pricing usage.Rates `toml:"pricing" json:"pricing"`

	// Directory layout
	Paths PathsConfig `toml:"paths" json:"paths"`

	// Settings for new conversations
	Defaults DefaultsConfig `toml:"defaults" json:"defaults"`

	// Inline prompt template overrides keyed by prompt type
	Prompts map[string]string `toml:"prompts,omitempty" json:"prompts,omitempty"`

	// Log file settings
	Log LogConfig `toml:"log" json:"log"`

	// Terminal settings
	UI UIConfig `toml:"ui" json:"ui"`
}

// ProviderConfig configures the model API client.
type ProviderConfig struct {
	// APIKey is normally taken from ANTHROPIC_API_KEY instead.
	APIKey            string `toml:"api_key,omitempty" json:"api_key,omitempty"`
	Model             string `toml:"model" json:"model"`
	BaseURL           string `toml:"base_url" json:"base_url"`
	APIVersion        string `toml:"api_version" json:"api_version"`
	MaxRetries        int    `toml:"max_retries" json:"max_retries"`
	TimeoutSecs       int    `toml:"timeout_secs" json:"timeout_secs"`
	RequestsPerMinute int    `toml:"requests_per_minute" json:"requests_per_minute"`
}

// PathsConfig holds the directory layout. Relative entries other than
// InputDir resolve against DataDir; InputDir resolves against the working
// directory.
type PathsConfig struct {
	DataDir      string `toml:"data_dir" json:"data_dir"`
	InputDir     string `toml:"input_dir" json:"input_dir"`
	SessionsDir  string `toml:"sessions_dir" json:"sessions_dir"`
	ProcessedDir string `toml:"processed_dir" json:"processed_dir"`
	OutputDir    string `toml:"output_dir" json:"output_dir"`
	LogFile      string `toml:"log_file" json:"log_file"`
	HistoryFile  string `toml:"history_file" json:"history_file"`
	DocumentsDB  string `toml:"documents_db" json:"documents_db"`
}

// DefaultsConfig holds settings for new root conversations.
type DefaultsConfig struct {
	Conversation     string `toml:"conversation" json:"conversation"`
	PromptType       string `toml:"prompt_type" json:"prompt_type"`
	ResponseLength   string `toml:"response_length" json:"response_length"`
	HistoryDepth     int    `toml:"history_depth" json:"history_depth"`
	ProcessingLength string `toml:"processing_length" json:"processing_length"`
	LoadDefaultDocs  bool   `toml:"load_default_docs" json:"load_default_docs"`
	WatchInput       bool   `toml:"watch_input" json:"watch_input"`
}

// LogConfig configures the rotated log file.
type LogConfig struct {
	Level      string `toml:"level" json:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress"`
}

// UIConfig contains terminal settings.
type UIConfig struct {
	Markdown bool `toml:"markdown" json:"markdown"`
	Color    bool `toml:"color" json:"color"`
	Spinner  bool `toml:"spinner" json:"spinner"`
	// GlamourStyle is a glamour style name ("dark", "light", "notty") or
	// "auto" to detect from the terminal.
	GlamourStyle string `toml:"glamour_style" json:"glamour_style"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Provider: ProviderConfig{
			Model:             "claude-3-5-sonnet-20241022",
			BaseURL:           "https://api.anthropic.com",
			APIVersion:        "2023-06-01",
			MaxRetries:        3,
			TimeoutSecs:       120,
			RequestsPerMinute: 50,
		},
		Pricing: usage.DefaultRates(),
		Paths: PathsConfig{
			InputDir:     "input-docs",
			SessionsDir:  "sessions",
			ProcessedDir: "processed-docs",
			OutputDir:    "output-docs",
			LogFile:      filepath.Join("logs", "docthread.log"),
			HistoryFile:  "history",
			DocumentsDB:  "documents.db",
		},
		Defaults: DefaultsConfig{
			Conversation:     "default",
			PromptType:       string(conversation.PromptAnalysis),
			ResponseLength:   string(conversation.LengthM),
			HistoryDepth:     conversation.DefaultHistoryDepth,
			ProcessingLength: string(conversation.LengthXL),
			LoadDefaultDocs:  true,
			WatchInput:       true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		UI: UIConfig{
			Markdown:     true,
			Color:        true,
			Spinner:      true,
			GlamourStyle: "auto",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// DefaultDataDir returns DOCTHREAD_DATA_DIR or ~/.docthread.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("DOCTHREAD_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".docthread"), nil
}

// ConfigPathTOML returns the TOML config path inside dataDir.
func ConfigPathTOML(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// ConfigPathJSON returns the JSON config path inside dataDir.
func ConfigPathJSON(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// ensureSecurePermissions tightens a config file that may hold an API key
// to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from dataDir. Tries config.toml, then
// config.json, and falls back to defaults. Environment overrides are applied
// last. A broken file is reported alongside a usable default config.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	var loadErr error

	for _, candidate := range []struct {
		path string
		load func(*Config, string) error
	}{
		{ConfigPathTOML(dataDir), LoadTOML},
		{ConfigPathJSON(dataDir), LoadJSON},
	} {
		if _, statErr := os.Stat(candidate.path); statErr != nil {
			continue
		}
		fileCfg := Default()
		if err := candidate.load(fileCfg, candidate.path); err != nil {
			loadErr = fmt.Errorf("failed to load %s: %w", filepath.Base(candidate.path), err)
			continue
		}
		cfg = fileCfg
		loadErr = nil
		break
	}

	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = dataDir
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads configuration from an explicit file. The format is
// picked from the extension; anything but .json is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = filepath.Dir(path)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg. Comments and trailing commas are
// allowed.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// finish runs the post-decode pipeline shared by every loader.
func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration as TOML with 0600 permissions.
// The API key is never written.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *cfg
	out.Provider.APIKey = ""

	var sb strings.Builder
	sb.WriteString("# docthread configuration file\n")
	sb.WriteString("# The API key is read from ANTHROPIC_API_KEY; do not store it here.\n")
	sb.WriteString("\n")
	if err := toml.NewEncoder(&sb).Encode(&out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Provider
	if strings.TrimSpace(c.Provider.Model) == "" {
		add("provider.model", "must not be empty")
	}
	if u, err := url.Parse(c.Provider.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("provider.base_url", "invalid URL '%s', must be http(s)://host", c.Provider.BaseURL)
	}
	if c.Provider.MaxRetries < 0 || c.Provider.MaxRetries > 10 {
		add("provider.max_retries", "must be between 0 and 10, got %d", c.Provider.MaxRetries)
	}
	if c.Provider.TimeoutSecs <= 0 {
		add("provider.timeout_secs", "must be positive, got %d", c.Provider.TimeoutSecs)
	}
	if c.Provider.RequestsPerMinute < 0 {
		add("provider.requests_per_minute", "must not be negative, got %d", c.Provider.RequestsPerMinute)
	}

	// Pricing
	if c.Pricing.InputPer1K < 0 {
		add("pricing.input_per_1k", "must not be negative")
	}
	if c.Pricing.OutputPer1K < 0 {
		add("pricing.output_per_1k", "must not be negative")
	}

	// Paths
	if c.Paths.DataDir == "" {
		add("paths.data_dir", "must not be empty")
	}
	if c.Paths.InputDir == "" {
		add("paths.input_dir", "must not be empty")
	}

	// Defaults
	if err := conversation.ValidateName(c.Defaults.Conversation); err != nil {
		add("defaults.conversation", "%v", err)
	}
	if _, err := conversation.ParsePromptType(c.Defaults.PromptType); err != nil {
		add("defaults.prompt_type", "%v", err)
	}
	if _, err := conversation.ParseResponseLength(c.Defaults.ResponseLength); err != nil {
		add("defaults.response_length", "%v", err)
	}
	if _, err := conversation.ParseResponseLength(c.Defaults.ProcessingLength); err != nil {
		add("defaults.processing_length", "%v", err)
	}
	if c.Defaults.HistoryDepth < 1 {
		add("defaults.history_depth", "must be at least 1, got %d", c.Defaults.HistoryDepth)
	}

	// Prompts
	for key := range c.Prompts {
		if _, err := conversation.ParsePromptType(key); err != nil {
			add("prompts."+key, "unknown prompt type")
		}
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that a partial config file leaves behind.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.Provider.Model == "" {
		c.Provider.Model = defaults.Provider.Model
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = defaults.Provider.BaseURL
	}
	if c.Provider.APIVersion == "" {
		c.Provider.APIVersion = defaults.Provider.APIVersion
	}
	if c.Provider.TimeoutSecs == 0 {
		c.Provider.TimeoutSecs = defaults.Provider.TimeoutSecs
	}

	if c.Paths.InputDir == "" {
		c.Paths.InputDir = defaults.Paths.InputDir
	}
	if c.Paths.SessionsDir == "" {
		c.Paths.SessionsDir = defaults.Paths.SessionsDir
	}
	if c.Paths.ProcessedDir == "" {
		c.Paths.ProcessedDir = defaults.Paths.ProcessedDir
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = defaults.Paths.OutputDir
	}
	if c.Paths.LogFile == "" {
		c.Paths.LogFile = defaults.Paths.LogFile
	}
	if c.Paths.HistoryFile == "" {
		c.Paths.HistoryFile = defaults.Paths.HistoryFile
	}
	if c.Paths.DocumentsDB == "" {
		c.Paths.DocumentsDB = defaults.Paths.DocumentsDB
	}

	if c.Defaults.Conversation == "" {
		c.Defaults.Conversation = defaults.Defaults.Conversation
	}
	if c.Defaults.PromptType == "" {
		c.Defaults.PromptType = defaults.Defaults.PromptType
	}
	if c.Defaults.ResponseLength == "" {
		c.Defaults.ResponseLength = defaults.Defaults.ResponseLength
	}
	if c.Defaults.ProcessingLength == "" {
		c.Defaults.ProcessingLength = defaults.Defaults.ProcessingLength
	}
	if c.Defaults.HistoryDepth == 0 {
		c.Defaults.HistoryDepth = defaults.Defaults.HistoryDepth
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if c.UI.GlamourStyle == "" {
		c.UI.GlamourStyle = defaults.UI.GlamourStyle
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - ANTHROPIC_API_KEY: overrides provider.api_key
//   - DOCTHREAD_API_KEY: overrides provider.api_key when ANTHROPIC_API_KEY is unset
//   - DOCTHREAD_MODEL: overrides provider.model
//   - DOCTHREAD_DATA_DIR: overrides paths.data_dir
//   - DOCTHREAD_INPUT_DIR: overrides paths.input_dir
//   - DOCTHREAD_LOG_LEVEL: overrides log.level
//   - DOCTHREAD_MAX_RETRIES: overrides provider.max_retries
//   - NO_COLOR: disables ui.color
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Provider.APIKey = key
	} else if key := os.Getenv("DOCTHREAD_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}

	if model := os.Getenv("DOCTHREAD_MODEL"); model != "" {
		c.Provider.Model = model
	}
	if dir := os.Getenv("DOCTHREAD_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
	if dir := os.Getenv("DOCTHREAD_INPUT_DIR"); dir != "" {
		c.Paths.InputDir = dir
	}
	if level := os.Getenv("DOCTHREAD_LOG_LEVEL"); level != "" {
		c.Log.Level = strings.ToLower(level)
	}
	if retries := os.Getenv("DOCTHREAD_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Provider.MaxRetries = n
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		c.UI.Color = false
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// RequireCredential returns the API key or ErrMissingCredential.
func (c *Config) RequireCredential() (string, error) {
	key := strings.TrimSpace(c.Provider.APIKey)
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

// ConversationDefaults returns the settings for new root conversations.
// The config must have passed Validate.
func (c *Config) ConversationDefaults() conversation.Settings {
	pt, _ := conversation.ParsePromptType(c.Defaults.PromptType)
	rl, _ := conversation.ParseResponseLength(c.Defaults.ResponseLength)
	return conversation.Settings{
		PromptType:     pt,
		ResponseLength: rl,
		HistoryDepth:   c.Defaults.HistoryDepth,
	}
}

// ProcessingTokens returns the generation budget for document summaries.
func (c *Config) ProcessingTokens() int {
	l, err := conversation.ParseResponseLength(c.Defaults.ProcessingLength)
	if err != nil {
		return conversation.LengthXL.Tokens()
	}
	return l.Tokens()
}

// resolve joins a path to base unless it is already absolute.
func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// DataDir returns the data directory.
func (c *Config) DataDir() string { return c.Paths.DataDir }

// InputDir returns the absolute input root.
func (c *Config) InputDir() string {
	if abs, err := filepath.Abs(c.Paths.InputDir); err == nil {
		return abs
	}
	return c.Paths.InputDir
}

// DefaultInputDir returns the directory scanned for every new conversation.
func (c *Config) DefaultInputDir() string { return filepath.Join(c.InputDir(), "default") }

// SessionsDir returns where conversation records live.
func (c *Config) SessionsDir() string { return resolve(c.Paths.DataDir, c.Paths.SessionsDir) }

// ProcessedDir returns where document summaries live.
func (c *Config) ProcessedDir() string { return resolve(c.Paths.DataDir, c.Paths.ProcessedDir) }

// OutputDir returns where markdown transcripts live.
func (c *Config) OutputDir() string { return resolve(c.Paths.DataDir, c.Paths.OutputDir) }

// LogFile returns the log file path.
func (c *Config) LogFile() string { return resolve(c.Paths.DataDir, c.Paths.LogFile) }

// HistoryFile returns the REPL line history path.
func (c *Config) HistoryFile() string { return resolve(c.Paths.DataDir, c.Paths.HistoryFile) }

// DocumentsDB returns the document index database path.
func (c *Config) DocumentsDB() string { return resolve(c.Paths.DataDir, c.Paths.DocumentsDB) }

// EnsureDirs creates every directory the application writes to.
func (c *Config) EnsureDirs() error {
	private := []string{
		c.Paths.DataDir,
		c.SessionsDir(),
		c.ProcessedDir(),
		filepath.Dir(c.LogFile()),
	}
	for _, dir := range private {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, dir := range []string{c.OutputDir(), c.InputDir(), c.DefaultInputDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// =============================================================================
// PROMPT TEMPLATES
// =============================================================================

// PromptTemplates returns template overrides: the YAML prompts_file first,
// then inline [prompts] entries on top. Built-in templates are not included.
func (c *Config) PromptTemplates() (map[string]string, error) {
	out := make(map[string]string)
	if c.PromptsFile != "" {
		path := resolve(c.Paths.DataDir, c.PromptsFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompts file: %w", err)
		}
		var fromFile map[string]string
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("decode prompts file %s: %w", path, err)
		}
		for k, v := range fromFile {
			out[strings.ToLower(k)] = v
		}
	}
	for k, v := range c.Prompts {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

// String returns the TOML form with the API key masked.
func (c *Config) String() string {
	out := *c
	if out.Provider.APIKey != "" {
		out.Provider.APIKey = "********"
	}
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(&out); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return sb.String()
}
