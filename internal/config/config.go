package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 20
	DefaultPollInterval      = 30
	DefaultAdapterTimeout    = 30
	DefaultAdapterLimit      = 50
	DefaultAnalysisTimeout   = 300
	DefaultConnectTimeout    = 15
	DefaultDailyNotePath     = "Daily/2006-01-02.md"
	DefaultActivityNamespace = "activity"
	DefaultChartNamespace    = "charts"

	StateDirName = ".garmin-analysis"
)

type Config struct {
	Vault    VaultConfig    `json:"vault"`
	Poll     PollConfig     `json:"poll"`
	Adapter  AdapterConfig  `json:"adapter"`
	Analysis AnalysisConfig `json:"analysis"`
	Provider ProviderConfig `json:"provider"`
	Tools    ToolsConfig    `json:"tools"`
	Telegram TelegramConfig `json:"telegram"`
}

type VaultConfig struct {
	Path string `json:"path"`
	// DailyNotePath is a Go time layout resolved against the current day,
	// relative to the vault root.
	DailyNotePath string `json:"dailyNotePath"`
}

type PollConfig struct {
	IntervalMinutes int `json:"intervalMinutes"`
}

type AdapterConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Limit          int      `json:"limit"`
}

type AnalysisConfig struct {
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	TimeoutSeconds    int    `json:"timeoutSeconds"`
	AcceptPartial     bool   `json:"acceptPartial"`
	PromptPath        string `json:"promptPath,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ToolsConfig struct {
	ActivityData          ToolSessionConfig `json:"activityData"`
	ChartGeneration       ToolSessionConfig `json:"chartGeneration"`
	ConnectTimeoutSeconds int               `json:"connectTimeoutSeconds"`
}

// ToolSessionConfig describes one MCP server: a transport spec
// ("stdio://cmd args", "sse://host", "http(s)://...") and the short
// namespace its tool names are published under.
type ToolSessionConfig struct {
	Spec      string `json:"spec"`
	Namespace string `json:"namespace"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	ChatID    int64    `json:"chatId,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Vault: VaultConfig{
			Path:          filepath.Join(home, "vault"),
			DailyNotePath: DefaultDailyNotePath,
		},
		Poll: PollConfig{
			IntervalMinutes: DefaultPollInterval,
		},
		Adapter: AdapterConfig{
			Command:        "garmin-activity-source",
			TimeoutSeconds: DefaultAdapterTimeout,
			Limit:          DefaultAdapterLimit,
		},
		Analysis: AnalysisConfig{
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			TimeoutSeconds:    DefaultAnalysisTimeout,
			AcceptPartial:     true,
		},
		Provider: ProviderConfig{},
		Tools: ToolsConfig{
			ActivityData: ToolSessionConfig{
				Namespace: DefaultActivityNamespace,
			},
			ChartGeneration: ToolSessionConfig{
				Namespace: DefaultChartNamespace,
			},
			ConnectTimeoutSeconds: DefaultConnectTimeout,
		},
		Telegram: TelegramConfig{},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("GARMIN_ANALYSIS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, StateDirName)
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StateDir is where run state (watermark, history, prompt template) lives.
// It sits inside the vault so state travels with the notes it belongs to.
func (c *Config) StateDir() string {
	return filepath.Join(c.Vault.Path, StateDirName)
}

func (c *Config) WatermarkPath() string {
	return filepath.Join(c.StateDir(), "watermark.json")
}

func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir(), "history.db")
}

func (c *Config) PromptPath() string {
	if c.Analysis.PromptPath != "" {
		return c.Analysis.PromptPath
	}
	return filepath.Join(c.StateDir(), "prompt.md")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("GARMIN_ANALYSIS_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("GARMIN_ANALYSIS_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if vault := os.Getenv("GARMIN_ANALYSIS_VAULT"); vault != "" {
		cfg.Vault.Path = vault
	}
	if token := os.Getenv("GARMIN_ANALYSIS_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if interval := os.Getenv("GARMIN_ANALYSIS_POLL_INTERVAL"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil {
			cfg.Poll.IntervalMinutes = parsed
		}
	}

	if cfg.Poll.IntervalMinutes <= 0 {
		cfg.Poll.IntervalMinutes = DefaultPollInterval
	}
	if cfg.Adapter.TimeoutSeconds <= 0 {
		cfg.Adapter.TimeoutSeconds = DefaultAdapterTimeout
	}
	if cfg.Adapter.Limit <= 0 {
		cfg.Adapter.Limit = DefaultAdapterLimit
	}
	if cfg.Analysis.Model == "" {
		cfg.Analysis.Model = DefaultModel
	}
	if cfg.Analysis.MaxTokens <= 0 {
		cfg.Analysis.MaxTokens = DefaultMaxTokens
	}
	if cfg.Analysis.MaxToolIterations <= 0 {
		cfg.Analysis.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Analysis.TimeoutSeconds <= 0 {
		cfg.Analysis.TimeoutSeconds = DefaultAnalysisTimeout
	}
	if cfg.Tools.ConnectTimeoutSeconds <= 0 {
		cfg.Tools.ConnectTimeoutSeconds = DefaultConnectTimeout
	}
	if cfg.Tools.ActivityData.Namespace == "" {
		cfg.Tools.ActivityData.Namespace = DefaultActivityNamespace
	}
	if cfg.Tools.ChartGeneration.Namespace == "" {
		cfg.Tools.ChartGeneration.Namespace = DefaultChartNamespace
	}
	if cfg.Vault.DailyNotePath == "" {
		cfg.Vault.DailyNotePath = DefaultDailyNotePath
	}

	return cfg, nil
}

// Validate checks the fields the pipeline cannot run without. LoadConfig
// stays permissive so status/onboard work on a half-filled file.
func (c *Config) Validate() error {
	if c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required")
	}
	if c.Adapter.Command == "" {
		return fmt.Errorf("adapter.command is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.apiKey is required (or set ANTHROPIC_API_KEY / OPENAI_API_KEY)")
	}
	if c.Tools.ActivityData.Spec == "" {
		return fmt.Errorf("tools.activityData.spec is required")
	}
	if c.Tools.ChartGeneration.Spec == "" {
		return fmt.Errorf("tools.chartGeneration.spec is required")
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
