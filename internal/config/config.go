package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultLocalModel     = "gemma-2-9b-it"
	DefaultMaxTokens      = 512
	DefaultTemperature    = 0.7
	DefaultTopP           = 0.9
	DefaultTopK           = 50
	DefaultGenTimeoutSec  = 30
	DefaultWorkers        = 2
	DefaultBufSize        = 100
	DefaultPageSize       = 100
	DefaultPageDelayMs    = 500
	DefaultDeliveryRetry  = 5
	DefaultLocalServerURL = "http://127.0.0.1:8080"
)

type Config struct {
	Telegram  TelegramConfig `json:"telegram"`
	Provider  ProviderConfig `json:"provider"`
	Sampling  SamplingConfig `json:"sampling"`
	Summary   SummaryConfig  `json:"summary"`
	Importer  ImporterConfig `json:"importer"`
	PromptDir string         `json:"promptDir,omitempty"`
	Periods   []PeriodConfig `json:"periods,omitempty"`
}

type TelegramConfig struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

// ProviderConfig selects the generation backend.
// Type is "openai" (hosted, OpenAI-compatible) or "local" (llama-server).
type ProviderConfig struct {
	Type    string `json:"type,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type SamplingConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
	TopK        int     `json:"topK,omitempty"`
	MaxTokens   int     `json:"maxTokens"`
}

type SummaryConfig struct {
	TimeoutSec      int `json:"timeoutSec"`
	Workers         int `json:"workers"`
	DeliveryRetries int `json:"deliveryRetries"`
}

type ImporterConfig struct {
	BaseURL     string `json:"baseUrl,omitempty"`
	Token       string `json:"token,omitempty"`
	PageSize    int    `json:"pageSize"`
	PageDelayMs int    `json:"pageDelayMs"`
}

// PeriodConfig maps a keyboard label to a trailing window length.
type PeriodConfig struct {
	Label string `json:"label"`
	Hours int    `json:"hours"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{},
		Provider: ProviderConfig{},
		Sampling: SamplingConfig{
			Temperature: DefaultTemperature,
			TopP:        DefaultTopP,
			TopK:        DefaultTopK,
			MaxTokens:   DefaultMaxTokens,
		},
		Summary: SummaryConfig{
			TimeoutSec:      DefaultGenTimeoutSec,
			Workers:         DefaultWorkers,
			DeliveryRetries: DefaultDeliveryRetry,
		},
		Importer: ImporterConfig{
			PageSize:    DefaultPageSize,
			PageDelayMs: DefaultPageDelayMs,
		},
		Periods: []PeriodConfig{
			{Label: "24 hours", Hours: 24},
			{Label: "3 days", Hours: 72},
			{Label: "1 week", Hours: 168},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatdigest")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
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
	if token := os.Getenv("CHATDIGEST_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if key := os.Getenv("CHATDIGEST_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CHATDIGEST_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHATDIGEST_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if url := os.Getenv("CHATDIGEST_IMPORTER_URL"); url != "" {
		cfg.Importer.BaseURL = url
	}
	if token := os.Getenv("CHATDIGEST_IMPORTER_TOKEN"); token != "" {
		cfg.Importer.Token = token
	}
	if delay := os.Getenv("CHATDIGEST_PAGE_DELAY_MS"); delay != "" {
		if parsed, err := strconv.Atoi(delay); err == nil {
			cfg.Importer.PageDelayMs = parsed
		}
	}

	if cfg.Provider.Model == "" {
		if cfg.Provider.Type == "local" {
			cfg.Provider.Model = DefaultLocalModel
		} else {
			cfg.Provider.Model = DefaultModel
		}
	}
	if cfg.Sampling.MaxTokens <= 0 {
		cfg.Sampling.MaxTokens = DefaultMaxTokens
	}
	if cfg.Summary.TimeoutSec <= 0 {
		cfg.Summary.TimeoutSec = DefaultGenTimeoutSec
	}
	if cfg.Summary.Workers <= 0 {
		cfg.Summary.Workers = DefaultWorkers
	}
	if cfg.Summary.DeliveryRetries <= 0 {
		cfg.Summary.DeliveryRetries = DefaultDeliveryRetry
	}
	if cfg.Importer.PageSize <= 0 {
		cfg.Importer.PageSize = DefaultPageSize
	}
	if cfg.Importer.PageDelayMs <= 0 {
		cfg.Importer.PageDelayMs = DefaultPageDelayMs
	}
	if cfg.PromptDir == "" {
		cfg.PromptDir = filepath.Join(ConfigDir(), "prompts")
	}
	if len(cfg.Periods) == 0 {
		cfg.Periods = DefaultConfig().Periods
	}

	return cfg, nil
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
