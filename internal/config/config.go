// Package config loads engine configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	// APIKey is usually left empty here and supplied via GEMINI_API_KEY.
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// Timeout returns the request timeout as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PipelineConfig tunes the conversation pipeline.
type PipelineConfig struct {
	QueueSize    int `yaml:"queue_size"`
	HistoryTurns int `yaml:"history_turns"`
}

// AnalysisConfig tunes the geometry operations.
type AnalysisConfig struct {
	// UnionDissolves merges union output into one feature instead of
	// keeping both inputs' features.
	UnionDissolves bool `yaml:"union_dissolves"`
	// BufferSegments is the circle resolution used when a plan does not
	// specify one.
	BufferSegments int `yaml:"buffer_segments"`
}

// LoggingConfig selects the log profile.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Model:          "gemini-2.0-flash",
			TimeoutSeconds: 120,
			MaxTokens:      4096,
		},
		Pipeline: PipelineConfig{
			QueueSize:    8,
			HistoryTurns: 10,
		},
		Analysis: AnalysisConfig{
			UnionDissolves: false,
			BufferSegments: 16,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// yields the defaults. The GEMINI_API_KEY environment variable always
// wins over the file's api_key.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("llm.timeout_seconds must be > 0")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be > 0")
	}
	if c.Analysis.BufferSegments < 4 {
		return fmt.Errorf("analysis.buffer_segments must be >= 4")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
