// Package config loads and validates the scrivener service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Tools   ToolsConfig   `yaml:"tools"`
	Agents  AgentsConfig  `yaml:"agents"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string `yaml:"addr"`
}

// StreamConfig holds Stream Chat credentials and endpoints.
type StreamConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// BaseURL overrides the Stream Chat REST endpoint. Used by tests.
	BaseURL string `yaml:"base_url"`

	// WSURL overrides the Stream Chat WebSocket endpoint. Used by tests.
	WSURL string `yaml:"ws_url"`
}

// OpenAIConfig holds assistant engine credentials and model settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`

	// Model is the assistant model. Default: gpt-4o.
	Model string `yaml:"model"`

	// Temperature for assistant responses. Default: 0.7.
	Temperature float32 `yaml:"temperature"`

	// BaseURL overrides the OpenAI API endpoint. Used by tests.
	BaseURL string `yaml:"base_url"`
}

// ToolsConfig configures tool integrations.
type ToolsConfig struct {
	// TavilyAPIKey enables the web_search tool when set.
	TavilyAPIKey string `yaml:"tavily_api_key"`
}

// AgentsConfig configures agent lifecycle behavior.
type AgentsConfig struct {
	// IdleTimeout evicts agents with no interaction for this long.
	// Default: 8h.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle sweep runs. Default: 5s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxToolCycles caps submit-tool-outputs round trips per run.
	// Default: 16.
	MaxToolCycles int `yaml:"max_tool_cycles"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with default values applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":3000"},
		OpenAI: OpenAIConfig{Model: "gpt-4o", Temperature: 0.7},
		Agents: AgentsConfig{
			IdleTimeout:   8 * time.Hour,
			SweepInterval: 5 * time.Second,
			MaxToolCycles: 16,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, expands ${ENV} references, applies
// environment overrides for credentials, and validates the result.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets well-known environment variables override credential fields,
// so a bare environment works without a config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("STREAM_API_KEY"); v != "" {
		c.Stream.APIKey = v
	}
	if v := os.Getenv("STREAM_API_SECRET"); v != "" {
		c.Stream.APISecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		c.Tools.TavilyAPIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = def.OpenAI.Model
	}
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = def.OpenAI.Temperature
	}
	if c.Agents.IdleTimeout <= 0 {
		c.Agents.IdleTimeout = def.Agents.IdleTimeout
	}
	if c.Agents.SweepInterval <= 0 {
		c.Agents.SweepInterval = def.Agents.SweepInterval
	}
	if c.Agents.MaxToolCycles <= 0 {
		c.Agents.MaxToolCycles = def.Agents.MaxToolCycles
	}
}

// Validate checks that required settings are present.
// The Tavily key is intentionally optional: without it the web_search tool
// reports unavailability to the model instead of failing startup.
func (c *Config) Validate() error {
	if c.Stream.APIKey == "" {
		return fmt.Errorf("stream.api_key is required (STREAM_API_KEY)")
	}
	if c.Stream.APISecret == "" {
		return fmt.Errorf("stream.api_secret is required (STREAM_API_SECRET)")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required (OPENAI_API_KEY)")
	}
	return nil
}
