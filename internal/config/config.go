// Package config handles Switchboard configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/switchboard/config.yaml, /etc/switchboard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchboard", "config.yaml"))
	}

	paths = append(paths, "/etc/switchboard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Switchboard configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Engine    EngineConfig    `yaml:"engine"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model provider settings.
type ModelsConfig struct {
	// Default is the model used by specialist handlers that don't
	// name their own (e.g., "qwen3:8b" or "claude-sonnet-4-20250514").
	Default string `yaml:"default"`
	// Classifier is the model used for routing and handoff decisions.
	// Falls back to Default when empty. A small, fast model is fine here.
	Classifier string `yaml:"classifier"`
	// OllamaURL is the base URL of the local Ollama server.
	OllamaURL string `yaml:"ollama_url"`
	// AnthropicModels lists model names routed to the Anthropic provider.
	AnthropicModels []string `yaml:"anthropic_models"`
	// OpenAIModels lists model names routed to the OpenAI provider.
	OpenAIModels []string `yaml:"openai_models"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"` // Falls back to ANTHROPIC_API_KEY
}

// OpenAIConfig defines OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`  // Falls back to OPENAI_API_KEY
	BaseURL string `yaml:"base_url"` // Optional override for compatible servers
}

// EngineConfig bounds the orchestration engine.
type EngineConfig struct {
	// MaxHops caps internal handler dispatches per turn (default 5).
	MaxHops int `yaml:"max_hops"`
	// MaxMessages is the per-thread history budget. When exceeded, the
	// oldest messages are trimmed down to TrimTarget before appending.
	MaxMessages int `yaml:"max_messages"`
	TrimTarget  int `yaml:"trim_target"`
	// HandlerTimeoutSec bounds a single handler dispatch (default 120).
	HandlerTimeoutSec int `yaml:"handler_timeout_sec"`
	// DecideTimeoutSec bounds a single model-assisted handoff decision
	// call (default 15). On timeout the engine degrades to the keyword
	// heuristic.
	DecideTimeoutSec int `yaml:"decide_timeout_sec"`
	// DefaultHandler receives turns the classifier can't place.
	DefaultHandler string `yaml:"default_handler"`
}

// MQTTConfig defines the optional telemetry publisher settings.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g., mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicBase  string `yaml:"topic_base"`  // Default: "switchboard"
	DeviceName string `yaml:"device_name"` // Default: hostname
}

// HandlerTimeout returns the handler dispatch timeout as a duration.
func (e EngineConfig) HandlerTimeout() time.Duration {
	if e.HandlerTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(e.HandlerTimeoutSec) * time.Second
}

// DecideTimeout returns the handoff decision call timeout as a duration.
func (e EngineConfig) DecideTimeout() time.Duration {
	if e.DecideTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.DecideTimeoutSec) * time.Second
}

// Load reads and parses the config file at path, applying defaults
// and environment fallbacks for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8273
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Classifier == "" {
		c.Models.Classifier = c.Models.Default
	}
	if c.Engine.MaxHops == 0 {
		c.Engine.MaxHops = 5
	}
	if c.Engine.MaxMessages == 0 {
		c.Engine.MaxMessages = 200
	}
	if c.Engine.TrimTarget == 0 {
		c.Engine.TrimTarget = 150
	}
	if c.Engine.DefaultHandler == "" {
		c.Engine.DefaultHandler = "general"
	}
	if c.MQTT.TopicBase == "" {
		c.MQTT.TopicBase = "switchboard"
	}
	if c.MQTT.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.MQTT.DeviceName = host
		} else {
			c.MQTT.DeviceName = "switchboard"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

func (c *Config) applyEnv() {
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (c *Config) validate() error {
	if c.Models.Default == "" {
		return fmt.Errorf("config: models.default is required")
	}
	if c.Engine.TrimTarget > c.Engine.MaxMessages {
		return fmt.Errorf("config: engine.trim_target (%d) exceeds engine.max_messages (%d)",
			c.Engine.TrimTarget, c.Engine.MaxMessages)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt.enabled is true")
	}
	return nil
}

// DatabasePath returns the path of the named SQLite database inside DataDir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name)
}
