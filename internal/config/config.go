// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LiveKit  LiveKitConfig  `yaml:"livekit"`
	Summary  SummaryConfig  `yaml:"summary"`
	Transfer TransferConfig `yaml:"transfer"`
	Notify   NotifyConfig   `yaml:"notify"`
	Agents   []AgentConfig  `yaml:"agents"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	BaseURL     string   `yaml:"base_url"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the gorm driver and its connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LiveKitConfig holds media server credentials. When URL is empty the
// in-process room service is used.
type LiveKitConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	WebhookSecret string        `yaml:"webhook_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// SummaryConfig selects the LLM backend used for handoff summaries.
type SummaryConfig struct {
	Provider string        `yaml:"provider"` // ollama, gemini, none
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TransferConfig tunes the stale transfer sweeper.
type TransferConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// NotifyConfig holds optional chat notification targets.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig is a bot token plus the channel events are posted to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// AgentConfig seeds an agent row on `sb db seed`.
type AgentConfig struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Email              string   `yaml:"email"`
	Status             string   `yaml:"status"`
	MaxConcurrentCalls int      `yaml:"max_concurrent_calls"`
	Skills             []string `yaml:"skills"`
}

var validAgentStatuses = map[string]bool{
	"available": true,
	"busy":      true,
	"away":      true,
	"offline":   true,
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config file is loaded into the environment first;
// variables already set are not overwritten.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.LiveKit.URL, "LIVEKIT_URL")
	override(&c.LiveKit.APIKey, "LIVEKIT_API_KEY")
	override(&c.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	override(&c.Summary.APIKey, "GEMINI_API_KEY")
	override(&c.Summary.Endpoint, "OLLAMA_ENDPOINT")
	override(&c.Notify.Slack.BotToken, "SLACK_BOT_TOKEN")
	override(&c.Notify.Discord.BotToken, "DISCORD_BOT_TOKEN")
	override(&c.Database.Path, "DATABASE_PATH")
	override(&c.Database.Password, "DATABASE_PASSWORD")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "switchboard.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchboard"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.LiveKit.TokenTTL == 0 {
		c.LiveKit.TokenTTL = 6 * time.Hour
	}
	if c.LiveKit.WebhookSecret == "" {
		c.LiveKit.WebhookSecret = c.LiveKit.APISecret
	}
	if c.Summary.Provider == "" {
		c.Summary.Provider = "none"
	}
	if c.Summary.Provider == "ollama" {
		if c.Summary.Endpoint == "" {
			c.Summary.Endpoint = "http://127.0.0.1:11434"
		}
		if c.Summary.Model == "" {
			c.Summary.Model = "llama3.2"
		}
	}
	if c.Summary.Provider == "gemini" && c.Summary.Model == "" {
		c.Summary.Model = "gemini-2.0-flash"
	}
	if c.Summary.Timeout == 0 {
		c.Summary.Timeout = 20 * time.Second
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = 5 * time.Minute
	}
	if c.Transfer.SweepSchedule == "" {
		c.Transfer.SweepSchedule = "@every 30s"
	}
	for i := range c.Agents {
		if c.Agents[i].Status == "" {
			c.Agents[i].Status = "offline"
		}
		if c.Agents[i].MaxConcurrentCalls == 0 {
			c.Agents[i].MaxConcurrentCalls = 3
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.LiveKit.APIKey == "" {
		errs = append(errs, "livekit.api_key is required")
	}
	if c.LiveKit.APISecret == "" {
		errs = append(errs, "livekit.api_secret is required")
	}
	switch c.Summary.Provider {
	case "ollama", "none":
	case "gemini":
		if c.Summary.APIKey == "" {
			errs = append(errs, "summary.api_key is required for gemini")
		}
	default:
		errs = append(errs, fmt.Sprintf("summary.provider %q must be ollama, gemini or none", c.Summary.Provider))
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required when bot_token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when bot_token is set")
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
		}
		if !validAgentStatuses[a.Status] {
			errs = append(errs, fmt.Sprintf("agents[%d].status %q is invalid", i, a.Status))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
