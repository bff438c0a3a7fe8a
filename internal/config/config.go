package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 10
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8004
	DefaultWebUIPort         = 18790
	DefaultBufSize           = 100
	DefaultPersona           = "riley"
	DefaultSessionIdleTTL    = "2h"
	DefaultHistoryWindow     = 20
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Gateway     GatewayConfig     `json:"gateway"`
	Channels    ChannelsConfig    `json:"channels"`
	Database    DatabaseConfig    `json:"database"`
	Stages      StagesConfig      `json:"stages"`
	Questions   QuestionsConfig   `json:"questions"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens" validate:"gte=0"`
	MaxToolIterations int    `json:"maxToolIterations" validate:"gte=0"`
	// HistoryWindow is how many trailing exchange log entries are quoted
	// back to the agent on each turn.
	HistoryWindow int `json:"historyWindow" validate:"gte=0"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" validate:"omitempty,oneof=anthropic openai"`
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" validate:"omitempty,url"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`
	// AllowOrigins lists browser origins allowed to call the HTTP API.
	AllowOrigins []string `json:"allowOrigins,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
	Persona   string   `json:"persona,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	Port      int      `json:"port,omitempty" validate:"gte=0,lte=65535"`
	AllowFrom []string `json:"allowFrom"`
	Persona   string   `json:"persona,omitempty"`
	// AllowOrigins are host patterns accepted for cross-origin WebSocket
	// handshakes. Same-origin pages are always accepted.
	AllowOrigins []string `json:"allowOrigins,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path,omitempty"`
}

type StagesConfig struct {
	// TablePath optionally replaces the built-in consultation stage table.
	TablePath string `json:"tablePath,omitempty"`
}

type QuestionsConfig struct {
	DeliveryStaff string `json:"deliveryStaff,omitempty"`
}

type MaintenanceConfig struct {
	SessionIdleTTL    string `json:"sessionIdleTtl,omitempty"`
	ChatRetentionDays int    `json:"chatRetentionDays,omitempty" validate:"gte=0"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".consultant", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			HistoryWindow:     DefaultHistoryWindow,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Port: DefaultWebUIPort, Persona: DefaultPersona},
			Telegram: TelegramConfig{
				Persona: DefaultPersona,
			},
		},
		Maintenance: MaintenanceConfig{
			SessionIdleTTL: DefaultSessionIdleTTL,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".consultant")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath resolves the SQLite database location.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(ConfigDir(), "data", "consultant.db")
}

// SessionIdleTTL parses the maintenance idle TTL, falling back to the default.
func (c *Config) SessionIdleTTL() time.Duration {
	if d, err := time.ParseDuration(c.Maintenance.SessionIdleTTL); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultSessionIdleTTL)
	return d
}

// LoadDotEnv loads KEY=VALUE files into the process environment, overriding
// existing values. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat env file: %w", err)
		}
		if err := godotenv.Overload(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
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
	if key := os.Getenv("CONSULTANT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CONSULTANT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CONSULTANT_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if host := os.Getenv("CONSULTANT_A2A_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	// PORT wins over CONSULTANT_A2A_PORT so hosted platforms can inject it.
	for _, name := range []string{"CONSULTANT_A2A_PORT", "PORT"} {
		if port := os.Getenv(name); port != "" {
			if parsed, err := strconv.Atoi(port); err == nil {
				cfg.Gateway.Port = parsed
			}
		}
	}
	if dbPath := os.Getenv("CONSULTANT_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if token := os.Getenv("CONSULTANT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if table := os.Getenv("CONSULTANT_STAGE_TABLE"); table != "" {
		cfg.Stages.TablePath = table
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Agent.HistoryWindow <= 0 {
		cfg.Agent.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Channels.WebUI.Persona == "" {
		cfg.Channels.WebUI.Persona = DefaultPersona
	}
	if cfg.Channels.Telegram.Persona == "" {
		cfg.Channels.Telegram.Persona = DefaultPersona
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints declared in struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
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
