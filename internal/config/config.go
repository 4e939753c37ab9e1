package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Bot       BotConfig        `mapstructure:"bot"`
	Gateway   GatewayConfig    `mapstructure:"gateway"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Memory    MemoryConfig     `mapstructure:"memory"`
	Orch      OrchConfig       `mapstructure:"orchestrator"`
	Throttle  ThrottleConfig   `mapstructure:"throttle"`
	MCP       []MCPServer      `mapstructure:"mcp_servers"`
	LogLevel  string           `mapstructure:"log_level"`
}

// BotConfig holds the persona settings. Keywords are the words that
// wake the bot in group chats besides an @-mention; when empty, the
// bot name is used.
type BotConfig struct {
	Name         string   `mapstructure:"name"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	Keywords     []string `mapstructure:"keywords"`
}

// TriggerWords returns the effective group-chat wake words.
func (b BotConfig) TriggerWords() []string {
	if len(b.Keywords) > 0 {
		return b.Keywords
	}
	return []string{b.Name}
}

// GatewayConfig holds the OneBot WebSocket connection settings.
type GatewayConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AccessToken string `mapstructure:"access_token"`
}

// URL returns the ws:// address the gateway client dials.
func (g GatewayConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d", g.Host, g.Port)
}

// Capability flags a provider can advertise.
const (
	CapVision = "vision"
	CapSearch = "search"
)

// ProviderConfig describes one LLM endpoint.
type ProviderConfig struct {
	Name         string   `mapstructure:"name"`
	BaseURL      string   `mapstructure:"base_url"`
	APIKey       string   `mapstructure:"api_key"`
	Model        string   `mapstructure:"model"`
	Capabilities []string `mapstructure:"capabilities"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	Temperature  float32  `mapstructure:"temperature"`
}

// Has reports whether the provider advertises the given capability.
func (p ProviderConfig) Has(capability string) bool {
	for _, c := range p.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// MemoryConfig holds the retention policy for the turn store.
type MemoryConfig struct {
	DBPath   string        `mapstructure:"db_path"`
	MaxTurns int           `mapstructure:"max_turns"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// OrchConfig holds orchestrator limits.
type OrchConfig struct {
	ToolDepth      int           `mapstructure:"tool_depth"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	FallbackReply  string        `mapstructure:"fallback_reply"`
}

// ThrottleConfig holds the rate-limit settings.
type ThrottleConfig struct {
	GlobalRPM    int           `mapstructure:"global_rpm"`
	SessionRPM   int           `mapstructure:"session_rpm"`
	UserCooldown time.Duration `mapstructure:"user_cooldown"`
}

// MCP client transport types.
const (
	ClientTypeSSE            = "sse"
	ClientTypeStreamableHTTP = "streamable_http"
	ClientTypeStdio          = "stdio"
)

// MCPServer describes one external tool server.
type MCPServer struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// Load reads config.yaml (path overridable via CONFIG_PATH) plus the
// documented environment variables, then validates the result. A
// validation failure aborts startup before any connection is made.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("bot.name", "Cirno")
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 6199)
	v.SetDefault("memory.db_path", "data/cirno.db")
	v.SetDefault("memory.max_turns", 30)
	v.SetDefault("memory.ttl", 24*time.Hour)
	v.SetDefault("orchestrator.tool_depth", 4)
	v.SetDefault("orchestrator.session_timeout", 120*time.Second)
	v.SetDefault("orchestrator.fallback_reply", "呜呜…脑袋转不动了，等我缓缓再说一遍吧~")
	v.SetDefault("throttle.global_rpm", 60)
	v.SetDefault("throttle.session_rpm", 60)
	v.SetDefault("throttle.user_cooldown", 1500*time.Millisecond)
	v.SetDefault("log_level", "info")

	// Documented env overrides.
	_ = v.BindEnv("gateway.host", "WS_HOST")
	_ = v.BindEnv("gateway.port", "WS_PORT")
	_ = v.BindEnv("gateway.access_token", "WS_TOKEN")
	_ = v.BindEnv("bot.name", "BOT_NAME")

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional when providers come from LLM_PROVIDERS;
		// validation below catches the no-providers case either way.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if env := os.Getenv("LLM_PROVIDERS"); env != "" {
		ps, err := ParseProvidersEnv(env)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, ps...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no LLM providers configured")
	}
	for i, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %d (%s): base_url is required", i, p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("config: provider %d (%s): model is required", i, p.Name)
		}
		for _, capability := range p.Capabilities {
			if !strings.EqualFold(capability, CapVision) && !strings.EqualFold(capability, CapSearch) {
				return fmt.Errorf("config: provider %s: unknown capability %q", p.Name, capability)
			}
		}
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway port %d out of range", c.Gateway.Port)
	}
	if c.Orch.ToolDepth < 1 {
		return fmt.Errorf("config: orchestrator tool_depth must be >= 1")
	}
	return nil
}

// ParseProvidersEnv parses the LLM_PROVIDERS variable. Format:
//
//	name=main;endpoint=https://api.openai.com/v1;key=sk-...;model=gpt-4o;capabilities=vision|search
//
// with multiple providers separated by commas.
func ParseProvidersEnv(s string) ([]ProviderConfig, error) {
	var out []ProviderConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var p ProviderConfig
		for _, kv := range strings.Split(entry, ";") {
			k, val, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("config: LLM_PROVIDERS: malformed option %q", kv)
			}
			switch strings.TrimSpace(strings.ToLower(k)) {
			case "name":
				p.Name = val
			case "endpoint":
				p.BaseURL = val
			case "key":
				p.APIKey = val
			case "model":
				p.Model = val
			case "capabilities":
				for _, c := range strings.Split(val, "|") {
					if c = strings.TrimSpace(c); c != "" {
						p.Capabilities = append(p.Capabilities, c)
					}
				}
			default:
				return nil, fmt.Errorf("config: LLM_PROVIDERS: unknown option %q", k)
			}
		}
		out = append(out, p)
	}
	return out, nil
}
