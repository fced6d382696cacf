package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/tavern-irc/internal/model/persona"
)

// Config 聚合整个机器人的配置项。
type Config struct {
	IRC        IRCConfig        `yaml:"irc"`
	LLM        LLMConfig        `yaml:"llm"`
	Moderation ModerationConfig `yaml:"moderation"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Ops        ServerConfig     `yaml:"ops"`
	Logging    LoggingConfig    `yaml:"logging"`
	HelpFile   string           `yaml:"help_file"`
}

// IRCConfig 描述 IRC 连接配置。
type IRCConfig struct {
	Server            string        `yaml:"server"`
	Port              int           `yaml:"port"`
	TLS               bool          `yaml:"tls"`
	TLSSkipVerify     bool          `yaml:"tls_skip_verify"`
	Transport         string        `yaml:"transport"`
	WebSocketURL      string        `yaml:"websocket_url"`
	Nickname          string        `yaml:"nickname"`
	Username          string        `yaml:"username"`
	Realname          string        `yaml:"realname"`
	ServerPassword    string        `yaml:"server_password"`
	Password          string        `yaml:"password"`
	Channels          []string      `yaml:"channels"`
	Admins            []string      `yaml:"admins"`
	IdentifyDelay     time.Duration `yaml:"identify_delay"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// Transports understood by the IRC shell.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// LLMConfig 描述大模型相关配置。
type LLMConfig struct {
	DefaultModel     string           `yaml:"default_model"`
	DefaultPersona   string           `yaml:"default_persona"`
	Prompt           persona.Template `yaml:"prompt"`
	HistorySize      int              `yaml:"history_size"`
	Timeout          time.Duration    `yaml:"timeout"`
	Options          map[string]any   `yaml:"options"`
	RespondOnPersona *bool            `yaml:"respond_on_persona"`
	Providers        []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one completion provider. Blank fields are filled
// from the built-in descriptor with the same name.
type ProviderConfig struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	BaseURL     string         `yaml:"base_url"`
	APIKey      string         `yaml:"api_key"`
	Region      string         `yaml:"region"`
	Models      []string       `yaml:"models"`
	DropOptions []string       `yaml:"drop_options"`
	Options     map[string]any `yaml:"options"`
}

// Respond reports whether persona changes trigger an introduction.
func (c LLMConfig) Respond() bool {
	return c.RespondOnPersona == nil || *c.RespondOnPersona
}

// ModerationConfig 描述内容审核配置。
type ModerationConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// DeliveryConfig controls output pacing.
type DeliveryConfig struct {
	LineInterval time.Duration `yaml:"line_interval"`
}

// DispatchConfig controls the per-participant task queue.
type DispatchConfig struct {
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	QueueDepth   int           `yaml:"queue_depth"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// ServerConfig 描述运维 HTTP 服务配置，Addr 为空时不启动。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig 描述日志配置。
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ValidationError describes a configuration problem found at startup.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Problem)
}

// Load 读取配置文件，展开 ${VAR} 环境变量，应用默认值与环境变量覆盖并校验。
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into a validated Config.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	irc := &c.IRC
	if irc.Transport == "" {
		irc.Transport = TransportTCP
	}
	if irc.Port == 0 {
		irc.Port = 6667
		if irc.TLS {
			irc.Port = 6697
		}
	}
	if irc.Username == "" {
		irc.Username = irc.Nickname
	}
	if irc.Realname == "" {
		irc.Realname = irc.Nickname
	}
	if irc.IdentifyDelay == 0 {
		irc.IdentifyDelay = 5 * time.Second
	}
	if irc.ReconnectAttempts == 0 {
		irc.ReconnectAttempts = 5
	}
	if irc.ReconnectDelay == 0 {
		irc.ReconnectDelay = 15 * time.Second
	}

	llm := &c.LLM
	if strings.TrimSpace(llm.DefaultPersona) == "" {
		llm.DefaultPersona = persona.DefaultPersona
	}
	if llm.Prompt.Prefix == "" && llm.Prompt.Suffix == "" {
		llm.Prompt = persona.DefaultTemplate()
	}
	if llm.HistorySize == 0 {
		llm.HistorySize = 24
	}
	if llm.Timeout == 0 {
		llm.Timeout = 180 * time.Second
	}

	mod := &c.Moderation
	if mod.BaseURL == "" {
		mod.BaseURL = "https://api.openai.com/v1"
	}
	if mod.Model == "" {
		mod.Model = "omni-moderation-latest"
	}
	if mod.Timeout == 0 {
		mod.Timeout = 10 * time.Second
	}

	if c.Delivery.LineInterval == 0 {
		c.Delivery.LineInterval = 2 * time.Second
	}

	d := &c.Dispatch
	if d.TaskTimeout == 0 {
		d.TaskTimeout = 5 * time.Minute
	}
	if d.QueueDepth == 0 {
		d.QueueDepth = 8
	}
	if d.CloseTimeout == 0 {
		d.CloseTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv 处理少量环境变量覆盖，便于容器部署。
func (c *Config) applyEnv() error {
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)

	if addr, ok, err := loadServerAddr(); err != nil {
		return err
	} else if ok {
		c.Ops.Addr = addr
	}

	size, err := parseOptionalIntEnv("HISTORY_SIZE")
	if err != nil {
		return err
	}
	if size != nil {
		c.LLM.HistorySize = *size
	}

	enabled, err := parseBoolEnv("MODERATION_ENABLED", c.Moderation.Enabled)
	if err != nil {
		return err
	}
	c.Moderation.Enabled = enabled
	return nil
}

// Validate checks the fields the bot cannot start without.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, problem string) {
		errs = append(errs, &ValidationError{Field: field, Problem: problem})
	}

	switch c.IRC.Transport {
	case TransportTCP:
		if strings.TrimSpace(c.IRC.Server) == "" {
			invalid("irc.server", "is required")
		}
	case TransportWebSocket:
		if strings.TrimSpace(c.IRC.WebSocketURL) == "" {
			invalid("irc.websocket_url", "is required for the websocket transport")
		}
	default:
		invalid("irc.transport", fmt.Sprintf("must be %q or %q", TransportTCP, TransportWebSocket))
	}
	if strings.TrimSpace(c.IRC.Nickname) == "" {
		invalid("irc.nickname", "is required")
	}
	if len(c.IRC.Channels) == 0 {
		invalid("irc.channels", "must list at least one channel")
	}
	if c.IRC.Port < 1 || c.IRC.Port > 65535 {
		invalid("irc.port", "is out of range")
	}

	if c.LLM.HistorySize < 2 {
		invalid("llm.history_size", "must be at least 2")
	}
	if len(c.LLM.Providers) == 0 {
		invalid("llm.providers", "must list at least one provider")
	}
	seen := make(map[string]bool)
	known := false
	for i, p := range c.LLM.Providers {
		if strings.TrimSpace(p.Name) == "" {
			invalid(fmt.Sprintf("llm.providers[%d].name", i), "is required")
			continue
		}
		if seen[p.Name] {
			invalid(fmt.Sprintf("llm.providers[%d].name", i), fmt.Sprintf("%q is duplicated", p.Name))
		}
		seen[p.Name] = true
		if len(p.Models) == 0 {
			invalid(fmt.Sprintf("llm.providers[%d].models", i), "must list at least one model")
		}
		for _, m := range p.Models {
			if m == c.LLM.DefaultModel {
				known = true
			}
		}
	}
	if c.LLM.DefaultModel == "" {
		invalid("llm.default_model", "is required")
	} else if len(c.LLM.Providers) > 0 && !known {
		invalid("llm.default_model", fmt.Sprintf("%q is not offered by any provider", c.LLM.DefaultModel))
	}

	if c.Moderation.Enabled && c.Moderation.APIKey == "" {
		invalid("moderation.api_key", "is required when moderation is enabled")
	}
	if c.Dispatch.QueueDepth < 1 {
		invalid("dispatch.queue_depth", "must be positive")
	}

	return errors.Join(errs...)
}

// loadServerAddr 解析运维服务监听地址，OPS_ADDR 优先于 PORT。
func loadServerAddr() (string, bool, error) {
	if addr := strings.TrimSpace(os.Getenv("OPS_ADDR")); addr != "" {
		return addr, true, nil
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return "", false, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, true, nil
	}

	if strings.Contains(port, " ") {
		return "", false, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, true, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
