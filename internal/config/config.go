// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Agent() AgentConfig
	LLM() LLMConfig
	Store() StoreConfig
	Bus() BusConfig
	Control() ControlConfig

	// Agent Setters, used by CLI flag overrides.
	SetAgentStepBudget(int)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	AgentCfg   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLMCfg     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
	BusCfg     BusConfig     `mapstructure:"bus" yaml:"bus"`
	ControlCfg ControlConfig `mapstructure:"control" yaml:"control"`
}

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) LLM() LLMConfig         { return c.LLMCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }
func (c *Config) Bus() BusConfig         { return c.BusCfg }
func (c *Config) Control() ControlConfig { return c.ControlCfg }

func (c *Config) SetAgentStepBudget(n int)  { c.AgentCfg.StepBudget = n }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driven over CDP.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir       string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ReadyTimeout      time.Duration  `mapstructure:"ready_timeout" yaml:"ready_timeout"`
}

// AgentConfig holds the session loop's budget and timing.
type AgentConfig struct {
	StepBudget             int               `mapstructure:"step_budget" yaml:"step_budget"`
	MaxConsecutiveFailures int               `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	IdentifierLength       int               `mapstructure:"identifier_length" yaml:"identifier_length"`
	SettleDelay            time.Duration     `mapstructure:"settle_delay" yaml:"settle_delay"`
	CaptureSettle          time.Duration     `mapstructure:"capture_settle" yaml:"capture_settle"`
	MutationDebounce       time.Duration     `mapstructure:"mutation_debounce" yaml:"mutation_debounce"`
	PromptBudget           int               `mapstructure:"prompt_budget" yaml:"prompt_budget"`
	DefaultDescription     string            `mapstructure:"default_description" yaml:"default_description"`
	Interaction            InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	Credentials            CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
}

// InteractionConfig controls the cadence of simulated input.
type InteractionConfig struct {
	TypingDelay       time.Duration `mapstructure:"typing_delay" yaml:"typing_delay"`
	FieldDelay        time.Duration `mapstructure:"field_delay" yaml:"field_delay"`
	SubmitDelay       time.Duration `mapstructure:"submit_delay" yaml:"submit_delay"`
	ScrollSettle      time.Duration `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	HighlightDuration time.Duration `mapstructure:"highlight_duration" yaml:"highlight_duration"`
}

// CredentialsConfig holds the login used when a session meets a login form.
type CredentialsConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderGenAI  LLMProvider = "genai"
	ProviderNone   LLMProvider = "none"
)

// LLMConfig configures the remote decision service.
type LLMConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// Project and Location select Vertex AI for the genai provider.
	Project  string `mapstructure:"project" yaml:"project"`
	Location string `mapstructure:"location" yaml:"location"`
}

// StoreConfig selects where session state and the log buffer are persisted.
type StoreConfig struct {
	Type        string `mapstructure:"type" yaml:"type"`
	URL         string `mapstructure:"url" yaml:"url"`
	LogCapacity int    `mapstructure:"log_capacity" yaml:"log_capacity"`
}

// BusConfig tunes the in-process message bus.
type BusConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestRetries int           `mapstructure:"request_retries" yaml:"request_retries"`
}

// ControlConfig configures the HTTP control server used by `serve`.
type ControlConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// AllowedOrigins lists browser origins accepted by the API and the
	// event stream; "*" accepts any. Requests without an Origin header are
	// always accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "partscout")
	v.SetDefault("logger.log_file", "partscout.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.ready_timeout", "30s")

	// -- Agent --
	v.SetDefault("agent.step_budget", 50)
	v.SetDefault("agent.max_consecutive_failures", 3)
	v.SetDefault("agent.identifier_length", 17)
	v.SetDefault("agent.settle_delay", "2s")
	v.SetDefault("agent.capture_settle", "1s")
	v.SetDefault("agent.mutation_debounce", "2s")
	v.SetDefault("agent.prompt_budget", 8000)
	v.SetDefault("agent.default_description", "any car part")
	v.SetDefault("agent.interaction.typing_delay", "50ms")
	v.SetDefault("agent.interaction.field_delay", "500ms")
	v.SetDefault("agent.interaction.submit_delay", "1s")
	v.SetDefault("agent.interaction.scroll_settle", "500ms")
	v.SetDefault("agent.interaction.highlight_duration", "3s")
	v.SetDefault("agent.credentials.username", "")
	v.SetDefault("agent.credentials.password", "") // Should be set via env var

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.requests_per_minute", 30)

	// -- Store --
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.log_capacity", 200)

	// -- Bus --
	v.SetDefault("bus.buffer_size", 16)
	v.SetDefault("bus.request_timeout", "10s")
	v.SetDefault("bus.request_retries", 3)

	// -- Control server --
	v.SetDefault("control.listen_addr", "127.0.0.1:8642")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("llm.api_key", "PARTSCOUT_LLM_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("agent.credentials.password", "PARTSCOUT_PASSWORD")
	v.BindEnv("store.url", "PARTSCOUT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in user-supplied file paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.BrowserCfg.UserDataDir, &c.BrowserCfg.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	switch c.StoreCfg.Type {
	case "memory":
	case "postgres":
		if c.StoreCfg.URL == "" {
			return fmt.Errorf("store.url is required when store.type is postgres")
		}
	default:
		return fmt.Errorf("store.type must be memory or postgres, got %q", c.StoreCfg.Type)
	}
	if c.StoreCfg.LogCapacity <= 0 {
		return fmt.Errorf("store.log_capacity must be a positive integer")
	}
	if c.BusCfg.BufferSize < 0 {
		return fmt.Errorf("bus.buffer_size must not be negative")
	}
	if c.ControlCfg.ListenAddr == "" {
		return fmt.Errorf("control.listen_addr is required")
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.StepBudget <= 0 {
		return fmt.Errorf("step_budget must be greater than 0")
	}
	if a.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be greater than 0")
	}
	if a.IdentifierLength < 0 {
		return fmt.Errorf("identifier_length must not be negative")
	}
	if a.PromptBudget <= 0 {
		return fmt.Errorf("prompt_budget must be greater than 0")
	}
	if a.SettleDelay < 0 || a.CaptureSettle < 0 || a.MutationDebounce < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// Validate checks the LLMConfig settings.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderNone:
		return nil
	case ProviderGemini, ProviderGenAI:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if l.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be greater than 0")
	}
	return nil
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy with credentials masked, safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.BrowserCfg.Args = append([]string(nil), c.BrowserCfg.Args...)
	if out.LLMCfg.APIKey != "" {
		out.LLMCfg.APIKey = redactedValue
	}
	if out.AgentCfg.Credentials.Password != "" {
		out.AgentCfg.Credentials.Password = redactedValue
	}
	if u, err := url.Parse(out.StoreCfg.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			out.StoreCfg.URL = u.String()
		}
	}
	return out
}
