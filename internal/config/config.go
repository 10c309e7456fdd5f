// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	LLM() LLMConfig
	Resilience() ResilienceConfig

	// CLI overrides
	SetBrowserHeadless(bool)
	SetEngineRunTimeout(d time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	LLMCfg        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	ResilienceCfg ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) LLM() LLMConfig               { return c.LLMCfg }
func (c *Config) Resilience() ResilienceConfig { return c.ResilienceCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)           { c.BrowserCfg.Headless = b }
func (c *Config) SetEngineRunTimeout(d time.Duration) { c.EngineCfg.RunTimeout = d }

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

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the run manager and the per-run orchestration loop.
type EngineConfig struct {
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	RunTimeout        time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	MaxRepairsPerRun  int           `mapstructure:"max_repairs_per_run" yaml:"max_repairs_per_run"`
	PausePollInterval time.Duration `mapstructure:"pause_poll_interval" yaml:"pause_poll_interval"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	ScreenshotDir     string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	SettleTime        time.Duration  `mapstructure:"settle_time" yaml:"settle_time"`
}

// ProviderGemini is the only supported model provider.
const ProviderGemini = "gemini"

// LLMConfig describes the model provider and the models used per call tier.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	FallbackModel string        `mapstructure:"fallback_model" yaml:"fallback_model"`
	Temperature   float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// ResilienceConfig bounds every call made to the model provider.
type ResilienceConfig struct {
	PoolSize                int           `mapstructure:"pool_size" yaml:"pool_size"`
	PlanTimeout             time.Duration `mapstructure:"plan_timeout" yaml:"plan_timeout"`
	RepairTimeout           time.Duration `mapstructure:"repair_timeout" yaml:"repair_timeout"`
	SelectorTimeout         time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	SummaryTimeout          time.Duration `mapstructure:"summary_timeout" yaml:"summary_timeout"`
	MaxRateLimitRetries     int           `mapstructure:"max_rate_limit_retries" yaml:"max_rate_limit_retries"`
	BaseBackoff             time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff              time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	RequestsPerSecond       float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst                   int           `mapstructure:"burst" yaml:"burst"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
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
	v.SetDefault("logger.service_name", "ai2qa")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Engine --
	v.SetDefault("engine.queue_size", 100)
	v.SetDefault("engine.max_concurrent_runs", 2)
	v.SetDefault("engine.run_timeout", "15m")
	v.SetDefault("engine.max_repairs_per_run", 10)
	v.SetDefault("engine.pause_poll_interval", "500ms")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.screenshot_dir", "screenshots")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.settle_time", "750ms")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- LLM --
	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.fallback_model", "gemini-2.5-flash-lite")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.api_timeout", "2m")

	// -- Resilience --
	v.SetDefault("resilience.pool_size", 8)
	v.SetDefault("resilience.plan_timeout", "60s")
	v.SetDefault("resilience.repair_timeout", "60s")
	v.SetDefault("resilience.selector_timeout", "30s")
	v.SetDefault("resilience.summary_timeout", "3m")
	v.SetDefault("resilience.max_rate_limit_retries", 3)
	v.SetDefault("resilience.base_backoff", "1s")
	v.SetDefault("resilience.max_backoff", "30s")
	v.SetDefault("resilience.requests_per_second", 2.0)
	v.SetDefault("resilience.burst", 4)
	v.SetDefault("resilience.breaker_failure_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown", "2m")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "AI2QA_LLM_API_KEY")
	_ = v.BindEnv("database.url", "AI2QA_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Gemini tooling conventionally exports GEMINI_API_KEY.
	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("engine.max_concurrent_runs must be a positive integer")
	}
	if c.EngineCfg.RunTimeout <= 0 {
		return fmt.Errorf("engine.run_timeout must be a positive duration")
	}
	if c.EngineCfg.MaxRepairsPerRun < 0 {
		return fmt.Errorf("engine.max_repairs_per_run cannot be negative")
	}
	if err := c.ResilienceCfg.Validate(); err != nil {
		return fmt.Errorf("resilience configuration invalid: %w", err)
	}
	if c.LLMCfg.Provider != ProviderGemini {
		return fmt.Errorf("llm.provider %q is not supported", c.LLMCfg.Provider)
	}
	return nil
}

// Validate checks the ResilienceConfig settings.
func (r *ResilienceConfig) Validate() error {
	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be a positive integer")
	}
	if r.PlanTimeout <= 0 || r.RepairTimeout <= 0 || r.SelectorTimeout <= 0 || r.SummaryTimeout <= 0 {
		return fmt.Errorf("call timeouts must be positive durations")
	}
	if r.MaxRateLimitRetries < 0 {
		return fmt.Errorf("max_rate_limit_retries cannot be negative")
	}
	if r.BaseBackoff <= 0 || r.MaxBackoff < r.BaseBackoff {
		return fmt.Errorf("base_backoff must be positive and not exceed max_backoff")
	}
	return nil
}
