// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Network     NetworkConfig     `mapstructure:"network" yaml:"network"`
	Solver      SolverConfig      `mapstructure:"solver" yaml:"solver"`
	Transcriber TranscriberConfig `mapstructure:"transcriber" yaml:"transcriber"`
}

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

// ColorConfig names the terminal color used for each log level.
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
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	// KeepSiteIsolation leaves Chrome's per-site process model on. With it on,
	// cross-origin widget frames live in separate targets and cannot be
	// queried from the page.
	KeepSiteIsolation bool `mapstructure:"keep_site_isolation" yaml:"keep_site_isolation"`
	// NetworkIdle is the quiet period awaited after navigation so the widget
	// script has loaded before the anchor search starts. Zero skips the wait.
	NetworkIdle time.Duration `mapstructure:"network_idle" yaml:"network_idle"`
	// Platform, Languages, Locale and Timezone set the regional identity of
	// each tab. The audio challenge is served in the first language.
	Platform    string        `mapstructure:"platform" yaml:"platform"`
	Languages   []string      `mapstructure:"languages" yaml:"languages"`
	Locale      string        `mapstructure:"locale" yaml:"locale"`
	Timezone    string        `mapstructure:"timezone" yaml:"timezone"`
}

// NetworkConfig tunes the HTTP client used to download challenge audio.
type NetworkConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
	ProxyURL        string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	MaxAudioBytes   int64         `mapstructure:"max_audio_bytes" yaml:"max_audio_bytes"`
}

// SolverConfig mirrors the engine's retry policy and phase budgets.
type SolverConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	AttemptDelay      time.Duration `mapstructure:"attempt_delay" yaml:"attempt_delay"`
	AttemptJitter     time.Duration `mapstructure:"attempt_jitter" yaml:"attempt_jitter"`
	DelayMultiplier   float64       `mapstructure:"delay_multiplier" yaml:"delay_multiplier"`
	MaxAttemptDelay   time.Duration `mapstructure:"max_attempt_delay" yaml:"max_attempt_delay"`
	AnchorTimeout     time.Duration `mapstructure:"anchor_timeout" yaml:"anchor_timeout"`
	ChallengeTimeout  time.Duration `mapstructure:"challenge_timeout" yaml:"challenge_timeout"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ResourceTimeout   time.Duration `mapstructure:"resource_timeout" yaml:"resource_timeout"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	TranscribeTimeout time.Duration `mapstructure:"transcribe_timeout" yaml:"transcribe_timeout"`
	RespondTimeout    time.Duration `mapstructure:"respond_timeout" yaml:"respond_timeout"`
	// SolveTimeout bounds one whole Solve call. Zero means no overall limit.
	SolveTimeout time.Duration `mapstructure:"solve_timeout" yaml:"solve_timeout"`
	Trace        bool          `mapstructure:"trace" yaml:"trace"`
}

// TranscriberProvider names a speech-to-text backend.
type TranscriberProvider string

const (
	ProviderGemini  TranscriberProvider = "gemini"
	ProviderWhisper TranscriberProvider = "whisper"
)

// TranscriberConfig selects and configures the speech-to-text backend.
type TranscriberConfig struct {
	Provider   TranscriberProvider `mapstructure:"provider" yaml:"provider"`
	Model      string              `mapstructure:"model" yaml:"model"`
	APIKey     string              `mapstructure:"api_key" yaml:"-"`
	Endpoint   string              `mapstructure:"endpoint" yaml:"endpoint"`
	Language   string              `mapstructure:"language" yaml:"language"`
	APITimeout time.Duration       `mapstructure:"api_timeout" yaml:"api_timeout"`
	// RateLimit is the sustained number of requests per second. Zero disables
	// limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-recaptcha")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// Browser
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "1s")
	v.SetDefault("browser.keep_site_isolation", false)
	v.SetDefault("browser.network_idle", "500ms")
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.locale", "en-US")

	// Network
	v.SetDefault("network.request_timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.max_audio_bytes", 5<<20)

	// Solver
	v.SetDefault("solver.max_attempts", 3)
	v.SetDefault("solver.attempt_timeout", "45s")
	v.SetDefault("solver.attempt_delay", "1s")
	v.SetDefault("solver.attempt_jitter", "1500ms")
	v.SetDefault("solver.delay_multiplier", 1.5)
	v.SetDefault("solver.max_attempt_delay", "10s")
	v.SetDefault("solver.anchor_timeout", "10s")
	v.SetDefault("solver.challenge_timeout", "5s")
	v.SetDefault("solver.verify_timeout", "5s")
	v.SetDefault("solver.action_timeout", "10s")
	v.SetDefault("solver.poll_interval", "250ms")
	v.SetDefault("solver.resource_timeout", "10s")
	v.SetDefault("solver.fetch_timeout", "15s")
	v.SetDefault("solver.transcribe_timeout", "30s")
	v.SetDefault("solver.respond_timeout", "10s")
	v.SetDefault("solver.solve_timeout", "3m")
	v.SetDefault("solver.trace", false)

	// Transcriber
	v.SetDefault("transcriber.provider", string(ProviderGemini))
	v.SetDefault("transcriber.model", "gemini-2.0-flash")
	v.SetDefault("transcriber.language", "en")
	v.SetDefault("transcriber.api_timeout", "30s")
	v.SetDefault("transcriber.rate_limit", 1.0)
	v.SetDefault("transcriber.burst", 1)
}

// Validate checks the configuration for values the application cannot run with.
func (c *Config) Validate() error {
	if c.Browser.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if c.Browser.NetworkIdle < 0 {
		return fmt.Errorf("browser.network_idle must not be negative")
	}
	if err := c.Solver.Validate(); err != nil {
		return fmt.Errorf("solver configuration invalid: %w", err)
	}
	if err := c.Transcriber.Validate(); err != nil {
		return fmt.Errorf("transcriber configuration invalid: %w", err)
	}
	if c.Network.MaxAudioBytes <= 0 {
		return fmt.Errorf("network.max_audio_bytes must be positive")
	}
	return nil
}

// Validate checks the solver budgets.
func (s *SolverConfig) Validate() error {
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if s.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be a positive duration")
	}
	if s.DelayMultiplier != 0 && s.DelayMultiplier < 1 {
		return fmt.Errorf("delay_multiplier must be at least 1")
	}
	if s.AttemptDelay < 0 || s.AttemptJitter < 0 {
		return fmt.Errorf("attempt_delay and attempt_jitter must not be negative")
	}
	return nil
}

// Validate checks that the selected backend is known and has what it needs.
func (t *TranscriberConfig) Validate() error {
	switch TranscriberProvider(strings.ToLower(string(t.Provider))) {
	case ProviderGemini:
		if t.Model == "" {
			return fmt.Errorf("model is required for the gemini provider")
		}
	case ProviderWhisper:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the whisper provider")
		}
	default:
		return fmt.Errorf("unsupported provider %q", t.Provider)
	}
	if t.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}
