// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/observability"
)

const (
	envPrefix      = "RECAPTCHA"
	configName     = "recaptcha"
	defaultService = "scalpel-recaptcha"
)

type contextKey string

const configKey contextKey = "config"

// flagKeys maps command line flags onto configuration keys. Flags a command
// does not define are skipped.
var flagKeys = map[string]string{
	"log-level":     "logger.level",
	"log-format":    "logger.format",
	"concurrency":   "browser.concurrency",
	"headless":      "browser.headless",
	"max-attempts":  "solver.max_attempts",
	"solve-timeout": "solver.solve_timeout",
	"provider":      "transcriber.provider",
	"model":         "transcriber.model",
	"endpoint":      "transcriber.endpoint",
}

// NewRootCommand builds a fresh command tree. Every call returns independent
// flag state, which keeps tests from leaking into each other.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "scalpel-recaptcha",
		Short:         "Solves reCAPTCHA v2 widgets through their audio challenge.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: defaultService})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := loadConfig(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: defaultService})
				return err
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded.",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()),
			)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./recaptcha.yaml, then ~/.config/scalpel-recaptcha/recaptcha.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (console, json)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newSolveCmd(), newArgsCmd(), newVersionCmd())
	return rootCmd
}

// Execute runs the command tree against os.Args. Errors are logged here and
// returned so main can pick the exit code.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command interrupted.")
		} else {
			observability.GetLogger().Error("Command execution failed.", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// initializeConfig wires the config file, the RECAPTCHA_* environment and the
// persistent flag overrides into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("expanding config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", defaultService))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows; the API key has no
	// default, so bind it explicitly.
	if err := v.BindEnv("transcriber.api_key", envPrefix+"_TRANSCRIBER_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag --%s: %w", name, err)
			}
		}
	}
	return nil
}

// loadConfig unmarshals and validates the merged configuration.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Logger.LogFile != "" {
		path, err := homedir.Expand(cfg.Logger.LogFile)
		if err != nil {
			return nil, fmt.Errorf("expanding log file path: %w", err)
		}
		cfg.Logger.LogFile = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// configFromContext returns the configuration stored by PersistentPreRunE.
func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
