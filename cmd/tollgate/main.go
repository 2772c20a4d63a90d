package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KanavDutta/tollgate/pkg/tollgate"
)

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
)

// rootCmd is the base command for the tollgate CLI
var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Token bucket rate limiting service",
	Long: `tollgate makes per-key token bucket admission decisions.

It runs as a standalone decision service (tollgate serve) that other services
ask before doing work, with optional Redis-backed state shared between
instances.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		return setupLogging(logLevel, logFormat)
	},
}

func init() {
	bindGlobalFlags(rootCmd.PersistentFlags())
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	fs.StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading TOLLGATE_* variables")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	fs.StringVar(&logFormat, "log-format", "json", "Log format (json|console)")
}

// loadEnvFile loads KEY=VALUE pairs without overriding the real environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	switch format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q: want json or console", format)
	}
	return nil
}

// loadConfig reads the file named by --config, then applies TOLLGATE_*
// environment overrides.
func loadConfig() (*tollgate.Config, error) {
	cfg := tollgate.NewConfig()
	if configPath != "" {
		loaded, err := tollgate.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
