// Package cmd implements the keyscan command line.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/keyscan/internal/config"
	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile     string
	logLevel    string
	logProfile  string
	verbose     bool
	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "keyscan",
	Short: "Check Bitcoin private keys for on-chain balances",
	Long: `keyscan reads private keys (WIF, hex or mini keys), derives their
addresses and asks public blockchain services for the balance of each.

Run a one-off check from the command line with "keyscan check", or start the
HTTP service with "keyscan serve" to manage jobs through the API.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: search ./keyscan.yaml and the user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logProfile, "log-profile", "", "Log format (structured|console)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", pf.Lookup("log-profile"))
}

// setDefaults mirrors the config defaults into the global viper so flag
// bindings fall back to the same values.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// initConfig loads layered configuration and the CLI logger. Flags that
// were set explicitly become runtime overrides.
func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	logging := map[string]any{}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		logging["level"] = viper.GetString("logging.level")
	}
	if f := cmd.Flags().Lookup("log-profile"); f != nil && f.Changed {
		logging["profile"] = viper.GetString("logging.profile")
	}
	if verbose {
		logging["level"] = "debug"
	}

	overrides := map[string]any{}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(ExitConfig, "Failed to load configuration", err)
	}
	appIdentity = config.AppIdentity()

	level := cfg.Logging.Level
	if cfg.Debug.Enabled && logging["level"] == nil {
		level = "debug"
	}
	if err := observability.InitCLILogger(level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfig, "Invalid logging configuration", err)
	}

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("log_level", level),
		zap.Bool("debug", cfg.Debug.Enabled),
		zap.String("log_profile", cfg.Logging.Profile),
		zap.String("config_file", cfgFile))
	return nil
}

// appConfig returns the loaded config, loading defaults if a command runs
// without the root pre-run (tests).
func appConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(ctx)
}

func usageError(format string, args ...any) error {
	return exitError(ExitUsage, "Invalid arguments", fmt.Errorf(format, args...))
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
