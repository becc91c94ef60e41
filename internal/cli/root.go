// Package cli implements the changegate command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/config"
	"github.com/tOgg1/changegate/internal/logging"
)

var (
	cfgFile     string
	dbPath      string
	logLevel    string
	logFormat   string
	actorFlag   string
	jsonOutput  bool
	jsonlOutput bool

	appConfig *config.Config
	logger    zerolog.Logger
	closeLog  = func() error { return nil }
	version   = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "changegate",
	Short: "Gate configuration changes behind impact analysis and approval",
	Long: `changegate tracks proposed changes to configuration files on managed
devices. Each change is analyzed for impact against the service dependency
graph, routed through an approval policy, and applied at most once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.config/changegate/config.yaml)")
	flags.StringVar(&dbPath, "db", "", "database path (overrides database.path)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	flags.StringVar(&actorFlag, "as", "", "identity recorded on requests and decisions (default: context actor, then $USER)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
}

// Execute runs the root command.
func Execute(buildVersion string) int {
	version = buildVersion
	rootCmd.Version = buildVersion

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err)
		return exitCode(err)
	}
	return 0
}

func initConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	for key, flag := range map[string]string{
		"database.path":  "db",
		"logging.level":  "log-level",
		"logging.format": "log-format",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := loader.BindFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return &PreflightError{
			Message:  err.Error(),
			Hint:     "Check the config file and CHANGEGATE_* environment variables",
			NextStep: "changegate --config <path> --help",
		}
	}
	appConfig = cfg

	output, closer, err := logging.OpenOutput(cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	closeLog = closer
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       output,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger = logging.Component("cli")
	logger.Debug().Str("config", loader.ConfigFileUsed()).Msg("configuration loaded")
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	if appConfig == nil {
		appConfig = config.DefaultConfig()
	}
	return appConfig
}

// PreflightError is a user-facing error with a suggested fix.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
	Err      error
}

func (e *PreflightError) Error() string {
	return e.Message
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

func printError(err error) {
	var preflight *PreflightError
	if errors.As(err, &preflight) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", preflight.Message)
		if preflight.Hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", preflight.Hint)
		}
		if preflight.NextStep != "" {
			fmt.Fprintf(os.Stderr, "Try: %s\n", preflight.NextStep)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", describeValidation(err))
}
