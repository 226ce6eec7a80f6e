package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dyluth/arbre/internal/config"
	"github.com/dyluth/arbre/internal/logging"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arbre",
	Short: "Arbre - chess position analysis service",
	Long: `Arbre evaluates chess positions with a pool of UCI engine processes and
keeps per-user variation trees whose nodes are annotated with those
evaluations.

Concurrent requests for the same position share one engine search, and
results are cached in memory and optionally persisted to Redis or Badger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Unknown flags are an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to arbre.yml (defaults plus environment overrides if omitted)")
}

// loadConfig reads --config, or builds the defaults with environment
// overrides applied when no file is given.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"Config": configPath},
				[]string{"Check the file against the documented arbre.yml format"},
			)
		}
		return cfg, nil
	}

	cfg := config.Default()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return zerolog.Nop(), printer.Error("invalid log configuration", err.Error(), nil)
	}
	return log, nil
}

// openStore opens the configured store for commands that need one.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	s, err := storage.Open(ctx, cfg.Store, log)
	if errors.Is(err, storage.ErrDisabled) {
		return nil, printer.Error(
			"no persistent store configured",
			"This command reads persisted data but store.backend is 'none'.",
			[]string{
				"Use Redis:\n  store:\n    backend: redis\n    redis_url: redis://localhost:6379/0",
				"Use Badger:\n  store:\n    backend: badger\n    badger_path: ./data",
			},
		)
	}
	if err != nil {
		return nil, printer.ErrorWithContext(
			"store unavailable",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend},
			nil,
		)
	}
	return s, nil
}
