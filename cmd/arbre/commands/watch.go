package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/arbre/internal/config"
	"github.com/dyluth/arbre/internal/positions"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/watch"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream evaluations as they are computed",
	Long: `Stream freshly computed evaluations published by a running server.

Requires the Redis store: evaluations are announced on the namespace's
evaluation_events channel.

Output Formats:
  default - Human-readable output with timestamps and emojis
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Watch evaluations
  arbre watch --config arbre.yml

  # Export events as JSON
  arbre watch --output=jsonl > evaluations.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := positions.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != config.BackendRedis {
		return printer.Error(
			"watch requires the redis store",
			"Evaluation events are only published through Redis.",
			[]string{"Set store.backend to 'redis' in arbre.yml"},
		)
	}

	client, err := study.NewClientFromURL(cfg.Store.RedisURL, cfg.Store.Namespace)
	if err != nil {
		return printer.Error("invalid redis configuration", err.Error(), nil)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		return printer.ErrorWithContext("redis not accessible", err.Error(),
			map[string]string{"URL": cfg.Store.RedisURL}, nil)
	}

	printer.Info("Watching evaluations in namespace '%s'...\n", client.Namespace())
	return watch.StreamEvaluations(ctx, client, format, os.Stdout)
}
