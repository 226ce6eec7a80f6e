package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dyluth/arbre/internal/positions"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/rules"
	"github.com/dyluth/arbre/internal/timespec"
	"github.com/dyluth/arbre/internal/watch"
	"github.com/spf13/cobra"
)

var (
	positionsOutputFormat string
	positionsSince        string
	positionsUntil        string
	positionsMinDepth     int
	positionsMates        bool
	positionsMatch        string

	getWait time.Duration
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List persisted evaluations with filtering",
	Long: `List evaluations persisted in the configured store.

Output Formats:
  default - Human-readable table with position, side to move, best move,
            score (from White's point of view), depth and age
  jsonl   - Line-delimited JSON, one evaluation per line

Time Filters:
  --since  - Show evaluations computed after this time
  --until  - Show evaluations computed before this time

Content Filters:
  --min-depth - Only evaluations searched at least this deep
  --mates     - Only forced mates
  --match     - Glob on the FEN; * does not cross '/'

Examples:
  # List everything
  arbre positions

  # Deep evaluations from the last hour as JSONL
  arbre positions --min-depth 20 --since 1h --output jsonl | jq .best_move`,
	Args: cobra.NoArgs,
	RunE: runPositions,
}

var positionsGetCmd = &cobra.Command{
	Use:   "get FEN|PREFIX",
	Short: "Show the evaluation of one position",
	Long: `Show the persisted evaluation of one position as JSON.

The position is a complete FEN or the start of a stored one, for example
just the board: "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR".

With --wait, poll until the evaluation appears, for example while a
background evaluation started by the server is still running.`,
	Args: cobra.ExactArgs(1),
	RunE: runPositionsGet,
}

func init() {
	positionsCmd.Flags().StringVarP(&positionsOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	positionsCmd.Flags().StringVar(&positionsSince, "since", "", "Show evaluations after time (duration or RFC3339)")
	positionsCmd.Flags().StringVar(&positionsUntil, "until", "", "Show evaluations before time (duration or RFC3339)")
	positionsCmd.Flags().IntVar(&positionsMinDepth, "min-depth", 0, "Minimum reached depth")
	positionsCmd.Flags().BoolVar(&positionsMates, "mates", false, "Only forced mates")
	positionsCmd.Flags().StringVar(&positionsMatch, "match", "", "Glob pattern on the FEN")

	positionsGetCmd.Flags().DurationVarP(&getWait, "wait", "w", 0, "Wait up to this long for the evaluation to appear")

	positionsCmd.AddCommand(positionsGetCmd)
	rootCmd.AddCommand(positionsCmd)
}

func runPositions(cmd *cobra.Command, args []string) error {
	format, err := positions.ParseOutputFormat(positionsOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	computed, err := timespec.ParseRange(positionsSince, positionsUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(),
			[]string{"Use a duration like '2h' or an RFC3339 time like '2025-10-29T13:00:00Z'"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	filters := &positions.FilterCriteria{
		Computed:     computed,
		MinDepth:     positionsMinDepth,
		MatesOnly:    positionsMates,
		PositionGlob: positionsMatch,
	}
	if err := positions.List(ctx, store, format, filters, os.Stdout); err != nil {
		return fmt.Errorf("failed to list evaluations: %w", err)
	}
	return nil
}

func runPositionsGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := resolvePosition(ctx, store, args[0])
	if err != nil {
		return err
	}

	if getWait > 0 {
		ev, err := watch.PollForEvaluation(ctx, store, key, getWait)
		if err != nil {
			return printer.ErrorWithContext("evaluation not available", err.Error(),
				map[string]string{"Position": key}, nil)
		}
		return positions.FormatSingleJSON(os.Stdout, ev)
	}

	if err := positions.Get(ctx, store, key, os.Stdout); err != nil {
		if positions.IsNotFound(err) {
			return printer.Error("evaluation not found", err.Error(),
				[]string{fmt.Sprintf("Evaluate it first:\n  arbre eval %q", key),
					"Or wait for a running evaluation:\n  arbre positions get --wait 1m <FEN>"})
		}
		return err
	}
	return nil
}

// resolvePosition accepts a complete FEN or the prefix of a stored one.
func resolvePosition(ctx context.Context, src positions.Source, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if key, err := rules.Canonical(arg); err == nil {
		return key, nil
	}

	key, err := positions.ResolvePrefix(ctx, src, arg)
	switch {
	case err == nil:
		return key, nil
	case positions.IsAmbiguous(err):
		return "", printer.Error("ambiguous position", positions.FormatAmbiguousError(err.(*positions.AmbiguousError)), nil)
	case positions.IsNotFound(err):
		return "", printer.Error("position not found", err.Error(),
			[]string{"List stored positions:\n  arbre positions"})
	default:
		return "", printer.Error("invalid position", err.Error(), nil)
	}
}
