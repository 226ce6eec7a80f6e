package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/arbre/internal/positions"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/rules"
	"github.com/spf13/cobra"
)

var (
	evalDepth  int
	evalEngine string
	evalJSON   bool
)

var evalCmd = &cobra.Command{
	Use:   "eval [FEN]",
	Short: "Evaluate one position with a local engine",
	Long: `Evaluate a single position and print the engine's best move and score.

The position defaults to the standard starting position. Scores are shown
from White's point of view; --json prints the raw evaluation, whose scores
are from the side to move.

Examples:
  # Evaluate the starting position at the configured default depth
  arbre eval

  # Evaluate a position at depth 20 with a specific engine
  arbre eval "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3" --depth 20 --engine /usr/bin/stockfish`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().IntVarP(&evalDepth, "depth", "d", 0, "Search depth (default: engine.default_depth)")
	evalCmd.Flags().StringVarP(&evalEngine, "engine", "e", "", "Engine executable (default: engine.path)")
	evalCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the evaluation as JSON")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if evalEngine != "" {
		cfg.Engine.Path = evalEngine
	}
	cfg.Engine.MaxSessions = 1
	cfg.Log.Level = "warn"
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	fen := rules.StartingPosition
	if len(args) == 1 {
		fen = strings.TrimSpace(args[0])
	}
	key, err := rules.Canonical(fen)
	if err != nil {
		return printer.Error("invalid position", err.Error(),
			[]string{"Pass a complete FEN, quoted:\n  arbre eval \"<board> <side> <castling> <en passant> <halfmove> <fullmove>\""})
	}

	depth := evalDepth
	if depth == 0 {
		depth = cfg.Engine.DefaultDepth
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.EvalTimeout)
	defer cancel()

	stack := newAnalysisStack(cfg, nil, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stack.pool.Close(closeCtx)
	}()

	ev, err := stack.coordinator.Evaluate(ctx, key, depth)
	if err != nil {
		return printer.ErrorWithContext("evaluation failed", err.Error(),
			map[string]string{
				"Engine":   cfg.Engine.Path,
				"Position": key,
				"Depth":    fmt.Sprint(depth),
			},
			[]string{"Check the engine path with --engine or ARBRE_ENGINE_PATH"})
	}

	if evalJSON {
		return positions.FormatSingleJSON(os.Stdout, ev)
	}
	printer.New(os.Stdout, os.Stderr).Evaluation(ev)
	return nil
}
