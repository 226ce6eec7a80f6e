package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/arbre/internal/api"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/rules"
	"github.com/dyluth/arbre/internal/storage"
	"github.com/dyluth/arbre/internal/storage/badgerstore"
	"github.com/dyluth/arbre/internal/studies"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis HTTP service",
	Long: `Run the analysis service: an engine session pool, the shared evaluation
cache and the HTTP API for evaluations and variation trees.

With store.backend 'none', users and trees are kept in memory and lost on exit.

SIGINT or SIGTERM stops accepting requests, waits for in-flight requests and
background evaluations, then shuts the engines down.

Examples:
  # Serve with defaults (stockfish on PATH, :4000, in-memory store)
  arbre serve

  # Serve with a config file
  arbre serve --config arbre.yml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var users studies.Store
	store, err := storage.Open(ctx, cfg.Store, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		mem, err := badgerstore.Open(badgerstore.InMemoryConfig())
		if err != nil {
			return fmt.Errorf("failed to open in-memory user store: %w", err)
		}
		defer mem.Close()
		users = mem
		log.Warn().Str("component", "serve").Msg("No persistent store configured; users are kept in memory")
	case err != nil:
		return printer.ErrorWithContext("store unavailable", err.Error(),
			map[string]string{"Backend": cfg.Store.Backend}, nil)
	default:
		defer store.Close()
		users = store
	}

	stack := newAnalysisStack(cfg, store, log)
	svc := studies.NewService(users, stack.coordinator, rules.Standard{}, studies.Options{
		Depth:       cfg.Engine.DefaultDepth,
		EvalTimeout: cfg.Server.EvalTimeout,
		Logger:      log,
	})

	apiCfg := api.Config{
		Analyzer:     stack.coordinator,
		Studies:      svc,
		Rules:        rules.Standard{},
		PoolStats:    stack.pool.Stats,
		CacheStats:   stack.cache.Stats,
		DefaultDepth: cfg.Engine.DefaultDepth,
		EvalTimeout:  cfg.Server.EvalTimeout,
		Logger:       log,
	}
	if store != nil {
		apiCfg.Store = store
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("component", "serve").
		Str("event", "server_started").
		Str("addr", cfg.Server.Addr).
		Str("engine", cfg.Engine.Path).
		Int("max_sessions", cfg.Engine.MaxSessions).
		Msg("Arbre listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Str("component", "serve").Str("event", "shutdown_requested").Msg("Shutting down gracefully")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("component", "serve").Msg("HTTP shutdown incomplete")
	}
	svc.Close()
	if err := stack.pool.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("component", "serve").Msg("Engine shutdown incomplete")
	}

	if runErr != nil {
		return printer.ErrorWithContext("server failed", runErr.Error(),
			map[string]string{"Addr": cfg.Server.Addr},
			[]string{"Choose another address with server.addr or ARBRE_LISTEN_ADDR"})
	}
	return nil
}
