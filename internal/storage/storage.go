// Package storage opens the configured evaluation and user store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/arbre/internal/config"
	"github.com/dyluth/arbre/internal/storage/badgerstore"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by Open when the backend is "none".
var ErrDisabled = errors.New("persistent store is disabled")

// Store is implemented by both backends.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	PutEvaluation(ctx context.Context, ev *study.Evaluation) error
	GetEvaluation(ctx context.Context, positionKey string) (*study.Evaluation, error)
	ScanEvaluations(ctx context.Context) ([]*study.Evaluation, error)

	CreateUser(ctx context.Context, u *study.User) error
	GetUser(ctx context.Context, username string) (*study.User, error)
	SaveTree(ctx context.Context, username string, tree *study.Tree) error
}

var (
	_ Store = (*study.Client)(nil)
	_ Store = (*badgerstore.Store)(nil)
)

// Open connects to the backend named by cfg and verifies it is reachable.
func Open(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Backend {
	case config.BackendRedis:
		s, err = study.NewClientFromURL(cfg.RedisURL, cfg.Namespace)
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig(cfg.BadgerPath)
		bc.Logger = log
		s, err = badgerstore.Open(bc)
	case config.BackendNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}

	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s store not accessible: %w", cfg.Backend, err)
	}

	log.Info().
		Str("component", "storage").
		Str("event", "store_opened").
		Str("backend", cfg.Backend).
		Msg("Store opened")
	return s, nil
}
