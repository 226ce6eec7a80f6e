// Package badgerstore keeps users and evaluations in an embedded BadgerDB,
// for deployments without a Redis server.
//
// Records are JSON documents under two key prefixes:
//
//	eval/{position_key}  ->  study.Evaluation
//	user/{username}      ->  study.User (tree included)
//
// A missing record is reported as study.ErrNotFound.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
)

const (
	evalPrefix = "eval/"
	userPrefix = "user/"
)

// Config holds configuration for a store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
	Logger         zerolog.Logger
}

// DefaultConfig returns durable settings for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         zerolog.Nop(),
	}
}

// InMemoryConfig returns settings for a throwaway database.
func InMemoryConfig() Config {
	return Config{InMemory: true, Logger: zerolog.Nop()}
}

// badgerLogger adapts zerolog to badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// Store is a BadgerDB-backed document store. It is safe for concurrent use.
type Store struct {
	db  *badger.DB
	log zerolog.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// Open opens or creates the database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	log := cfg.Logger.With().Str("component", "badgerstore").Logger()
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(ratio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn().Err(err).Msg("Value log GC failed")
					}
					break
				}
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// PutEvaluation stores an evaluation, replacing any previous one.
func (s *Store) PutEvaluation(_ context.Context, ev *study.Evaluation) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid evaluation: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(evalPrefix+ev.PositionKey), data)
	})
}

// GetEvaluation returns the stored evaluation for a position.
func (s *Store) GetEvaluation(_ context.Context, positionKey string) (*study.Evaluation, error) {
	var ev study.Evaluation
	if err := s.get(evalPrefix+positionKey, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ScanEvaluations returns every stored evaluation in key order.
func (s *Store) ScanEvaluations(_ context.Context) ([]*study.Evaluation, error) {
	var out []*study.Evaluation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(evalPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev study.Evaluation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				s.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable evaluation")
				continue
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan evaluations: %w", err)
	}
	return out, nil
}

// CreateUser stores a new user. Returns study.ErrUserExists if the name is taken.
func (s *Store) CreateUser(_ context.Context, u *study.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := []byte(userPrefix + u.Username)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", study.ErrUserExists, u.Username)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
}

// GetUser returns a user document.
func (s *Store) GetUser(_ context.Context, username string) (*study.User, error) {
	var u study.User
	if err := s.get(userPrefix+username, &u); err != nil {
		return nil, err
	}
	if u.Tree == nil {
		return nil, fmt.Errorf("user %s has no tree", username)
	}
	return &u, nil
}

// SaveTree replaces a user's tree.
func (s *Store) SaveTree(_ context.Context, username string, tree *study.Tree) error {
	if err := tree.Validate(); err != nil {
		return fmt.Errorf("invalid tree: %w", err)
	}

	key := []byte(userPrefix + username)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: user %s", study.ErrNotFound, username)
		}
		if err != nil {
			return err
		}

		var u study.User
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
			return fmt.Errorf("failed to decode user %s: %w", username, err)
		}
		u.Tree = tree

		data, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		return txn.Set(key, data)
	})
}

func (s *Store) get(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", study.ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}
