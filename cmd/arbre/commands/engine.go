package commands

import (
	"github.com/dyluth/arbre/internal/analysis"
	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/config"
	"github.com/dyluth/arbre/internal/engine"
	"github.com/dyluth/arbre/internal/pool"
	"github.com/dyluth/arbre/internal/storage"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
)

// analysisStack is the engine pool, evaluation cache and coordinator built
// from one configuration.
type analysisStack struct {
	pool        *pool.Pool
	cache       *cache.Cache
	coordinator *analysis.Coordinator
}

// newAnalysisStack wires engine sessions into a pool and the pool into a
// coordinator. store may be nil; evaluations are then only held in memory.
// A Redis store also receives evaluation events.
func newAnalysisStack(cfg *config.Config, store storage.Store, log zerolog.Logger) *analysisStack {
	launcher := engine.ExecLauncher{Path: cfg.Engine.Path, Args: cfg.Engine.Args}

	p := pool.New(
		pool.LauncherFactory(launcher, engine.Options{
			StopGrace:        cfg.Engine.StopGrace,
			HandshakeTimeout: cfg.Engine.HandshakeTimeout,
			Logger:           log,
		}),
		pool.Config{
			MaxSessions:   cfg.Engine.MaxSessions,
			CrashWindow:   cfg.Engine.CrashWindow,
			MaxCrashes:    cfg.Engine.MaxCrashes,
			SpawnInterval: cfg.Engine.SpawnInterval,
			Logger:        log,
		},
	)

	cacheOpts := cache.Options{Logger: log}
	coordOpts := analysis.Options{
		RetryOnCrash: cfg.Engine.RetryOnCrash,
		StopTimeout:  cfg.Engine.StopGrace + analysis.DefaultStopTimeout,
		Logger:       log,
	}
	if store != nil {
		cacheOpts.Store = store
	}
	if client, ok := store.(*study.Client); ok {
		coordOpts.Publisher = client
	}

	c := cache.New(cacheOpts)
	return &analysisStack{
		pool:        p,
		cache:       c,
		coordinator: analysis.NewCoordinator(p, c, coordOpts),
	}
}
