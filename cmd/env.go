package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/embed"
	"github.com/sells-group/catalog-match/internal/normalize"
	"github.com/sells-group/catalog-match/internal/pipeline"
	"github.com/sells-group/catalog-match/internal/resilience"
	"github.com/sells-group/catalog-match/internal/store"
)

// initStore opens and migrates the configured store. Callers should defer
// st.Close().
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite", "":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "catalog-match.db"
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEmbedder builds the configured embedding provider, wrapped in the
// store-backed cache when embedding.cache is set.
func initEmbedder(st store.Store) embed.Embedder {
	e := cfg.Embedding
	var inner embed.Embedder
	switch e.Provider {
	case "hash":
		inner = embed.NewHashEmbedder(e.Dimensions)
	default:
		inner = embed.NewHTTPClient(embed.HTTPOptions{
			URL:               e.URL,
			Model:             e.Model,
			APIKey:            e.APIKey,
			Dimensions:        e.Dimensions,
			Timeout:           time.Duration(e.TimeoutSecs) * time.Second,
			RequestsPerSecond: e.RequestsPerSecond,
		})
	}
	if !e.Cache {
		return inner
	}
	return embed.NewCached(inner, st)
}

// initRunner wires the embedder, normalizer and pipeline runner.
func initRunner(st store.Store) *pipeline.Runner {
	e := cfg.Embedding
	retry := resilience.DefaultRetryConfig()
	retry.Retries = e.MaxRetries
	if e.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(e.InitialBackoffMs) * time.Millisecond
	}
	if e.BackoffMultiplier > 0 {
		retry.Multiplier = e.BackoffMultiplier
	}

	norm := normalize.New(initEmbedder(st), normalize.Options{
		Workers:        cfg.Match.Workers,
		EmbedBatchSize: e.BatchSize,
		Retry:          retry,
	})
	return pipeline.New(st, norm, pipeline.Options{
		BatchSize: cfg.Match.BatchSize,
		Workers:   cfg.Match.Workers,
	})
}

// lockStore takes an exclusive lock beside the sqlite file so two match
// processes never write the same database. The returned func releases it.
func lockStore() (func(), error) {
	dsn := cfg.Store.DatabaseURL
	if dsn == "" {
		dsn = "catalog-match.db"
	}
	lockPath := filepath.Join(filepath.Dir(dsn), "."+filepath.Base(dsn)+".lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "acquire lock %s", lockPath)
	}
	if !ok {
		return nil, eris.Errorf("another match is already running against %s", dsn)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			zap.L().Warn("release lock", zap.String("path", lockPath), zap.Error(err))
		}
	}, nil
}
