package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/omriariav/FaceFindr/internal/config"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/embcache"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/metrics"
	"github.com/omriariav/FaceFindr/internal/output"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/omriariav/FaceFindr/internal/store/mysql"
	"github.com/omriariav/FaceFindr/internal/store/postgres"
	"github.com/omriariav/FaceFindr/internal/store/sqlite"
	"go.uber.org/zap"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

// buildEncoder assembles the encoder chain from the configuration:
// backend, image preparation, optional timing, optional embedding cache.
func buildEncoder(ctx context.Context, cfg *config.Config, logger *zap.Logger, instrument bool) (face.Encoder, func() error, error) {
	var (
		base      face.Encoder
		namespace string
		cl        closers
	)

	switch cfg.Encoder.Backend {
	case "worker":
		pool, err := face.StartWorkerPool(cfg.Encoder.Workers, cfg.Encoder.WorkerCommand, cfg.Encoder.WorkerArgs...)
		if err != nil {
			return nil, nil, fmt.Errorf("starting encoder workers: %w", err)
		}
		cl.add(pool.Close)
		base = pool
		namespace = "worker:" + filepath.Base(cfg.Encoder.WorkerCommand)
		logger.Debug("Started encoder workers", zap.Int("workers", cfg.Encoder.Workers), zap.String("command", cfg.Encoder.WorkerCommand))
	default:
		base = face.NewHTTPEncoder(cfg.Encoder.URL, face.WithRateLimit(cfg.Encoder.RateLimit))
		namespace = "http:" + cfg.Encoder.URL
	}

	var enc face.Encoder = face.NewCheckedEncoder(base, cfg.Encoder.MaxImageSize)
	if instrument {
		enc = metrics.InstrumentEncoder(enc)
	}

	cache, _, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}
	if cache != nil {
		cl.add(closeCache)
		enc = embcache.New(enc, cache, namespace, metrics.EmbeddingCacheTotal, logger)
		logger.Debug("Embedding cache enabled", zap.String("backend", cfg.Cache.Backend))
	}

	return enc, cl.Close, nil
}

// openCache opens the configured embedding cache. It returns a nil store for the "none" backend.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (embcache.Store, embcache.Maintainer, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Cache.Backend {
	case "file":
		fs, err := embcache.NewFileStore(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening file cache: %w", err)
		}
		b := embcache.Blob(fs)
		return b, b, noop, nil
	case "redis":
		rs, err := embcache.NewRedisStore(cfg.Cache.RedisURL, "", cfg.Cache.TTL)
		if err != nil {
			return nil, nil, nil, err
		}
		b := embcache.Blob(rs)
		return b, b, func() error { rs.Close(); return nil }, nil
	case "postgres":
		pool, err := postgres.Open(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		c := postgres.NewEmbeddingCache(pool)
		return c, c, pool.Close, nil
	default:
		return nil, nil, noop, nil
	}
}

// openSharedStore opens a result store that outlives single runs.
// It returns nil when results go to a per-run sqlite file or are not persisted.
func openSharedStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return nil, nil
		}
		s, err := sqlite.Open(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pool, err := postgres.Open(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return pool.RunStore(), nil
	case "mysql":
		s, err := mysql.Open(ctx, cfg.Store.MySQLDSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// storeOpener returns the per-run store opener. shared, when set, is reused by every run.
func storeOpener(cfg *config.Config, shared store.Store, logger *zap.Logger) pipeline.StoreOpener {
	if shared != nil {
		return func(ctx context.Context, layout *output.Layout) (store.Store, error) {
			return pipeline.NopCloser(shared), nil
		}
	}
	if cfg.Store.Backend != "sqlite" {
		return nil
	}
	return func(ctx context.Context, layout *output.Layout) (store.Store, error) {
		s, err := sqlite.Open(ctx, layout.ResultsDBPath(), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// resolveResultsDB accepts a results database path or a run output directory.
func resolveResultsDB(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, constants.ResultsDBName)
	}
	return path
}
