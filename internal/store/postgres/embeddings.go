package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/omriariav/FaceFindr/internal/embcache"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingCache keeps detected faces in PostgreSQL, one pgvector row per face.
type EmbeddingCache struct {
	pool *Pool
}

// NewEmbeddingCache creates a cache over pool. The pool must be migrated.
func NewEmbeddingCache(pool *Pool) *EmbeddingCache {
	return &EmbeddingCache{pool: pool}
}

// Get returns the cached faces for key or embcache.ErrMiss.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]face.Face, error) {
	var count int
	err := c.pool.db.QueryRowContext(ctx,
		"SELECT face_count FROM embedding_cache WHERE cache_key = $1", key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, embcache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("query embedding cache: %w", err)
	}
	if count == 0 {
		return []face.Face{}, nil
	}

	rows, err := c.pool.db.QueryContext(ctx, `
		SELECT face_index, embedding, bbox, det_score
		FROM embedding_cache_faces
		WHERE cache_key = $1
		ORDER BY face_index
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query cached faces: %w", err)
	}
	defer rows.Close()

	faces := make([]face.Face, 0, count)
	for rows.Next() {
		var (
			f    face.Face
			vec  pgvector.Vector
			bbox pq.Float64Array
		)
		if err := rows.Scan(&f.Index, &vec, &bbox, &f.DetScore); err != nil {
			return nil, fmt.Errorf("scan cached face: %w", err)
		}
		f.Embedding = vec.Slice()
		if len(bbox) > 0 {
			f.BBox = []float64(bbox)
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached faces: %w", err)
	}
	if len(faces) != count {
		return nil, fmt.Errorf("cache entry %s has %d of %d faces", key, len(faces), count)
	}
	return faces, nil
}

// Set replaces the cached faces for key.
func (c *EmbeddingCache) Set(ctx context.Context, key string, faces []face.Face) error {
	tx, err := c.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM embedding_cache WHERE cache_key = $1", key); err != nil {
		return fmt.Errorf("delete old entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO embedding_cache (cache_key, face_count) VALUES ($1, $2)", key, len(faces)); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	for _, f := range faces {
		bbox := pq.Float64Array(f.BBox)
		if bbox == nil {
			bbox = pq.Float64Array{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_cache_faces (cache_key, face_index, embedding, bbox, det_score)
			VALUES ($1, $2, $3, $4, $5)
		`, key, f.Index, pgvector.NewVector(f.Embedding), bbox, f.DetScore)
		if err != nil {
			return fmt.Errorf("insert face %d: %w", f.Index, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of cached images.
func (c *EmbeddingCache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("count embedding cache: %w", err)
	}
	return n, nil
}

// Clear removes every cached image.
func (c *EmbeddingCache) Clear(ctx context.Context) (int, error) {
	res, err := c.pool.db.ExecContext(ctx, "DELETE FROM embedding_cache")
	if err != nil {
		return 0, fmt.Errorf("clear embedding cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
