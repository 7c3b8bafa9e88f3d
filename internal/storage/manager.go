/**
 * Storage manager
 *
 * Wires the three storage tiers together: PostgreSQL for document and
 * output records, an S3-compatible object store for blobs, and the
 * Redis-backed fingerprint cache. Constructed once at startup and
 * shared by the pipeline and the submission service.
 */

package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ManagerConfig carries everything needed to connect the tiers.
type ManagerConfig struct {
	DatabaseURL string

	RedisURL string // empty disables the cache fast tier

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	DefaultBucket  string

	CacheTTL time.Duration
}

// Manager bundles the storage tiers.
type Manager struct {
	DB      *PostgresClient
	Objects ObjectStore
	Cache   *FingerprintCache

	redisClient *redis.Client
}

// NewManager connects every tier, cleaning up on partial failure.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	db, err := NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	objects, err := NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.DefaultBucket)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		rdb = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("WARN: Redis unreachable, fingerprint cache will use database only: %v", err)
			rdb.Close()
			rdb = nil
		}
		cancel()
	}

	cache, err := NewFingerprintCache(rdb, db, cfg.CacheTTL)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		db.Close()
		return nil, fmt.Errorf("failed to initialize fingerprint cache: %w", err)
	}

	return &Manager{
		DB:          db,
		Objects:     objects,
		Cache:       cache,
		redisClient: rdb,
	}, nil
}

// EnsureSchema creates the database tables if missing.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	return m.DB.EnsureSchema(ctx)
}

// Ping verifies the durable tiers are reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.DB.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close releases every connection.
func (m *Manager) Close() error {
	var dbErr, redisErr error

	if m.DB != nil {
		dbErr = m.DB.Close()
	}
	if m.redisClient != nil {
		redisErr = m.redisClient.Close()
	}

	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	if redisErr != nil {
		return fmt.Errorf("failed to close Redis: %w", redisErr)
	}
	return nil
}
