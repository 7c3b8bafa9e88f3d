/**
 * Fingerprint dedup cache
 *
 * Two-tier lookup keyed by page-image checksum: Redis as a best-effort
 * fast tier, the ocr_outputs table as the durable fallback. Redis
 * failures degrade to database-only behavior and never fail a lookup.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const fingerprintKeyPrefix = "ocr:fp:"

// OutputLookup is the durable tier the cache falls back to.
type OutputLookup interface {
	GetOutputByChecksum(ctx context.Context, checksum string) (*OutputRecord, error)
}

// FingerprintCache resolves a content checksum to a previously computed
// OCR result.
type FingerprintCache struct {
	redis *redis.Client // nil disables the fast tier
	db    OutputLookup
	ttl   time.Duration
}

// NewFingerprintCache builds a cache over the given tiers. rdb may be
// nil, in which case every lookup goes straight to the database.
func NewFingerprintCache(rdb *redis.Client, db OutputLookup, ttl time.Duration) (*FingerprintCache, error) {
	if db == nil {
		return nil, fmt.Errorf("fingerprint cache requires a durable lookup tier")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FingerprintCache{redis: rdb, db: db, ttl: ttl}, nil
}

// Lookup returns the cached result for checksum, or nil on a miss.
func (c *FingerprintCache) Lookup(ctx context.Context, checksum string) (*OutputRecord, error) {
	if checksum == "" {
		return nil, fmt.Errorf("checksum is required")
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, fingerprintKeyPrefix+checksum).Bytes()
		if err == nil {
			var rec OutputRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				return &rec, nil
			}
			log.Printf("WARN: discarding corrupt cache entry for %s", checksum)
			c.redis.Del(ctx, fingerprintKeyPrefix+checksum)
		} else if err != redis.Nil {
			log.Printf("WARN: redis fingerprint lookup failed, falling back to database: %v", err)
		}
	}

	rec, err := c.db.GetOutputByChecksum(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if rec != nil && c.redis != nil {
		c.store(ctx, rec)
	}
	return rec, nil
}

// Store records a freshly computed result in the fast tier. The durable
// row is written separately by the pipeline; failures here are logged
// and swallowed.
func (c *FingerprintCache) Store(ctx context.Context, rec *OutputRecord) {
	if c.redis == nil || rec == nil || rec.Checksum == "" {
		return
	}
	c.store(ctx, rec)
}

func (c *FingerprintCache) store(ctx context.Context, rec *OutputRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Printf("WARN: failed to marshal cache entry for %s: %v", rec.Checksum, err)
		return
	}
	if err := c.redis.Set(ctx, fingerprintKeyPrefix+rec.Checksum, raw, c.ttl).Err(); err != nil {
		log.Printf("WARN: failed to write cache entry for %s: %v", rec.Checksum, err)
	}
}
