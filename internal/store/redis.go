package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/owna/order-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for property reads. Writes go to the primary store
// and invalidate the cache. Conditional writes are never served from
// cache — the capture path always re-reads through this layer before a
// compare-and-swap, and a stale snapshot only costs one extra retry.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func propertyKey(id string) string {
	return "property:" + id
}

// GetProperty checks Redis first and falls back to the primary store.
func (s *CachedStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	if data, err := s.rdb.Get(ctx, propertyKey(id)).Bytes(); err == nil {
		var p model.Property
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		// Corrupt cache entry; drop it and re-read.
		s.rdb.Del(ctx, propertyKey(id))
	}

	p, err := s.Store.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheProperty(ctx, p)
	return p, nil
}

func (s *CachedStore) CreateProperty(ctx context.Context, p *model.Property) error {
	if err := s.Store.CreateProperty(ctx, p); err != nil {
		return err
	}
	s.cacheProperty(ctx, p)
	return nil
}

// UpdateBlocksSold writes through to the primary and invalidates the
// cached property; the next read re-populates it.
func (s *CachedStore) UpdateBlocksSold(ctx context.Context, propertyID string, expectedSold, newSold int, step *model.CaptureStepRecord) error {
	if err := s.Store.UpdateBlocksSold(ctx, propertyID, expectedSold, newSold, step); err != nil {
		return err
	}
	s.rdb.Del(ctx, propertyKey(propertyID))
	return nil
}

func (s *CachedStore) cacheProperty(ctx context.Context, p *model.Property) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, propertyKey(p.ID), data, s.ttl)
}
