// Package projectstore implements a short-TTL Redis cache of project state
// for the API layer. Authoritative state lives in the storage package's
// repository; this cache is advisory only and every miss falls back to
// the database.
package projectstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oho/subflow/internal/models"
)

const keyPrefix = "subflow:project:"

// Store is a Redis-backed cache in front of the project repository.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	db    repository
}

// repository is the subset of *storage.Database the project cache needs,
// kept narrow so tests can fake it without spinning up sqlite.
type repository interface {
	GetProject(id string) (*models.Project, error)
}

func New(redisClient *redis.Client, ttl time.Duration, db repository) *Store {
	return &Store{redis: redisClient, ttl: ttl, db: db}
}

func cacheKey(projectID string) string {
	return keyPrefix + projectID
}

// Get returns the cached project if present and fresh, otherwise loads it
// from the database and repopulates the cache. Returns nil, nil if the
// project does not exist.
func (s *Store) Get(ctx context.Context, projectID string) (*models.Project, error) {
	if s.redis != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		raw, err := s.redis.Get(cctx, cacheKey(projectID)).Result()
		cancel()
		if err == nil {
			var p models.Project
			if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
				return &p, nil
			}
		}
	}

	p, err := s.db.GetProject(projectID)
	if err != nil || p == nil {
		return p, err
	}
	s.Save(ctx, p)
	return p, nil
}

// Save writes project state into the cache with the configured TTL,
// touching UpdatedAt first. A cache write failure is returned to the caller;
// the database remains authoritative.
func (s *Store) Save(ctx context.Context, p *models.Project) error {
	if s.redis == nil {
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.redis.Set(cctx, cacheKey(p.ID), data, s.ttl).Err()
}

// Delete evicts a project from the cache (called alongside the
// authoritative delete, never on its own).
func (s *Store) Delete(ctx context.Context, projectID string) error {
	if s.redis == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.redis.Del(cctx, cacheKey(projectID)).Err()
}
