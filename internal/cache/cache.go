package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/gridvane/flowdeck/pkg/models"
)

// Docker progress snapshots are ephemeral: overwritten on every progress
// event, expired by TTL, and invalidated wholesale when a new launch
// replaces the pipeline run.
const (
	DockerProgressTTL = 30 * 24 * time.Hour
	FreshTrackingTTL  = 5 * time.Minute
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error

	SetDockerProgress(ctx context.Context, snap *models.DockerProgress) error
	GetDockerProgress(ctx context.Context, jobID uuid.UUID, phase models.DockerPhase) (*models.DockerProgress, bool, error)
	InvalidateDockerProgress(ctx context.Context, jobID uuid.UUID) error

	// Fresh-tracking markers special-case the very first poll after a
	// job is (re)announced to the watcher.
	MarkFreshTracking(ctx context.Context, jobID uuid.UUID) error
	IsFreshTracking(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearFreshTracking(ctx context.Context, jobID uuid.UUID) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetDockerProgress(ctx context.Context, snap *models.DockerProgress) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode docker progress: %w", err)
	}
	return c.client.Set(ctx, DockerProgressKey(snap.JobID, snap.Phase), payload, DockerProgressTTL).Err()
}

func (c *RedisCache) GetDockerProgress(ctx context.Context, jobID uuid.UUID, phase models.DockerPhase) (*models.DockerProgress, bool, error) {
	raw, err := c.client.Get(ctx, DockerProgressKey(jobID, phase)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap models.DockerProgress
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("decode docker progress: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) InvalidateDockerProgress(ctx context.Context, jobID uuid.UUID) error {
	keys := []string{
		DockerProgressKey(jobID, models.DockerPull),
		DockerProgressKey(jobID, models.DockerBuild),
		DockerProgressKey(jobID, models.DockerPush),
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) MarkFreshTracking(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Set(ctx, FreshTrackingKey(jobID), "1", FreshTrackingTTL).Err()
}

func (c *RedisCache) IsFreshTracking(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := c.client.Get(ctx, FreshTrackingKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) ClearFreshTracking(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, FreshTrackingKey(jobID)).Err()
}
