// Package rediscache wraps a backend.ContextBackend and backend.WorkflowBackend
// with a Redis read-through cache, invalidated on every save, grounded on
// the teacher's thin RedisCache client wrapper.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestrax/soe/internal/config"
	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/models"
)

// Cache decorates a Postgres (or any) ContextBackend/WorkflowBackend with a
// Redis layer caching hot get_context / get_workflows_registry reads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	contexts  backend.ContextBackend
	workflows backend.WorkflowBackend
}

// New connects to Redis and wraps the given backends.
func New(cfg config.RedisConfig, contexts backend.ContextBackend, workflows backend.WorkflowBackend) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rediscache: parse url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rediscache: connect: %w", err)
	}

	return &Cache{client: client, ttl: 5 * time.Minute, contexts: contexts, workflows: workflows}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

var (
	_ backend.ContextBackend  = (*Cache)(nil)
	_ backend.WorkflowBackend = (*Cache)(nil)
)

func contextKey(executionID string) string  { return "soe:ctx:" + executionID }
func registryKey(executionID string) string { return "soe:registry:" + executionID }

// GetContext returns the cached snapshot if present, otherwise falls
// through to the wrapped backend and repopulates the cache.
func (c *Cache) GetContext(ctx context.Context, executionID string) (backend.ContextSnapshot, error) {
	raw, err := c.client.Get(ctx, contextKey(executionID)).Bytes()
	if err == nil {
		var snap backend.ContextSnapshot
		if uerr := json.Unmarshal(raw, &snap); uerr == nil {
			return snap, nil
		}
	}

	snap, err := c.contexts.GetContext(ctx, executionID)
	if err != nil {
		return backend.ContextSnapshot{}, err
	}
	c.setContextCache(ctx, executionID, snap)
	return snap, nil
}

// SaveContext writes through to the wrapped backend and invalidates (by
// repopulating) the cached copy.
func (c *Cache) SaveContext(ctx context.Context, executionID string, snapshot backend.ContextSnapshot) error {
	if err := c.contexts.SaveContext(ctx, executionID, snapshot); err != nil {
		return err
	}
	c.setContextCache(ctx, executionID, snapshot)
	return nil
}

func (c *Cache) setContextCache(ctx context.Context, executionID string, snapshot backend.ContextSnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, contextKey(executionID), data, c.ttl).Err()
}

// GetWorkflowsRegistry returns the cached registry if present, otherwise
// falls through and repopulates.
func (c *Cache) GetWorkflowsRegistry(ctx context.Context, executionID string) (*models.Registry, error) {
	raw, err := c.client.Get(ctx, registryKey(executionID)).Bytes()
	if err == nil {
		var wire wireRegistry
		if uerr := json.Unmarshal(raw, &wire); uerr == nil {
			return wire.toRegistry(), nil
		}
	}

	reg, err := c.workflows.GetWorkflowsRegistry(ctx, executionID)
	if err != nil {
		return nil, err
	}
	c.setRegistryCache(ctx, executionID, reg)
	return reg, nil
}

// SaveWorkflowsRegistry writes through and repopulates the cache — called
// synchronously on every injection-tool mutation (spec §9), so the cache is
// never stale for longer than one round trip.
func (c *Cache) SaveWorkflowsRegistry(ctx context.Context, executionID string, registry *models.Registry) error {
	if err := c.workflows.SaveWorkflowsRegistry(ctx, executionID, registry); err != nil {
		return err
	}
	c.setRegistryCache(ctx, executionID, registry)
	return nil
}

func (c *Cache) setRegistryCache(ctx context.Context, executionID string, registry *models.Registry) {
	wire := fromRegistry(registry)
	data, err := json.Marshal(wire)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, registryKey(executionID), data, c.ttl).Err()
}

// SaveCurrentWorkflowName passes through uncached (cheap, rarely hot).
func (c *Cache) SaveCurrentWorkflowName(ctx context.Context, executionID string, name string) error {
	return c.workflows.SaveCurrentWorkflowName(ctx, executionID, name)
}

// GetCurrentWorkflowName passes through uncached.
func (c *Cache) GetCurrentWorkflowName(ctx context.Context, executionID string) (string, error) {
	return c.workflows.GetCurrentWorkflowName(ctx, executionID)
}

type wireRegistry struct {
	Workflows map[string][]*models.Node `json:"workflows"`
}

func fromRegistry(r *models.Registry) wireRegistry {
	wire := wireRegistry{Workflows: make(map[string][]*models.Node, len(r.Workflows))}
	for name, wf := range r.Workflows {
		wire.Workflows[name] = wf.Nodes
	}
	return wire
}

func (w wireRegistry) toRegistry() *models.Registry {
	reg := models.NewRegistry()
	for name, nodes := range w.Workflows {
		reg.Put(models.NewWorkflow(name, nodes))
	}
	return reg
}
