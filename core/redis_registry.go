package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRegistry is a Redis-backed ToolRegistry. Tool records live at
// <ns>:tools:<id> as JSON; capability index sets at <ns>:capabilities:<name>
// keep FindByCapability a set lookup instead of a scan.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    Logger
}

// NewRedisRegistry creates a Redis registry client.
func NewRedisRegistry(redisURL, namespace string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		logger:    &NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this registry
func (r *RedisRegistry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetTTL enables expiry for registrations; tools must re-register within
// the TTL or drop out of the registry. Zero disables expiry.
func (r *RedisRegistry) SetTTL(ttl time.Duration) {
	r.ttl = ttl
}

func (r *RedisRegistry) toolKey(id string) string {
	return r.namespace + ":tools:" + id
}

func (r *RedisRegistry) capKey(name string) string {
	return r.namespace + ":capabilities:" + name
}

func (r *RedisRegistry) indexKey() string {
	return r.namespace + ":tools"
}

// Register stores a tool record and its capability index entries in one
// transaction.
func (r *RedisRegistry) Register(ctx context.Context, info *ToolInfo) error {
	if info == nil || info.ID == "" {
		return fmt.Errorf("tool info missing ID: %w", ErrInvalidConfiguration)
	}

	cp := info.Clone()
	if cp.Health == "" {
		cp.Health = HealthUnknown
	}
	cp.LastSeen = time.Now()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling tool %s: %w", info.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.toolKey(cp.ID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), cp.ID)
	for _, c := range cp.Capabilities {
		pipe.SAdd(ctx, r.capKey(c.Name), cp.ID)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.capKey(c.Name), r.ttl)
		}
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, r.indexKey(), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering tool %s: %w", cp.ID, ErrRequestFailed)
	}

	r.logger.Info("Tool registered", map[string]interface{}{
		"tool_id":            cp.ID,
		"tool_name":          cp.Name,
		"capabilities_count": len(cp.Capabilities),
		"endpoint":           cp.Endpoint,
		"ttl":                r.ttl.String(),
	})
	return nil
}

// Unregister removes the tool record and its index entries.
func (r *RedisRegistry) Unregister(ctx context.Context, toolID string) error {
	info, err := r.Get(ctx, toolID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.toolKey(toolID))
	pipe.SRem(ctx, r.indexKey(), toolID)
	for _, c := range info.Capabilities {
		pipe.SRem(ctx, r.capKey(c.Name), toolID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregistering tool %s: %w", toolID, ErrRequestFailed)
	}

	r.logger.Info("Tool unregistered", map[string]interface{}{"tool_id": toolID})
	return nil
}

// Get returns a tool record by ID
func (r *RedisRegistry) Get(ctx context.Context, toolID string) (*ToolInfo, error) {
	data, err := r.client.Get(ctx, r.toolKey(toolID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get %s: %w", toolID, ErrToolNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", toolID, ErrRequestFailed)
	}

	var info ToolInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshaling tool %s: %w", toolID, err)
	}
	return &info, nil
}

// List returns all registered tools
func (r *RedisRegistry) List(ctx context.Context) ([]*ToolInfo, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", ErrRequestFailed)
	}
	return r.fetch(ctx, ids)
}

// FindByCapability returns all tools advertising the named capability
func (r *RedisRegistry) FindByCapability(ctx context.Context, capability string) ([]*ToolInfo, error) {
	ids, err := r.client.SMembers(ctx, r.capKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("finding by capability %s: %w", capability, ErrRequestFailed)
	}
	return r.fetch(ctx, ids)
}

func (r *RedisRegistry) fetch(ctx context.Context, ids []string) ([]*ToolInfo, error) {
	tools := make([]*ToolInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if err != nil {
			// Index entries can outlive expired records; skip them
			continue
		}
		tools = append(tools, info)
	}
	return tools, nil
}

// UpdateHealth rewrites the record with the new health status
func (r *RedisRegistry) UpdateHealth(ctx context.Context, toolID string, status HealthStatus) error {
	info, err := r.Get(ctx, toolID)
	if err != nil {
		return err
	}
	prev := info.Health
	info.Health = status
	info.LastSeen = time.Now()

	if err := r.save(ctx, info); err != nil {
		return err
	}
	if prev != status {
		r.logger.Info("Tool health changed", map[string]interface{}{
			"tool_id": toolID,
			"from":    string(prev),
			"to":      string(status),
		})
	}
	return nil
}

// UpdatePerformance rewrites the record with the new performance snapshot
func (r *RedisRegistry) UpdatePerformance(ctx context.Context, toolID string, perf PerformanceSnapshot) error {
	info, err := r.Get(ctx, toolID)
	if err != nil {
		return err
	}
	info.Performance = perf
	return r.save(ctx, info)
}

func (r *RedisRegistry) save(ctx context.Context, info *ToolInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling tool %s: %w", info.ID, err)
	}
	if err := r.client.Set(ctx, r.toolKey(info.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving tool %s: %w", info.ID, ErrRequestFailed)
	}
	return nil
}

// Close releases the underlying Redis connection pool
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
