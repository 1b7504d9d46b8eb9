package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EdgeRoute is the value pushed to the edge-routing KV store for one
// instance's external domain.
type EdgeRoute struct {
	Domain     string `json:"domain"`
	TargetPort int    `json:"target_port"`
	InstanceID string `json:"instance_id"`
}

// EdgeRouter exposes push/remove-route operations against the edge-routing KV
// provider consumed by the CDN layer.
type EdgeRouter interface {
	PushRoute(ctx context.Context, route EdgeRoute) error
	RemoveRoute(ctx context.Context, domain string) error
}

// NoopEdge is substituted when edge routing is not configured.
type NoopEdge struct{}

func (NoopEdge) PushRoute(context.Context, EdgeRoute) error { return nil }
func (NoopEdge) RemoveRoute(context.Context, string) error  { return nil }

const edgeKeyPrefix = "edge:route:"

// RedisEdgeRouter stores routes as JSON values keyed by domain, the shape the
// edge synchronizer consumes.
type RedisEdgeRouter struct {
	rdb *redis.Client
}

func NewRedisEdgeRouter(rdb *redis.Client) *RedisEdgeRouter {
	return &RedisEdgeRouter{rdb: rdb}
}

func (r *RedisEdgeRouter) PushRoute(ctx context.Context, route EdgeRoute) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(route)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, edgeKeyPrefix+route.Domain, data, 0).Err(); err != nil {
		return fmt.Errorf("push edge route failed: %w", err)
	}
	return nil
}

func (r *RedisEdgeRouter) RemoveRoute(ctx context.Context, domain string) error {
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.Del(ctx, edgeKeyPrefix+domain).Err(); err != nil {
		return fmt.Errorf("remove edge route failed: %w", err)
	}
	return nil
}
