package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/workflows/core"
	"github.com/go-redis/redis/v8"
)

// RedisPublisher publishes fire-and-forget events over Redis Pub/Sub, one
// channel per eventType, namespaced to avoid collision with other Redis
// tenants of the same instance.
type RedisPublisher struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// RedisPublisherOptions configures a RedisPublisher.
type RedisPublisherOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // defaults to "flowforge:events"
	Logger    core.Logger
}

// NewRedisPublisher connects to addr and verifies reachability with a Ping.
func NewRedisPublisher(opts RedisPublisherOptions) (*RedisPublisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "flowforge:events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis publisher: connection failed", map[string]interface{}{"addr": opts.Addr, "error": err.Error()})
		return nil, core.NewWorkflowError("store.NewRedisPublisher", "STORE_FAILED", core.ErrStoreFailed)
	}

	return &RedisPublisher{client: client, namespace: namespace, logger: logger}, nil
}

// Publish envelopes event under eventType and publishes to the
// namespace-prefixed channel for that event type. Per spec §6, failures are
// logged, never propagated to the orchestrator loop's caller — the caller
// still receives the error so step-level onError policy can decide, but no
// panic or fatal path exists here.
func (p *RedisPublisher) Publish(ctx context.Context, eventType string, event map[string]interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("redis publisher: marshal failed", map[string]interface{}{"event_type": eventType, "error": err.Error()})
		return core.NewWorkflowError("store.Publish", "EVENT_PUBLISH_ERROR", core.ErrEventPublishFailed)
	}

	channel := fmt.Sprintf("%s:%s", p.namespace, eventType)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Error("redis publisher: publish failed", map[string]interface{}{"channel": channel, "error": err.Error()})
		return core.NewWorkflowError("store.Publish", "EVENT_PUBLISH_ERROR", core.ErrEventPublishFailed)
	}
	p.logger.Debug("redis publisher: published", map[string]interface{}{"channel": channel})
	return nil
}

// Close releases the underlying connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
