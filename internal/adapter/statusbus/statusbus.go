// Package statusbus publishes run events to the message bus for downstream consumers.
package statusbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xiaot623/agentrun/internal/domain"
)

const defaultPrefix = "agentrun"

// Publisher delivers run events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error { return nil }
func (Noop) Close() error { return nil }

// RedisPublisher publishes events on the pub/sub channel <prefix>:runs:<run_id>.
type RedisPublisher struct {
	client   *goredis.Client
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*RedisPublisher)

func WithPassword(password string) Option {
	return func(p *RedisPublisher) {
		p.password = password
	}
}

func WithDB(db int) Option {
	return func(p *RedisPublisher) {
		p.db = db
	}
}

func WithPrefix(prefix string) Option {
	return func(p *RedisPublisher) {
		if strings.TrimSpace(prefix) != "" {
			p.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(p *RedisPublisher) {
		if client != nil {
			p.client = client
		}
	}
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr string, opts ...Option) (*RedisPublisher, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	p := &RedisPublisher{prefix: defaultPrefix, addr: addr}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = goredis.NewClient(&goredis.Options{
			Addr:     p.addr,
			Password: p.password,
			DB:       p.db,
		})
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return p, nil
}

// Channel returns the pub/sub channel of a run.
func (p *RedisPublisher) Channel(runID string) string {
	return p.prefix + ":runs:" + runID
}

// Publish sends event on the run's channel.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.RunID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to a run's channel.
func (p *RedisPublisher) Subscribe(ctx context.Context, runID string) *goredis.PubSub {
	return p.client.Subscribe(ctx, p.Channel(runID))
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
