// Package redisbus is the publish/subscribe and key/value transport shared
// with the execution fleet.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("not found")

// DefaultSubscribeBuffer is the per-subscription message buffer.
const DefaultSubscribeBuffer = 256

// Handler receives one published payload. Handlers for a subscription are
// called sequentially, in publish order.
type Handler func(payload string)

// MetricsSink records bus failures. Methods must not block.
type MetricsSink interface {
	BusError(op string)
}

type Option func(*Client)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(c *Client) {
		c.metrics = sink
	}
}

// WithSubscribeBuffer sets the size of each subscription's delivery buffer.
func WithSubscribeBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.subscribeBuffer = n
		}
	}
}

// Client wraps a redis client with the operations the relay needs.
type Client struct {
	rdb             *redis.Client
	name            string
	subscribeBuffer int
	metrics         MetricsSink // optional, nil = disabled
}

// New wraps rdb. name identifies the store in log lines.
func New(rdb *redis.Client, name string, opts ...Option) *Client {
	c := &Client{
		rdb:             rdb,
		name:            name,
		subscribeBuffer: DefaultSubscribeBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password, name string, opts ...Option) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%s: ping %s: %w", name, addr, err)
	}
	return New(rdb, name, opts...), nil
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return c.fail("publish", fmt.Errorf("publish %s: %w", channel, err))
	}
	return nil
}

// Subscribe returns once the server has confirmed the subscription, so a
// message published after Subscribe returns is delivered to handler.
// Close the returned subscription to stop delivery.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (io.Closer, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, c.fail("subscribe", fmt.Errorf("subscribe %s: %w", channel, err))
	}

	ch := ps.Channel(redis.WithChannelSize(c.subscribeBuffer))
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return ps, nil
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := c.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return c.fail("hset", fmt.Errorf("hset %s: %w", key, err))
	}
	return nil
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", c.fail("hget", fmt.Errorf("hget %s %s: %w", key, field, err))
	}
	return v, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, c.fail("hgetall", fmt.Errorf("hgetall %s: %w", key, err))
	}
	return v, nil
}

// HLen returns the number of fields in key, zero when it does not exist.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, c.fail("hlen", fmt.Errorf("hlen %s: %w", key, err))
	}
	return n, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return c.fail("hdel", fmt.Errorf("hdel %s: %w", key, err))
	}
	return nil
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]any, len(members))
	for i, m := range members {
		values[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, values...).Err(); err != nil {
		return c.fail("sadd", fmt.Errorf("sadd %s: %w", key, err))
	}
	return nil
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]any, len(members))
	for i, m := range members {
		values[i] = m
	}
	if err := c.rdb.SRem(ctx, key, values...).Err(); err != nil {
		return c.fail("srem", fmt.Errorf("srem %s: %w", key, err))
	}
	return nil
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, c.fail("smembers", fmt.Errorf("smembers %s: %w", key, err))
	}
	return v, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", c.fail("get", fmt.Errorf("get %s: %w", key, err))
	}
	return v, nil
}

// Set stores value under key. A zero ttl keeps the key until deleted.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return c.fail("set", fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return c.fail("del", fmt.Errorf("del: %w", err))
	}
	return nil
}

// Ping reports whether the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) fail(op string, err error) error {
	log.Printf("redisbus: %s: %v", c.name, err)
	if c.metrics != nil {
		c.metrics.BusError(op)
	}
	return err
}
