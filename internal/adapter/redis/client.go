// Package redis adapts go-redis to the cluster coordinator's pub/sub client.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatstream/internal/usecase/cluster"
)

// Client wraps a go-redis client to implement cluster.RedisClient.
type Client struct {
	client *goredis.Client
}

var _ cluster.RedisClient = (*Client)(nil)

// ParseOptions parses a redis:// or rediss:// URL.
func ParseOptions(url string) (*goredis.Options, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse cluster redis URL: %w", err)
	}
	return opts, nil
}

// Dial connects to url and verifies the server answers within timeout.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cluster redis ping: %w", err)
	}
	return &Client{client: rdb}, nil
}

func (r *Client) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription to be confirmed so no notice
// published after it returns is missed.
func (r *Client) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *Client) Close() error {
	return r.client.Close()
}
