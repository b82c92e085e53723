package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/navitrack/fleetcore/internal/logger"
)

// RedisBridge connects the hub to a shared Redis so position and
// alert fan-out reaches subscribers on other processes.
type RedisBridge struct {
	pool      *redis.Pool
	log       *logger.Logger
	onMessage func(userID int64, msg Message)
}

// NewRedisBridge dials Redis and verifies connectivity.
func NewRedisBridge(redisURL string, log *logger.Logger) (*RedisBridge, error) {
	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, redisURL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisBridge{pool: pool, log: log.WithComponent("hub_redis")}, nil
}

// Publish sends a message to the user's topic.
func (b *RedisBridge) Publish(userID int64, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn := b.pool.Get()
	defer conn.Close()
	_, err = conn.Do("PUBLISH", Topic(userID), data)
	return err
}

// Run subscribes to every user topic and feeds received messages back
// into the local hub until the context is cancelled.
func (b *RedisBridge) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := b.consume(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("pubsub subscription lost, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (b *RedisBridge) consume(ctx context.Context) error {
	conn := b.pool.Get()
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.PSubscribe("fleetcore:user:*"); err != nil {
		return err
	}
	defer psc.PUnsubscribe()

	for {
		if ctx.Err() != nil {
			return nil
		}
		switch v := psc.ReceiveWithTimeout(30 * time.Second).(type) {
		case redis.PMessage:
			userID, ok := userFromTopic(v.Channel)
			if !ok {
				continue
			}
			var msg Message
			if err := json.Unmarshal(v.Data, &msg); err != nil {
				b.log.Warn("bad pubsub payload", "topic", v.Channel, "error", err)
				continue
			}
			if b.onMessage != nil {
				b.onMessage(userID, msg)
			}
		case error:
			if isTimeout(v) {
				continue
			}
			return v
		}
	}
}

// Close shuts the connection pool.
func (b *RedisBridge) Close() error {
	return b.pool.Close()
}

func userFromTopic(topic string) (int64, bool) {
	raw, ok := strings.CutPrefix(topic, "fleetcore:user:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
