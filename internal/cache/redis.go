// Package cache keeps hot per-user unread counters in Redis so the
// get-unviewed-message-count command and unviewed-count-updated pushes do not
// hit Postgres on every message.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings it to ensure the connection
// is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{cli: cli}, nil
}

func (r *Redis) Close() error {
	return r.cli.Close()
}

func unreadKey(userID string) string {
	return "unread:" + userID
}

// IncrUnread bumps the user's unread counter for one conversation and
// returns the new value.
func (r *Redis) IncrUnread(ctx context.Context, userID, conversationID string) (int64, error) {
	n, err := r.cli.HIncrBy(ctx, unreadKey(userID), conversationID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby: %w", err)
	}
	return n, nil
}

// ResetUnread clears the counter after a mark-seen.
func (r *Redis) ResetUnread(ctx context.Context, userID, conversationID string) error {
	if err := r.cli.HDel(ctx, unreadKey(userID), conversationID).Err(); err != nil {
		return fmt.Errorf("hdel: %w", err)
	}
	return nil
}

// UnreadCount returns the counter for one conversation; missing means zero.
func (r *Redis) UnreadCount(ctx context.Context, userID, conversationID string) (int64, error) {
	val, err := r.cli.HGet(ctx, unreadKey(userID), conversationID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hget: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter: %w", err)
	}
	return n, nil
}

// TotalUnread sums the user's counters across all conversations.
func (r *Redis) TotalUnread(ctx context.Context, userID string) (int64, error) {
	vals, err := r.cli.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall: %w", err)
	}
	var total int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
