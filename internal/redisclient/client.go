package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	settingsKey     = "site_settings"
	settingsChannel = "site_settings:invalidate"
)

// releaseLockScript deletes the lock only if the caller still owns it
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetSettings returns the shared settings copy. ok is false on a miss.
func (c *Client) GetSettings(ctx context.Context) (*models.SiteSettings, bool, error) {
	raw, err := c.rdb.Get(ctx, settingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get settings: %w", err)
	}

	var st models.SiteSettings
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode settings: %w", err)
	}
	return &st, true, nil
}

// SetSettings stores the shared settings copy with ttl
func (c *Client) SetSettings(ctx context.Context, st *models.SiteSettings, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return c.rdb.Set(ctx, settingsKey, raw, ttl).Err()
}

// InvalidateSettings drops the shared copy and tells every instance to drop its local one
func (c *Client) InvalidateSettings(ctx context.Context) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, settingsKey)
	pipe.Publish(ctx, settingsChannel, time.Now().UnixNano())
	_, err := pipe.Exec(ctx)
	return err
}

// SubscribeSettings calls onInvalidate for every invalidation until ctx is done
func (c *Client) SubscribeSettings(ctx context.Context, onInvalidate func()) error {
	sub := c.rdb.Subscribe(ctx, settingsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", settingsChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			onInvalidate()
		}
	}
}

// AcquireLock acquires a distributed lock and returns the owner token
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a distributed lock held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}
