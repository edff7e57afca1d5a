package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the answer to "what status is this transaction in" hot
// for the polling endpoint. Entries are dropped on every applied
// transition, so a hit is never staler than the last state change.
type StatusCache struct {
	client *redis.Client
}

func Connect(addr string) *StatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("Failed to connect Redis: %v", err)
	}

	log.Println("Redis connected (payment-service)")
	return &StatusCache{client: client}
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func key(id string) string {
	return fmt.Sprintf("payment:status:%s", id)
}

func (c *StatusCache) GetStatus(ctx context.Context, id string) (string, bool) {
	val, err := c.client.Get(ctx, key(id)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *StatusCache) SetStatus(ctx context.Context, id, status string) {
	c.client.Set(ctx, key(id), status, time.Hour)
}

func (c *StatusCache) DelStatus(ctx context.Context, id string) {
	c.client.Del(ctx, key(id))
}
