package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"depanne-service/pkg/geo"
)

const technicianLocationsKey = "technician:locations"

// releaseScript deletes a lease only if the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends a lease only if the caller still owns it.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis with retry.
func NewClient(addr string) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err == nil {
			cancel()
			log.Println("Connected to Redis")
			return &Client{rdb: rdb}, nil
		}
		cancel()
		log.Printf("Waiting for Redis... (%d/20)", i+1)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// SetTechnicianLocation stores a technician's position in the GEO set.
func (c *Client) SetTechnicianLocation(ctx context.Context, technicianID string, p geo.Point) error {
	return c.rdb.GeoAdd(ctx, technicianLocationsKey, &goredis.GeoLocation{
		Name:      technicianID,
		Longitude: p.Lon,
		Latitude:  p.Lat,
	}).Err()
}

// RemoveTechnicianLocation drops a technician from the GEO set (e.g. when
// they go unavailable).
func (c *Client) RemoveTechnicianLocation(ctx context.Context, technicianID string) error {
	return c.rdb.ZRem(ctx, technicianLocationsKey, technicianID).Err()
}

// TechniciansWithin returns technician ids within radiusKm of p, nearest
// first. count <= 0 means unbounded.
func (c *Client) TechniciansWithin(ctx context.Context, p geo.Point, radiusKm float64, count int) ([]string, error) {
	res, err := c.rdb.GeoSearch(ctx, technicianLocationsKey, &goredis.GeoSearchQuery{
		Longitude:  p.Lon,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Count:      count,
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AcquireLease sets key to token if absent, expiring after ttl.
func (c *Client) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

// ReleaseLease removes key if it is still held by token.
func (c *Client) ReleaseLease(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Err()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

// RenewLease resets key's expiry to ttl if it is still held by token.
func (c *Client) RenewLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	return n == 1, err
}

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
