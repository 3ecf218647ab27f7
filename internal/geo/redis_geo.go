package geo

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo mirrors matchable driver positions into a Redis GEO set so other
// services (map overlays, ops dashboards) can query supply without asking
// the dispatcher. The in-process registry stays authoritative.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

// Put adds or moves a driver in the set.
func (r *RedisGeo) Put(ctx context.Context, driverID string, c models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{"lat": c.Lat, "lon": c.Lon}).Err()
}

// Drop removes a driver that is no longer matchable.
func (r *RedisGeo) Drop(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func metaKey(id string) string { return "driver:meta:" + id }
