package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/oku-ride/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(client redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, c models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lng, Latitude: c.Lat, Name: driverID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverIDs ...string) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]any, len(driverIDs))
	for i, id := range driverIDs {
		members[i] = id
	}
	return r.client.ZRem(ctx, r.key, members...).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	if radiusMeters <= 0 {
		// GEORADIUS needs a bound; half the earth's circumference covers everything.
		radiusMeters = 20_037_500
	}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lng, c.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			DriverID:       g.Name,
			Coord:          models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}
