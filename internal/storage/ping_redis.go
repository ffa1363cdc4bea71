package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
)

// RedisPingStore keeps pings in Redis so every API replica and the location
// consumer share one view. Latest pings are JSON strings with a TTL equal to
// the retention window; a sorted set tracks when each driver was last seen.
type RedisPingStore struct {
	client    redis.Cmdable
	geo       *geo.RedisGeo
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewRedisPingStore(client redis.Cmdable, prefix string, retention time.Duration) *RedisPingStore {
	if retention <= 0 {
		retention = DefaultPingRetention
	}
	return &RedisPingStore{
		client:    client,
		geo:       geo.NewRedisGeo(client, prefix+"drivers_geo"),
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisPingStore) driverKey(id string) string { return s.prefix + "ping:driver:" + id }
func (s *RedisPingStore) rideKey(id string) string   { return s.prefix + "ping:ride:" + id }
func (s *RedisPingStore) seenKey() string            { return s.prefix + "ping:seen" }

func (s *RedisPingStore) SavePing(ctx context.Context, p models.LocationPing) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	ttl := s.retention - s.now().Sub(p.Timestamp)
	if ttl <= 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.driverKey(p.DriverID), raw, ttl)
		if p.RideID != "" {
			pipe.Set(ctx, s.rideKey(p.RideID), raw, ttl)
		}
		pipe.ZAdd(ctx, s.seenKey(), redis.Z{Score: float64(p.Timestamp.UnixMilli()), Member: p.DriverID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save ping %s: %w", p.DriverID, err)
	}
	return s.geo.Upsert(ctx, p.DriverID, p.Coord())
}

func (s *RedisPingStore) LatestByDriver(ctx context.Context, driverID string) (*models.LocationPing, error) {
	return s.load(ctx, s.driverKey(driverID))
}

func (s *RedisPingStore) LatestByRide(ctx context.Context, rideID string) (*models.LocationPing, error) {
	return s.load(ctx, s.rideKey(rideID))
}

func (s *RedisPingStore) load(ctx context.Context, key string) (*models.LocationPing, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var p models.LocationPing
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &p, nil
}

func (s *RedisPingStore) Recent(ctx context.Context, limit int) ([]models.LocationPing, error) {
	ids, err := s.recentDrivers(ctx, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.driverKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget pings: %w", err)
	}
	out := make([]models.LocationPing, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p models.LocationPing
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// recentDrivers lists drivers seen inside the window, newest first, and trims
// expired members from the sorted set on the way.
func (s *RedisPingStore) recentDrivers(ctx context.Context, limit int) ([]string, error) {
	cutoff := strconv.FormatInt(s.now().Add(-s.retention).UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.seenKey(), "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("trim seen: %w", err)
	}
	by := &redis.ZRangeBy{Min: cutoff, Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.seenKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("recent drivers: %w", err)
	}
	return ids, nil
}

func (s *RedisPingStore) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]geo.Hit, error) {
	hits, err := s.geo.Nearby(ctx, c, radiusMeters, 0)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return hits, nil
	}
	cutoff := float64(s.now().Add(-s.retention).UnixMilli())
	out := hits[:0]
	var stale []string
	for _, h := range hits {
		score, err := s.client.ZScore(ctx, s.seenKey(), h.DriverID).Result()
		if errors.Is(err, redis.Nil) || (err == nil && score < cutoff) {
			stale = append(stale, h.DriverID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zscore %s: %w", h.DriverID, err)
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		_ = s.geo.Remove(ctx, stale...)
	}
	return out, nil
}
