package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/oku-ride/internal/models"
)

// Hit is a driver position returned by a proximity query.
type Hit struct {
	DriverID       string       `json:"driver_id"`
	Coord          models.Coord `json:"coord"`
	DistanceMeters float64      `json:"distance_m"`
}

// Locator indexes the last known position of each driver.
type Locator interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error)
}

var (
	_ Locator = (*Index)(nil)
	_ Locator = (*RedisGeo)(nil)
)

type entry struct {
	coord models.Coord
	seen  time.Time
}

// Index is an in-process Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, driverID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{coord: c, seen: g.now()}
	return nil
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

// Prune drops drivers not seen since cutoff and returns how many were removed.
func (g *Index) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.drivers {
		if e.seen.Before(cutoff) {
			delete(g.drivers, id)
			n++
		}
	}
	return n
}

// Nearby scans every indexed driver; a radius <= 0 means unbounded.
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.drivers))
	for id, e := range g.drivers {
		d := Distance(c, e.coord)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		hits = append(hits, Hit{DriverID: id, Coord: e.coord, DistanceMeters: d})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters == hits[j].DistanceMeters {
			return hits[i].DriverID < hits[j].DriverID
		}
		return hits[i].DistanceMeters < hits[j].DistanceMeters
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Distance is the great-circle distance between two points in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// ValidCoord reports whether c is a real latitude/longitude pair.
func ValidCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}
