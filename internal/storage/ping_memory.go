package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
)

const DefaultPingRetention = time.Hour

// MemoryPingStore keeps the latest ping per driver and per ride in memory.
type MemoryPingStore struct {
	mu        sync.RWMutex
	byDriver  map[string]models.LocationPing
	byRide    map[string]models.LocationPing
	index     *geo.Index
	retention time.Duration
	now       func() time.Time
}

func NewMemoryPingStore(retention time.Duration) *MemoryPingStore {
	if retention <= 0 {
		retention = DefaultPingRetention
	}
	return &MemoryPingStore{
		byDriver:  make(map[string]models.LocationPing),
		byRide:    make(map[string]models.LocationPing),
		index:     geo.NewIndex(),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryPingStore) SavePing(ctx context.Context, p models.LocationPing) error {
	s.mu.Lock()
	// Out-of-order delivery must not move a driver backwards in time.
	moved := false
	if prev, ok := s.byDriver[p.DriverID]; !ok || !p.Timestamp.Before(prev.Timestamp) {
		s.byDriver[p.DriverID] = p
		moved = true
	}
	if p.RideID != "" {
		if prev, ok := s.byRide[p.RideID]; !ok || !p.Timestamp.Before(prev.Timestamp) {
			s.byRide[p.RideID] = p
		}
	}
	s.mu.Unlock()
	if !moved {
		return nil
	}
	return s.index.Upsert(ctx, p.DriverID, p.Coord())
}

func (s *MemoryPingStore) LatestByDriver(_ context.Context, driverID string) (*models.LocationPing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh(s.byDriver[driverID]), nil
}

func (s *MemoryPingStore) LatestByRide(_ context.Context, rideID string) (*models.LocationPing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh(s.byRide[rideID]), nil
}

func (s *MemoryPingStore) fresh(p models.LocationPing) *models.LocationPing {
	if p.DriverID == "" || p.Timestamp.Before(s.cutoff()) {
		return nil
	}
	return &p
}

func (s *MemoryPingStore) cutoff() time.Time { return s.now().Add(-s.retention) }

func (s *MemoryPingStore) Recent(_ context.Context, limit int) ([]models.LocationPing, error) {
	s.mu.RLock()
	cutoff := s.cutoff()
	out := make([]models.LocationPing, 0, len(s.byDriver))
	for _, p := range s.byDriver {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryPingStore) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]geo.Hit, error) {
	hits, err := s.index.Nearby(ctx, c, radiusMeters, 0)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	cutoff := s.cutoff()
	out := hits[:0]
	for _, h := range hits {
		if p, ok := s.byDriver[h.DriverID]; ok && !p.Timestamp.Before(cutoff) {
			out = append(out, h)
		}
	}
	s.mu.RUnlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune forgets pings older than the retention window.
func (s *MemoryPingStore) Prune() int {
	s.mu.Lock()
	cutoff := s.cutoff()
	n := 0
	for id, p := range s.byDriver {
		if p.Timestamp.Before(cutoff) {
			delete(s.byDriver, id)
			s.index.Remove(id)
			n++
		}
	}
	for id, p := range s.byRide {
		if p.Timestamp.Before(cutoff) {
			delete(s.byRide, id)
		}
	}
	s.mu.Unlock()
	return n
}

// RunPruner calls Prune every interval until ctx is done.
func (s *MemoryPingStore) RunPruner(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Prune()
		}
	}
}
