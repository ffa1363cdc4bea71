package booking

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serialises work per key without a map of mutexes that grows
// forever. Unrelated keys may share a stripe; that only costs throughput.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
