package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DedupCache remembers the most recently seen message ids.
// It is not safe for concurrent use; the bus loop is its only owner.
//
// An id that falls out of the cache is forgotten, so a duplicate arriving
// after more than capacity distinct newer ids is treated as novel again.
type DedupCache struct {
	ids       *simplelru.LRU[string, struct{}]
	evictions atomic.Uint64
}

// NewDedupCache creates a cache holding up to capacity ids
func NewDedupCache(capacity int) (*DedupCache, error) {
	d := &DedupCache{}
	ids, err := simplelru.NewLRU[string, struct{}](capacity, func(string, struct{}) {
		d.evictions.Add(1)
		dedupEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	d.ids = ids
	return d, nil
}

// Observe records id and reports whether it was novel.
// A hit refreshes the id's recency.
func (d *DedupCache) Observe(id string) bool {
	if _, ok := d.ids.Get(id); ok {
		return false
	}
	d.ids.Add(id, struct{}{})
	return true
}

// Contains reports whether id is remembered without touching its recency
func (d *DedupCache) Contains(id string) bool {
	return d.ids.Contains(id)
}

// Len returns the number of remembered ids
func (d *DedupCache) Len() int {
	return d.ids.Len()
}

// Evictions returns how many ids were forgotten to make room.
// Unlike the other methods it may be called from any goroutine.
func (d *DedupCache) Evictions() uint64 {
	return d.evictions.Load()
}
