package signalling

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultDedupeCacheSize = 1024

// Deduper remembers the ids of recently seen signal messages so redelivered ones can be dropped.
type Deduper struct {
	cache *lru.Cache[string, struct{}]
}

func NewDeduper(size int) (*Deduper, error) {
	if size <= 0 {
		size = DefaultDedupeCacheSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: cache}, nil
}

// IsDuplicate records id and reports whether it was seen before. Messages without an id are never duplicates.
func (d *Deduper) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	found, _ := d.cache.ContainsOrAdd(id, struct{}{})
	return found
}

func (d *Deduper) Len() int {
	return d.cache.Len()
}
