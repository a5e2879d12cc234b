package swcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// RAMOptions sizes the in-memory tier. Entries == 0 disables it.
type RAMOptions struct {
	Entries  int
	MaxEntry int64 // bodies larger than this stay on disk only; 0 means no limit
}

type ramTier struct {
	maxEntry int64
	lru      *lru.Cache[string, *Response]
}

func newRAMTier(o RAMOptions) (*ramTier, error) {
	if o.Entries <= 0 {
		return &ramTier{}, nil
	}
	c, err := lru.New[string, *Response](o.Entries)
	if err != nil {
		return nil, err
	}
	return &ramTier{maxEntry: o.MaxEntry, lru: c}, nil
}

func (t *ramTier) Get(key string) (*Response, bool) {
	if t.lru == nil {
		return nil, false
	}
	return t.lru.Get(key)
}

func (t *ramTier) Add(key string, ent *Response) {
	if t.lru == nil {
		return
	}
	if t.maxEntry > 0 && int64(len(ent.Body)) > t.maxEntry {
		// too big for RAM
		return
	}
	t.lru.Add(key, ent)
}
