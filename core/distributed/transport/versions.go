package transport

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// VersionCache remembers the protocol version each peer announced.
type VersionCache struct {
	cache *lru.Cache[string, int]
}

func NewVersionCache(size int) (*VersionCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, int](size)
	if err != nil {
		return nil, err
	}
	return &VersionCache{cache: c}, nil
}

func (v *VersionCache) Get(node string) (int, bool)  { return v.cache.Get(node) }
func (v *VersionCache) Put(node string, version int) { v.cache.Add(node, version) }

// Forget drops a peer, typically after it failed a request and may have
// restarted with a different build.
func (v *VersionCache) Forget(node string) { v.cache.Remove(node) }
