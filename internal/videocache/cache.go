// Package videocache deduplicates concurrent video lookups.
//
// Many chat senders typically want the same just-discovered video at the same
// time; the cache collapses those into one storage read and remembers the
// outcome (success or failure) for a short window.
package videocache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tubewatch/internal/storage"
)

// Getter is the single storage read the cache fronts.
type Getter interface {
	VideoWithChannelByID(ctx context.Context, id string) (storage.Video, error)
}

type entry struct {
	video   storage.Video
	err     error
	expires time.Time
}

type Cache struct {
	src Getter
	ttl time.Duration
	now func() time.Time

	sf singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	ops     int
}

// New creates a cache with the given result window. ttl <= 0 defaults to 1s.
func New(src Getter, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]entry{},
	}
}

// Get resolves a video by id. Concurrent calls for the same id share one
// underlying fetch; the shared result is served until the window expires.
// A cached error expires the same way, so a failure never poisons the cache
// beyond the window.
func (c *Cache) Get(ctx context.Context, id string) (storage.Video, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.video, e.err
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(id, func() (any, error) {
		video, err := c.src.VideoWithChannelByID(ctx, id)
		c.store(id, video, err)
		if err != nil {
			return storage.Video{}, err
		}
		return video, nil
	})
	if err != nil {
		return storage.Video{}, err
	}
	return v.(storage.Video), nil
}

func (c *Cache) store(id string, v storage.Video, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry{video: v, err: err, expires: c.now().Add(c.ttl)}
	c.ops++
	if c.ops%512 == 0 {
		c.pruneLocked()
	}
}

func (c *Cache) pruneLocked() {
	now := c.now()
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
}
