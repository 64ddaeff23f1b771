package dedupe

import (
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache remembers recently completed upload events so a redelivered
// message can be acknowledged without running the pipeline again.
type Cache struct {
	items *ttlcache.Cache[string, struct{}]
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	items := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
		ttlcache.WithCapacity[string, struct{}](uint64(capacity)),
	)
	go items.Start()
	return &Cache{items: items}
}

// Key identifies one upload of one file for a dataset. A re-upload
// produces a new file URL and therefore a new key.
func Key(dataID int64, fileURL string) string {
	return strconv.FormatInt(dataID, 10) + "|" + fileURL
}

// IsSeen returns true when the key has already been observed inside the ttl window.
// It does not mark the key as seen; use MarkSeen() to record a key.
func (c *Cache) IsSeen(key string) bool {
	return c.items.Get(key) != nil
}

// MarkSeen records that a key has been processed.
func (c *Cache) MarkSeen(key string) {
	c.items.Set(key, struct{}{}, ttlcache.DefaultTTL)
}

// Close stops the expiry goroutine.
func (c *Cache) Close() {
	c.items.Stop()
}
