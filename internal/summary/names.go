package summary

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stellarlinkco/chatsum/internal/log"
)

// DefaultNameCacheSize bounds the identity cache. Once full, the whole map is
// dropped and refilled on demand.
const DefaultNameCacheSize = 4096

// Directory looks up a display name for a user or chat id.
type Directory interface {
	LookupName(ctx context.Context, id string) (string, error)
}

// NameCache memoizes display names so the transport's identity lookups are
// not hit on every message.
type NameCache struct {
	dir     Directory
	maxSize int

	mu    sync.RWMutex
	names map[string]string
	group singleflight.Group
}

func NewNameCache(dir Directory, maxSize int) *NameCache {
	if maxSize <= 0 {
		maxSize = DefaultNameCacheSize
	}
	return &NameCache{
		dir:     dir,
		maxSize: maxSize,
		names:   make(map[string]string),
	}
}

// Resolve returns the display name of id. A non-empty hint, usually the name
// carried by the message itself, wins and refreshes the cache. Without a hint
// the cache is consulted, then the Directory. Falls back to id.
func (c *NameCache) Resolve(ctx context.Context, id, hint string) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		c.put(id, hint)
		return hint
	}
	if id == "" {
		return ""
	}

	c.mu.RLock()
	name, ok := c.names[id]
	c.mu.RUnlock()
	if ok {
		return name
	}
	if c.dir == nil {
		return id
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.dir.LookupName(ctx, id)
	})
	if err != nil {
		log.Warnf("[summary] lookup name of %s: %v", id, err)
		return id
	}
	name = strings.TrimSpace(v.(string))
	if name == "" {
		return id
	}
	c.put(id, name)
	return name
}

func (c *NameCache) put(id, name string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.names[id]; ok && cur == name {
		return
	}
	if len(c.names) >= c.maxSize {
		log.Debugf("[summary] name cache reached %d entries, resetting", len(c.names))
		c.names = make(map[string]string, c.maxSize)
	}
	c.names[id] = name
}

func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
