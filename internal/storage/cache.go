package storage

import (
	"sync"

	"guidance-engine/internal/model"
)

// ContentCache holds the published definitions in server order.
type ContentCache struct {
	mu       sync.RWMutex
	loaded   bool
	contents []model.Definition
	index    map[string]int
}

func NewContentCache() *ContentCache {
	return &ContentCache{index: map[string]int{}}
}

// All returns a copy of the cached definitions.
func (c *ContentCache) All() []model.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Definition(nil), c.contents...)
}

// Latest returns the published definition for contentID.
func (c *ContentCache) Latest(contentID string) (model.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[contentID]
	if !ok {
		return model.Definition{}, false
	}
	return c.contents[i], true
}

// Replace swaps the whole set. A content id seen twice keeps its first
// position and its last definition.
func (c *ContentCache) Replace(defs []model.Definition) {
	contents := make([]model.Definition, 0, len(defs))
	index := make(map[string]int, len(defs))
	for _, d := range defs {
		if i, ok := index[d.ContentID]; ok {
			contents[i] = d
			continue
		}
		index[d.ContentID] = len(contents)
		contents = append(contents, d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents = contents
	c.index = index
	c.loaded = true
}

// Loaded reports whether Replace has been called at least once.
func (c *ContentCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contents)
}
