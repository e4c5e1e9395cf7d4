// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of activity objects kept when the
// configuration does not say otherwise.
const DefaultCacheSize = 4096

// Cache holds activity objects registered by clients (via the
// activity-object event) so later messages can refer to actors and
// targets by id alone. It is shared by every session of a dispatcher
// and is safe for concurrent use. The least recently used object is
// evicted when the cache is full.
type Cache struct {
	objects *lru.Cache[string, Object]
}

// NewCache returns a cache holding at most size objects.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	objects, err := lru.New[string, Object](size)
	if err != nil {
		return nil, fmt.Errorf("creating activity object cache: %w", err)
	}
	return &Cache{objects: objects}, nil
}

// Add registers or replaces an object, keyed by its id.
func (c *Cache) Add(object Object) {
	c.objects.Add(object.ID, object)
}

// Get returns the registered object for id.
func (c *Cache) Get(id string) (Object, bool) {
	return c.objects.Get(id)
}

// Len returns the number of cached objects.
func (c *Cache) Len() int {
	return c.objects.Len()
}

// Expand fills missing type and name fields on the stream's actor and
// target from registered objects. Fields the message already carries
// are never overwritten.
func (c *Cache) Expand(s *Stream) {
	if s == nil {
		return
	}
	c.expandObject(s.Actor)
	c.expandObject(s.Target)
}

func (c *Cache) expandObject(object *Object) {
	if object == nil || object.ID == "" {
		return
	}
	known, ok := c.objects.Get(object.ID)
	if !ok {
		return
	}
	if object.Type == "" {
		object.Type = known.Type
	}
	if object.Name == "" {
		object.Name = known.Name
	}
}
