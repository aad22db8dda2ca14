package feed

import (
	"encoding/json"
	"strconv"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
)

// Backend stores rendered pages by key. Get returns the stored value or calls fn
// and stores its result. Values never expire on their own.
type Backend interface {
	Get(key string, fn func() ([]byte, error)) ([]byte, error)
	Purge() error
}

// Cache memoizes rendered pages of the global feed until InvalidateAll.
// Only pages 1..MaxPages are stored, so the set of keys is bounded and a backend
// holding more than MaxPages keys never drops a page on its own.
type Cache struct {
	resolver *Resolver
	backend  Backend
	maxPages int
	lock     sync.RWMutex
}

// NewCache makes cache for the global feed of resolver, keeping up to maxPages first pages
func NewCache(resolver *Resolver, backend Backend, maxPages int) *Cache {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Cache{resolver: resolver, backend: backend, maxPages: maxPages}
}

// MaxPages returns the number of first pages served from the backend
func (c *Cache) MaxPages() int {
	return c.maxPages
}

// GetOrCompute returns rendered (json) page of the global feed, from the backend if present.
// Numbers below 1 share the key of page 1, pages beyond MaxPages are rendered on each call.
func (c *Cache) GetOrCompute(number int) ([]byte, error) {
	if number < 1 {
		number = 1
	}
	if number > c.maxPages {
		return c.render(number)
	}

	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.backend.Get(pageKey(number), func() ([]byte, error) {
		return c.render(number)
	})
}

func (c *Cache) render(number int) ([]byte, error) {
	page, err := c.resolver.Resolve(Request{Kind: Global, Page: number})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(page)
	if err != nil {
		return nil, errors.Wrapf(err, "can't render global page %d", number)
	}
	log.Printf("[DEBUG] global page %d rendered, %d posts", number, len(page.Items))
	return data, nil
}

// InvalidateAll drops all cached pages. Waits for renders in flight, so nothing
// computed before the call survives it.
func (c *Cache) InvalidateAll() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.backend.Purge(); err != nil {
		return errors.Wrap(err, "can't purge feed cache")
	}
	log.Printf("[DEBUG] feed cache invalidated")
	return nil
}

func pageKey(number int) string {
	return "global:" + strconv.Itoa(number)
}
