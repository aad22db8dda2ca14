// Package proc provides configuration and the background loop
// keeping the first pages of the global feed rendered
package proc

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// PageCache is interface to the global feed cache
type PageCache interface {
	GetOrCompute(number int) ([]byte, error)
}

// Warmer requests first pages of the global feed, so readers after invalidation hit rendered pages
type Warmer struct {
	Conf  *Conf
	Cache PageCache

	rounds int32
}

// Conf for engine config yml
type Conf struct {
	Groups map[string]Group `yaml:"groups"` // seeded on start if missing, key is slug
	Admins []string         `yaml:"admins"`
	Cache  struct {
		Type    string `yaml:"type"` // mem or redis
		MaxPages int    `yaml:"max_pages"` // first pages of the global feed kept in cache
		Redis    string `yaml:"redis"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"cache"`
	System struct {
		WarmInterval time.Duration `yaml:"warm_interval"`
		WarmPages    int           `yaml:"warm_pages"`
		Concurrent   int           `yaml:"concurrent"`
	} `yaml:"system"`
}

// Group defines config section for a group
type Group struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// Do activates warming loop, each round renders up to WarmPages pages, concurrency limited by Concurrent.
// Returns on context cancellation.
func (w *Warmer) Do(ctx context.Context) {
	log.Printf("[INFO] activate warmer")
	w.Conf.SetDefaults()

	for {
		w.warm()
		log.Printf("[DEBUG] warm completed. Next iteration after: '%v'", w.Conf.System.WarmInterval)

		select {
		case <-ctx.Done():
			log.Printf("[INFO] warmer terminated, %v", ctx.Err())
			return
		case <-time.After(w.Conf.System.WarmInterval):
		}
	}
}

// Rounds returns number of completed warm rounds
func (w *Warmer) Rounds() int {
	return int(atomic.LoadInt32(&w.rounds))
}

func (w *Warmer) warm() {
	swg := syncs.NewSizedGroup(w.Conf.System.Concurrent, syncs.Preemptive)
	for n := 1; n <= w.Conf.System.WarmPages; n++ {
		n := n
		swg.Go(func(context.Context) {
			if _, err := w.Cache.GetOrCompute(n); err != nil {
				log.Printf("[WARN] failed to warm global page %d, %v", n, err)
			}
		})
	}
	swg.Wait()
	atomic.AddInt32(&w.rounds, 1)
}

// SetDefaults fills missing values
func (c *Conf) SetDefaults() {
	if c.Cache.Type == "" {
		c.Cache.Type = "mem"
	}
	if c.Cache.MaxPages == 0 {
		c.Cache.MaxPages = 100
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "feed-engine:"
	}
	if c.System.Concurrent == 0 {
		c.System.Concurrent = 4
	}
	if c.System.WarmPages == 0 {
		c.System.WarmPages = 3
	}
	if c.System.WarmPages > c.Cache.MaxPages {
		c.System.WarmPages = c.Cache.MaxPages // pages past cached range are not worth warming
	}
	if c.System.WarmInterval == 0 {
		c.System.WarmInterval = time.Minute
	}
}

// IsAdmin checks if username listed in admins
func (c *Conf) IsAdmin(username string) bool {
	if username == "" {
		return false
	}
	for _, a := range c.Admins {
		if a == username {
			return true
		}
	}
	return false
}
