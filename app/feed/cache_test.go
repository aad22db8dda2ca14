package feed

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
)

func prepCache(t *testing.T) (*Cache, *MemBackend, *Resolver) {
	backend, err := NewMemBackend(100)
	require.NoError(t, err)
	r := NewResolver(prepStore(t))
	return NewCache(r, backend, 100), backend, r
}

func TestCache_Staleness(t *testing.T) {
	cache, _, r := prepCache(t)
	db := r.Store

	id, err := db.Append(models.Post{Author: "author", Text: "Тест №0"})
	require.NoError(t, err)

	r1, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	page := paging.Page[models.Post]{}
	require.NoError(t, json.Unmarshal(r1, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)

	require.NoError(t, db.Delete(id))
	r2, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "cached page must not see deletion")

	_, err = db.Append(models.Post{Author: "author", Text: "new one"})
	require.NoError(t, err)
	r2, err = cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "cached page must not see addition")

	require.NoError(t, cache.InvalidateAll())
	r3, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r3)

	fresh, err := r.Resolve(Request{Kind: Global, Page: 1})
	require.NoError(t, err)
	expected, err := json.Marshal(fresh)
	require.NoError(t, err)
	assert.Equal(t, expected, r3, "after invalidation page matches store exactly")
}

func TestCache_PageKeys(t *testing.T) {
	cache, backend, r := prepCache(t)
	for i := 0; i < 12; i++ {
		_, err := r.Store.Append(models.Post{Author: "a", Text: "t"})
		require.NoError(t, err)
	}

	p0, err := cache.GetOrCompute(0)
	require.NoError(t, err)
	p1, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Equal(t, p0, p1, "page 0 served as page 1")

	p2, err := cache.GetOrCompute(2)
	require.NoError(t, err)
	page := paging.Page[models.Post]{}
	require.NoError(t, json.Unmarshal(p2, &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Number)

	stat := backend.Stat()
	assert.Equal(t, int64(2), stat.Misses)
	assert.Equal(t, int64(1), stat.Hits)
}

func TestCache_PagesOutOfRangeKeepSnapshot(t *testing.T) {
	backend, err := NewMemBackend(2)
	require.NoError(t, err)
	r := NewResolver(prepStore(t))
	cache := NewCache(r, backend, 2)
	assert.Equal(t, 2, cache.MaxPages())

	id, err := r.Store.Append(models.Post{Author: "author", Text: "Тест №0"})
	require.NoError(t, err)
	r1, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Contains(t, string(r1), `"total_count":1`)

	require.NoError(t, r.Store.Delete(id))
	for n := 2; n <= 1001; n++ {
		data, e := cache.GetOrCompute(n)
		require.NoError(t, e)
		if n > 2 {
			assert.Contains(t, string(data), `"total_count":0`, "page %d rendered from store", n)
		}
	}

	r2, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "page 1 kept until invalidation")
	assert.Equal(t, 2, backend.Stat().Keys, "only cached range stored")
}

func TestMemBackend_InvalidSize(t *testing.T) {
	_, err := NewMemBackend(0)
	assert.Error(t, err)
}

type failingResolverStore struct{ Source }

func (failingResolverStore) ListAll() paging.Sequence[models.Post] {
	return failingSeq{}
}

type failingSeq struct{}

func (failingSeq) Count() (int, error)                   { return 0, errors.New("db is down") }
func (failingSeq) Slice(int, int) ([]models.Post, error) { return nil, nil }

func TestCache_ErrorNotCached(t *testing.T) {
	backend, err := NewMemBackend(10)
	require.NoError(t, err)
	db := prepStore(t)

	cache := NewCache(NewResolver(failingResolverStore{Source: db}), backend, 10)
	_, err = cache.GetOrCompute(1)
	assert.Error(t, err)

	cache = NewCache(NewResolver(db), backend, 10)
	data, err := cache.GetOrCompute(1)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_count":0`)
}

func TestCache_ConcurrentInvalidate(t *testing.T) {
	cache, _, r := prepCache(t)
	_, err := r.Store.Append(models.Post{Author: "a", Text: "t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			data, e := cache.GetOrCompute(1)
			assert.NoError(t, e)
			page := paging.Page[models.Post]{}
			assert.NoError(t, json.Unmarshal(data, &page), "page must be consistent json")
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, cache.InvalidateAll())
		}()
	}
	wg.Wait()
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("FEED_TEST_REDIS")
	if addr == "" {
		t.Skip("FEED_TEST_REDIS not set")
	}
	backend, err := NewRedisBackend(redis.NewClient(&redis.Options{Addr: addr}), "feed-test:")
	require.NoError(t, err)
	require.NoError(t, backend.Purge())

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte("page"), nil
	}
	data, err := backend.Get("global:1", fn)
	require.NoError(t, err)
	assert.Equal(t, "page", string(data))
	data, err = backend.Get("global:1", fn)
	require.NoError(t, err)
	assert.Equal(t, "page", string(data))
	assert.Equal(t, 1, calls)

	require.NoError(t, backend.Purge())
	_, err = backend.Get("global:1", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
