package feed

import (
	"github.com/go-pkgz/lcw"
	log "github.com/go-pkgz/lgr"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// MemBackend keeps pages in process memory. The lru has room for one key more
// than the number of pages it is made for, so none of them is ever evicted.
type MemBackend struct {
	cache *lcw.LruCache
}

// NewMemBackend makes in-memory backend for up to maxPages pages
func NewMemBackend(maxPages int) (*MemBackend, error) {
	if maxPages < 1 {
		return nil, errors.Errorf("invalid max pages %d", maxPages)
	}
	cache, err := lcw.NewLruCache(lcw.MaxKeys(maxPages + 1))
	if err != nil {
		return nil, errors.Wrap(err, "can't make lru cache")
	}
	return &MemBackend{cache: cache}, nil
}

// Get returns cached page or stores result of fn
func (m *MemBackend) Get(key string, fn func() ([]byte, error)) ([]byte, error) {
	val, err := m.cache.Get(key, func() (interface{}, error) {
		data, e := fn()
		if e != nil {
			return nil, e
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := val.([]byte)
	if !ok {
		return nil, errors.Errorf("unexpected cached type %T for %s", val, key)
	}
	return data, nil
}

// Purge drops all pages
func (m *MemBackend) Purge() error {
	m.cache.Purge()
	return nil
}

// Stat returns hits/misses stats of lru cache
func (m *MemBackend) Stat() lcw.CacheStat {
	return m.cache.Stat()
}

// RedisBackend keeps pages in redis, shared between instances. Keys are stored without ttl.
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// NewRedisBackend makes redis backend, all keys prefixed with prefix
func NewRedisBackend(client *redis.Client, prefix string) (*RedisBackend, error) {
	if err := client.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "can't ping redis")
	}
	return &RedisBackend{Client: client, Prefix: prefix}, nil
}

// Get returns cached page or stores result of fn
func (r *RedisBackend) Get(key string, fn func() ([]byte, error)) ([]byte, error) {
	data, err := r.Client.Get(r.Prefix + key).Bytes()
	if err == nil {
		return data, nil
	}
	if err != redis.Nil {
		return nil, errors.Wrapf(err, "can't get %s from redis", key)
	}

	if data, err = fn(); err != nil {
		return nil, err
	}
	if err = r.Client.Set(r.Prefix+key, data, 0).Err(); err != nil {
		log.Printf("[WARN] can't store %s in redis, %v", key, err)
	}
	return data, nil
}

// Purge removes all prefixed keys
func (r *RedisBackend) Purge() error {
	var cursor uint64
	for {
		keys, next, err := r.Client.Scan(cursor, r.Prefix+"*", 100).Result()
		if err != nil {
			return errors.Wrap(err, "can't scan redis keys")
		}
		if len(keys) > 0 {
			if err = r.Client.Del(keys...).Err(); err != nil {
				return errors.Wrap(err, "can't delete redis keys")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
