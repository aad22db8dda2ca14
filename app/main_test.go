package main

import (
	"errors"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feed-engine/app/proc"
)

func TestLoadConfig(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "feed-engine.yml")
	data := `
admins: [admin, root]
groups:
  go:
    title: Go
    description: all about gophers
cache:
  type: redis
  redis: localhost:6379
system:
  warm_pages: 5
  warm_interval: 30s
`
	require.NoError(t, ioutil.WriteFile(fname, []byte(data), 0600))

	conf, err := loadConfig(fname)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "root"}, conf.Admins)
	assert.Equal(t, proc.Group{Title: "Go", Description: "all about gophers"}, conf.Groups["go"])
	assert.Equal(t, "redis", conf.Cache.Type)
	assert.Equal(t, "localhost:6379", conf.Cache.Redis)
	assert.Equal(t, 5, conf.System.WarmPages)
	assert.Equal(t, 30*time.Second, conf.System.WarmInterval)

	conf, err = loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Empty(t, conf.Admins)

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, ioutil.WriteFile(bad, []byte("admins: {"), 0600))
	_, err = loadConfig(bad)
	assert.Error(t, err)
}

func TestMakeStoreAndSeed(t *testing.T) {
	for _, kind := range []string{"bolt", "sqlite"} {
		t.Run(kind, func(t *testing.T) {
			engine, err := makeStore(kind, filepath.Join(t.TempDir(), "var", "feed.db"))
			require.NoError(t, err)
			defer engine.Close()

			groups := map[string]proc.Group{"go": {Title: "Go"}, "rust": {Title: "Rust"}}
			require.NoError(t, seedGroups(engine, groups))
			require.NoError(t, seedGroups(engine, groups), "second seed keeps existing groups")

			list, err := engine.ListGroups()
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}

	_, err := makeStore("mongo", "x")
	assert.EqualError(t, err, `unknown store "mongo"`)
}

func TestMakeCacheBackend(t *testing.T) {
	conf := &proc.Conf{}
	conf.SetDefaults()
	backend, closer, err := makeCacheBackend(conf)
	require.NoError(t, err)
	assert.NotNil(t, backend)
	assert.Nil(t, closer)

	conf.Cache.Type = "memcached"
	_, _, err = makeCacheBackend(conf)
	assert.EqualError(t, err, `unknown cache type "memcached"`)
}

type closerMock struct{ err error }

func (c closerMock) Close() error { return c.err }

func TestCloseAll(t *testing.T) {
	assert.NoError(t, closeAll(nil))
	err := closeAll([]io.Closer{closerMock{}, closerMock{err: errors.New("e1")}, closerMock{err: errors.New("e2")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e1")
	assert.Contains(t, err.Error(), "e2")
}
