package proc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type cacheMock struct {
	sync.Mutex
	calls map[int]int
	err   error
}

func (c *cacheMock) GetOrCompute(number int) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	if c.calls == nil {
		c.calls = map[int]int{}
	}
	c.calls[number]++
	return []byte("page"), c.err
}

func (c *cacheMock) called() map[int]int {
	c.Lock()
	defer c.Unlock()
	res := map[int]int{}
	for k, v := range c.calls {
		res[k] = v
	}
	return res
}

func TestWarmer_Do(t *testing.T) {
	conf := &Conf{}
	conf.System.WarmPages = 4
	conf.System.WarmInterval = 10 * time.Millisecond
	cache := &cacheMock{}
	w := Warmer{Conf: conf, Cache: cache}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Do(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return w.Rounds() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("warmer not terminated")
	}

	calls := cache.called()
	assert.Len(t, calls, 4)
	for n := 1; n <= 4; n++ {
		assert.GreaterOrEqual(t, calls[n], 2, "page %d", n)
	}
	assert.Equal(t, 4, conf.System.Concurrent, "defaults filled")
}

func TestWarmer_ErrorsDoNotStop(t *testing.T) {
	conf := &Conf{}
	conf.SetDefaults()
	conf.System.WarmPages = 2
	cache := &cacheMock{err: errors.New("failed")}
	w := Warmer{Conf: conf, Cache: cache}
	w.warm()
	w.warm()
	assert.Equal(t, 2, w.Rounds())
	assert.Equal(t, map[int]int{1: 2, 2: 2}, cache.called())
}

func TestConf_Defaults(t *testing.T) {
	conf := Conf{}
	conf.SetDefaults()
	assert.Equal(t, "mem", conf.Cache.Type)
	assert.Equal(t, 100, conf.Cache.MaxPages)
	assert.Equal(t, "feed-engine:", conf.Cache.Prefix)
	assert.Equal(t, 3, conf.System.WarmPages)
	assert.Equal(t, time.Minute, conf.System.WarmInterval)

	limited := Conf{}
	limited.Cache.MaxPages = 2
	limited.System.WarmPages = 5
	limited.SetDefaults()
	assert.Equal(t, 2, limited.System.WarmPages, "warm pages limited by cached pages")

	conf.Admins = []string{"root", "admin"}
	assert.True(t, conf.IsAdmin("admin"))
	assert.False(t, conf.IsAdmin("user"))
	assert.False(t, conf.IsAdmin(""))
}
