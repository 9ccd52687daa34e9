package summary

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type slowDirectory struct {
	calls atomic.Int32
	delay time.Duration
	names map[string]string
	err   error
}

func (d *slowDirectory) LookupName(ctx context.Context, id string) (string, error) {
	d.calls.Add(1)
	time.Sleep(d.delay)
	if d.err != nil {
		return "", d.err
	}
	return d.names[id], nil
}

func TestNameCache_HintWins(t *testing.T) {
	dir := &slowDirectory{names: map[string]string{"u1": "from-dir"}}
	c := NewNameCache(dir, 0)

	assert.Equal(t, "Alice", c.Resolve(context.Background(), "u1", " Alice "))
	assert.Equal(t, "Alice", c.Resolve(context.Background(), "u1", ""))
	assert.Zero(t, dir.calls.Load())

	assert.Equal(t, "Alicia", c.Resolve(context.Background(), "u1", "Alicia"))
	assert.Equal(t, "Alicia", c.Resolve(context.Background(), "u1", ""))
}

func TestNameCache_LookupOnMissDeduplicated(t *testing.T) {
	dir := &slowDirectory{names: map[string]string{"g1": "Gophers"}, delay: 50 * time.Millisecond}
	c := NewNameCache(dir, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "Gophers", c.Resolve(context.Background(), "g1", ""))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), dir.calls.Load())

	assert.Equal(t, "Gophers", c.Resolve(context.Background(), "g1", ""))
	assert.Equal(t, int32(1), dir.calls.Load())
}

func TestNameCache_Fallbacks(t *testing.T) {
	c := NewNameCache(nil, 0)
	assert.Equal(t, "u9", c.Resolve(context.Background(), "u9", ""))
	assert.Equal(t, "", c.Resolve(context.Background(), "", ""))

	failing := NewNameCache(&slowDirectory{err: errors.New("rate limited")}, 0)
	assert.Equal(t, "u9", failing.Resolve(context.Background(), "u9", ""))
	assert.Zero(t, failing.Len())

	empty := NewNameCache(&slowDirectory{names: map[string]string{}}, 0)
	assert.Equal(t, "u9", empty.Resolve(context.Background(), "u9", ""))
}

func TestNameCache_ResetsWhenFull(t *testing.T) {
	c := NewNameCache(nil, 3)
	for _, id := range []string{"a", "b", "c"} {
		c.Resolve(context.Background(), id, "name-"+id)
	}
	assert.Equal(t, 3, c.Len())

	c.Resolve(context.Background(), "d", "name-d")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "name-d", c.Resolve(context.Background(), "d", ""))
	assert.Equal(t, "a", c.Resolve(context.Background(), "a", ""))
}
