package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend records GetCommit traffic; only the methods the cache
// touches are implemented.
type countingBackend struct {
	Store
	commits map[string]*Commit
	gets    int
	appends int
}

func (b *countingBackend) GetCommit(_ context.Context, taskID, hash string) (*Commit, error) {
	b.gets++
	if c, ok := b.commits[taskID+"/"+hash]; ok {
		return c, nil
	}
	return nil, ErrNotFound("commit", hash)
}

func (b *countingBackend) Append(_ context.Context, c *Commit) error {
	b.appends++
	b.commits[c.TaskID+"/"+c.Hash] = c
	return nil
}

func TestCacheServesRepeatReads(t *testing.T) {
	backend := &countingBackend{commits: map[string]*Commit{}}
	cached, err := WithCache(backend, 8)
	require.NoError(t, err)
	ctx := context.Background()

	c := baseCommit()
	require.NoError(t, Seal(c))
	backend.commits["task-1/"+c.Hash] = c

	for i := 0; i < 3; i++ {
		got, err := cached.GetCommit(ctx, "task-1", c.Hash)
		require.NoError(t, err)
		assert.Equal(t, c.Hash, got.Hash)
	}
	assert.Equal(t, 1, backend.gets, "only the first read hits the backend")
}

func TestCacheMissesAreNotCached(t *testing.T) {
	backend := &countingBackend{commits: map[string]*Commit{}}
	cached, err := WithCache(backend, 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.GetCommit(ctx, "task-1", "missing")
	assert.Error(t, err)
	_, err = cached.GetCommit(ctx, "task-1", "missing")
	assert.Error(t, err)
	assert.Equal(t, 2, backend.gets)
}

func TestAppendWarmsCache(t *testing.T) {
	backend := &countingBackend{commits: map[string]*Commit{}}
	cached, err := WithCache(backend, 8)
	require.NoError(t, err)
	ctx := context.Background()

	c := baseCommit()
	c.Time = time.Now().UTC()
	require.NoError(t, Seal(c))
	require.NoError(t, cached.Append(ctx, c))

	got, err := cached.GetCommit(ctx, "task-1", c.Hash)
	require.NoError(t, err)
	assert.Equal(t, c.Hash, got.Hash)
	assert.Equal(t, 0, backend.gets, "append populated the cache")
	assert.Equal(t, 1, backend.appends)
}
