package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedStore wraps a backend with an LRU over GetCommit. Commits are
// immutable, so cached entries never go stale.
type cachedStore struct {
	Store
	commits *lru.Cache[string, *Commit]
}

// WithCache adds a commit cache of the given size in front of backend.
func WithCache(backend Store, size int) (Store, error) {
	cache, err := lru.New[string, *Commit](size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Store: backend, commits: cache}, nil
}

func (s *cachedStore) GetCommit(ctx context.Context, taskID, hash string) (*Commit, error) {
	key := taskID + "/" + hash
	if commit, ok := s.commits.Get(key); ok {
		return commit, nil
	}
	commit, err := s.Store.GetCommit(ctx, taskID, hash)
	if err != nil {
		return nil, err
	}
	s.commits.Add(key, commit)
	return commit, nil
}

func (s *cachedStore) Append(ctx context.Context, commit *Commit) error {
	if err := s.Store.Append(ctx, commit); err != nil {
		return err
	}
	s.commits.Add(commit.TaskID+"/"+commit.Hash, commit)
	return nil
}
