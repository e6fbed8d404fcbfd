// Package syncutil provides per-key critical sections over a fixed pool of
// channel mutexes, so waiting callers can give up when their context ends.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
)

const shardCount = 256

// KeyedMutex maps keys onto 256 shards. Distinct keys may share a shard;
// callers only get mutual exclusion, never a guarantee of independence.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the shard of key. The returned func releases it.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.LockKeys(ctx, key)
}

// LockKeys acquires the shards of every key in ascending shard order, which
// keeps concurrent multi-key callers from deadlocking.
func (m *KeyedMutex) LockKeys(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := shardIndex(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	held := make([]int, 0, len(idx))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			m.shards[held[j]] <- struct{}{}
		}
	}
	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
