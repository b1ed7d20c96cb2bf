package service

import (
	"context"
	"sync"
	"time"

	dErrors "ratebook/pkg/domain-errors"
)

// StoreTx provides the transactional boundary for catalog mutations.
// Implementations wrap a database transaction or, in-memory, a sharded
// lock. The key serializes mutations touching the same product (or, on
// create, the same CUSIP) while letting unrelated mutations proceed.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// numTxShards trades lock granularity against footprint; mutations on
// different products almost never share a shard.
const numTxShards = 64

// defaultTxTimeout bounds a mutation transaction. A mutation may be
// cancelled any time before commit with no observable effect.
const defaultTxTimeout = 5 * time.Second

// shardedTx is the in-memory transaction runner. Mutations for the same
// key serialize on one mutex; the versioning engine orders its fallible
// steps so that nothing is written when any of them fails.
type shardedTx struct {
	shards  [numTxShards]sync.Mutex
	timeout time.Duration
}

// NewInMemoryTx returns the lock-based transaction runner used with the
// in-memory stores.
func NewInMemoryTx() StoreTx {
	return &shardedTx{}
}

func (t *shardedTx) RunInTx(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := hashKey(key) % numTxShards
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx)
}

// hashKey uses FNV-1a for shard distribution.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
