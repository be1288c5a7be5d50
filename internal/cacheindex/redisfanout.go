package cacheindex

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisFanoutTimeout = 2 * time.Second

// RedisWaker fans busy-list wakeups out to every edgeproxy instance
// sharing a cache backing store, over a single Redis Pub/Sub channel.
// Grounded on internal/infra/redis_adapter.go's Publish/Subscribe pair —
// this is that exact primitive, repointed from "hub fan-out message" to
// "digest became unbusy, re-run Lookup".
//
// It never needs to distinguish Unbusy from Drop: an instance that wakes
// spuriously just re-runs Lookup and parks again if the head is still
// busy, exactly like a spurious wakeup on a local condition variable.
type RedisWaker struct {
	rdb     *redis.Client
	channel string
	local   *MemIndex
}

// NewRedisWaker wires rdb as the fan-out transport for idx. Call Start to
// begin receiving remote wakeups; idx.OnWake is set up to publish local
// ones.
func NewRedisWaker(rdb *redis.Client, channel string, idx *MemIndex) *RedisWaker {
	w := &RedisWaker{rdb: rdb, channel: channel, local: idx}
	idx.OnWake(w.publish, w.publish)
	return w
}

func (w *RedisWaker) publish(digest [32]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisFanoutTimeout)
	defer cancel()
	if err := w.rdb.Publish(ctx, w.channel, hex.EncodeToString(digest[:])).Err(); err != nil {
		slog.Warn("cacheindex: redis publish failed", "error", err)
	}
}

// Start subscribes to the fan-out channel and, for every remote wake,
// broadcasts on the matching local ObjHead if one happens to exist (a
// Session on this instance might be parked waiting for a fetch another
// instance is performing, via a shared backing store). Returns an
// unsubscribe func.
func (w *RedisWaker) Start(ctx context.Context) (func(), error) {
	sub := w.rdb.Subscribe(ctx, w.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			raw, err := hex.DecodeString(msg.Payload)
			if err != nil || len(raw) != 32 {
				continue
			}
			var digest [32]byte
			copy(digest[:], raw)

			h := w.local.headFor(digest, false)
			if h == nil {
				continue
			}
			h.mu.Lock()
			h.broadcast()
			h.mu.Unlock()
		}
	}()

	return func() { sub.Close() }, nil
}
