// Package replay guarantees at-most-once acceptance of authorization nonces.
//
// A nonce slot moves through three states: free → reserved → committed.
// Reservation is taken for the duration of one settlement attempt; commit makes
// the rejection of any future use permanent; release returns a reserved (never
// a committed) slot to free. All three are per-key linearizable because Redis
// executes commands for a key serially.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyFmt = "replay:%s:%s:%s" // network, asset, nonce

	stateReserved  = "reserved"
	stateCommitted = "settled"
)

// Key scopes a nonce globally per (network, asset): a nonce burned by the
// token contract is burned for every stream that might present it.
type Key struct {
	Network string
	Asset   string
	Nonce   string
}

func (k Key) redisKey() string {
	return fmt.Sprintf(keyFmt,
		strings.ToLower(k.Network),
		strings.ToLower(k.Asset),
		strings.ToLower(strings.TrimPrefix(k.Nonce, "0x")),
	)
}

// Guard tracks nonce slots in Redis.
type Guard struct {
	rdb *redis.Client
}

func NewGuard(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb}
}

// Reserve atomically claims the slot for one settlement attempt. Exactly one
// concurrent caller wins. The ttl bounds how long an abandoned reservation can
// block the nonce; Commit removes it.
func (g *Guard) Reserve(ctx context.Context, key Key, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, key.redisKey(), stateReserved, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	return ok, nil
}

// Commit makes the slot permanently accepted. Idempotent; safe to call on a
// slot that is reserved, already committed, or (after a TTL lapse) free.
func (g *Guard) Commit(ctx context.Context, key Key) error {
	if err := g.rdb.Set(ctx, key.redisKey(), stateCommitted, 0).Err(); err != nil {
		return fmt.Errorf("commit nonce: %w", err)
	}
	return nil
}

// releaseScript deletes the slot only while it is still a reservation, so a
// late release can never free a committed nonce.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release returns a reserved slot to free. A committed slot is left untouched.
func (g *Guard) Release(ctx context.Context, key Key) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{key.redisKey()}, stateReserved).Err(); err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return nil
}

// Accepted is the read-only lookup used by verification: true only for
// committed slots. It must never take a reservation itself.
func (g *Guard) Accepted(ctx context.Context, key Key) (bool, error) {
	state, err := g.rdb.Get(ctx, key.redisKey()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup nonce: %w", err)
	}
	return state == stateCommitted, nil
}
