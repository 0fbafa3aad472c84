package replay

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const pendingKeyPrefix = "replay:pending:"

// Pending records a settlement whose confirmation timed out: the nonce is
// still reserved and the transaction may or may not have landed. The journal
// is what the reconciliation pass scans.
type Pending struct {
	Key    Key
	TxHash string
}

// Journal persists ambiguous settlements in Redis so a restart cannot lose
// them while their reservations are still held.
type Journal struct {
	rdb *redis.Client
}

func NewJournal(rdb *redis.Client) *Journal {
	return &Journal{rdb: rdb}
}

func pendingKey(k Key) string {
	return pendingKeyPrefix + k.redisKey()
}

// Record notes a timed-out settlement. No TTL: only reconciliation removes it.
func (j *Journal) Record(ctx context.Context, key Key, txHash string) error {
	if err := j.rdb.Set(ctx, pendingKey(key), txHash, 0).Err(); err != nil {
		return fmt.Errorf("record pending settlement: %w", err)
	}
	return nil
}

// Resolve removes an entry once its transaction status is known.
func (j *Journal) Resolve(ctx context.Context, key Key) error {
	if err := j.rdb.Del(ctx, pendingKey(key)).Err(); err != nil {
		return fmt.Errorf("resolve pending settlement: %w", err)
	}
	return nil
}

// Scan returns every pending settlement.
func (j *Journal) Scan(ctx context.Context) ([]Pending, error) {
	var out []Pending
	var cursor uint64
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, pendingKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending settlements: %w", err)
		}
		for _, k := range keys {
			txHash, err := j.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			key, ok := parsePendingKey(k)
			if !ok {
				continue
			}
			out = append(out, Pending{Key: key, TxHash: txHash})
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func parsePendingKey(redisKey string) (Key, bool) {
	// replay:pending:replay:{network}:{asset}:{nonce}
	rest, ok := strings.CutPrefix(redisKey, pendingKeyPrefix+"replay:")
	if !ok {
		return Key{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return Key{}, false
	}
	return Key{Network: parts[0], Asset: parts[1], Nonce: parts[2]}, true
}
