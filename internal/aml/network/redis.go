package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors each snapshot into a Redis hash so other replicas
// and dashboards can read network scores, and announces the new version on
// a pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = "archimedes:network"
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl, channel: prefix + ":updates"}
}

func (p *RedisPublisher) scoresKey() string { return p.prefix + ":scores" }
func (p *RedisPublisher) metaKey() string   { return p.prefix + ":meta" }

type snapshotMeta struct {
	Version    uint64    `json:"version"`
	ComputedAt time.Time `json:"computed_at"`
	Accounts   int       `json:"accounts"`
}

func (p *RedisPublisher) Publish(ctx context.Context, snap *Snapshot) error {
	scores := snap.Scores()
	meta, err := json.Marshal(snapshotMeta{Version: snap.Version, ComputedAt: snap.ComputedAt, Accounts: len(scores)})
	if err != nil {
		return fmt.Errorf("marshal snapshot meta: %w", err)
	}

	tmp := p.scoresKey() + ":" + strconv.FormatUint(snap.Version, 10)
	pipe := p.client.TxPipeline()
	if len(scores) > 0 {
		fields := make(map[string]interface{}, len(scores))
		for acct, v := range scores {
			fields[acct] = strconv.FormatFloat(v, 'f', 4, 64)
		}
		pipe.HSet(ctx, tmp, fields)
		pipe.Rename(ctx, tmp, p.scoresKey())
		if p.ttl > 0 {
			pipe.Expire(ctx, p.scoresKey(), p.ttl)
		}
	} else {
		pipe.Del(ctx, p.scoresKey())
	}
	pipe.Set(ctx, p.metaKey(), meta, p.ttl)
	pipe.Publish(ctx, p.channel, meta)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish snapshot %d: %w", snap.Version, err)
	}
	return nil
}

// Score reads a published account score. Missing accounts score zero.
func (p *RedisPublisher) Score(ctx context.Context, accountID string) (float64, error) {
	v, err := p.client.HGet(ctx, p.scoresKey(), accountID).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}
