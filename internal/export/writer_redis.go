package export

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func init() {
	factory.RegisterWriter("redis", func(def config.WriterDef) (model.Writer, error) {
		return NewRedisWriter(def.Redis)
	})
}

const (
	defaultWakeupStream = "attribution:wakeups"
	defaultTotalsKey    = "attribution:totals"
	defaultStreamMaxLen = 10000
)

// RedisWriter appends wakeup entries to a capped stream and mirrors the
// cumulative rows into a hash keyed by "address|activity".
type RedisWriter struct {
	client    *redis.Client
	stream    string
	totalsKey string
	maxLen    int64
}

// NewRedisWriter connects to Redis.
func NewRedisWriter(cfg config.RedisConfig) (model.Writer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisWriter(client, cfg), nil
}

func newRedisWriter(client *redis.Client, cfg config.RedisConfig) *RedisWriter {
	w := &RedisWriter{
		client:    client,
		stream:    cfg.WakeupStream,
		totalsKey: cfg.TotalsKey,
		maxLen:    cfg.MaxLen,
	}
	if w.stream == "" {
		w.stream = defaultWakeupStream
	}
	if w.totalsKey == "" {
		w.totalsKey = defaultTotalsKey
	}
	if w.maxLen <= 0 {
		w.maxLen = defaultStreamMaxLen
	}
	return w
}

func (w *RedisWriter) Name() string { return "redis" }

// Write pipelines the stream appends and the totals hash update.
func (w *RedisWriter) Write(ctx context.Context, snapshot *model.AttributionSnapshot) error {
	totals, err := totalsHash(snapshot)
	if err != nil {
		return err
	}

	pipe := w.client.TxPipeline()
	for _, e := range snapshot.Wakeup.Entries {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: w.stream,
			MaxLen: w.maxLen,
			Approx: true,
			Values: map[string]any{
				"snapshot_id": snapshot.ID,
				"wakeup_time": e.WakeupTime,
				"activity":    e.Activity,
				"address":     e.Address,
			},
		})
	}
	if len(totals) > 0 {
		pipe.HSet(ctx, w.totalsKey, totals)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (w *RedisWriter) Close() error {
	return w.client.Close()
}

// totalsHash encodes each row as a JSON value under "address|activity".
func totalsHash(s *model.AttributionSnapshot) (map[string]any, error) {
	out := make(map[string]any, len(s.Rows))
	for _, row := range s.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("totals marshal failed: %w", err)
		}
		out[row.Address+"|"+row.Activity] = string(data)
	}
	return out, nil
}
