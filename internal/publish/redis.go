// Package publish pushes the latest scan report to Redis for downstream
// consumers (dashboards, alert fan-out).
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arb-scanner/internal/scan"
)

// Publisher 发布扫描报告。
type Publisher interface {
	Publish(ctx context.Context, report *scan.Report) error
}

// RedisClient is the subset of *redis.Client the publisher needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Options configure a RedisPublisher.
type Options struct {
	// KeyPrefix; the latest report of chain N is stored at "<prefix>:<N>".
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// RedisPublisher stores the latest report per chain (SET with TTL) and
// broadcasts it on a channel.
type RedisPublisher struct {
	client RedisClient
	opts   Options
	logger zerolog.Logger
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// NewRedisPublisher wires a client into a publisher.
func NewRedisPublisher(client RedisClient, opts Options, logger zerolog.Logger) *RedisPublisher {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "arbscan:scan:latest"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	return &RedisPublisher{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "publish_redis").Logger(),
	}
}

// Publish stores then broadcasts the report. Broadcasting is skipped when no
// channel is configured.
func (p *RedisPublisher) Publish(ctx context.Context, report *scan.Report) error {
	if report == nil {
		return errors.New("publish: nil report")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal scan report: %w", err)
	}

	key := p.key(report.ChainID)
	if err := p.client.Set(ctx, key, payload, p.opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	receivers := int64(0)
	if p.opts.Channel != "" {
		receivers, err = p.client.Publish(ctx, p.opts.Channel, payload).Result()
		if err != nil {
			return fmt.Errorf("redis publish %s: %w", p.opts.Channel, err)
		}
	}

	p.logger.Debug().
		Uint64("chain_id", report.ChainID).
		Int("ranked", len(report.Ranked)).
		Int64("receivers", receivers).
		Msg("scan report published")
	return nil
}

// Latest reads back the stored report of a chain. A missing key yields (nil, nil).
func (p *RedisPublisher) Latest(ctx context.Context, chainID uint64) (*scan.Report, error) {
	raw, err := p.client.Get(ctx, p.key(chainID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var report scan.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode scan report: %w", err)
	}
	return &report, nil
}

func (p *RedisPublisher) key(chainID uint64) string {
	return fmt.Sprintf("%s:%d", p.opts.KeyPrefix, chainID)
}

var _ Publisher = (*RedisPublisher)(nil)
