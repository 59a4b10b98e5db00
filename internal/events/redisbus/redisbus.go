// Package redisbus publishes lifecycle events over Redis pub/sub and appends
// trade records to a capped stream so dashboards can follow the coordinator.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"dn-pair-bot/internal/events"

	"github.com/redis/go-redis/v9"
)

const streamMaxLen int64 = 10000

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type Publisher struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 1,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return newPublisher(rdb, cfg.Channel), nil
}

func newPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "dn:events"
	}
	return &Publisher{rdb: rdb, channel: channel, stream: TradeStream(channel)}
}

// TradeStream names the stream trade records are appended to.
func TradeStream(channel string) string {
	return channel + ":trades"
}

func (p *Publisher) HandleEvent(ctx context.Context, e events.Event) error {
	payload, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}
	return nil
}

func (p *Publisher) HandleRecord(ctx context.Context, r events.TradeRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"position_id": r.PositionID,
			"outcome":     string(r.Outcome),
			"payload":     payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// encodeEvent drops the embedded position snapshot; subscribers only need the
// transition itself.
func encodeEvent(e events.Event) ([]byte, error) {
	e.Position = nil
	return json.Marshal(e)
}
