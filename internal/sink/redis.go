package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/go-redis/redis/v8"
)

// DefaultHistory is the number of pass reports kept in the history list.
const DefaultHistory = 100

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Publisher publishes every pass report as JSON on a redis channel and keeps
// the latest reports in the list "<channel>:history".
type Publisher struct {
	client  redisClient
	closer  func() error
	channel string
	history int64
	log     *slog.Logger
}

var _ relay.Reporter = (*Publisher)(nil)

// NewPublisher connects to a redis URL such as redis://localhost:6379/0.
func NewPublisher(url, channel string, log *slog.Logger) (*Publisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	p := newPublisher(rdb, channel, log)
	p.closer = rdb.Close
	return p, nil
}

func newPublisher(client redisClient, channel string, log *slog.Logger) *Publisher {
	if channel == "" {
		channel = "xchain-relay:passes"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client:  client,
		closer:  func() error { return nil },
		channel: channel,
		history: DefaultHistory,
		log:     log,
	}
}

// Close releases the redis connection.
func (p *Publisher) Close() error { return p.closer() }

func (p *Publisher) PassCompleted(ctx context.Context, rep relay.Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		p.log.Error("marshal pass report", "relay_id", rep.ID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		p.log.Warn("redis publish failed", "channel", p.channel, "error", err)
		return
	}
	list := p.channel + ":history"
	if err := p.client.LPush(ctx, list, body).Err(); err != nil {
		p.log.Warn("redis history push failed", "list", list, "error", err)
		return
	}
	if err := p.client.LTrim(ctx, list, 0, p.history-1).Err(); err != nil {
		p.log.Warn("redis history trim failed", "list", list, "error", err)
	}
}

func (p *Publisher) TickSkipped(ctx context.Context) {
	if err := p.client.Incr(ctx, p.channel+":skipped").Err(); err != nil {
		p.log.Warn("redis incr failed", "error", err)
	}
}
