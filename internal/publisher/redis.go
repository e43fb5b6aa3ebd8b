// Package publisher mirrors canonical hub events to Redis for external
// consumers. The mirror is best-effort: publish failures are counted
// and logged, never surfaced to the hub.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"markethub/internal/market"
	"markethub/internal/metrics"
)

const (
	publishTimeout  = 2 * time.Second
	liqStreamMaxLen = 10000
)

// Redis publishes events to Pub/Sub channels keyed
// md:{channel}:{exchange}:{symbol}; liquidations additionally go to a
// capped stream for replay.
type Redis struct {
	client *redis.Client
}

// New connects and pings the Redis instance at addr.
func New(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Redis mirror connected")
	return &Redis{client: client}, nil
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Publish mirrors one event. Errors are swallowed after counting.
func (r *Redis) Publish(ev market.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := fmt.Sprintf("md:%s:%s:%s", ev.Channel, ev.Exchange, ev.Symbol)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.MirrorPublishErrors.WithLabelValues(ev.Channel).Inc()
		log.Debug().Err(err).Str("channel", channel).Msg("Mirror publish failed")
		return
	}

	if ev.Channel != market.ChannelLiquidations {
		return
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "md:liquidations",
		MaxLen: liqStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		metrics.MirrorPublishErrors.WithLabelValues(ev.Channel).Inc()
		log.Debug().Err(err).Msg("Mirror stream append failed")
	}
}
