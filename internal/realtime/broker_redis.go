package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"crewtrack/internal/logging"
	"crewtrack/internal/metrics"
)

// RedisBroker implements Broker over Redis pub/sub so every instance sees
// changes published by any other.
type RedisBroker struct {
	rdb *redis.Client

	mu  sync.Mutex
	pss map[chan Change]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBrokerClient(redis.NewClient(opt)), nil
}

func NewRedisBrokerClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, pss: map[chan Change]*redis.PubSub{}}
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) Subscribe(table string) chan Change {
	ch := make(chan Change, 32)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, channelName(table))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		logging.Warn().Err(err).Str("table", table).Msg("redis subscribe")
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				logging.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed change")
				continue
			}
			b.mu.Lock()
			if _, ok := b.pss[ch]; ok {
				select {
				case ch <- c:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(table string, ch chan Change) {
	b.mu.Lock()
	ps, ok := b.pss[ch]
	delete(b.pss, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(c Change) {
	metrics.RealtimeChanges.WithLabelValues(c.Table, string(c.Type)).Inc()
	data, err := json.Marshal(c)
	if err != nil {
		logging.Error().Err(err).Str("table", c.Table).Msg("encode change")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, channelName(c.Table), data).Err(); err != nil {
		logging.Warn().Err(err).Str("table", c.Table).Msg("redis publish")
	}
}

func channelName(table string) string { return "realtime:" + table }
