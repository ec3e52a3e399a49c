package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/mdcollab/pkg/wire"
)

type MessageKind string

// A KindHeartbeat message carries the full roster of the sender's local peers.
// A receiver replaces everything it knew about that instance with it.
const (
	KindUpdate    MessageKind = "update"
	KindEnvelope  MessageKind = "envelope"
	KindJoin      MessageKind = "join"
	KindLeave     MessageKind = "leave"
	KindHeartbeat MessageKind = "heartbeat"
)

// Message is what relay instances exchange over a Backplane.
type Message struct {
	Origin   string         `json:"origin"`
	Kind     MessageKind    `json:"kind"`
	Document string         `json:"document,omitempty"`
	From     string         `json:"from,omitempty"`
	Update   []byte         `json:"update,omitempty"`
	Envelope *wire.Envelope `json:"envelope,omitempty"`
	Peer     *wire.Peer     `json:"peer,omitempty"`

	// Roster maps document id to the sender's local peers on it.
	Roster map[string][]wire.Peer `json:"roster,omitempty"`
}

// Backplane connects relay instances so peers on one document can be spread
// across them. Messages a server publishes come back to its own handler and
// are skipped by origin.
type Backplane interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe returns once the subscription is active and then calls
	// handle for every message until Close.
	Subscribe(ctx context.Context, handle func(Message)) error
	Close() error
}

const DefaultRedisChannel = "mdcollab:relay"

type RedisBackplane struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBackplane(client *redis.Client, channel string, logger *slog.Logger) *RedisBackplane {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{client: client, channel: channel, logger: logger}
}

// DialRedisBackplane parses a redis:// url and checks the connection.
func DialRedisBackplane(ctx context.Context, redisURL, channel string, logger *slog.Logger) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisBackplane(client, channel, logger), nil
}

func (b *RedisBackplane) Publish(ctx context.Context, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode backplane message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish backplane message: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, handle func(Message)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn("discarding malformed backplane message", "err", err)
				continue
			}
			handle(m)
		}
	}()
	return nil
}

func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.wg.Wait()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
