package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/protocol"
)

const (
	redisChannelPrefix = "qahub:ch:"
	redisLogPrefix     = "qahub:log:"
)

type redisTopic struct {
	mode   EncryptionMode
	key    []byte
	dedup  map[string]struct{}
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Redis is a Transport backed by Redis pub/sub for live delivery and a Redis
// list per topic as the shared message store.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*redisTopic
}

// NewRedis connects a Redis-backed transport.
func NewRedis(ctx context.Context, addr, password string, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{
		client: client,
		logger: logger.With().Str("service", "transport").Logger(),
		topics: map[string]*redisTopic{},
	}, nil
}

func (t *Redis) topic(topic string) *redisTopic {
	if rt, ok := t.topics[topic]; ok {
		return rt
	}
	rt := &redisTopic{dedup: map[string]struct{}{}}
	t.topics[topic] = rt
	return rt
}

func (t *Redis) Configure(topic string, mode EncryptionMode, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt := t.topic(topic)
	rt.mode = mode
	rt.key = append([]byte(nil), key...)
	return nil
}

func (t *Redis) Mode(topic string) EncryptionMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topic(topic).mode
}

// Subscribe starts a delivery goroutine for the topic. The subscription lives
// until Unsubscribe, independent of the caller's context.
func (t *Redis) Subscribe(_ context.Context, topic string, h Handler) error {
	t.mu.Lock()
	rt := t.topic(topic)
	if rt.pubsub != nil {
		t.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	rt.pubsub = t.client.Subscribe(subCtx, redisChannelPrefix+topic)
	rt.cancel = cancel
	ch := rt.pubsub.Channel()
	t.mu.Unlock()

	go func() {
		for m := range ch {
			var msg StoredMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warn().Str("topic", topic).Err(err).Msg("bad wire message")
				continue
			}
			env, _, err := t.Decode(topic, msg)
			if err != nil {
				t.logger.Debug().Str("topic", topic).Err(err).Msg("undecodable message")
				continue
			}
			if t.markSeen(topic, env) {
				continue
			}
			h(env)
		}
	}()
	return nil
}

// markSeen records the envelope in the dedup cache, reporting prior sightings.
func (t *Redis) markSeen(topic string, env protocol.Envelope) bool {
	hash := dedupHash(env)
	t.mu.Lock()
	defer t.mu.Unlock()
	rt := t.topic(topic)
	if _, seen := rt.dedup[hash]; seen {
		return true
	}
	rt.dedup[hash] = struct{}{}
	return false
}

func (t *Redis) Unsubscribe(topic string) error {
	t.mu.Lock()
	rt, ok := t.topics[topic]
	if ok {
		delete(t.topics, topic)
	}
	t.mu.Unlock()
	if !ok || rt.pubsub == nil {
		return nil
	}
	rt.cancel()
	return rt.pubsub.Close()
}

func (t *Redis) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	t.mu.Lock()
	rt := t.topic(topic)
	mode, key := rt.mode, rt.key
	t.mu.Unlock()
	msg, err := EncodeMessage(env, mode, key, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.client.RPush(ctx, redisLogPrefix+topic, data).Err(); err != nil {
		return err
	}
	return t.client.Publish(ctx, redisChannelPrefix+topic, data).Err()
}

func (t *Redis) QueryLocal(ctx context.Context, topic string) ([]StoredMessage, error) {
	items, err := t.client.LRange(ctx, redisLogPrefix+topic, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(items))
	for _, item := range items {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueryNetwork reads the same shared list; with Redis the store service and
// the local log coincide.
func (t *Redis) QueryNetwork(ctx context.Context, topic string) ([]StoredMessage, error) {
	return t.QueryLocal(ctx, topic)
}

func (t *Redis) ImportLocal(ctx context.Context, topic string, msgs []StoredMessage) error {
	key := redisLogPrefix + topic
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := t.client.RPush(ctx, key, data).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Redis) ClearDedupCache(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topic(topic).dedup = map[string]struct{}{}
}

func (t *Redis) Decode(topic string, msg StoredMessage) (protocol.Envelope, bool, error) {
	t.mu.Lock()
	rt := t.topic(topic)
	mode, key := rt.mode, rt.key
	t.mu.Unlock()
	return DecodeMessage(msg, mode, key)
}

// Close shuts down all subscriptions and the client.
func (t *Redis) Close() error {
	t.mu.Lock()
	topics := make([]string, 0, len(t.topics))
	for name := range t.topics {
		topics = append(topics, name)
	}
	t.mu.Unlock()
	for _, name := range topics {
		_ = t.Unsubscribe(name)
	}
	return t.client.Close()
}
