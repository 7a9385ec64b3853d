package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/qahub/qahub/internal/protocol"
)

// Bus links in-process transports into one broadcast domain. It also plays
// the role of the network's store peers for QueryNetwork.
type Bus struct {
	mu    sync.RWMutex
	peers []*Memory
	logs  map[string][]StoredMessage
}

func NewBus() *Bus {
	return &Bus{logs: map[string][]StoredMessage{}}
}

// NewTransport attaches a new peer transport to the bus.
func (b *Bus) NewTransport() *Memory {
	t := &Memory{bus: b, topics: map[string]*memTopic{}}
	b.mu.Lock()
	b.peers = append(b.peers, t)
	b.mu.Unlock()
	return t
}

func (b *Bus) broadcast(topic string, msg StoredMessage) {
	b.mu.Lock()
	b.logs[topic] = append(b.logs[topic], msg)
	peers := append([]*Memory(nil), b.peers...)
	b.mu.Unlock()
	for _, p := range peers {
		p.receive(topic, msg)
	}
}

func (b *Bus) history(topic string) []StoredMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]StoredMessage(nil), b.logs[topic]...)
}

type memTopic struct {
	mode    EncryptionMode
	key     []byte
	handler Handler
	log     []StoredMessage
	dedup   map[string]struct{}
}

// Memory is an in-process Transport. It deduplicates by content hash of the
// plaintext envelope and keeps an ordered per-topic local log.
type Memory struct {
	bus    *Bus
	mu     sync.Mutex
	topics map[string]*memTopic
}

// NewMemory creates a standalone transport on a private bus.
func NewMemory() *Memory {
	return NewBus().NewTransport()
}

func (t *Memory) topic(topic string) *memTopic {
	if mt, ok := t.topics[topic]; ok {
		return mt
	}
	mt := &memTopic{dedup: map[string]struct{}{}}
	t.topics[topic] = mt
	return mt
}

func (t *Memory) Configure(topic string, mode EncryptionMode, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt := t.topic(topic)
	mt.mode = mode
	mt.key = append([]byte(nil), key...)
	return nil
}

func (t *Memory) Mode(topic string) EncryptionMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topic(topic).mode
}

func (t *Memory) Subscribe(_ context.Context, topic string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topic(topic).handler = h
	return nil
}

func (t *Memory) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
	return nil
}

func (t *Memory) Publish(_ context.Context, topic string, env protocol.Envelope) error {
	t.mu.Lock()
	mt := t.topic(topic)
	mode, key := mt.mode, mt.key
	t.mu.Unlock()
	msg, err := EncodeMessage(env, mode, key, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	t.bus.broadcast(topic, msg)
	return nil
}

// receive stores and dispatches one wire message, suppressing duplicates.
func (t *Memory) receive(topic string, msg StoredMessage) {
	t.mu.Lock()
	mt, ok := t.topics[topic]
	if !ok {
		t.mu.Unlock()
		return
	}
	env, _, err := DecodeMessage(msg, mt.mode, mt.key)
	if err != nil {
		t.mu.Unlock()
		return
	}
	hash := dedupHash(env)
	if _, seen := mt.dedup[hash]; seen {
		t.mu.Unlock()
		return
	}
	mt.dedup[hash] = struct{}{}
	mt.log = append(mt.log, msg)
	handler := mt.handler
	t.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (t *Memory) QueryLocal(_ context.Context, topic string) ([]StoredMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StoredMessage(nil), t.topic(topic).log...), nil
}

func (t *Memory) QueryNetwork(_ context.Context, topic string) ([]StoredMessage, error) {
	return t.bus.history(topic), nil
}

func (t *Memory) ImportLocal(_ context.Context, topic string, msgs []StoredMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt := t.topic(topic)
	mt.log = append(mt.log, msgs...)
	return nil
}

func (t *Memory) ClearDedupCache(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topic(topic).dedup = map[string]struct{}{}
}

func (t *Memory) Decode(topic string, msg StoredMessage) (protocol.Envelope, bool, error) {
	t.mu.Lock()
	mt := t.topic(topic)
	mode, key := mt.mode, mt.key
	t.mu.Unlock()
	return DecodeMessage(msg, mode, key)
}

func dedupHash(env protocol.Envelope) string {
	data, _ := json.Marshal(env)
	return protocol.HashBytes(data)
}
