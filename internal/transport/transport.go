package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/qahub/qahub/internal/protocol"
)

// EncryptionMode selects how a topic's payloads travel on the wire.
type EncryptionMode int

const (
	EncryptionNone EncryptionMode = iota
	EncryptionSymmetric
)

// Handler receives one decoded, signed message from a subscribed topic.
type Handler func(env protocol.Envelope)

// StoredMessage is the raw wire unit kept in a topic's message log. Data is
// the serialized envelope, sealed when the topic is encrypted.
type StoredMessage struct {
	Data      []byte `json:"data"`
	Encrypted bool   `json:"encrypted"`
	Timestamp int64  `json:"timestamp"`
}

var (
	ErrNotConfigured   = errors.New("topic not configured")
	ErrModeMismatch    = errors.New("encryption mode mismatch")
	ErrPublishRejected = errors.New("publish rejected")
)

// Transport delivers signed, type-tagged messages to registered handlers and
// keeps a per-topic local log for replay and snapshot export. Implementations
// deduplicate at the wire level; encryption mode is configured once when a
// session binds its topic and must match on publish and on import decode.
type Transport interface {
	// Configure sets the encryption mode and key for a topic. Must be called
	// before Subscribe or Publish on that topic.
	Configure(topic string, mode EncryptionMode, key []byte) error
	// Mode reports the configured encryption mode of a topic.
	Mode(topic string) EncryptionMode
	// Subscribe registers the handler for live deliveries on a topic.
	Subscribe(ctx context.Context, topic string, h Handler) error
	// Unsubscribe removes the topic binding and its handler.
	Unsubscribe(topic string) error
	// Publish signs nothing; it seals (if configured), stores and broadcasts
	// an already-signed envelope.
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	// QueryLocal returns the topic's local message log in arrival order.
	QueryLocal(ctx context.Context, topic string) ([]StoredMessage, error)
	// QueryNetwork asks store peers for the topic's history.
	QueryNetwork(ctx context.Context, topic string) ([]StoredMessage, error)
	// ImportLocal feeds raw messages into the local log without delivery.
	ImportLocal(ctx context.Context, topic string, msgs []StoredMessage) error
	// ClearDedupCache resets duplicate suppression so imported messages can
	// be re-seen live.
	ClearDedupCache(topic string)
	// Decode unseals and unmarshals a stored message, reporting whether it
	// was encrypted on the wire.
	Decode(topic string, msg StoredMessage) (protocol.Envelope, bool, error)
}

// EncodeMessage seals an envelope into its wire form for a topic key.
func EncodeMessage(env protocol.Envelope, mode EncryptionMode, key []byte, ts int64) (StoredMessage, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return StoredMessage{}, err
	}
	if mode == EncryptionSymmetric {
		sealed, err := Seal(data, key)
		if err != nil {
			return StoredMessage{}, err
		}
		return StoredMessage{Data: sealed, Encrypted: true, Timestamp: ts}, nil
	}
	return StoredMessage{Data: data, Encrypted: false, Timestamp: ts}, nil
}

// DecodeMessage reverses EncodeMessage for a topic key.
func DecodeMessage(msg StoredMessage, mode EncryptionMode, key []byte) (protocol.Envelope, bool, error) {
	data := msg.Data
	if msg.Encrypted {
		if mode != EncryptionSymmetric {
			return protocol.Envelope{}, true, ErrModeMismatch
		}
		opened, err := Open(data, key)
		if err != nil {
			return protocol.Envelope{}, true, err
		}
		data = opened
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, msg.Encrypted, err
	}
	return env, msg.Encrypted, nil
}
