package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/transport"
)

// PersistentSnapshot is the durable form of one session: its full message log
// in wire form plus the owner address and a content hash over the messages.
// Hash authenticates the content; the blob cid only locates it. Messages keep
// the form they had on the topic, so a protected session's log stays sealed
// in the blob store.
type PersistentSnapshot struct {
	Hash     string                    `json:"hash"`
	Owner    string                    `json:"owner"`
	Messages []transport.StoredMessage `json:"messages"`
}

// HashMessages computes the snapshot content hash over the serialized
// wire-form log.
func HashMessages(msgs []transport.StoredMessage) (string, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	return protocol.HashBytes(data), nil
}

// Encode serializes and compresses a snapshot for upload.
func Encode(snap PersistentSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return Compress(data)
}

// Decode reverses Encode.
func Decode(data []byte) (PersistentSnapshot, error) {
	raw, err := Decompress(data)
	if err != nil {
		return PersistentSnapshot{}, err
	}
	var snap PersistentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return PersistentSnapshot{}, err
	}
	return snap, nil
}

// Compress compresses snapshot data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed snapshot data.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
