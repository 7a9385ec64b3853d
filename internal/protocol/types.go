package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType tags every replicated message on the wire.
type MessageType string

const (
	TypeSessionDescriptor MessageType = "session_descriptor"
	TypeQuestionSubmit    MessageType = "question_submit"
	TypeUpvote            MessageType = "upvote"
	TypeAnswer            MessageType = "answer"
	TypeModerate          MessageType = "moderate"
	TypePollCreate        MessageType = "poll_create"
	TypePollVote          MessageType = "poll_vote"
	TypePollSetActive     MessageType = "poll_set_active"
	TypeSnapshotAnnounce  MessageType = "snapshot_announce"
	TypeSnapshotPersist   MessageType = "snapshot_persist"
)

var validTypes = map[MessageType]struct{}{
	TypeSessionDescriptor: {},
	TypeQuestionSubmit:    {},
	TypeUpvote:            {},
	TypeAnswer:            {},
	TypeModerate:          {},
	TypePollCreate:        {},
	TypePollVote:          {},
	TypePollSetActive:     {},
	TypeSnapshotAnnounce:  {},
	TypeSnapshotPersist:   {},
}

// TopicMain returns the content topic carrying a session's message log.
func TopicMain(sessionID string) string {
	return "qahub/1/main-" + sessionID
}

// TopicPersist is the ephemeral broadcast topic for snapshot announcements.
const TopicPersist = "qahub/1/persist"

// Envelope is the signed, replicated message unit.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds at signing time
	Signer    string          `json:"signer"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type envelopeSignable struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Signer    string          `json:"signer"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	signable := envelopeSignable{
		Type:      e.Type,
		SessionID: strings.TrimSpace(e.SessionID),
		Nonce:     strings.TrimSpace(e.Nonce),
		Timestamp: e.Timestamp,
		Signer:    strings.TrimSpace(e.Signer),
		Payload:   e.Payload,
		PublicKey: strings.TrimSpace(e.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable envelope fields.
func (e Envelope) ValidateBasic() error {
	if _, ok := validTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported message type: %s", e.Type)
	}
	if strings.TrimSpace(e.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	if strings.TrimSpace(e.Signer) == "" {
		return errors.New("signer is required")
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(e.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(e.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the envelope signer, public key and signature for the private key.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	pub := privateKey.Public().(ed25519.PublicKey)
	e.PublicKey = base64.StdEncoding.EncodeToString(pub)
	e.Signer = AddressFromPublicKey(pub)
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the signature and that the signer address matches the
// enclosed public key. Forged authorship fails here, before any handler runs.
func (e Envelope) Verify() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	if AddressFromPublicKey(pubRaw) != strings.TrimSpace(e.Signer) {
		return errors.New("signer does not match public key")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// AddressFromPublicKey derives the stable signer address for a public key:
// hex of the last 20 bytes of its SHA-256 digest, 0x-prefixed.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:])
}

// DecodePayload decodes typed message payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// EncodePayload builds an unsigned envelope for a typed payload.
func EncodePayload(msgType MessageType, sessionID, nonce string, ts int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Nonce:     nonce,
		Timestamp: ts,
		Payload:   raw,
	}, nil
}
