package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// sessionIDLen is the hex length of a derived session identifier.
const sessionIDLen = 12

// ProtectedPrefix marks passphrase-protected session identifiers so consumers
// can tell them apart without decrypting anything.
const ProtectedPrefix = "X"

// ContentHash computes the canonical content digest of a value: JSON with
// deterministic field order, then SHA-256 hex. Identical logical payloads
// always hash identically.
func ContentHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SessionID derives a session identifier from its creation tuple. The digest
// is truncated; collisions across the whole network are acceptable because a
// session id only namespaces one topic.
func SessionID(title string, createdAt int64, owner string) string {
	sum := sha256.Sum256([]byte(title + strconv.FormatInt(createdAt, 10) + owner))
	return hex.EncodeToString(sum[:])[:sessionIDLen]
}

// ProtectedSessionID derives the identifier for a passphrase-protected session.
func ProtectedSessionID(title string, createdAt int64, owner string) string {
	return ProtectedPrefix + SessionID(title, createdAt, owner)
}

// IsProtected reports whether a session id carries the protected marker.
func IsProtected(sessionID string) bool {
	return strings.HasPrefix(sessionID, ProtectedPrefix)
}

// QuestionHash is the per-session identity of a submitted question.
func QuestionHash(p QuestionSubmitPayload) string {
	h, _ := ContentHash(p)
	return h
}
