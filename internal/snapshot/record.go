package snapshot

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_recordstore.go -package=mocks . RecordStore

import (
	"context"
	"sync"
)

// Record remembers the last snapshot handled for one session, either
// published by us or imported from a peer. It is what the anti-regression
// guards compare announcements against.
type Record struct {
	CID       string `json:"cid"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// RecordStore persists the last-handled snapshot record per session.
type RecordStore interface {
	Get(ctx context.Context, sessionID string) (Record, bool, error)
	Put(ctx context.Context, sessionID string, rec Record) error
}

// MemoryRecords is the in-process RecordStore used by tests and by nodes
// running without Postgres.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: map[string]Record{}}
}

func (s *MemoryRecords) Get(_ context.Context, sessionID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	return rec, ok, nil
}

func (s *MemoryRecords) Put(_ context.Context, sessionID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sessionID] = rec
	return nil
}
