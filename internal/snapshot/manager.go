package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/blob"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/transport"
)

// Skip and failure conditions of the import path. Skips are expected during
// normal operation and logged at debug only.
var (
	ErrOwnSnapshot    = errors.New("snapshot is self-authored")
	ErrSameHash       = errors.New("snapshot hash already handled")
	ErrOlderSnapshot  = errors.New("snapshot older than last handled")
	ErrStaleSnapshot  = errors.New("snapshot outside staleness window")
	ErrImportInFlight = errors.New("snapshot import already in flight")
	ErrNotTracked     = errors.New("session not tracked")
	ErrVerifyFailed   = errors.New("snapshot verification failed")
	ErrEmptyLog       = errors.New("local log is empty")
)

const (
	// DefaultPublishInterval paces periodic snapshot publication per session.
	DefaultPublishInterval = time.Hour
	// DefaultStaleWindow bounds how old an announced snapshot may be and
	// still be imported.
	DefaultStaleWindow = 18 * time.Hour
)

// Target is the per-session surface the manager publishes from and imports
// into. Owner reports the current descriptor owner; Replay re-feeds the local
// log through the session's normal handlers.
type Target struct {
	SessionID string
	Publish   bool
	Owner     func() (string, bool)
	Replay    func(ctx context.Context) error
}

type tracked struct {
	target Target
	cancel context.CancelFunc
}

// Manager runs the snapshot subsystem: periodic publication of the local
// message log to the blob store and guarded import of announced snapshots.
type Manager struct {
	transport transport.Transport
	blobs     blob.Store
	records   RecordStore
	signer    identity.Signer
	logger    zerolog.Logger

	publishInterval time.Duration
	staleWindow     time.Duration
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*tracked
	inflight map[string]struct{}
}

// Option tunes the manager.
type Option func(*Manager)

func WithPublishInterval(d time.Duration) Option {
	return func(m *Manager) { m.publishInterval = d }
}

func WithStaleWindow(d time.Duration) Option {
	return func(m *Manager) { m.staleWindow = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the snapshot subsystem.
func NewManager(tr transport.Transport, blobs blob.Store, records RecordStore, signer identity.Signer, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		transport:       tr,
		blobs:           blobs,
		records:         records,
		signer:          signer,
		logger:          logger.With().Str("service", "snapshot").Logger(),
		publishInterval: DefaultPublishInterval,
		staleWindow:     DefaultStaleWindow,
		now:             time.Now,
		sessions:        map[string]*tracked{},
		inflight:        map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a session with the manager. When the target publishes, a
// per-session loop publishes on an interval and immediately on resume if the
// stored record has gone stale.
func (m *Manager) Track(ctx context.Context, t Target) {
	m.mu.Lock()
	if prev, ok := m.sessions[t.SessionID]; ok {
		prev.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.sessions[t.SessionID] = &tracked{target: t, cancel: cancel}
	m.mu.Unlock()
	if t.Publish {
		go m.publishLoop(loopCtx, t.SessionID)
	}
}

// Untrack stops the session's publish loop and forgets it. In-flight import
// work observes the removal and aborts before touching the projection.
func (m *Manager) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.sessions[sessionID]; ok {
		tr.cancel()
		delete(m.sessions, sessionID)
	}
}

func (m *Manager) publishLoop(ctx context.Context, sessionID string) {
	rec, ok, err := m.records.Get(ctx, sessionID)
	if err != nil {
		m.logger.Warn().Str("session", sessionID).Err(err).Msg("record lookup failed")
	}
	if !ok || m.now().Sub(time.UnixMilli(rec.Timestamp)) >= m.publishInterval {
		if err := m.Publish(ctx, sessionID); err != nil && !errors.Is(err, ErrSameHash) && !errors.Is(err, ErrEmptyLog) {
			m.logger.Warn().Str("session", sessionID).Err(err).Msg("snapshot publish failed")
		}
	}
	ticker := time.NewTicker(m.publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Publish(ctx, sessionID); err != nil && !errors.Is(err, ErrSameHash) && !errors.Is(err, ErrEmptyLog) {
				m.logger.Warn().Str("session", sessionID).Err(err).Msg("snapshot publish failed")
			}
		}
	}
}

// Publish snapshots the session's local log to the blob store and announces
// it. A log unchanged since the last record is skipped with ErrSameHash.
func (m *Manager) Publish(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	tr, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotTracked
	}
	owner, ok := tr.target.Owner()
	if !ok {
		return fmt.Errorf("%w: no descriptor yet", ErrNotTracked)
	}

	topic := protocol.TopicMain(sessionID)
	stored, err := m.transport.QueryLocal(ctx, topic)
	if err != nil {
		return err
	}
	// Snapshot control messages share the topic but never belong in the
	// persisted log; everything else keeps its wire form, so sealed entries
	// stay sealed and a protected session never leaks plaintext through the
	// blob store.
	msgs := make([]transport.StoredMessage, 0, len(stored))
	for _, s := range stored {
		env, _, err := m.transport.Decode(topic, s)
		if err != nil {
			m.logger.Debug().Str("session", sessionID).Err(err).Msg("skipping undecodable log entry")
			continue
		}
		if env.Type == protocol.TypeSnapshotAnnounce || env.Type == protocol.TypeSnapshotPersist {
			continue
		}
		msgs = append(msgs, s)
	}
	if len(msgs) == 0 {
		return ErrEmptyLog
	}
	hash, err := HashMessages(msgs)
	if err != nil {
		return err
	}
	if rec, ok, err := m.records.Get(ctx, sessionID); err != nil {
		return err
	} else if ok && rec.Hash == hash {
		return ErrSameHash
	}

	data, err := Encode(PersistentSnapshot{Hash: hash, Owner: owner, Messages: msgs})
	if err != nil {
		return err
	}
	cid, err := m.blobs.Upload(ctx, data)
	if err != nil {
		return err
	}

	now := m.now().UnixMilli()
	payload := protocol.SnapshotAnnouncePayload{Hash: hash, CID: cid, Timestamp: now}
	announce, err := protocol.EncodePayload(protocol.TypeSnapshotAnnounce, sessionID, uuid.NewString(), now, payload)
	if err != nil {
		return err
	}
	if err := m.signer.Sign(&announce); err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, topic, announce); err != nil {
		return err
	}
	persist, err := protocol.EncodePayload(protocol.TypeSnapshotPersist, sessionID, uuid.NewString(), now, payload)
	if err != nil {
		return err
	}
	if err := m.signer.Sign(&persist); err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, protocol.TopicPersist, persist); err != nil {
		m.logger.Warn().Str("session", sessionID).Err(err).Msg("persist broadcast failed")
	}

	if err := m.records.Put(ctx, sessionID, Record{CID: cid, Hash: hash, Timestamp: now}); err != nil {
		return err
	}
	m.logger.Info().Str("session", sessionID).Str("cid", cid).Int("messages", len(msgs)).Msg("snapshot published")
	return nil
}

// HandleAnnounce processes one snapshot_announce from the session topic,
// running the anti-regression guards and, when they pass, the download,
// verify and import sequence. Guard skips come back as named conditions.
func (m *Manager) HandleAnnounce(ctx context.Context, sessionID string, env protocol.Envelope) error {
	if env.Signer == m.signer.Address() {
		return ErrOwnSnapshot
	}
	payload, err := protocol.DecodePayload[protocol.SnapshotAnnouncePayload](env.Payload)
	if err != nil {
		return err
	}
	rec, haveRec, err := m.records.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if haveRec {
		if payload.Hash == rec.Hash {
			return ErrSameHash
		}
		if payload.Timestamp <= rec.Timestamp {
			return ErrOlderSnapshot
		}
	}
	if m.now().Sub(time.UnixMilli(payload.Timestamp)) > m.staleWindow {
		return ErrStaleSnapshot
	}

	m.mu.Lock()
	tr, tracked := m.sessions[sessionID]
	if !tracked {
		m.mu.Unlock()
		return ErrNotTracked
	}
	if _, busy := m.inflight[sessionID]; busy {
		m.mu.Unlock()
		return ErrImportInFlight
	}
	m.inflight[sessionID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, sessionID)
		m.mu.Unlock()
	}()

	data, err := m.blobs.Download(ctx, payload.CID)
	if err != nil {
		return err
	}
	snap, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if err := m.verify(snap, payload.Hash, sessionID); err != nil {
		return err
	}
	if err := m.importMessages(ctx, sessionID, tr.target, snap.Messages); err != nil {
		return err
	}
	if err := m.records.Put(ctx, sessionID, Record{CID: payload.CID, Hash: payload.Hash, Timestamp: payload.Timestamp}); err != nil {
		return err
	}
	m.logger.Info().Str("session", sessionID).Str("cid", payload.CID).Int("messages", len(snap.Messages)).Msg("snapshot imported")
	return nil
}

// verify authenticates a downloaded snapshot before anything reaches the
// local log: content hash, encryption mode matching the session's topic, an
// owner-signed leading descriptor, and a session id that recomputes from the
// descriptor's creation tuple.
func (m *Manager) verify(snap PersistentSnapshot, announcedHash, sessionID string) error {
	hash, err := HashMessages(snap.Messages)
	if err != nil {
		return err
	}
	if hash != snap.Hash || hash != announcedHash {
		return fmt.Errorf("%w: content hash mismatch", ErrVerifyFailed)
	}
	if len(snap.Messages) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrVerifyFailed)
	}
	topic := protocol.TopicMain(sessionID)
	sealed := m.transport.Mode(topic) == transport.EncryptionSymmetric
	if snap.Messages[0].Encrypted != sealed {
		return fmt.Errorf("%w: encryption mode mismatch", ErrVerifyFailed)
	}
	first, _, err := m.transport.Decode(topic, snap.Messages[0])
	if err != nil {
		return fmt.Errorf("%w: first message: %v", ErrVerifyFailed, err)
	}
	if first.Type != protocol.TypeSessionDescriptor {
		return fmt.Errorf("%w: first message is not a session descriptor", ErrVerifyFailed)
	}
	if err := first.Verify(); err != nil {
		return fmt.Errorf("%w: descriptor signature: %v", ErrVerifyFailed, err)
	}
	if first.Signer != snap.Owner {
		return fmt.Errorf("%w: descriptor signer is not the snapshot owner", ErrVerifyFailed)
	}
	desc, err := protocol.DecodePayload[protocol.SessionDescriptorPayload](first.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	derived := protocol.SessionID(desc.Title, desc.Timestamp, desc.Owner)
	if protocol.IsProtected(sessionID) {
		derived = protocol.ProtectedPrefix + derived
	}
	if derived != desc.ID || derived != sessionID {
		return fmt.Errorf("%w: session id does not derive from descriptor", ErrVerifyFailed)
	}
	return nil
}

// importMessages feeds the snapshot's wire-form messages into the local log
// and replays the log through the session's normal handlers. The projection
// is never written directly.
func (m *Manager) importMessages(ctx context.Context, sessionID string, t Target, msgs []transport.StoredMessage) error {
	topic := protocol.TopicMain(sessionID)
	if err := m.transport.ImportLocal(ctx, topic, msgs); err != nil {
		return err
	}
	m.transport.ClearDedupCache(topic)
	return t.Replay(ctx)
}
