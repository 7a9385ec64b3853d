package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/qahub/qahub/internal/blob"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/state"
	"github.com/qahub/qahub/internal/transport"
)

const baseTS = int64(1_700_000_000_000)

func testSigner(t *testing.T, b byte) *identity.Identity {
	t.Helper()
	id, err := identity.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return id
}

func signedDescriptor(t *testing.T, owner *identity.Identity, title string, ts int64) (string, protocol.Envelope) {
	t.Helper()
	id := protocol.SessionID(title, ts, owner.Address())
	env, err := protocol.EncodePayload(protocol.TypeSessionDescriptor, id, "desc-1", ts, protocol.SessionDescriptorPayload{
		Title:     title,
		ID:        id,
		Enabled:   true,
		Timestamp: ts,
		Owner:     owner.Address(),
		Updated:   ts,
	})
	require.NoError(t, err)
	require.NoError(t, owner.Sign(&env))
	return id, env
}

func signedQuestion(t *testing.T, signer *identity.Identity, sessionID, text string, ts int64) protocol.Envelope {
	t.Helper()
	env, err := protocol.EncodePayload(protocol.TypeQuestionSubmit, sessionID, "q-"+text, ts, protocol.QuestionSubmitPayload{Question: text, Timestamp: ts})
	require.NoError(t, err)
	require.NoError(t, signer.Sign(&env))
	return env
}

func announceEnvelope(t *testing.T, signer *identity.Identity, sessionID, hash, cid string, ts int64) protocol.Envelope {
	t.Helper()
	env, err := protocol.EncodePayload(protocol.TypeSnapshotAnnounce, sessionID, "ann-"+cid, ts, protocol.SnapshotAnnouncePayload{Hash: hash, CID: cid, Timestamp: ts})
	require.NoError(t, err)
	require.NoError(t, signer.Sign(&env))
	return env
}

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ts) }
}

func storedPlain(t *testing.T, env protocol.Envelope) transport.StoredMessage {
	t.Helper()
	msg, err := transport.EncodeMessage(env, transport.EncryptionNone, nil, env.Timestamp)
	require.NoError(t, err)
	return msg
}

func storedSealed(t *testing.T, env protocol.Envelope, key []byte) transport.StoredMessage {
	t.Helper()
	msg, err := transport.EncodeMessage(env, transport.EncryptionSymmetric, key, env.Timestamp)
	require.NoError(t, err)
	return msg
}

// verifierFor builds a manager whose transport has the session topic bound in
// the given mode, for exercising snapshot verification directly.
func verifierFor(t *testing.T, sessionID string, mode transport.EncryptionMode, key []byte) *Manager {
	t.Helper()
	tr := transport.NewMemory()
	require.NoError(t, tr.Configure(protocol.TopicMain(sessionID), mode, key))
	return NewManager(tr, blob.NewMemory(), NewMemoryRecords(), testSigner(t, 9), zerolog.Nop())
}

func TestPublishAndImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	blobs := blob.NewMemory()
	owner := testSigner(t, 1)
	peer := testSigner(t, 2)

	// Owner node with a live session log.
	pub := bus.NewTransport()
	id, desc := signedDescriptor(t, owner, "Town Hall", baseTS)
	topic := protocol.TopicMain(id)
	require.NoError(t, pub.Configure(topic, transport.EncryptionNone, nil))
	require.NoError(t, pub.Publish(ctx, topic, desc))
	require.NoError(t, pub.Publish(ctx, topic, signedQuestion(t, owner, id, "what is the plan?", baseTS+1)))

	pubRecords := NewMemoryRecords()
	mgrA := NewManager(pub, blobs, pubRecords, owner, zerolog.Nop(), WithClock(fixedClock(baseTS+2)))
	mgrA.Track(ctx, Target{
		SessionID: id,
		Owner:     func() (string, bool) { return owner.Address(), true },
		Replay:    func(context.Context) error { return nil },
	})

	require.NoError(t, mgrA.Publish(ctx, id))
	rec, ok, err := pubRecords.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, rec.CID)
	require.NotEmpty(t, rec.Hash)

	// An unchanged log publishes nothing new.
	require.ErrorIs(t, mgrA.Publish(ctx, id), ErrSameHash)

	// A late joiner configures the topic after the fact: empty local log.
	sub := bus.NewTransport()
	require.NoError(t, sub.Configure(topic, transport.EncryptionNone, nil))
	engine := state.NewEngine(id, zerolog.Nop())
	replay := func(ctx context.Context) error {
		stored, err := sub.QueryLocal(ctx, topic)
		if err != nil {
			return err
		}
		for _, s := range stored {
			env, _, err := sub.Decode(topic, s)
			if err != nil {
				continue
			}
			if env.Type == protocol.TypeSnapshotAnnounce || env.Type == protocol.TypeSnapshotPersist {
				continue
			}
			_ = engine.Apply(env)
		}
		return nil
	}
	mgrB := NewManager(sub, blobs, NewMemoryRecords(), peer, zerolog.Nop(), WithClock(fixedClock(baseTS+2)))
	mgrB.Track(ctx, Target{
		SessionID: id,
		Owner:     func() (string, bool) { return "", false },
		Replay:    replay,
	})

	announce := announceEnvelope(t, owner, id, rec.Hash, rec.CID, rec.Timestamp)
	require.NoError(t, mgrB.HandleAnnounce(ctx, id, announce))

	got, ok := engine.Descriptor()
	require.True(t, ok)
	require.Equal(t, "Town Hall", got.Title)
	require.Equal(t, 1, engine.ProjectionStats().Questions)

	// The same announcement is a no-op on replay.
	require.ErrorIs(t, mgrB.HandleAnnounce(ctx, id, announce), ErrSameHash)

	// Our own announcements are never imported.
	own := announceEnvelope(t, peer, id, "otherhash", rec.CID, rec.Timestamp+1)
	require.ErrorIs(t, mgrB.HandleAnnounce(ctx, id, own), ErrOwnSnapshot)
}

func TestHandleAnnounceGuards(t *testing.T) {
	ctx := context.Background()
	self := testSigner(t, 1)
	other := testSigner(t, 2)
	records := NewMemoryRecords()
	require.NoError(t, records.Put(ctx, "sess-1", Record{CID: "cid-1", Hash: "hash-1", Timestamp: baseTS}))

	m := NewManager(transport.NewMemory(), blob.NewMemory(), records, self, zerolog.Nop(),
		WithClock(fixedClock(baseTS+int64(time.Minute/time.Millisecond))),
		WithStaleWindow(2*time.Minute))
	m.Track(ctx, Target{
		SessionID: "sess-1",
		Owner:     func() (string, bool) { return "", false },
		Replay:    func(context.Context) error { return nil },
	})

	sameHash := announceEnvelope(t, other, "sess-1", "hash-1", "cid-2", baseTS+1)
	require.ErrorIs(t, m.HandleAnnounce(ctx, "sess-1", sameHash), ErrSameHash)

	older := announceEnvelope(t, other, "sess-1", "hash-2", "cid-2", baseTS-1)
	require.ErrorIs(t, m.HandleAnnounce(ctx, "sess-1", older), ErrOlderSnapshot)

	stale := announceEnvelope(t, other, "sess-1", "hash-2", "cid-2", baseTS-int64(3*time.Minute/time.Millisecond))
	require.ErrorIs(t, m.HandleAnnounce(ctx, "sess-1", stale), ErrOlderSnapshot)

	// With no prior record the age check itself rejects it.
	fresh := NewManager(transport.NewMemory(), blob.NewMemory(), NewMemoryRecords(), self, zerolog.Nop(),
		WithClock(fixedClock(baseTS+int64(time.Minute/time.Millisecond))),
		WithStaleWindow(30*time.Second))
	fresh.Track(ctx, Target{SessionID: "sess-1", Owner: func() (string, bool) { return "", false }, Replay: func(context.Context) error { return nil }})
	require.ErrorIs(t, fresh.HandleAnnounce(ctx, "sess-1", stale), ErrStaleSnapshot)

	recent := announceEnvelope(t, other, "sess-1", "hash-2", "cid-2", baseTS+int64(time.Minute/time.Millisecond))
	require.ErrorIs(t, fresh.HandleAnnounce(ctx, "sess-2", recentFor(t, other, "sess-2")), ErrNotTracked)

	// Only one import at a time per session.
	fresh.mu.Lock()
	fresh.inflight["sess-1"] = struct{}{}
	fresh.mu.Unlock()
	require.ErrorIs(t, fresh.HandleAnnounce(ctx, "sess-1", recent), ErrImportInFlight)

	// Untracking a session stops further imports.
	m.Untrack("sess-1")
	newer := announceEnvelope(t, other, "sess-1", "hash-2", "cid-2", baseTS+1)
	require.ErrorIs(t, m.HandleAnnounce(ctx, "sess-1", newer), ErrNotTracked)
}

func recentFor(t *testing.T, signer *identity.Identity, sessionID string) protocol.Envelope {
	t.Helper()
	return announceEnvelope(t, signer, sessionID, "hash-x", "cid-x", baseTS+int64(time.Minute/time.Millisecond))
}

func TestPublishPreconditions(t *testing.T) {
	ctx := context.Background()
	self := testSigner(t, 1)
	m := NewManager(transport.NewMemory(), blob.NewMemory(), NewMemoryRecords(), self, zerolog.Nop())

	require.ErrorIs(t, m.Publish(ctx, "sess-1"), ErrNotTracked)

	// Tracked but the descriptor has not arrived yet.
	m.Track(ctx, Target{
		SessionID: "sess-1",
		Owner:     func() (string, bool) { return "", false },
		Replay:    func(context.Context) error { return nil },
	})
	require.ErrorIs(t, m.Publish(ctx, "sess-1"), ErrNotTracked)

	// Descriptor known but nothing in the local log.
	m.Track(ctx, Target{
		SessionID: "sess-1",
		Owner:     func() (string, bool) { return self.Address(), true },
		Replay:    func(context.Context) error { return nil },
	})
	require.ErrorIs(t, m.Publish(ctx, "sess-1"), ErrEmptyLog)
}

func TestVerifySnapshot(t *testing.T) {
	owner := testSigner(t, 1)
	other := testSigner(t, 2)
	id, desc := signedDescriptor(t, owner, "Town Hall", baseTS)
	question := signedQuestion(t, other, id, "first?", baseTS+1)
	m := verifierFor(t, id, transport.EncryptionNone, nil)

	msgs := []transport.StoredMessage{storedPlain(t, desc), storedPlain(t, question)}
	hash, err := HashMessages(msgs)
	require.NoError(t, err)
	valid := PersistentSnapshot{Hash: hash, Owner: owner.Address(), Messages: msgs}

	require.NoError(t, m.verify(valid, hash, id))

	require.ErrorIs(t, m.verify(valid, "deadbeef", id), ErrVerifyFailed)

	tampered := valid
	tampered.Hash = "deadbeef"
	require.ErrorIs(t, m.verify(tampered, "deadbeef", id), ErrVerifyFailed)

	reordered := valid
	reordered.Messages = []transport.StoredMessage{msgs[1], msgs[0]}
	reordered.Hash, err = HashMessages(reordered.Messages)
	require.NoError(t, err)
	require.ErrorIs(t, m.verify(reordered, reordered.Hash, id), ErrVerifyFailed)

	forgedOwner := valid
	forgedOwner.Owner = other.Address()
	require.ErrorIs(t, m.verify(forgedOwner, hash, id), ErrVerifyFailed)

	wrongSession := verifierFor(t, "other-session", transport.EncryptionNone, nil)
	require.ErrorIs(t, wrongSession.verify(valid, hash, "other-session"), ErrVerifyFailed)

	// A descriptor whose id does not derive from its creation tuple is forged
	// even when correctly signed.
	wrongID, err := protocol.EncodePayload(protocol.TypeSessionDescriptor, id, "desc-2", baseTS, protocol.SessionDescriptorPayload{
		Title:     "Town Hall",
		ID:        "fabricated-id",
		Enabled:   true,
		Timestamp: baseTS,
		Owner:     owner.Address(),
		Updated:   baseTS,
	})
	require.NoError(t, err)
	require.NoError(t, owner.Sign(&wrongID))
	forgedID := PersistentSnapshot{Owner: owner.Address(), Messages: []transport.StoredMessage{storedPlain(t, wrongID)}}
	forgedID.Hash, err = HashMessages(forgedID.Messages)
	require.NoError(t, err)
	require.ErrorIs(t, m.verify(forgedID, forgedID.Hash, id), ErrVerifyFailed)
}

func TestVerifyProtectedSession(t *testing.T) {
	owner := testSigner(t, 1)
	key, err := transport.DeriveKey("hunter2")
	require.NoError(t, err)
	id := protocol.ProtectedSessionID("Secret Sync", baseTS, owner.Address())
	env, err := protocol.EncodePayload(protocol.TypeSessionDescriptor, id, "desc-1", baseTS, protocol.SessionDescriptorPayload{
		Title:     "Secret Sync",
		ID:        id,
		Enabled:   true,
		Timestamp: baseTS,
		Owner:     owner.Address(),
		Updated:   baseTS,
	})
	require.NoError(t, err)
	require.NoError(t, owner.Sign(&env))

	m := verifierFor(t, id, transport.EncryptionSymmetric, key)
	snap := PersistentSnapshot{Owner: owner.Address(), Messages: []transport.StoredMessage{storedSealed(t, env, key)}}
	snap.Hash, err = HashMessages(snap.Messages)
	require.NoError(t, err)
	require.NoError(t, m.verify(snap, snap.Hash, id))

	// A plaintext log claiming to belong to a protected session is rejected
	// before any message reaches the local log.
	leaked := PersistentSnapshot{Owner: owner.Address(), Messages: []transport.StoredMessage{storedPlain(t, env)}}
	leaked.Hash, err = HashMessages(leaked.Messages)
	require.NoError(t, err)
	require.ErrorIs(t, m.verify(leaked, leaked.Hash, id), ErrVerifyFailed)

	// And a sealed log is rejected on a node that joined without the
	// passphrase rather than imported as garbage.
	open := verifierFor(t, id, transport.EncryptionNone, nil)
	require.ErrorIs(t, open.verify(snap, snap.Hash, id), ErrVerifyFailed)
}

func TestProtectedSnapshotStaysSealed(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	blobs := blob.NewMemory()
	owner := testSigner(t, 1)
	key, err := transport.DeriveKey("hunter2")
	require.NoError(t, err)

	pub := bus.NewTransport()
	id := protocol.ProtectedSessionID("Secret Sync", baseTS, owner.Address())
	topic := protocol.TopicMain(id)
	require.NoError(t, pub.Configure(topic, transport.EncryptionSymmetric, key))

	desc, err := protocol.EncodePayload(protocol.TypeSessionDescriptor, id, "desc-1", baseTS, protocol.SessionDescriptorPayload{
		Title:     "Secret Sync",
		ID:        id,
		Enabled:   true,
		Timestamp: baseTS,
		Owner:     owner.Address(),
		Updated:   baseTS,
	})
	require.NoError(t, err)
	require.NoError(t, owner.Sign(&desc))
	require.NoError(t, pub.Publish(ctx, topic, desc))

	const secret = "when does the merger close?"
	require.NoError(t, pub.Publish(ctx, topic, signedQuestion(t, owner, id, secret, baseTS+1)))

	records := NewMemoryRecords()
	m := NewManager(pub, blobs, records, owner, zerolog.Nop(), WithClock(fixedClock(baseTS+2)))
	m.Track(ctx, Target{
		SessionID: id,
		Owner:     func() (string, bool) { return owner.Address(), true },
		Replay:    func(context.Context) error { return nil },
	})
	require.NoError(t, m.Publish(ctx, id))

	// The uploaded blob must not contain the question text anywhere.
	rec, ok, err := records.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := blobs.Download(ctx, rec.CID)
	require.NoError(t, err)
	raw, err := Decompress(data)
	require.NoError(t, err)
	require.NotContains(t, string(raw), secret)
	require.NotContains(t, string(raw), "Secret Sync")

	snap, err := Decode(data)
	require.NoError(t, err)
	for _, msg := range snap.Messages {
		require.True(t, msg.Encrypted)
	}

	// A peer without the passphrase cannot import it.
	sub := bus.NewTransport()
	require.NoError(t, sub.Configure(topic, transport.EncryptionNone, nil))
	peerMgr := NewManager(sub, blobs, NewMemoryRecords(), testSigner(t, 2), zerolog.Nop(), WithClock(fixedClock(baseTS+2)))
	peerMgr.Track(ctx, Target{
		SessionID: id,
		Owner:     func() (string, bool) { return "", false },
		Replay:    func(context.Context) error { return nil },
	})
	announce := announceEnvelope(t, owner, id, rec.Hash, rec.CID, rec.Timestamp)
	require.ErrorIs(t, peerMgr.HandleAnnounce(ctx, id, announce), ErrVerifyFailed)
}
