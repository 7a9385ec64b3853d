package session

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/qahub/qahub/internal/blob"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/snapshot"
	"github.com/qahub/qahub/internal/state"
	"github.com/qahub/qahub/internal/transport"
)

func newTestRegistry(t *testing.T, bus *transport.Bus, seed byte) (*Registry, *identity.Identity) {
	t.Helper()
	signer, err := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	tr := bus.NewTransport()
	snapshots := snapshot.NewManager(tr, blob.NewMemory(), snapshot.NewMemoryRecords(), signer, zerolog.Nop())
	return NewRegistry(tr, snapshots, signer, zerolog.Nop()), signer
}

func waitDescriptor(t *testing.T, s *Session) state.Descriptor {
	t.Helper()
	var desc state.Descriptor
	require.Eventually(t, func() bool {
		d, ok := s.Engine().Descriptor()
		if ok {
			desc = d
		}
		return ok
	}, 2*time.Second, 10*time.Millisecond, "descriptor never applied")
	return desc
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	r, signer := newTestRegistry(t, bus, 1)
	defer r.Close()

	s, err := r.Create(ctx, CreateOptions{Title: "Town Hall", Description: "weekly", Moderation: true})
	require.NoError(t, err)

	desc := waitDescriptor(t, s)
	require.Equal(t, "Town Hall", desc.Title)
	require.Equal(t, signer.Address(), desc.Owner)
	require.True(t, desc.Moderation)

	got, ok := r.Get(s.ID())
	require.True(t, ok)
	require.Same(t, s, got)
	require.Contains(t, r.List(), s.ID())

	_, err = r.Create(ctx, CreateOptions{Title: "  "})
	require.ErrorIs(t, err, state.ErrMissingTitle)

	_, err = r.Attach(ctx, s.ID(), AttachOptions{})
	require.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestProtectedSessionKeying(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner, _ := newTestRegistry(t, bus, 1)
	defer owner.Close()

	s, err := owner.Create(ctx, CreateOptions{Title: "Secret Sync", Passphrase: "open sesame"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s.ID(), protocol.ProtectedPrefix))
	waitDescriptor(t, s)

	peer, _ := newTestRegistry(t, bus, 2)
	defer peer.Close()

	_, err = peer.Attach(ctx, s.ID(), AttachOptions{})
	require.ErrorIs(t, err, ErrPassphraseRequired)

	joined, err := peer.Attach(ctx, s.ID(), AttachOptions{Passphrase: "open sesame"})
	require.NoError(t, err)
	desc := waitDescriptor(t, joined)
	require.Equal(t, "Secret Sync", desc.Title)
}

func TestLateJoinerFetchesNetworkHistory(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner, _ := newTestRegistry(t, bus, 1)
	defer owner.Close()

	s, err := owner.Create(ctx, CreateOptions{Title: "Town Hall"})
	require.NoError(t, err)
	waitDescriptor(t, s)

	now := time.Now().UnixMilli()
	require.NoError(t, s.Publish(ctx, protocol.TypeQuestionSubmit, protocol.QuestionSubmitPayload{Question: "what is the plan?", Timestamp: now}))
	require.Eventually(t, func() bool {
		return s.Engine().ProjectionStats().Questions == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A peer attaching later has an empty local log and falls back to the
	// network's store peers.
	peer, _ := newTestRegistry(t, bus, 2)
	defer peer.Close()
	joined, err := peer.Attach(ctx, s.ID(), AttachOptions{})
	require.NoError(t, err)

	desc, ok := joined.Engine().Descriptor()
	require.True(t, ok)
	require.Equal(t, "Town Hall", desc.Title)
	require.Equal(t, 1, joined.Engine().ProjectionStats().Questions)
}

func TestLiveDeliveryBetweenPeers(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner, _ := newTestRegistry(t, bus, 1)
	defer owner.Close()
	peer, _ := newTestRegistry(t, bus, 2)
	defer peer.Close()

	s, err := owner.Create(ctx, CreateOptions{Title: "Town Hall"})
	require.NoError(t, err)
	waitDescriptor(t, s)

	joined, err := peer.Attach(ctx, s.ID(), AttachOptions{})
	require.NoError(t, err)
	waitDescriptor(t, joined)

	now := time.Now().UnixMilli()
	require.NoError(t, joined.Publish(ctx, protocol.TypeQuestionSubmit, protocol.QuestionSubmitPayload{Question: "live?", Timestamp: now}))

	for _, sess := range []*Session{s, joined} {
		require.Eventually(t, func() bool {
			return sess.Engine().ProjectionStats().Questions == 1
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestEventSinkReceivesDomainEvents(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	r, _ := newTestRegistry(t, bus, 1)
	defer r.Close()

	events := make(chan state.Event, 16)
	r.OnEvent(func(ev state.Event) { events <- ev })

	s, err := r.Create(ctx, CreateOptions{Title: "Town Hall"})
	require.NoError(t, err)
	waitDescriptor(t, s)

	select {
	case ev := <-events:
		require.Equal(t, s.ID(), ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event observed")
	}
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	r, _ := newTestRegistry(t, bus, 1)

	s, err := r.Create(ctx, CreateOptions{Title: "Town Hall"})
	require.NoError(t, err)
	waitDescriptor(t, s)
	id := s.ID()

	r.Teardown(id)
	_, ok := r.Get(id)
	require.False(t, ok)
	require.Empty(t, r.List())
	_, ok = s.Engine().Descriptor()
	require.False(t, ok)

	// A torn-down id can be attached again.
	again, err := r.Attach(ctx, id, AttachOptions{})
	require.NoError(t, err)
	waitDescriptor(t, again)
	r.Close()
}

func TestConcurrentAttachSingleWinner(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	r, _ := newTestRegistry(t, bus, 1)
	defer r.Close()

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Attach(ctx, "deadbeef1234", AttachOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyAttached)
		lost++
	}
	require.Equal(t, 1, won)
	require.Equal(t, attempts-1, lost)
	require.Equal(t, []string{"deadbeef1234"}, r.List())
}
