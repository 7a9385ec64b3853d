package qa

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/qahub/qahub/internal/blob"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/session"
	"github.com/qahub/qahub/internal/snapshot"
	"github.com/qahub/qahub/internal/state"
	"github.com/qahub/qahub/internal/transport"
)

type qaNode struct {
	svc      *Service
	registry *session.Registry
	signer   *identity.Identity
}

func newQANode(t *testing.T, bus *transport.Bus, seed byte) *qaNode {
	t.Helper()
	signer, err := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	tr := bus.NewTransport()
	snapshots := snapshot.NewManager(tr, blob.NewMemory(), snapshot.NewMemoryRecords(), signer, zerolog.Nop())
	registry := session.NewRegistry(tr, snapshots, signer, zerolog.Nop())
	t.Cleanup(registry.Close)
	return &qaNode{
		svc:      NewService(registry, signer, zerolog.Nop()),
		registry: registry,
		signer:   signer,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func createSession(t *testing.T, node *qaNode, in CreateSessionInput) string {
	t.Helper()
	sess, err := node.svc.CreateSession(context.Background(), in)
	require.NoError(t, err)
	eventually(t, func() bool {
		_, err := node.svc.Descriptor(sess.ID())
		return err == nil
	}, "descriptor never applied")
	return sess.ID()
}

func TestCreateAndSubmit(t *testing.T) {
	ctx := context.Background()
	node := newQANode(t, transport.NewBus(), 1)

	_, err := node.svc.CreateSession(ctx, CreateSessionInput{Title: " "})
	require.ErrorIs(t, err, state.ErrMissingTitle)

	id := createSession(t, node, CreateSessionInput{Title: "Town Hall"})

	_, err = node.svc.SubmitQuestion(ctx, id, "  ")
	require.ErrorIs(t, err, state.ErrEmptyQuestion)
	_, err = node.svc.SubmitQuestion(ctx, "missing", "hello?")
	require.ErrorIs(t, err, session.ErrNotAttached)

	hash, err := node.svc.SubmitQuestion(ctx, id, "what is the plan?")
	require.NoError(t, err)
	require.Len(t, hash, 64)

	eventually(t, func() bool {
		qs, err := node.svc.Questions(id, nil, nil)
		return err == nil && len(qs) == 1 && qs[0].Hash == hash
	}, "question never projected")
}

func TestUpvoteLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner := newQANode(t, bus, 1)
	voter := newQANode(t, bus, 2)

	id := createSession(t, owner, CreateSessionInput{Title: "Town Hall"})
	hash, err := owner.svc.SubmitQuestion(ctx, id, "what is the plan?")
	require.NoError(t, err)

	_, err = voter.svc.JoinSession(ctx, id, "")
	require.NoError(t, err)
	eventually(t, func() bool {
		qs, err := voter.svc.Questions(id, nil, nil)
		return err == nil && len(qs) == 1
	}, "question never reached the voter")

	require.NoError(t, voter.svc.Upvote(ctx, id, hash))
	eventually(t, func() bool {
		qs, _ := voter.svc.Questions(id, nil, nil)
		return len(qs) == 1 && qs[0].Upvotes == 1
	}, "upvote never projected")

	// The fail-fast copy of the projection rule rejects a second upvote
	// without publishing anything.
	require.ErrorIs(t, voter.svc.Upvote(ctx, id, hash), state.ErrAlreadyUpvoted)

	require.NoError(t, owner.svc.Answer(ctx, id, hash, "soon"))
	for _, node := range []*qaNode{owner, voter} {
		eventually(t, func() bool {
			qs, _ := node.svc.Questions(id, nil, nil)
			return len(qs) == 1 && qs[0].Answered
		}, "answer never projected")
	}
	require.ErrorIs(t, owner.svc.Upvote(ctx, id, hash), state.ErrAlreadyAnswered)
}

func TestModerationAuthority(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner := newQANode(t, bus, 1)
	peer := newQANode(t, bus, 2)

	id := createSession(t, owner, CreateSessionInput{Title: "Town Hall"})
	hash, err := owner.svc.SubmitQuestion(ctx, id, "what is the plan?")
	require.NoError(t, err)

	_, err = peer.svc.JoinSession(ctx, id, "")
	require.NoError(t, err)
	eventually(t, func() bool {
		_, err := peer.svc.Descriptor(id)
		return err == nil
	}, "descriptor never reached the peer")

	require.ErrorIs(t, peer.svc.Answer(ctx, id, hash, "no"), state.ErrUnauthorized)
	require.ErrorIs(t, peer.svc.Moderate(ctx, id, hash, true), state.ErrUnauthorized)
	require.ErrorIs(t, peer.svc.SetEnabled(ctx, id, false), state.ErrUnauthorized)

	// Promotion to admin grants moderation but not descriptor revisions.
	require.NoError(t, owner.svc.SetAdmins(ctx, id, []string{peer.signer.Address()}))
	eventually(t, func() bool {
		desc, err := peer.svc.Descriptor(id)
		return err == nil && len(desc.Admins) == 1
	}, "admin promotion never projected")

	require.NoError(t, peer.svc.Moderate(ctx, id, hash, true))
	eventually(t, func() bool {
		qs, _ := peer.svc.Questions(id, nil, []state.QuestionShow{state.ShowAll})
		return len(qs) == 1 && qs[0].Moderated
	}, "moderation never projected")
	require.ErrorIs(t, peer.svc.SetEnabled(ctx, id, false), state.ErrUnauthorized)
}

func TestDescriptorRevisions(t *testing.T) {
	ctx := context.Background()
	node := newQANode(t, transport.NewBus(), 1)
	id := createSession(t, node, CreateSessionInput{Title: "Town Hall", Description: "weekly"})

	title := "All Hands"
	moderation := true
	require.NoError(t, node.svc.UpdateInfo(ctx, id, UpdateInfoInput{Title: &title, Moderation: &moderation}))
	eventually(t, func() bool {
		desc, err := node.svc.Descriptor(id)
		return err == nil && desc.Title == "All Hands" && desc.Moderation && desc.Description == "weekly"
	}, "revision never projected")

	blank := " "
	require.ErrorIs(t, node.svc.UpdateInfo(ctx, id, UpdateInfoInput{Title: &blank}), state.ErrMissingTitle)

	require.NoError(t, node.svc.SetEnabled(ctx, id, false))
	eventually(t, func() bool {
		desc, err := node.svc.Descriptor(id)
		return err == nil && !desc.Enabled
	}, "disable never projected")
	_, err := node.svc.SubmitQuestion(ctx, id, "too late?")
	require.ErrorIs(t, err, state.ErrSessionClosed)
}

func TestPollLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()
	owner := newQANode(t, bus, 1)
	voter := newQANode(t, bus, 2)

	id := createSession(t, owner, CreateSessionInput{Title: "Town Hall"})

	_, err := owner.svc.CreatePoll(ctx, id, CreatePollInput{Question: "", Options: []string{"a", "b"}})
	require.Error(t, err)
	_, err = owner.svc.CreatePoll(ctx, id, CreatePollInput{Question: "pick", Options: []string{"a"}})
	require.Error(t, err)
	_, err = owner.svc.CreatePoll(ctx, id, CreatePollInput{Question: "pick", Options: []string{"a", " "}})
	require.Error(t, err)

	pollID, err := owner.svc.CreatePoll(ctx, id, CreatePollInput{Question: "pick", Options: []string{"red", "blue"}, Active: true})
	require.NoError(t, err)

	_, err = voter.svc.JoinSession(ctx, id, "")
	require.NoError(t, err)
	eventually(t, func() bool {
		polls, err := voter.svc.Polls(id)
		return err == nil && len(polls) == 1
	}, "poll never reached the voter")

	require.ErrorIs(t, voter.svc.VotePoll(ctx, id, pollID, 5), state.ErrOptionOutOfRange)
	require.NoError(t, voter.svc.VotePoll(ctx, id, pollID, 1))
	eventually(t, func() bool {
		polls, _ := voter.svc.Polls(id)
		return len(polls) == 1 && polls[0].VoteCount == 1
	}, "vote never projected")

	require.ErrorIs(t, voter.svc.SetPollActive(ctx, id, pollID, false), state.ErrUnauthorized)
	require.NoError(t, owner.svc.SetPollActive(ctx, id, pollID, false))
	eventually(t, func() bool {
		polls, _ := voter.svc.Polls(id)
		return len(polls) == 1 && !polls[0].Active
	}, "poll close never projected")
	require.ErrorIs(t, voter.svc.VotePoll(ctx, id, pollID, 0), state.ErrPollInactive)
}
