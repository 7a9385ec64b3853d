package qa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/session"
	"github.com/qahub/qahub/internal/state"
)

// Service exposes the client-side Q&A operations: it validates input, checks
// what it can against the local projection to fail fast, and publishes signed
// messages. The projection itself only changes when messages are applied.
type Service struct {
	registry *session.Registry
	signer   identity.Signer
	logger   zerolog.Logger
}

// NewService creates the Q&A operations service.
func NewService(registry *session.Registry, signer identity.Signer, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		signer:   signer,
		logger:   logger.With().Str("service", "qa").Logger(),
	}
}

// CreateSessionInput describes a new session.
type CreateSessionInput struct {
	Title       string
	Description string
	Admins      []string
	Moderation  bool
	Passphrase  string
}

// CreateSession derives a session, joins it and publishes its first
// descriptor revision. The caller's identity becomes the owner.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*session.Session, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, state.ErrMissingTitle
	}
	sess, err := s.registry.Create(ctx, session.CreateOptions{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Admins:      in.Admins,
		Moderation:  in.Moderation,
		Passphrase:  in.Passphrase,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session", sess.ID()).Msg("session created")
	return sess, nil
}

// JoinSession attaches to an existing session as a participant.
func (s *Service) JoinSession(ctx context.Context, sessionID, passphrase string) (*session.Session, error) {
	return s.registry.Attach(ctx, sessionID, session.AttachOptions{Passphrase: passphrase})
}

// LeaveSession detaches from a session and drops its projection.
func (s *Service) LeaveSession(sessionID string) {
	s.registry.Teardown(sessionID)
}

// SubmitQuestion publishes a new question and returns its content hash.
func (s *Service) SubmitQuestion(ctx context.Context, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", state.ErrEmptyQuestion
	}
	sess, err := s.attached(sessionID)
	if err != nil {
		return "", err
	}
	if desc, ok := sess.Engine().Descriptor(); ok && !desc.Enabled {
		return "", state.ErrSessionClosed
	}
	payload := protocol.QuestionSubmitPayload{Question: text, Timestamp: time.Now().UnixMilli()}
	if err := sess.Publish(ctx, protocol.TypeQuestionSubmit, payload); err != nil {
		return "", err
	}
	return protocol.QuestionHash(payload), nil
}

// Upvote publishes an upvote for a question hash.
func (s *Service) Upvote(ctx context.Context, sessionID, hash string) error {
	sess, err := s.attached(sessionID)
	if err != nil {
		return err
	}
	if q, ok := sess.Engine().Question(hash); ok {
		if q.Answered {
			return state.ErrAlreadyAnswered
		}
		if containsAddress(q.Upvoters, s.signer.Address()) {
			return state.ErrAlreadyUpvoted
		}
	}
	return sess.Publish(ctx, protocol.TypeUpvote, protocol.UpvotePayload{Hash: hash})
}

// Answer publishes an answer to a question. Owner or admin only.
func (s *Service) Answer(ctx context.Context, sessionID, hash, text string) error {
	sess, err := s.moderating(sessionID)
	if err != nil {
		return err
	}
	return sess.Publish(ctx, protocol.TypeAnswer, protocol.AnswerPayload{Hash: hash, Text: text})
}

// Moderate publishes a moderation flag change for a question. Owner or admin
// only.
func (s *Service) Moderate(ctx context.Context, sessionID, hash string, moderated bool) error {
	sess, err := s.moderating(sessionID)
	if err != nil {
		return err
	}
	return sess.Publish(ctx, protocol.TypeModerate, protocol.ModeratePayload{Hash: hash, Moderated: moderated})
}

// SetEnabled opens or closes the session for new questions and upvotes.
// Owner only.
func (s *Service) SetEnabled(ctx context.Context, sessionID string, enabled bool) error {
	return s.reviseDescriptor(ctx, sessionID, func(p *protocol.SessionDescriptorPayload) {
		p.Enabled = enabled
	})
}

// SetAdmins replaces the session's admin list. Owner only.
func (s *Service) SetAdmins(ctx context.Context, sessionID string, admins []string) error {
	return s.reviseDescriptor(ctx, sessionID, func(p *protocol.SessionDescriptorPayload) {
		p.Admins = uniqNonEmpty(admins)
	})
}

// UpdateInfo changes the session title, description or moderation flag.
// Owner only.
type UpdateInfoInput struct {
	Title       *string
	Description *string
	Moderation  *bool
}

func (s *Service) UpdateInfo(ctx context.Context, sessionID string, in UpdateInfoInput) error {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return state.ErrMissingTitle
	}
	return s.reviseDescriptor(ctx, sessionID, func(p *protocol.SessionDescriptorPayload) {
		if in.Title != nil {
			p.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.Moderation != nil {
			p.Moderation = *in.Moderation
		}
	})
}

// CreatePollInput describes a new poll.
type CreatePollInput struct {
	Title    string
	Question string
	Options  []string
	Active   bool
}

// CreatePoll publishes a new poll and returns its id. Owner or admin only.
func (s *Service) CreatePoll(ctx context.Context, sessionID string, in CreatePollInput) (string, error) {
	if strings.TrimSpace(in.Question) == "" {
		return "", fmt.Errorf("poll question is required")
	}
	if len(in.Options) < 2 {
		return "", fmt.Errorf("poll needs at least two options")
	}
	sess, err := s.moderating(sessionID)
	if err != nil {
		return "", err
	}
	options := make([]protocol.PollOption, 0, len(in.Options))
	for _, o := range in.Options {
		if strings.TrimSpace(o) == "" {
			return "", fmt.Errorf("poll option title is required")
		}
		options = append(options, protocol.PollOption{Title: o})
	}
	poll := protocol.PollDefinition{
		ID:       uuid.NewString(),
		Title:    in.Title,
		Question: in.Question,
		Options:  options,
		Active:   in.Active,
	}
	payload := protocol.PollCreatePayload{
		Creator:   s.signer.Address(),
		Poll:      poll,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := sess.Publish(ctx, protocol.TypePollCreate, payload); err != nil {
		return "", err
	}
	return poll.ID, nil
}

// VotePoll publishes a vote for one poll option.
func (s *Service) VotePoll(ctx context.Context, sessionID, pollID string, option int) error {
	sess, err := s.attached(sessionID)
	if err != nil {
		return err
	}
	if p, ok := sess.Engine().Poll(pollID); ok {
		if !p.Active {
			return state.ErrPollInactive
		}
		if option < 0 || option >= len(p.Options) {
			return state.ErrOptionOutOfRange
		}
	}
	return sess.Publish(ctx, protocol.TypePollVote, protocol.PollVotePayload{ID: pollID, Option: option})
}

// SetPollActive opens or closes a poll for voting. Owner or admin only.
func (s *Service) SetPollActive(ctx context.Context, sessionID, pollID string, active bool) error {
	sess, err := s.moderating(sessionID)
	if err != nil {
		return err
	}
	return sess.Publish(ctx, protocol.TypePollSetActive, protocol.PollSetActivePayload{ID: pollID, Active: active})
}

// Questions returns the session's question view, sorted and filtered.
func (s *Service) Questions(sessionID string, sortBy []state.QuestionSort, show []state.QuestionShow) ([]state.Question, error) {
	sess, err := s.attached(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Engine().Questions(sortBy, show), nil
}

// Polls returns the session's polls in creation order.
func (s *Service) Polls(sessionID string) ([]state.Poll, error) {
	sess, err := s.attached(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Engine().Polls(), nil
}

// Descriptor returns the session's current descriptor.
func (s *Service) Descriptor(sessionID string) (state.Descriptor, error) {
	sess, err := s.attached(sessionID)
	if err != nil {
		return state.Descriptor{}, err
	}
	desc, ok := sess.Engine().Descriptor()
	if !ok {
		return state.Descriptor{}, state.ErrNoDescriptor
	}
	return desc, nil
}

func (s *Service) attached(sessionID string) (*session.Session, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return nil, session.ErrNotAttached
	}
	return sess, nil
}

// moderating requires the local identity to be the session owner or an admin.
// The projection enforces the same rule on apply; this is the fail-fast copy.
func (s *Service) moderating(sessionID string) (*session.Session, error) {
	sess, err := s.attached(sessionID)
	if err != nil {
		return nil, err
	}
	desc, ok := sess.Engine().Descriptor()
	if !ok {
		return nil, state.ErrNoDescriptor
	}
	addr := s.signer.Address()
	if desc.Owner != addr && !containsAddress(desc.Admins, addr) {
		return nil, state.ErrUnauthorized
	}
	return sess, nil
}

// reviseDescriptor publishes a new descriptor revision built from the
// current one. Owner only; the creation tuple never changes across revisions.
func (s *Service) reviseDescriptor(ctx context.Context, sessionID string, mutate func(*protocol.SessionDescriptorPayload)) error {
	sess, err := s.attached(sessionID)
	if err != nil {
		return err
	}
	desc, ok := sess.Engine().Descriptor()
	if !ok {
		return state.ErrNoDescriptor
	}
	if desc.Owner != s.signer.Address() {
		return state.ErrUnauthorized
	}
	payload := protocol.SessionDescriptorPayload{
		Title:       desc.Title,
		Description: desc.Description,
		ID:          desc.ID,
		Enabled:     desc.Enabled,
		Timestamp:   desc.CreatedAt,
		Owner:       desc.Owner,
		Admins:      append([]string(nil), desc.Admins...),
		Moderation:  desc.Moderation,
		Updated:     time.Now().UnixMilli(),
	}
	mutate(&payload)
	return sess.Publish(ctx, protocol.TypeSessionDescriptor, payload)
}

func containsAddress(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func uniqNonEmpty(in []string) []string {
	set := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
