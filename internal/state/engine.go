package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/protocol"
)

// Named rejection conditions. A rejected message never mutates the projection
// and never stops the consumer loop.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDuplicate         = errors.New("duplicate")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnknownPoll       = errors.New("unknown poll")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoDescriptor      = errors.New("session descriptor not received yet")
	ErrStaleDescriptor   = errors.New("stale descriptor revision")
	ErrOwnerChanged      = errors.New("descriptor owner changed")
	ErrMissingTitle      = errors.New("title is required")
	ErrEmptyQuestion     = errors.New("question text is empty")
	ErrAlreadyAnswered   = errors.New("question already answered")
	ErrQuestionModerated = errors.New("question moderated")
	ErrAlreadyUpvoted    = errors.New("already upvoted")
	ErrAlreadyVoted      = errors.New("already voted on poll")
	ErrPollInactive      = errors.New("poll inactive")
	ErrOptionOutOfRange  = errors.New("poll option out of range")
)

const eventBuffer = 256

// Engine owns the authoritative in-memory projection of one session. All
// writes go through Apply; reads return clones, never internal references.
type Engine struct {
	mu        sync.RWMutex
	sessionID string
	desc      *Descriptor
	questions map[string]*Question
	polls     map[string]*Poll
	pollOrder []string
	events    chan Event
	logger    zerolog.Logger
}

// NewEngine creates the projection engine for one session.
func NewEngine(sessionID string, logger zerolog.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		questions: map[string]*Question{},
		polls:     map[string]*Poll{},
		events:    make(chan Event, eventBuffer),
		logger:    logger.With().Str("service", "state").Str("session", sessionID).Logger(),
	}
}

// Events exposes the domain-event stream for this session.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Apply validates and applies one signed message. Rejections are returned as
// named conditions; the projection is mutated all-or-nothing.
func (e *Engine) Apply(env protocol.Envelope) error {
	if err := env.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	switch env.Type {
	case protocol.TypeSessionDescriptor:
		err = e.applyDescriptorLocked(env)
	case protocol.TypeQuestionSubmit:
		err = e.applyQuestionLocked(env)
	case protocol.TypeUpvote:
		err = e.applyUpvoteLocked(env)
	case protocol.TypeAnswer:
		err = e.applyAnswerLocked(env)
	case protocol.TypeModerate:
		err = e.applyModerateLocked(env)
	case protocol.TypePollCreate:
		err = e.applyPollCreateLocked(env)
	case protocol.TypePollVote:
		err = e.applyPollVoteLocked(env)
	case protocol.TypePollSetActive:
		err = e.applyPollSetActiveLocked(env)
	default:
		err = fmt.Errorf("no handler for message type: %s", env.Type)
	}
	if err != nil {
		e.logger.Debug().Str("type", string(env.Type)).Str("signer", env.Signer).Err(err).Msg("message rejected")
	}
	return err
}

func (e *Engine) applyDescriptorLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.SessionDescriptorPayload](env.Payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(payload.Title) == "" {
		return ErrMissingTitle
	}
	if env.Signer != payload.Owner {
		return fmt.Errorf("%w: signer is not the declared owner", ErrUnauthorized)
	}
	if e.desc != nil {
		if e.desc.Owner != env.Signer {
			return ErrOwnerChanged
		}
		// Last-writer-wins by revision timestamp; ties and older revisions
		// are dropped to tolerate replay and out-of-order delivery.
		if payload.Updated <= e.desc.UpdatedAt {
			return ErrStaleDescriptor
		}
	}
	created := e.desc == nil
	e.desc = &Descriptor{
		Title:       payload.Title,
		Description: payload.Description,
		ID:          payload.ID,
		Owner:       payload.Owner,
		Admins:      append([]string(nil), payload.Admins...),
		Enabled:     payload.Enabled,
		Moderation:  payload.Moderation,
		CreatedAt:   payload.Timestamp,
		UpdatedAt:   payload.Updated,
	}
	if created {
		e.emitLocked(EventSessionCreated, "", env.Signer, env.Timestamp)
	} else {
		e.emitLocked(EventSessionUpdated, "", env.Signer, env.Timestamp)
	}
	return nil
}

func (e *Engine) applyQuestionLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.QuestionSubmitPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireEnabledLocked(); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Question) == "" {
		return ErrEmptyQuestion
	}
	hash := protocol.QuestionHash(payload)
	if _, exists := e.questions[hash]; exists {
		return ErrDuplicate
	}
	ts := payload.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	e.questions[hash] = &Question{
		Hash:      hash,
		Text:      payload.Question,
		Timestamp: ts,
		Signer:    env.Signer,
		Upvoters:  []string{},
	}
	e.emitLocked(EventQuestionCreated, hash, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) applyUpvoteLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.UpvotePayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireEnabledLocked(); err != nil {
		return err
	}
	q, ok := e.questions[payload.Hash]
	if !ok {
		return ErrUnknownQuestion
	}
	if q.Answered {
		return ErrAlreadyAnswered
	}
	if q.Moderated {
		return ErrQuestionModerated
	}
	if containsAddress(q.Upvoters, env.Signer) {
		return ErrAlreadyUpvoted
	}
	q.Upvotes++
	q.Upvoters = append(q.Upvoters, env.Signer)
	ev := Event{
		Type:      EventQuestionUpvoted,
		SessionID: e.sessionID,
		Ref:       q.Hash,
		Signer:    env.Signer,
		Timestamp: env.Timestamp,
		Upvotes:   q.Upvotes,
	}
	e.sendLocked(ev)
	return nil
}

func (e *Engine) applyAnswerLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.AnswerPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireModeratorLocked(env.Signer); err != nil {
		return err
	}
	q, ok := e.questions[payload.Hash]
	if !ok {
		return ErrUnknownQuestion
	}
	if q.Answered {
		return ErrAlreadyAnswered
	}
	q.Answered = true
	q.Answer = payload.Text
	q.AnsweredBy = env.Signer
	e.emitLocked(EventQuestionAnswered, q.Hash, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) applyModerateLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.ModeratePayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireModeratorLocked(env.Signer); err != nil {
		return err
	}
	q, ok := e.questions[payload.Hash]
	if !ok {
		return ErrUnknownQuestion
	}
	// Moderation stays allowed after an answer so an answered but abusive
	// question can still be hidden.
	q.Moderated = payload.Moderated
	e.emitLocked(EventQuestionModerated, q.Hash, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) applyPollCreateLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.PollCreatePayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireModeratorLocked(env.Signer); err != nil {
		return err
	}
	if env.Signer != payload.Creator {
		return fmt.Errorf("%w: signer is not the declared creator", ErrUnauthorized)
	}
	if strings.TrimSpace(payload.Poll.ID) == "" {
		return errors.New("poll id is required")
	}
	if len(payload.Poll.Options) == 0 {
		return errors.New("poll options are required")
	}
	if _, exists := e.polls[payload.Poll.ID]; exists {
		return ErrDuplicate
	}
	// Tallies are fully initialized here; votes never allocate slots.
	votes := make([][]string, len(payload.Poll.Options))
	for i := range votes {
		votes[i] = []string{}
	}
	e.polls[payload.Poll.ID] = &Poll{
		ID:       payload.Poll.ID,
		Title:    payload.Poll.Title,
		Question: payload.Poll.Question,
		Options:  append([]protocol.PollOption(nil), payload.Poll.Options...),
		Owner:    env.Signer,
		Active:   payload.Poll.Active,
		Votes:    votes,
	}
	e.pollOrder = append(e.pollOrder, payload.Poll.ID)
	e.emitLocked(EventPollCreated, payload.Poll.ID, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) applyPollVoteLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.PollVotePayload](env.Payload)
	if err != nil {
		return err
	}
	p, ok := e.polls[payload.ID]
	if !ok {
		return ErrUnknownPoll
	}
	if !p.Active {
		return ErrPollInactive
	}
	if payload.Option < 0 || payload.Option >= len(p.Options) {
		return ErrOptionOutOfRange
	}
	if p.hasVoter(env.Signer) {
		return ErrAlreadyVoted
	}
	p.Votes[payload.Option] = append(p.Votes[payload.Option], env.Signer)
	p.VoteCount++
	e.emitLocked(EventPollVoted, p.ID, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) applyPollSetActiveLocked(env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.PollSetActivePayload](env.Payload)
	if err != nil {
		return err
	}
	if err := e.requireModeratorLocked(env.Signer); err != nil {
		return err
	}
	p, ok := e.polls[payload.ID]
	if !ok {
		return ErrUnknownPoll
	}
	p.Active = payload.Active
	e.emitLocked(EventPollStateChanged, p.ID, env.Signer, env.Timestamp)
	return nil
}

func (e *Engine) requireEnabledLocked() error {
	if e.desc == nil {
		return ErrNoDescriptor
	}
	if !e.desc.Enabled {
		return ErrSessionClosed
	}
	return nil
}

func (e *Engine) requireModeratorLocked(signer string) error {
	if e.desc == nil {
		return ErrNoDescriptor
	}
	if e.desc.Owner == signer {
		return nil
	}
	if containsAddress(e.desc.Admins, signer) {
		return nil
	}
	return ErrUnauthorized
}

func (e *Engine) emitLocked(t EventType, ref, signer string, ts int64) {
	e.sendLocked(Event{Type: t, SessionID: e.sessionID, Ref: ref, Signer: signer, Timestamp: ts})
}

func (e *Engine) sendLocked(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn().Str("event", string(ev.Type)).Msg("event buffer full, dropping")
	}
}

// Descriptor returns a copy of the current session descriptor.
func (e *Engine) Descriptor() (Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.desc == nil {
		return Descriptor{}, false
	}
	return cloneDescriptor(*e.desc), true
}

// Question returns a copy of one question by hash.
func (e *Engine) Question(hash string) (Question, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.questions[hash]
	if !ok {
		return Question{}, false
	}
	return cloneQuestion(*q), true
}

// Questions returns a filtered, sorted view of the question table.
func (e *Engine) Questions(sortBy []QuestionSort, show []QuestionShow) []Question {
	e.mu.RLock()
	out := make([]Question, 0, len(e.questions))
	for _, q := range e.questions {
		if matchShow(*q, show) {
			out = append(out, cloneQuestion(*q))
		}
	}
	e.mu.RUnlock()
	sortQuestions(out, sortBy)
	return out
}

// Polls returns the poll table in creation order.
func (e *Engine) Polls() []Poll {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Poll, 0, len(e.pollOrder))
	for _, id := range e.pollOrder {
		if p, ok := e.polls[id]; ok {
			out = append(out, clonePoll(*p))
		}
	}
	return out
}

// Poll returns a copy of one poll by id.
func (e *Engine) Poll(id string) (Poll, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.polls[id]
	if !ok {
		return Poll{}, false
	}
	return clonePoll(*p), true
}

// Stats summarizes the projection for observability endpoints.
type Stats struct {
	Questions int `json:"questions"`
	Answered  int `json:"answered"`
	Moderated int `json:"moderated"`
	Upvotes   int `json:"upvotes"`
	Polls     int `json:"polls"`
	PollVotes int `json:"pollVotes"`
}

// ProjectionStats counts the current projection contents.
func (e *Engine) ProjectionStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := Stats{Questions: len(e.questions), Polls: len(e.polls)}
	for _, q := range e.questions {
		if q.Answered {
			stats.Answered++
		}
		if q.Moderated {
			stats.Moderated++
		}
		stats.Upvotes += q.Upvotes
	}
	for _, p := range e.polls {
		stats.PollVotes += p.VoteCount
	}
	return stats
}

// Reset clears the projection. Used on session teardown.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.desc = nil
	e.questions = map[string]*Question{}
	e.polls = map[string]*Poll{}
	e.pollOrder = nil
}
