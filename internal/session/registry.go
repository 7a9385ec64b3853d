package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/protocol"
	"github.com/qahub/qahub/internal/snapshot"
	"github.com/qahub/qahub/internal/state"
	"github.com/qahub/qahub/internal/transport"
)

var (
	ErrNotAttached        = errors.New("session not attached")
	ErrAlreadyAttached    = errors.New("session already attached")
	ErrPassphraseRequired = errors.New("passphrase required for protected session")
)

const incomingBuffer = 256

// Session is one attached session: its topic binding, projection engine and
// the single consumer goroutine that serializes message application.
type Session struct {
	id       string
	topic    string
	engine   *state.Engine
	registry *Registry
	incoming chan protocol.Envelope
	cancel   context.CancelFunc
}

func (s *Session) ID() string { return s.id }

// Engine exposes the session's read views.
func (s *Session) Engine() *state.Engine { return s.engine }

// Publish signs and broadcasts one operation on the session topic.
func (s *Session) Publish(ctx context.Context, msgType protocol.MessageType, payload any) error {
	env, err := protocol.EncodePayload(msgType, s.id, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	if err := s.registry.signer.Sign(&env); err != nil {
		return err
	}
	return s.registry.transport.Publish(ctx, s.topic, env)
}

// dispatch routes one message to the projection or the snapshot manager.
// Rejections never stop consumption.
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSnapshotAnnounce:
		// Announce handling downloads from the blob gateway. It runs off the
		// consumer goroutine so live deliveries keep flowing; the manager's
		// in-flight guard serializes imports per session.
		go func() {
			if err := s.registry.snapshots.HandleAnnounce(ctx, s.id, env); err != nil {
				s.registry.logger.Debug().Str("session", s.id).Err(err).Msg("snapshot announce skipped")
			}
		}()
	case protocol.TypeSnapshotPersist:
		// Persist requests are for tracker nodes; session peers ignore them.
	default:
		_ = s.engine.Apply(env)
	}
}

func (s *Session) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.incoming:
			s.dispatch(ctx, env)
		}
	}
}

// replayLocal re-applies the whole local log through the normal handlers.
// The projection's idempotence makes replays safe at any time.
func (s *Session) replayLocal(ctx context.Context) error {
	msgs, err := s.registry.transport.QueryLocal(ctx, s.topic)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		env, _, err := s.registry.transport.Decode(s.topic, msg)
		if err != nil {
			s.registry.logger.Debug().Str("session", s.id).Err(err).Msg("skipping undecodable log entry")
			continue
		}
		s.dispatch(ctx, env)
	}
	return nil
}

// CreateOptions describes a new session.
type CreateOptions struct {
	Title       string
	Description string
	Admins      []string
	Moderation  bool
	Passphrase  string
}

// AttachOptions joins an existing session.
type AttachOptions struct {
	Passphrase string
	// PublishSnapshots enables the periodic snapshot publish loop. Session
	// owners run with it on.
	PublishSnapshots bool
}

// Registry keys attached sessions by id and owns their lifecycles.
type Registry struct {
	transport transport.Transport
	snapshots *snapshot.Manager
	signer    identity.Signer
	logger    zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	attaching map[string]struct{}
	sink      func(state.Event)
}

// OnEvent installs a sink for domain events from every attached session.
// Set it before attaching; it fans out to observers like SSE and filters.
func (r *Registry) OnEvent(sink func(state.Event)) {
	r.sink = sink
}

// NewRegistry wires the session registry.
func NewRegistry(tr transport.Transport, snapshots *snapshot.Manager, signer identity.Signer, logger zerolog.Logger) *Registry {
	return &Registry{
		transport: tr,
		snapshots: snapshots,
		signer:    signer,
		logger:    logger.With().Str("service", "session").Logger(),
		sessions:  map[string]*Session{},
		attaching: map[string]struct{}{},
	}
}

// Create derives a new session id, binds its topic and publishes the first
// descriptor revision. The creator becomes the owner and publishes snapshots.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return nil, state.ErrMissingTitle
	}
	now := time.Now().UnixMilli()
	owner := r.signer.Address()
	id := protocol.SessionID(opts.Title, now, owner)
	if opts.Passphrase != "" {
		id = protocol.ProtectedPrefix + id
	}

	s, err := r.Attach(ctx, id, AttachOptions{Passphrase: opts.Passphrase, PublishSnapshots: true})
	if err != nil {
		return nil, err
	}

	desc := protocol.SessionDescriptorPayload{
		Title:       opts.Title,
		Description: opts.Description,
		ID:          id,
		Enabled:     true,
		Timestamp:   now,
		Owner:       owner,
		Admins:      append([]string(nil), opts.Admins...),
		Moderation:  opts.Moderation,
		Updated:     now,
	}
	if err := s.Publish(ctx, protocol.TypeSessionDescriptor, desc); err != nil {
		r.Teardown(id)
		return nil, err
	}
	return s, nil
}

// Attach binds the session topic, starts the consumer, replays history and
// registers the session with the snapshot manager.
func (r *Registry) Attach(ctx context.Context, sessionID string, opts AttachOptions) (*Session, error) {
	// Reserve the id in one critical section so concurrent attaches for the
	// same session cannot both pass the existence check.
	r.mu.Lock()
	_, exists := r.sessions[sessionID]
	_, busy := r.attaching[sessionID]
	if exists || busy {
		r.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	r.attaching[sessionID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.attaching, sessionID)
		r.mu.Unlock()
	}()

	topic := protocol.TopicMain(sessionID)
	mode := transport.EncryptionNone
	var key []byte
	if protocol.IsProtected(sessionID) {
		if opts.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		derived, err := transport.DeriveKey(opts.Passphrase)
		if err != nil {
			return nil, err
		}
		mode = transport.EncryptionSymmetric
		key = derived
	}
	if err := r.transport.Configure(topic, mode, key); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       sessionID,
		topic:    topic,
		engine:   state.NewEngine(sessionID, r.logger),
		registry: r,
		incoming: make(chan protocol.Envelope, incomingBuffer),
		cancel:   cancel,
	}
	go s.consume(sessCtx)
	if r.sink != nil {
		go func() {
			for {
				select {
				case <-sessCtx.Done():
					return
				case ev := <-s.engine.Events():
					r.sink(ev)
				}
			}
		}()
	}

	handler := func(env protocol.Envelope) {
		select {
		case s.incoming <- env:
		default:
			r.logger.Warn().Str("session", sessionID).Msg("incoming buffer full, dropping")
		}
	}
	if err := r.transport.Subscribe(ctx, topic, handler); err != nil {
		cancel()
		return nil, err
	}

	if err := s.replayLocal(ctx); err != nil {
		r.logger.Warn().Str("session", sessionID).Err(err).Msg("local replay failed")
	}
	if len(s.engine.Questions(nil, nil)) == 0 {
		if err := r.fetchNetwork(ctx, s); err != nil {
			r.logger.Warn().Str("session", sessionID).Err(err).Msg("network history fetch failed")
		}
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	r.snapshots.Track(sessCtx, snapshot.Target{
		SessionID: sessionID,
		Publish:   opts.PublishSnapshots,
		Owner: func() (string, bool) {
			desc, ok := s.engine.Descriptor()
			if !ok {
				return "", false
			}
			return desc.Owner, true
		},
		Replay: s.replayLocal,
	})
	return s, nil
}

// fetchNetwork pulls topic history from store peers when the local log came
// up empty, importing it and replaying.
func (r *Registry) fetchNetwork(ctx context.Context, s *Session) error {
	msgs, err := r.transport.QueryNetwork(ctx, s.topic)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := r.transport.ImportLocal(ctx, s.topic, msgs); err != nil {
		return err
	}
	r.transport.ClearDedupCache(s.topic)
	return s.replayLocal(ctx)
}

// Get returns an attached session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns the ids of all attached sessions.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Teardown detaches a session: unsubscribes its topic, stops its consumer and
// snapshot work, and drops the projection.
func (r *Registry) Teardown(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.snapshots.Untrack(sessionID)
	if err := r.transport.Unsubscribe(s.topic); err != nil {
		r.logger.Warn().Str("session", sessionID).Err(err).Msg("unsubscribe failed")
	}
	s.cancel()
	s.engine.Reset()
}

// Close tears down every attached session.
func (r *Registry) Close() {
	for _, id := range r.List() {
		r.Teardown(id)
	}
}
