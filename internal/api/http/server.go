package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/application/notify"
	"github.com/qahub/qahub/internal/application/qa"
	"github.com/qahub/qahub/internal/identity"
	"github.com/qahub/qahub/internal/infrastructure/sse"
	"github.com/qahub/qahub/internal/session"
	"github.com/qahub/qahub/internal/snapshot"
	"github.com/qahub/qahub/internal/state"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	qaSvc     *qa.Service
	notifySvc *notify.Service
	registry  *session.Registry
	snapshots *snapshot.Manager
	sseHub    *sse.Hub
	signer    identity.Signer
	logger    zerolog.Logger
}

func NewServer(
	qaSvc *qa.Service,
	notifySvc *notify.Service,
	registry *session.Registry,
	snapshots *snapshot.Manager,
	sseHub *sse.Hub,
	signer identity.Signer,
	logger zerolog.Logger,
) *Server {
	return &Server{
		qaSvc:     qaSvc,
		notifySvc: notifySvc,
		registry:  registry,
		snapshots: snapshots,
		sseHub:    sseHub,
		signer:    signer,
		logger:    logger.With().Str("service", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/healthz", s.health)
			r.Get("/identity", s.identityInfo)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.createSession)
				r.Get("/", s.listSessions)

				r.Route("/{sessionId}", func(r chi.Router) {
					r.Post("/join", s.joinSession)
					r.Delete("/", s.leaveSession)
					r.Get("/", s.getSession)
					r.Patch("/", s.updateSession)
					r.Post("/enabled", s.setEnabled)
					r.Put("/admins", s.setAdmins)

					r.Get("/questions", s.listQuestions)
					r.Post("/questions", s.submitQuestion)
					r.Post("/questions/{hash}/upvote", s.upvoteQuestion)
					r.Post("/questions/{hash}/answer", s.answerQuestion)
					r.Post("/questions/{hash}/moderate", s.moderateQuestion)

					r.Get("/polls", s.listPolls)
					r.Post("/polls", s.createPoll)
					r.Post("/polls/{pollId}/vote", s.votePoll)
					r.Post("/polls/{pollId}/active", s.setPollActive)

					r.Post("/snapshot", s.publishSnapshot)
				})
			})
		})

		// Streams live outside the request timeout.
		r.Get("/sessions/{sessionId}/stream", s.stream)
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// respondDomainError maps named projection conditions onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, session.ErrNotAttached),
		errors.Is(err, state.ErrUnknownQuestion),
		errors.Is(err, state.ErrUnknownPoll),
		errors.Is(err, state.ErrNoDescriptor):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, state.ErrDuplicate),
		errors.Is(err, state.ErrAlreadyUpvoted),
		errors.Is(err, state.ErrAlreadyVoted),
		errors.Is(err, state.ErrAlreadyAnswered),
		errors.Is(err, session.ErrAlreadyAttached):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	}
}

// Request types

type sessionCreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Admins      []string `json:"admins,omitempty"`
	Moderation  bool     `json:"moderation,omitempty"`
	Passphrase  string   `json:"passphrase,omitempty"`
}

type sessionJoinRequest struct {
	Passphrase       string `json:"passphrase,omitempty"`
	PublishSnapshots bool   `json:"publish_snapshots,omitempty"`
}

type sessionUpdateRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Moderation  *bool   `json:"moderation,omitempty"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type adminsRequest struct {
	Admins []string `json:"admins"`
}

type questionSubmitRequest struct {
	Question string `json:"question"`
}

type answerRequest struct {
	Text string `json:"text,omitempty"`
}

type moderateRequest struct {
	Moderated bool `json:"moderated"`
}

type pollCreateRequest struct {
	Title    string   `json:"title,omitempty"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Active   bool     `json:"active"`
}

type pollVoteRequest struct {
	Option int `json:"option"`
}

type pollActiveRequest struct {
	Active bool `json:"active"`
}

// Handlers

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) identityInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"address": s.signer.Address()})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sess, err := s.qaSvc.CreateSession(contextFromRequest(r), qa.CreateSessionInput{
		Title:       req.Title,
		Description: req.Description,
		Admins:      req.Admins,
		Moderation:  req.Moderation,
		Passphrase:  req.Passphrase,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sess.ID()})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.registry.List()})
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var req sessionJoinRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
	}
	sess, err := s.registry.Attach(contextFromRequest(r), sessionID, session.AttachOptions{
		Passphrase:       req.Passphrase,
		PublishSnapshots: req.PublishSnapshots,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sess.ID()})
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	s.qaSvc.LeaveSession(chi.URLParam(r, "sessionId"))
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "detached"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not attached")
		return
	}
	resp := map[string]interface{}{
		"session_id": sessionID,
		"stats":      sess.Engine().ProjectionStats(),
	}
	if desc, ok := sess.Engine().Descriptor(); ok {
		resp["descriptor"] = desc
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	err := s.qaSvc.UpdateInfo(contextFromRequest(r), chi.URLParam(r, "sessionId"), qa.UpdateInfoInput{
		Title:       req.Title,
		Description: req.Description,
		Moderation:  req.Moderation,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.qaSvc.SetEnabled(contextFromRequest(r), chi.URLParam(r, "sessionId"), req.Enabled); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) setAdmins(w http.ResponseWriter, r *http.Request) {
	var req adminsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.qaSvc.SetAdmins(contextFromRequest(r), chi.URLParam(r, "sessionId"), req.Admins); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	sortBy := []state.QuestionSort{}
	for _, v := range splitCSV(r.URL.Query().Get("sort")) {
		sortBy = append(sortBy, state.QuestionSort(v))
	}
	show := []state.QuestionShow{}
	for _, v := range splitCSV(r.URL.Query().Get("show")) {
		show = append(show, state.QuestionShow(v))
	}
	questions, err := s.qaSvc.Questions(chi.URLParam(r, "sessionId"), sortBy, show)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"questions": questions})
}

func (s *Server) submitQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionSubmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	hash, err := s.qaSvc.SubmitQuestion(contextFromRequest(r), chi.URLParam(r, "sessionId"), req.Question)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"hash": hash})
}

func (s *Server) upvoteQuestion(w http.ResponseWriter, r *http.Request) {
	err := s.qaSvc.Upvote(contextFromRequest(r), chi.URLParam(r, "sessionId"), chi.URLParam(r, "hash"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
	}
	err := s.qaSvc.Answer(contextFromRequest(r), chi.URLParam(r, "sessionId"), chi.URLParam(r, "hash"), req.Text)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) moderateQuestion(w http.ResponseWriter, r *http.Request) {
	var req moderateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	err := s.qaSvc.Moderate(contextFromRequest(r), chi.URLParam(r, "sessionId"), chi.URLParam(r, "hash"), req.Moderated)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) listPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := s.qaSvc.Polls(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"polls": polls})
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var req pollCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id, err := s.qaSvc.CreatePoll(contextFromRequest(r), chi.URLParam(r, "sessionId"), qa.CreatePollInput{
		Title:    req.Title,
		Question: req.Question,
		Options:  req.Options,
		Active:   req.Active,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"poll_id": id})
}

func (s *Server) votePoll(w http.ResponseWriter, r *http.Request) {
	var req pollVoteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	err := s.qaSvc.VotePoll(contextFromRequest(r), chi.URLParam(r, "sessionId"), chi.URLParam(r, "pollId"), req.Option)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) setPollActive(w http.ResponseWriter, r *http.Request) {
	var req pollActiveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	err := s.qaSvc.SetPollActive(contextFromRequest(r), chi.URLParam(r, "sessionId"), chi.URLParam(r, "pollId"), req.Active)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

func (s *Server) publishSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := s.snapshots.Publish(contextFromRequest(r), sessionID); err != nil {
		if errors.Is(err, snapshot.ErrSameHash) {
			respondJSON(w, http.StatusOK, map[string]interface{}{"status": "unchanged"})
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "published"})
}

// stream is the per-session SSE endpoint. With a filter expression the
// stream carries only matching events; without one it carries every event of
// the session.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, ok := s.registry.Get(sessionID); !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not attached")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	filter := r.URL.Query().Get("filter")
	var messages <-chan []byte
	if filter != "" {
		rule, err := s.notifySvc.Subscribe(sessionID, filter)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		defer s.notifySvc.Unsubscribe(rule.ID)
		out := make(chan []byte, 64)
		go func() {
			defer close(out)
			for ev := range rule.Matches {
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				select {
				case out <- data:
				default:
				}
			}
		}()
		messages = out
	} else {
		client := sse.NewClient(uuid.NewString(), sessionID)
		s.sseHub.Register(client)
		defer s.sseHub.Unregister(client.ID)
		messages = client.Messages
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
