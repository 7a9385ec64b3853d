package notify

import (
	"errors"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qahub/qahub/internal/state"
)

// Rule is one subscription: a boolean expression evaluated against each
// domain event. Events the expression matches are forwarded to the rule's
// channel.
type Rule struct {
	ID         string
	SessionID  string
	Expression string
	Matches    <-chan state.Event
}

type rule struct {
	id        string
	sessionID string
	expr      *govaluate.EvaluableExpression
	matchAll  bool
	out       chan state.Event
}

const matchBuffer = 64

// Service filters the domain-event stream through host-defined expressions
// like "type == 'question_answered' && upvotes >= 5".
type Service struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	rules map[string]*rule
}

// NewService creates the notification rule service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger: logger.With().Str("service", "notify").Logger(),
		rules:  map[string]*rule{},
	}
}

// Subscribe registers an expression for one session. An empty expression
// matches every event. sessionID "" matches all sessions.
func (s *Service) Subscribe(sessionID, expression string) (Rule, error) {
	expression = strings.TrimSpace(expression)
	r := &rule{
		id:        uuid.NewString(),
		sessionID: sessionID,
		matchAll:  expression == "",
		out:       make(chan state.Event, matchBuffer),
	}
	if !r.matchAll {
		expr, err := govaluate.NewEvaluableExpression(expression)
		if err != nil {
			return Rule{}, err
		}
		r.expr = expr
	}
	s.mu.Lock()
	s.rules[r.id] = r
	s.mu.Unlock()
	return Rule{ID: r.id, SessionID: sessionID, Expression: expression, Matches: r.out}, nil
}

// Unsubscribe removes a rule and closes its channel.
func (s *Service) Unsubscribe(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[ruleID]; ok {
		delete(s.rules, ruleID)
		close(r.out)
	}
}

// Dispatch evaluates every registered rule against one event. Evaluation
// errors disable nothing; the event just does not match that rule. The read
// lock is held across the sends so Unsubscribe can never close a channel a
// dispatch is about to send on.
func (s *Service) Dispatch(ev state.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.sessionID != "" && r.sessionID != ev.SessionID {
			continue
		}
		ok, err := r.matches(ev)
		if err != nil {
			s.logger.Debug().Str("rule", r.id).Err(err).Msg("rule evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		select {
		case r.out <- ev:
		default:
			s.logger.Warn().Str("rule", r.id).Msg("match buffer full, dropping")
		}
	}
}

// Run consumes an event channel until it closes, dispatching each event.
func (s *Service) Run(events <-chan state.Event) {
	for ev := range events {
		s.Dispatch(ev)
	}
}

func (r *rule) matches(ev state.Event) (bool, error) {
	if r.matchAll {
		return true, nil
	}
	result, err := r.expr.Evaluate(eventParams(ev))
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.New("expression did not evaluate to boolean")
	}
	return b, nil
}

func eventParams(ev state.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(ev.Type),
		"sessionId": ev.SessionID,
		"ref":       ev.Ref,
		"signer":    ev.Signer,
		"timestamp": ev.Timestamp,
		"upvotes":   ev.Upvotes,
	}
}
