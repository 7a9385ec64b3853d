package state

// EventType names one accepted projection mutation.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventSessionUpdated    EventType = "session_updated"
	EventQuestionCreated   EventType = "question_created"
	EventQuestionUpvoted   EventType = "question_upvoted"
	EventQuestionAnswered  EventType = "question_answered"
	EventQuestionModerated EventType = "question_moderated"
	EventPollCreated       EventType = "poll_created"
	EventPollVoted         EventType = "poll_voted"
	EventPollStateChanged  EventType = "poll_state_changed"
)

// Event is a typed domain event produced per accepted mutation. Delivery to
// observers happens over a buffered channel, decoupled from the apply path.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Ref       string    `json:"ref,omitempty"` // question hash or poll id
	Signer    string    `json:"signer,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Upvotes   int       `json:"upvotes,omitempty"`
}
