package protocol

// SessionDescriptorPayload is the authoritative session metadata record.
// Revisions replace the descriptor wholesale; only the owner may issue them.
type SessionDescriptorPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ID          string   `json:"id"`
	Enabled     bool     `json:"enabled"`
	Timestamp   int64    `json:"timestamp"` // creation time, unix milliseconds
	Owner       string   `json:"owner"`
	Admins      []string `json:"admins"`
	Moderation  bool     `json:"moderation"`
	Updated     int64    `json:"updated"` // revision time, unix milliseconds
}

// QuestionSubmitPayload submits a new question. The question's identity is
// the content hash of this payload.
type QuestionSubmitPayload struct {
	Question  string `json:"question"`
	Timestamp int64  `json:"timestamp"`
}

type UpvotePayload struct {
	Hash string `json:"hash"`
}

type AnswerPayload struct {
	Hash string `json:"hash"`
	Text string `json:"text,omitempty"`
}

type ModeratePayload struct {
	Hash      string `json:"hash"`
	Moderated bool   `json:"moderated"`
}

// PollOption is one selectable poll answer.
type PollOption struct {
	Title string `json:"title"`
}

// PollDefinition describes a poll at creation time.
type PollDefinition struct {
	ID       string       `json:"id"`
	Title    string       `json:"title,omitempty"`
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
	Active   bool         `json:"active"`
}

type PollCreatePayload struct {
	Creator   string         `json:"creator"`
	Poll      PollDefinition `json:"poll"`
	Timestamp int64          `json:"timestamp"`
}

type PollVotePayload struct {
	ID     string `json:"id"`
	Option int    `json:"option"`
}

type PollSetActivePayload struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SnapshotAnnouncePayload advertises a published snapshot. Hash authenticates
// the snapshot content; CID only locates it in the blob store.
type SnapshotAnnouncePayload struct {
	Hash      string `json:"hash"`
	CID       string `json:"cid"`
	Timestamp int64  `json:"timestamp"`
}
