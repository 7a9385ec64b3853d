package state

import (
	"sort"
	"strings"

	"github.com/qahub/qahub/internal/protocol"
)

// Descriptor is the authoritative metadata record of one session.
type Descriptor struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ID          string   `json:"id"`
	Owner       string   `json:"owner"`
	Admins      []string `json:"admins"`
	Enabled     bool     `json:"enabled"`
	Moderation  bool     `json:"moderation"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// Question is one projected question record. Its hash is content-derived and
// unique within the session.
type Question struct {
	Hash       string   `json:"hash"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
	Signer     string   `json:"signer"`
	Answer     string   `json:"answer,omitempty"`
	Answered   bool     `json:"answered"`
	AnsweredBy string   `json:"answeredBy,omitempty"`
	Moderated  bool     `json:"moderated"`
	Upvotes    int      `json:"upvotes"`
	Upvoters   []string `json:"upvoters"`
}

// Poll is one projected poll record with fully-initialized tallies.
type Poll struct {
	ID        string                `json:"id"`
	Title     string                `json:"title,omitempty"`
	Question  string                `json:"question"`
	Options   []protocol.PollOption `json:"options"`
	Owner     string                `json:"owner"`
	Active    bool                  `json:"active"`
	VoteCount int                   `json:"voteCount"`
	Votes     [][]string            `json:"votes"` // per-option voter addresses
}

func cloneDescriptor(in Descriptor) Descriptor {
	in.Admins = append([]string(nil), in.Admins...)
	return in
}

func cloneQuestion(in Question) Question {
	in.Upvoters = append([]string(nil), in.Upvoters...)
	return in
}

func clonePoll(in Poll) Poll {
	in.Options = append([]protocol.PollOption(nil), in.Options...)
	votes := make([][]string, len(in.Votes))
	for i, v := range in.Votes {
		votes[i] = append([]string(nil), v...)
	}
	in.Votes = votes
	return in
}

func (p *Poll) hasVoter(signer string) bool {
	for _, voters := range p.Votes {
		for _, v := range voters {
			if v == signer {
				return true
			}
		}
	}
	return false
}

// QuestionSort orders question views.
type QuestionSort string

const (
	SortTimeAsc      QuestionSort = "time_asc"
	SortTimeDesc     QuestionSort = "time_desc"
	SortUpvotesAsc   QuestionSort = "upvotes_asc"
	SortUpvotesDesc  QuestionSort = "upvotes_desc"
	SortAnsweredAsc  QuestionSort = "answered_asc"
	SortAnsweredDesc QuestionSort = "answered_desc"
)

// QuestionShow filters question views.
type QuestionShow string

const (
	ShowAll        QuestionShow = "all"
	ShowAnswered   QuestionShow = "answered"
	ShowUnanswered QuestionShow = "unanswered"
	ShowModerated  QuestionShow = "moderated"
)

func matchShow(q Question, show []QuestionShow) bool {
	if len(show) == 0 {
		return true
	}
	for _, s := range show {
		switch s {
		case ShowAll:
			return true
		case ShowAnswered:
			if q.Answered {
				return true
			}
		case ShowUnanswered:
			if !q.Answered {
				return true
			}
		case ShowModerated:
			if q.Moderated {
				return true
			}
		}
	}
	return false
}

func sortQuestions(out []Question, sortBy []QuestionSort) {
	if len(sortBy) == 0 {
		sortBy = []QuestionSort{SortTimeAsc}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, s := range sortBy {
			switch s {
			case SortTimeAsc, SortTimeDesc:
				if out[i].Timestamp != out[j].Timestamp {
					if s == SortTimeAsc {
						return out[i].Timestamp < out[j].Timestamp
					}
					return out[i].Timestamp > out[j].Timestamp
				}
			case SortUpvotesAsc, SortUpvotesDesc:
				if out[i].Upvotes != out[j].Upvotes {
					if s == SortUpvotesAsc {
						return out[i].Upvotes < out[j].Upvotes
					}
					return out[i].Upvotes > out[j].Upvotes
				}
			case SortAnsweredAsc, SortAnsweredDesc:
				if out[i].Answered != out[j].Answered {
					if s == SortAnsweredAsc {
						return !out[i].Answered
					}
					return out[i].Answered
				}
			}
		}
		return strings.Compare(out[i].Hash, out[j].Hash) < 0
	})
}

func containsAddress(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
