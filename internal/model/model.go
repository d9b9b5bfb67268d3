// Package model defines domain entities shared by the sync core.
package model

import "sort"

// ResultsMode controls when a poll's results become visible to a client.
type ResultsMode string

const (
	// ResultsOpen shows results to everyone at any time.
	ResultsOpen ResultsMode = "open"
	// ResultsHiddenUntilVote shows results only after this client voted.
	ResultsHiddenUntilVote ResultsMode = "hidden_until_vote"
	// ResultsHiddenUntilClose shows results only once the server marks them available.
	ResultsHiddenUntilClose ResultsMode = "hidden_until_close"
)

// Option is a single poll choice. Immutable once loaded. Display order
// follows the explicit Order field, not slice position.
type Option struct {
	ID    int64  `json:"id"`
	Text  string `json:"text"`
	Order int    `json:"order"`
}

// PollStats is the aggregate vote snapshot embedded in a poll payload.
type PollStats struct {
	TotalVotes   int64           `json:"total_votes"`
	OptionCounts map[int64]int64 `json:"option_counts"`
}

// Poll is a question with 2..4 options, fetched read-only from the backend.
// Vote-derived subfields are superseded by reconciled state after load; the
// Poll value itself is never mutated.
type Poll struct {
	ID               int64       `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	ResultsMode      ResultsMode `json:"results_mode"`
	ResultsAvailable bool        `json:"results_available"`
	Options          []Option    `json:"options"`
	Stats            *PollStats  `json:"stats,omitempty"`
	// UserVote is the option this client already voted for, nil if none.
	UserVote *int64 `json:"user_vote,omitempty"`
}

// SortedOptions returns the options ordered by their Order field.
func (p *Poll) SortedOptions() []Option {
	out := append([]Option(nil), p.Options...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// FeedPage is one cursor-paginated slice of the poll feed. Next and
// Previous are absolute URLs carrying the opaque cursor; an empty Next
// means the feed is exhausted.
type FeedPage struct {
	Results  []Poll `json:"results"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
}

// VoteResult is the authoritative outcome of a vote submission.
// AlreadyVoted reports that a vote for this client existed before the
// call; Idempotent reports an idempotency-key replay.
type VoteResult struct {
	PollID        int64             `json:"poll_id"`
	VotedOptionID int64             `json:"voted_option_id"`
	AlreadyVoted  bool              `json:"already_voted"`
	Idempotent    bool              `json:"idempotent"`
	TotalVotes    int64             `json:"total_votes"`
	Counts        map[int64]int64   `json:"counts"`
	Percents      map[int64]float64 `json:"percents"`
}

// PollUpdate is one server-push event. Every event carries full
// authoritative state; consumers replace, never merge, so out-of-order
// snapshot replays after a reconnect stay correct.
type PollUpdate struct {
	PollID     int64             `json:"poll_id"`
	TotalVotes *int64            `json:"total_votes,omitempty"`
	Counts     map[int64]int64   `json:"counts,omitempty"`
	Percents   map[int64]float64 `json:"percents,omitempty"`
}
