// Package reconcile merges the per-poll update sources (initial
// snapshot, optimistic local vote, live push events) into one
// consistent rendered vote state.
//
// Per poll the reconciler is a small state machine:
//
//	Unvoted -> Pending -> Voted   (successful submission)
//	Unvoted -> Pending -> Unvoted (failed submission, optimistic rollback)
//
// Voted is terminal per poll, per device. Push events replace the
// displayed aggregates wholesale in any phase but never decide "did I
// vote"; that identity comes only from the initial load or a vote
// response.
package reconcile

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/errs"
	"github.com/pollsync/pollsync/internal/model"
)

// Phase is the reconciler's vote lifecycle state.
type Phase int

const (
	// PhaseUnvoted means no local vote and none in flight.
	PhaseUnvoted Phase = iota
	// PhasePending means a vote submission is in flight.
	PhasePending
	// PhaseVoted means this client's vote is confirmed. Terminal.
	PhaseVoted
)

// Submitter issues the idempotent vote request. *api.Client satisfies it.
type Submitter interface {
	SubmitVote(ctx context.Context, pollID, optionID int64) (*model.VoteResult, error)
}

// VoteState is the rendered view of one poll's votes.
type VoteState struct {
	Counts map[int64]int64
	Total  int64
	// Percents holds one rounded value per option; they need not sum to 100.
	Percents map[int64]int
	// VotedOptionID is zero when this client has not voted (and no vote
	// is tentatively displayed).
	VotedOptionID int64
	Pending       bool
	ShowResults   bool
}

// snapshot is one full set of displayed aggregates. percents == nil
// means "derive from counts"; non-nil percents came from the server and
// are used as-is to avoid rounding drift.
type snapshot struct {
	counts   map[int64]int64
	total    int64
	percents map[int64]int
}

func (s snapshot) clone() snapshot {
	out := snapshot{total: s.total}
	out.counts = make(map[int64]int64, len(s.counts))
	for k, v := range s.counts {
		out.counts[k] = v
	}
	if s.percents != nil {
		out.percents = make(map[int64]int, len(s.percents))
		for k, v := range s.percents {
			out.percents[k] = v
		}
	}
	return out
}

// Reconciler owns the displayed vote state of a single poll. All state
// transitions are synchronous; only the vote submission suspends.
type Reconciler struct {
	poll model.Poll
	sub  Submitter
	log  *zap.Logger

	mu          sync.Mutex
	phase       Phase
	votedOption int64
	cur         snapshot
	// lastGood is the rollback base: the freshest aggregates known to
	// carry no optimistic component. Meaningful only while Pending.
	lastGood snapshot
	// voteGen counts submission attempts; appliedGen is the generation
	// of the latest applied vote result. Push events stamped before
	// appliedGen advanced are stale for this client and dropped.
	voteGen    uint64
	appliedGen uint64

	// onPending, when set, runs right after the optimistic transition
	// is applied, before the network call. Invoked without the lock
	// held, so it may call View.
	onPending func()
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger (nop by default).
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithPendingNotify registers fn to run once the optimistic bump is
// visible, so callers can render the tentative state while the
// submission is still in flight.
func WithPendingNotify(fn func()) Option {
	return func(r *Reconciler) { r.onPending = fn }
}

// New seeds a reconciler from the loaded poll: counts and total come
// from the embedded stats snapshot (all-zero when absent), and a present
// user_vote starts the poll in the terminal Voted phase.
func New(poll model.Poll, sub Submitter, opts ...Option) *Reconciler {
	r := &Reconciler{
		poll: poll,
		sub:  sub,
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}

	r.cur.counts = make(map[int64]int64, len(poll.Options))
	for _, opt := range poll.Options {
		r.cur.counts[opt.ID] = 0
	}
	if poll.Stats != nil {
		for id, n := range poll.Stats.OptionCounts {
			r.cur.counts[id] = n
		}
		r.cur.total = poll.Stats.TotalVotes
	}
	if poll.UserVote != nil {
		r.phase = PhaseVoted
		r.votedOption = *poll.UserVote
	}
	return r
}

// Vote submits a vote for optionID, applying the optimistic bump up
// front and reconciling with the server outcome. At most one submission
// may be in flight per poll; a concurrent attempt fails locally with
// ErrVotePending before any network call. A poll already voted on fails
// with ErrAlreadyVoted.
func (r *Reconciler) Vote(ctx context.Context, optionID int64) (*model.VoteResult, error) {
	r.mu.Lock()
	switch r.phase {
	case PhaseVoted:
		r.mu.Unlock()
		return nil, errs.ErrAlreadyVoted
	case PhasePending:
		r.mu.Unlock()
		return nil, errs.ErrVotePending
	}
	r.phase = PhasePending
	r.lastGood = r.cur.clone()
	r.cur.counts[optionID]++
	r.cur.total++
	r.cur.percents = nil // derive from the bumped counts
	r.votedOption = optionID
	r.voteGen++
	gen := r.voteGen
	r.mu.Unlock()

	if r.onPending != nil {
		r.onPending()
	}

	res, err := r.sub.SubmitVote(ctx, r.poll.ID, optionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// Discard the optimistic bump; any push event applied while
		// pending has already refreshed lastGood.
		r.cur = r.lastGood
		r.lastGood = snapshot{}
		r.votedOption = 0
		r.phase = PhaseUnvoted
		r.log.Debug("vote rolled back", zap.Int64("poll", r.poll.ID), zap.Error(err))
		return nil, err
	}

	// The response is authoritative: replace aggregates wholesale and
	// adopt the server's idea of which option this client voted for.
	r.phase = PhaseVoted
	r.votedOption = res.VotedOptionID
	r.cur = snapshotFromResult(res)
	r.lastGood = snapshot{}
	r.appliedGen = gen
	return res, nil
}

// Generation reports the generation of the latest applied vote result.
// Stream bindings sample it when an event arrives so a delayed delivery
// can be recognized as stale.
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appliedGen
}

// Apply applies a push event that is being delivered right now.
func (r *Reconciler) Apply(u model.PollUpdate) {
	r.ApplyStamped(u, r.Generation())
}

// ApplyStamped applies a push event stamped with the generation sampled
// at its arrival. Events stamped before the latest vote result are
// dropped: the vote response already superseded them for this poll.
// Applied events replace the displayed aggregates wholesale and never
// touch the vote phase or the voted option.
func (r *Reconciler) ApplyStamped(u model.PollUpdate, stamp uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stamp < r.appliedGen {
		r.log.Debug("stale push event dropped",
			zap.Int64("poll", r.poll.ID),
			zap.Uint64("stamp", stamp),
			zap.Uint64("applied", r.appliedGen),
		)
		return
	}

	next := snapshot{total: r.cur.total}
	next.counts = r.cur.counts
	if u.Counts != nil {
		next.counts = make(map[int64]int64, len(u.Counts))
		for id, n := range u.Counts {
			next.counts[id] = n
		}
	}
	if u.TotalVotes != nil {
		next.total = *u.TotalVotes
	}
	if u.Percents != nil {
		next.percents = roundPercents(u.Percents)
	}
	r.cur = next

	// Push payloads carry no optimistic component, so while a vote is
	// pending they also refresh the rollback base: a failure then
	// restores the freshest unbumped numbers instead of regressing.
	if r.phase == PhasePending {
		r.lastGood = next.clone()
	}
}

// Phase returns the current vote lifecycle phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// View renders the current state: per-option counts and percents, the
// total, the (possibly tentative) voted option, and results visibility.
func (r *Reconciler) View() VoteState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := VoteState{
		Counts:        make(map[int64]int64, len(r.poll.Options)),
		Total:         r.cur.total,
		Percents:      make(map[int64]int, len(r.poll.Options)),
		VotedOptionID: r.votedOption,
		Pending:       r.phase == PhasePending,
	}
	for _, opt := range r.poll.Options {
		n := r.cur.counts[opt.ID]
		st.Counts[opt.ID] = n
		if r.cur.percents != nil {
			st.Percents[opt.ID] = r.cur.percents[opt.ID]
		} else {
			st.Percents[opt.ID] = Percent(n, r.cur.total)
		}
	}
	st.ShowResults = ShowResults(r.poll.ResultsMode, r.votedOption != 0, r.poll.ResultsAvailable)
	return st
}

// Percent computes a rounded percent with safe zero handling.
func Percent(count, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(count) / float64(total) * 100))
}

// ShowResults reports whether results are visible given the poll's
// results mode and this client's vote status.
func ShowResults(mode model.ResultsMode, voted, available bool) bool {
	switch mode {
	case model.ResultsOpen:
		return true
	case model.ResultsHiddenUntilVote:
		return voted
	case model.ResultsHiddenUntilClose:
		return available
	default:
		return false
	}
}

// snapshotFromResult adopts server aggregates wholesale. Server percents
// may carry decimals; they are rounded once here, never recomputed from
// counts.
func snapshotFromResult(res *model.VoteResult) snapshot {
	s := snapshot{total: res.TotalVotes}
	s.counts = make(map[int64]int64, len(res.Counts))
	for id, n := range res.Counts {
		s.counts[id] = n
	}
	if res.Percents != nil {
		s.percents = roundPercents(res.Percents)
	}
	return s
}

func roundPercents(in map[int64]float64) map[int64]int {
	out := make(map[int64]int, len(in))
	for id, v := range in {
		out[id] = int(math.Round(v))
	}
	return out
}
