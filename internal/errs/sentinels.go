// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client/reconciler layers.
var (
	// ErrNotFound indicates the requested poll does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVotePending indicates a vote submission is already in flight for the poll.
	ErrVotePending = errors.New("vote already in flight")

	// ErrAlreadyVoted indicates this client already voted on the poll.
	ErrAlreadyVoted = errors.New("already voted")

	// ErrPollClosed indicates the poll no longer accepts votes.
	ErrPollClosed = errors.New("poll closed")

	// ErrRateLimited indicates the backend throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrChannelClosed indicates an operation on a stopped update channel.
	ErrChannelClosed = errors.New("channel closed")
)
