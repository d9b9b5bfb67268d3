// Package watch wires one poll's reconciler to its live update channel
// and vote submitter, the composition a rendering layer holds per
// visible poll.
package watch

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/model"
	"github.com/pollsync/pollsync/internal/reconcile"
	"github.com/pollsync/pollsync/internal/stream"
)

// Config assembles a Watcher.
type Config struct {
	Poll      model.Poll
	Submitter reconcile.Submitter
	// StreamURL is the poll's SSE endpoint; empty disables live updates.
	StreamURL  string
	HTTPClient *http.Client
	Logger     *zap.Logger
	// OnChange, when set, is invoked with the fresh view after every
	// applied update or vote transition. Called from the channel's
	// delivery goroutine or the voting goroutine; it must not block
	// and must not call Stop.
	OnChange func(reconcile.VoteState)
}

// Watcher owns the live vote state of a single poll.
type Watcher struct {
	rec      *reconcile.Reconciler
	ch       *stream.Channel
	onChange func(reconcile.VoteState)

	mu      sync.Mutex
	started bool
}

// New builds a Watcher from the given configuration.
func New(cfg Config) *Watcher {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{onChange: cfg.OnChange}
	w.rec = reconcile.New(cfg.Poll, cfg.Submitter,
		reconcile.WithLogger(log),
		reconcile.WithPendingNotify(w.notify),
	)
	if cfg.StreamURL != "" {
		opts := []stream.Option{
			stream.WithLogger(log),
			stream.WithStamp(w.rec.Generation),
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, stream.WithHTTPClient(cfg.HTTPClient))
		}
		w.ch = stream.New(cfg.StreamURL, w.handleUpdate, opts...)
	}
	return w
}

// Start opens the live subscription (if configured).
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.ch == nil {
		w.started = true
		return nil
	}
	if err := w.ch.Start(ctx); err != nil {
		return err
	}
	w.started = true
	return nil
}

// Stop tears the subscription down. No OnChange call is made after
// Stop returns.
func (w *Watcher) Stop() {
	if w.ch != nil {
		w.ch.Stop()
	}
}

// Vote submits this client's vote through the reconciler and notifies
// OnChange on both the optimistic transition and the final outcome.
func (w *Watcher) Vote(ctx context.Context, optionID int64) (*model.VoteResult, error) {
	res, err := w.rec.Vote(ctx, optionID)
	w.notify()
	return res, err
}

// State returns the current rendered vote state.
func (w *Watcher) State() reconcile.VoteState {
	return w.rec.View()
}

func (w *Watcher) handleUpdate(u model.PollUpdate, stamp uint64) {
	w.rec.ApplyStamped(u, stamp)
	w.notify()
}

func (w *Watcher) notify() {
	if w.onChange != nil {
		w.onChange(w.rec.View())
	}
}
