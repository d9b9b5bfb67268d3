// Package feed accumulates cursor-paginated poll pages into a single
// de-duplicated list.
package feed

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/model"
)

// Fetcher loads one feed page for an opaque cursor ("" means first
// page). *api.Client satisfies it.
type Fetcher interface {
	Feed(ctx context.Context, cursor string) (*model.FeedPage, error)
}

// Pager serializes its own fetches: concurrent LoadNext calls collapse
// to a single in-flight request, and page N+1 is never requested before
// page N's response has been applied.
type Pager struct {
	fetch Fetcher
	log   *zap.Logger

	mu        sync.Mutex
	items     []model.Poll
	seen      map[int64]struct{}
	cursor    string
	loading   bool
	exhausted bool
}

// Option configures a Pager.
type Option func(*Pager)

// WithLogger sets the pager logger (nop by default).
func WithLogger(log *zap.Logger) Option {
	return func(p *Pager) { p.log = log }
}

// NewPager constructs a pager over the given fetcher.
func NewPager(fetch Fetcher, opts ...Option) *Pager {
	p := &Pager{
		fetch: fetch,
		log:   zap.NewNop(),
		seen:  make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// LoadNext fetches and appends the next page. It is a no-op while a
// load is in flight or after exhaustion, so it is safe to call
// repeatedly from a scroll trigger. A fetch error is logged and
// returned, and leaves the pager retryable (not exhausted).
func (p *Pager) LoadNext(ctx context.Context) error {
	p.mu.Lock()
	if p.loading || p.exhausted {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	cursor := p.cursor
	p.mu.Unlock()

	page, err := p.fetch.Feed(ctx, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		p.log.Warn("feed page load failed", zap.String("cursor", cursor), zap.Error(err))
		return err
	}

	for _, poll := range page.Results {
		if _, dup := p.seen[poll.ID]; dup {
			continue
		}
		p.seen[poll.ID] = struct{}{}
		p.items = append(p.items, poll)
	}

	next := nextCursor(page.Next)
	if next == "" {
		p.exhausted = true
		return nil
	}
	p.cursor = next
	return nil
}

// Items returns the accumulated polls in arrival order.
func (p *Pager) Items() []model.Poll {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Poll(nil), p.items...)
}

// Loading reports whether a page fetch is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Exhausted reports whether the feed has no further pages. Terminal.
func (p *Pager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// nextCursor extracts the opaque cursor from the page's next link.
// An absent or unparsable link means the feed is exhausted.
func nextCursor(next string) string {
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return u.Query().Get("cursor")
}
