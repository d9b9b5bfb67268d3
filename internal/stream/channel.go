// Package stream maintains the per-poll server-push subscription. One
// Channel owns one SSE connection; it reconnects on transport failure,
// coalesces event bursts, and guarantees no delivery after Stop returns.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/errs"
	"github.com/pollsync/pollsync/internal/model"
)

// Handler receives coalesced poll updates. The stamp is the value the
// stamp source returned when the event arrived from the transport, so
// consumers can detect events that predate state they already applied
// even though coalescing delayed the delivery.
type Handler func(u model.PollUpdate, stamp uint64)

// defaultWindow is roughly one display frame; rapid successive events
// within it collapse to the latest.
const defaultWindow = 16 * time.Millisecond

type stamped struct {
	u     model.PollUpdate
	stamp uint64
}

// Channel is a lifecycle object around one poll's event stream.
type Channel struct {
	url     string
	hc      *http.Client
	log     *zap.Logger
	handler Handler
	stamp   func() uint64
	window  time.Duration
	wait    time.Duration

	mu       sync.Mutex
	started  bool
	disposed bool
	cancel   context.CancelFunc

	// deliverMu serializes handler calls and lets Stop wait out an
	// in-flight delivery. Handlers must not call Stop.
	deliverMu sync.Mutex

	slot        chan stamped
	readerDone  chan struct{}
	deliverDone chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) { c.hc = hc }
}

// WithLogger sets the channel logger (nop by default).
func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithStamp sets the source sampled at transport arrival and passed to
// the handler with each event. Consumers that never compare stamps can
// leave the default (always zero).
func WithStamp(fn func() uint64) Option {
	return func(c *Channel) { c.stamp = fn }
}

// WithCoalesceWindow overrides the burst-collapse window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(c *Channel) { c.window = d }
}

// WithReconnectWait overrides the initial reconnect delay (mostly for tests).
func WithReconnectWait(d time.Duration) Option {
	return func(c *Channel) { c.wait = d }
}

// New constructs a Channel for the given SSE endpoint. The handler is
// invoked sequentially from the channel's delivery goroutine.
func New(url string, h Handler, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		hc:          &http.Client{},
		log:         zap.NewNop(),
		handler:     h,
		stamp:       func() uint64 { return 0 },
		window:      defaultWindow,
		wait:        time.Second,
		slot:        make(chan stamped, 1),
		readerDone:  make(chan struct{}),
		deliverDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the subscription and begins delivering events. The
// subscription lives until Stop is called or ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errs.ErrChannelClosed
	}
	if c.started {
		return fmt.Errorf("channel already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	go c.deliverLoop(ctx)
	return nil
}

// Stop closes the connection and detaches the handler. After Stop
// returns, no further handler call is made, even for events already in
// flight.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-c.readerDone
		<-c.deliverDone
	}
}

// run owns the connect/reconnect loop. Channel silence is never an
// error; only a broken or refused connection triggers backoff.
func (c *Channel) run(ctx context.Context) {
	defer close(c.readerDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.wait
	bo.MaxElapsedTime = 0 // retry forever

	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}
		next := bo.NextBackOff()
		c.log.Debug("stream disconnected",
			zap.String("url", c.url),
			zap.Error(err),
			zap.Duration("retry_in", next),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// consume opens one SSE connection and reads it until it breaks.
// The first return value reports whether the connection was accepted,
// which resets the backoff even if the read fails later.
func (c *Channel) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return true, c.readEvents(resp.Body)
}

// readEvents parses SSE frames: optional "event:" name, one or more
// "data:" lines, blank-line dispatch. Comment lines (": ping"
// heartbeats) and "id:"/"retry:" fields are ignored; the reconnect
// policy is local.
func (c *Channel) readEvents(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var event string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(event, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// dispatch stamps and enqueues one wire event. Snapshots and updates
// carry the same full-replacement payload; unnamed events are treated
// as updates. Malformed payloads are dropped.
func (c *Channel) dispatch(event, data string) {
	switch event {
	case "", "snapshot", "update":
	default:
		return
	}
	var u model.PollUpdate
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		c.log.Debug("bad stream payload", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(stamped{u: u, stamp: c.stamp()})
}

// enqueue keeps only the newest pending event.
func (c *Channel) enqueue(s stamped) {
	for {
		select {
		case c.slot <- s:
			return
		default:
			select {
			case <-c.slot:
			default:
			}
		}
	}
}

// deliverLoop hands pending events to the handler, at most one per
// coalesce window. The newest event always gets delivered eventually;
// only intermediate ones inside a burst are dropped.
func (c *Channel) deliverLoop(ctx context.Context) {
	defer close(c.deliverDone)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.slot:
			c.deliver(s)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.window):
			}
		}
	}
}

func (c *Channel) deliver(s stamped) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return
	}
	c.handler(s.u, s.stamp)
}
