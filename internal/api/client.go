// Package api implements the HTTP contract of the polls backend:
// cursor-paginated feed fetch, poll detail fetch, and idempotent vote
// submission. The backend owns all validation and tallying; this client
// only shapes requests and maps failures to sentinels.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/errs"
	"github.com/pollsync/pollsync/internal/model"
)

const (
	headerDeviceID       = "X-Device-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

// DeviceIDProvider yields the persistent device identity attached to
// every request. *identity.Provider satisfies it.
type DeviceIDProvider interface {
	DeviceID() (string, error)
}

// Client talks to the polls backend over JSON/HTTP.
type Client struct {
	base string
	hc   *http.Client
	ids  DeviceIDProvider
	log  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the client logger (nop by default).
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New constructs a Client for the given API base URL.
func New(baseURL string, ids DeviceIDProvider, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{},
		ids:  ids,
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Feed fetches one page of the poll feed. An empty cursor requests the
// first page.
func (c *Client) Feed(ctx context.Context, cursor string) (*model.FeedPage, error) {
	u := c.base + "/polls"
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	var page model.FeedPage
	if err := c.get(ctx, u, &page); err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	return &page, nil
}

// GetPoll fetches a single poll by id.
func (c *Client) GetPoll(ctx context.Context, pollID int64) (*model.Poll, error) {
	var poll model.Poll
	if err := c.get(ctx, c.base+"/polls/"+strconv.FormatInt(pollID, 10), &poll); err != nil {
		return nil, fmt.Errorf("get poll %d: %w", pollID, err)
	}
	return &poll, nil
}

// SubmitVote casts a vote for optionID on pollID and returns the
// authoritative aggregates. Each call carries the device identity and a
// fresh idempotency key, so a network-level retry of the same request is
// deduplicated server-side. The call has no side effects on shared
// state; callers apply the result through the reconciler.
func (c *Client) SubmitVote(ctx context.Context, pollID, optionID int64) (*model.VoteResult, error) {
	body, err := json.Marshal(map[string]int64{"option_id": optionID})
	if err != nil {
		return nil, fmt.Errorf("vote: encode body: %w", err)
	}
	u := c.base + "/polls/" + strconv.FormatInt(pollID, 10) + "/vote"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vote: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.setDeviceID(req); err != nil {
		return nil, err
	}
	key, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("vote: idempotency key: %w", err)
	}
	req.Header.Set(headerIdempotencyKey, key.String())

	var res model.VoteResult
	if err := c.do(req, &res); err != nil {
		return nil, fmt.Errorf("vote poll %d: %w", pollID, err)
	}
	c.log.Debug("vote submitted",
		zap.Int64("poll", pollID),
		zap.Int64("option", optionID),
		zap.Bool("already_voted", res.AlreadyVoted),
		zap.Bool("idempotent", res.Idempotent),
	)
	return &res, nil
}

// StreamURL returns the SSE endpoint for a poll.
func (c *Client) StreamURL(pollID int64) string {
	return c.base + "/stream/polls/" + strconv.FormatInt(pollID, 10)
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := c.setDeviceID(req); err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) setDeviceID(req *http.Request) error {
	id, err := c.ids.DeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	req.Header.Set(headerDeviceID, id)
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps backend status codes to sentinels, keeping the
// server-provided detail when present.
func statusError(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &payload)

	var base error
	switch resp.StatusCode {
	case http.StatusNotFound:
		base = errs.ErrNotFound
	case http.StatusForbidden:
		base = errs.ErrPollClosed
	case http.StatusTooManyRequests:
		base = errs.ErrRateLimited
	default:
		if payload.Detail != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, payload.Detail)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if payload.Detail != "" {
		return fmt.Errorf("%s: %w", payload.Detail, base)
	}
	return base
}
