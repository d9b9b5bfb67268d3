package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/pollsync/pollsync/internal/errs"
)

type staticIDs struct{ id string }

func (s staticIDs) DeviceID() (string, error) { return s.id, nil }

func TestClient_SubmitVote_WireContract(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/polls/7/vote", r.URL.Path)
		require.Equal(t, "dev-1", r.Header.Get("X-Device-Id"))

		key := r.Header.Get("Idempotency-Key")
		_, err := uuid.FromString(key)
		require.NoError(t, err, "idempotency key must be a uuid")
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"option_id":2}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		// backend rounds percents to two decimals
		_, _ = w.Write([]byte(`{
			"poll_id": 7,
			"voted_option_id": 2,
			"already_voted": false,
			"idempotent": false,
			"total_votes": 9,
			"counts": {"1": 5, "2": 4},
			"percents": {"1": 55.56, "2": 44.44}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, staticIDs{id: "dev-1"})
	ctx := context.Background()

	res, err := c.SubmitVote(ctx, 7, 2)
	require.NoError(t, err)
	require.Equal(t, int64(7), res.PollID)
	require.Equal(t, int64(2), res.VotedOptionID)
	require.Equal(t, int64(9), res.TotalVotes)
	require.Equal(t, int64(5), res.Counts[1])
	require.InDelta(t, 44.44, res.Percents[2], 0.001)

	// every submission carries a fresh key
	_, err = c.SubmitVote(ctx, 7, 2)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	require.NotEqual(t, keys[0], keys[1])
}

func TestClient_Feed_CursorHandling(t *testing.T) {
	var cursors []string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/polls", r.URL.Path)
		require.Equal(t, "dev-1", r.Header.Get("X-Device-Id"))
		cursors = append(cursors, r.URL.Query().Get("cursor"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{
			"results": [{
				"id": 1,
				"title": "tabs or spaces",
				"results_mode": "open",
				"results_available": false,
				"options": [
					{"id": 1, "text": "tabs", "order": 0},
					{"id": 2, "text": "spaces", "order": 1}
				],
				"stats": {"total_votes": 8, "option_counts": {"1": 5, "2": 3}}
			}],
			"next": %q,
			"previous": null
		}`, srv.URL+"/polls?cursor=abc")
	}))
	defer srv.Close()

	c := New(srv.URL, staticIDs{id: "dev-1"})
	ctx := context.Background()

	page, err := c.Feed(ctx, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, int64(8), page.Results[0].Stats.TotalVotes)
	require.Equal(t, int64(5), page.Results[0].Stats.OptionCounts[1])
	require.Contains(t, page.Next, "cursor=abc")

	_, err = c.Feed(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []string{"", "abc"}, cursors)
}

func TestClient_GetPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/polls/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": 42,
			"title": "lunch",
			"results_mode": "hidden_until_vote",
			"results_available": false,
			"options": [{"id": 1, "text": "pizza", "order": 1}, {"id": 2, "text": "sushi", "order": 0}],
			"user_vote": 2
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, staticIDs{id: "dev-1"})
	poll, err := c.GetPoll(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), poll.ID)
	require.NotNil(t, poll.UserVote)
	require.Equal(t, int64(2), *poll.UserVote)

	sorted := poll.SortedOptions()
	require.Equal(t, "sushi", sorted[0].Text)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, `{"detail":"poll missing"}`, errs.ErrNotFound},
		{http.StatusForbidden, `{"detail":"poll closed"}`, errs.ErrPollClosed},
		{http.StatusTooManyRequests, `{"detail":"slow down"}`, errs.ErrRateLimited},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(c.status)
			_, _ = w.Write([]byte(c.body))
		}))

		cli := New(srv.URL, staticIDs{id: "dev-1"})
		_, err := cli.SubmitVote(context.Background(), 1, 1)
		require.Error(t, err)
		require.True(t, errors.Is(err, c.want), "status %d: got %v", c.status, err)
		srv.Close()
	}
}

func TestClient_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cli := New(srv.URL, staticIDs{id: "dev-1"})
	_, err := cli.Feed(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}
