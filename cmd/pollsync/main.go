// Command pollsync is a CLI client for the Polls backend: it pages the
// feed, casts votes, and watches a poll's live results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/pollsync/pollsync/internal/api"
	"github.com/pollsync/pollsync/internal/feed"
	"github.com/pollsync/pollsync/internal/identity"
	"github.com/pollsync/pollsync/internal/identity/bolt"
	"github.com/pollsync/pollsync/internal/model"
	"github.com/pollsync/pollsync/internal/reconcile"
	"github.com/pollsync/pollsync/internal/watch"
)

// ---- config/local state ----

const defaultBase = "http://localhost:8000/api"

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "pollsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pollsync")
}

func devicePath() string { return filepath.Join(cfgDir(), "device.db") }

// openIdentity opens the durable device-identity store. The returned
// closer must be called before exit.
func openIdentity() (*identity.Provider, func(), error) {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return nil, nil, err
	}
	store, err := bolt.Open(devicePath())
	if err != nil {
		return nil, nil, err
	}
	return identity.NewProvider(store), func() { _ = store.Close() }, nil
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, _ := zap.NewDevelopment()
	return log
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `pollsync CLI
Usage:
  pollsync [-base URL] [-timeout D] [-v] <cmd> [args]

Commands:
  version
  device                            (print the persistent device id)
  feed    [-pages N]                (page through the poll feed)
  vote    -poll ID -option ID       (cast a vote, print aggregates)
  watch   -poll ID                  (follow live results until Ctrl-C)
`)
	os.Exit(2)
}

// ---- rendering ----

// renderState prints one line per option plus a total, e.g.
//
//	> [1] Yes   12 (63%)
//	  [2] No     7 (37%)
func renderState(w *strings.Builder, poll *model.Poll, st reconcile.VoteState) {
	opts := poll.SortedOptions()
	for _, opt := range opts {
		marker := "  "
		if st.VotedOptionID == opt.ID {
			marker = "> "
		}
		if st.ShowResults {
			fmt.Fprintf(w, "%s[%d] %s  %d (%d%%)\n", marker, opt.ID, opt.Text, st.Counts[opt.ID], st.Percents[opt.ID])
		} else {
			fmt.Fprintf(w, "%s[%d] %s\n", marker, opt.ID, opt.Text)
		}
	}
	if st.ShowResults {
		fmt.Fprintf(w, "total: %d votes\n", st.Total)
	} else {
		fmt.Fprintf(w, "results hidden (%s)\n", poll.ResultsMode)
	}
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the configured backend.
func main() {
	_ = godotenv.Load()

	base := flag.String("base", envOr("POLLS_API_BASE", defaultBase), "API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	log := newLogger(*verbose)
	defer func() { _ = log.Sync() }()

	switch cmd {

	case "version":
		fmt.Printf("pollsync %s (%s)\n", version, buildDate)

	case "device":
		ids, closeStore, err := openIdentity()
		if err != nil {
			fail(err)
		}
		defer closeStore()
		id, err := ids.DeviceID()
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "feed":
		fs := flag.NewFlagSet("feed", flag.ExitOnError)
		pages := fs.Int("pages", 1, "pages to load")
		_ = fs.Parse(flag.Args()[1:])

		cli, closeStore, err := newClient(*base, log)
		if err != nil {
			fail(err)
		}
		defer closeStore()

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()

		pager := feed.NewPager(cli, feed.WithLogger(log))
		for i := 0; i < *pages && !pager.Exhausted(); i++ {
			if err := pager.LoadNext(ctx); err != nil {
				fail(err)
			}
		}

		type row struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
			Votes int64  `json:"votes"`
			Voted bool   `json:"voted"`
		}
		rows := []row{}
		for _, p := range pager.Items() {
			var votes int64
			if p.Stats != nil {
				votes = p.Stats.TotalVotes
			}
			rows = append(rows, row{ID: p.ID, Title: p.Title, Votes: votes, Voted: p.UserVote != nil})
		}
		printJSON(rows)

	case "vote":
		fs := flag.NewFlagSet("vote", flag.ExitOnError)
		pollID := fs.Int64("poll", 0, "poll id")
		optionID := fs.Int64("option", 0, "option id")
		_ = fs.Parse(flag.Args()[1:])
		if *pollID == 0 || *optionID == 0 {
			fmt.Fprintln(os.Stderr, "need -poll and -option")
			os.Exit(1)
		}

		cli, closeStore, err := newClient(*base, log)
		if err != nil {
			fail(err)
		}
		defer closeStore()

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()

		poll, err := cli.GetPoll(ctx, *pollID)
		if err != nil {
			fail(err)
		}
		rec := reconcile.New(*poll, cli, reconcile.WithLogger(log))
		res, err := rec.Vote(ctx, *optionID)
		if err != nil {
			fail(err)
		}
		printJSON(res)

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		pollID := fs.Int64("poll", 0, "poll id")
		_ = fs.Parse(flag.Args()[1:])
		if *pollID == 0 {
			fmt.Fprintln(os.Stderr, "need -poll")
			os.Exit(1)
		}

		cli, closeStore, err := newClient(*base, log)
		if err != nil {
			fail(err)
		}
		defer closeStore()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fetchCtx, cancel := context.WithTimeout(ctx, *timeout)
		poll, err := cli.GetPoll(fetchCtx, *pollID)
		cancel()
		if err != nil {
			fail(err)
		}

		fmt.Printf("%s\n\n", poll.Title)
		w := watch.New(watch.Config{
			Poll:      *poll,
			Submitter: cli,
			StreamURL: cli.StreamURL(poll.ID),
			Logger:    log,
			OnChange: func(st reconcile.VoteState) {
				var b strings.Builder
				renderState(&b, poll, st)
				fmt.Println(b.String())
			},
		})
		if err := w.Start(ctx); err != nil {
			fail(err)
		}

		var b strings.Builder
		renderState(&b, poll, w.State())
		fmt.Println(b.String())

		<-ctx.Done()
		w.Stop()

	default:
		usage()
	}
}

// ---- helpers ----

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient wires the identity provider into an API client.
func newClient(base string, log *zap.Logger) (*api.Client, func(), error) {
	ids, closeStore, err := openIdentity()
	if err != nil {
		return nil, nil, err
	}
	return api.New(base, ids, api.WithLogger(log)), closeStore, nil
}
