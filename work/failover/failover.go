package failover

import (
	"context"
	"errors"
	"time"

	"iptv-relay/work/fetch"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/registry"

	"github.com/cenkalti/backoff/v4"
)

// ErrAllSourcesFailed is surfaced when every source in the snapshot failed
// across the whole retry budget. The relay session reacts by tearing down and
// signalling every attached client.
var ErrAllSourcesFailed = errors.New("all sources failed")

// State enumerates the selector states. One failover pass moves
// Trying(index) -> Success | Exhausted; the state is exported so tests can
// assert on the machine rather than on side effects.
type State int

const (
	StateTrying State = iota
	StateSuccess
	StateExhausted
)

// Result carries the outcome of a successful pass: the open handle, the
// source that worked, and its index in the snapshot.
type Result struct {
	Handle fetch.Handle
	Source registry.Source
	Index  int
}

// Selector drives deterministic failover over a source-list snapshot.
// Sources are always tried in list order; there is no backoff between
// distinct sources (a different source failing fast is cheap), only between
// full passes over the list. RetryBudget counts full passes, so a budget of 1
// means no wrap-around.
type Selector struct {
	Fetcher     fetch.Fetcher
	RetryBudget int

	// InitialBackoff seeds the exponential backoff between passes.
	InitialBackoff time.Duration

	// OnAttempt, when set, observes every fetch attempt and its outcome.
	// Used to persist per-source health bookkeeping. err is nil on success.
	OnAttempt func(src registry.Source, err error)
}

// New builds a Selector with the given fetcher and retry budget.
func New(fetcher fetch.Fetcher, retryBudget int) *Selector {
	if retryBudget < 1 {
		retryBudget = 1
	}
	return &Selector{
		Fetcher:        fetcher,
		RetryBudget:    retryBudget,
		InitialBackoff: time.Second,
	}
}

// Run executes one complete failover over the snapshot. It returns the first
// working handle, or ErrAllSourcesFailed once the budget is spent, or the
// context error when cancelled mid-pass. Per-source fetch errors are recovered
// here and never surfaced individually.
func (s *Selector) Run(ctx context.Context, channelID string, sources []registry.Source) (*Result, error) {
	if len(sources) == 0 {
		metrics.FailoverTotal.WithLabelValues(channelID, "exhausted").Inc()
		return nil, ErrAllSourcesFailed
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.InitialBackoff
	bo.MaxElapsedTime = 0 // the pass budget bounds us, not elapsed time

	state := StateTrying
	index := 0
	pass := 1

	for state == StateTrying {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src := sources[index]
		handle, err := s.Fetcher.Fetch(ctx, src)

		if s.OnAttempt != nil {
			s.OnAttempt(src, err)
		}

		if err == nil {
			state = StateSuccess
			metrics.FailoverTotal.WithLabelValues(channelID, "success").Inc()
			logger.Debug("{failover - Run} Channel %s: source index %d succeeded on pass %d/%d",
				channelID, index, pass, s.RetryBudget)
			return &Result{Handle: handle, Source: src, Index: index}, nil
		}

		logger.Debug("{failover - Run} Channel %s: source index %d failed on pass %d/%d: %v",
			channelID, index, pass, s.RetryBudget, err)
		metrics.StreamErrors.WithLabelValues(channelID, classify(err)).Inc()

		// advance to the next source immediately
		if index+1 < len(sources) {
			index++
			continue
		}

		// the whole list has been exhausted this pass
		if pass >= s.RetryBudget {
			state = StateExhausted
			break
		}

		wait := bo.NextBackOff()
		logger.Debug("{failover - Run} Channel %s: pass %d exhausted, backing off %s before wrap-around",
			channelID, pass, wait)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		pass++
		index = 0
	}

	metrics.FailoverTotal.WithLabelValues(channelID, "exhausted").Inc()
	logger.Warn("{failover - Run} Channel %s: all %d sources failed across %d passes",
		channelID, len(sources), s.RetryBudget)
	return nil, ErrAllSourcesFailed
}

// classify maps a fetch error to a metrics label.
func classify(err error) string {
	switch {
	case errors.Is(err, fetch.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, fetch.ErrConnectRefused):
		return "connect_refused"
	case errors.Is(err, fetch.ErrNonStreamResponse):
		return "non_stream"
	case errors.Is(err, fetch.ErrReadTimeout):
		return "read_timeout"
	default:
		return "other"
	}
}
