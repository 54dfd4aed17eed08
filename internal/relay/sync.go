package relay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/philsphicas/beacon/internal/metrics"
)

// cursor is the sync position of one poll loop. since is seeded from and
// written back to Client.since.
type cursor struct {
	since   string
	retries int
	timeout time.Duration
}

func (c *Client) poll(ctx context.Context, done chan<- struct{}, first chan<- error) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	c.mu.Lock()
	cur := cursor{since: c.since}
	c.mu.Unlock()
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			report(fmt.Errorf("%w: %w", ErrPollingStopped, ctx.Err()))
			return
		}

		start := time.Now()
		resp, err := c.sync(ctx, cur)
		c.cfg.Metrics.ObserveSync(time.Since(start).Seconds(), err)
		if ctx.Err() != nil {
			report(fmt.Errorf("%w: %w", ErrPollingStopped, ctx.Err()))
			return
		}
		if err != nil {
			cur.retries++
			if cur.retries > c.cfg.MaxSyncRetries {
				stopErr := fmt.Errorf("%w after %d attempts: %w", ErrPollingStopped, cur.retries, err)
				c.cfg.Logger.Error("sync failed, polling abandoned", "attempts", cur.retries, "error", err)
				c.abandon(done)
				if reported && c.cfg.OnPollingStopped != nil {
					c.cfg.OnPollingStopped(stopErr)
				}
				report(stopErr)
				return
			}
			c.cfg.Logger.Warn("sync failed, retrying", "attempt", cur.retries, "reason", metrics.Reason(err, metrics.ReasonSyncFailed), "error", err)
			continue
		}

		cur.since = resp.NextBatch
		cur.retries = 0
		cur.timeout = c.cfg.PollTimeout

		c.mu.Lock()
		c.since = cur.since
		events := resp.apply(c.rooms)
		c.mu.Unlock()
		for _, ev := range events {
			c.dispatch(ev)
		}
		report(nil)
	}
}

// abandon marks the client logged out when the loop that owns done gives
// up on its own.
func (c *Client) abandon(done chan<- struct{}) {
	c.mu.Lock()
	if c.done == done {
		c.cancel()
		c.state = loggedOut
		c.cancel, c.done = nil, nil
	}
	c.mu.Unlock()
	c.cfg.Metrics.SetPolling(false)
}

func (c *Client) sync(ctx context.Context, cur cursor) (*syncResponse, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(cur.timeout.Milliseconds(), 10))
	if cur.since != "" {
		q.Set("since", cur.since)
	}
	var resp syncResponse
	if err := c.http.Get(ctx, apiPrefix+"/sync", q, token, &resp); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return &resp, nil
}
