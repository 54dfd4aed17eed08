package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const (
	probeTimeout   = 5 * time.Second
	probeRetryBase = 1 * time.Second
	probeRetryMax  = 30 * time.Second
)

// Probe checks that server answers the client versions endpoint.
func Probe(ctx context.Context, server string, client *http.Client) error {
	_, base, err := ParseServer(server)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var resp struct {
		Versions []string `json:"versions"`
	}
	return NewHTTP(base, client).Get(ctx, "/_matrix/client/versions", nil, "", &resp)
}

// SelectServer returns the first of servers that answers a probe, trying
// them in order and retrying the whole list with exponential backoff
// (1s→2s→4s, capped at 30s) until budget is exhausted or ctx is cancelled.
// budget=0 means a single pass with no retries.
func SelectServer(ctx context.Context, servers []string, client *http.Client, budget time.Duration, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(servers) == 0 {
		return "", errors.New("select relay server: no servers configured")
	}

	pass := func(ctx context.Context) (string, error) {
		var errs []error
		for _, s := range servers {
			err := Probe(ctx, s, client)
			if err == nil {
				return s, nil
			}
			logger.Debug("relay server probe failed", "server", s, "error", err)
			errs = append(errs, err)
		}
		return "", errors.Join(errs...)
	}

	if budget == 0 {
		return pass(ctx)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	delay := probeRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay server selection", "attempt", attempt, "delay", delay)
			select {
			case <-budgetCtx.Done():
				return "", lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, probeRetryMax)
		}
		s, err := pass(budgetCtx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if budgetCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", budgetCtx.Err()
}
