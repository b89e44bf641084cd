package gh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// WaitForRunnerRegistered polls until the runner carrying label reports
// an online status, or the configured registration timeout elapses.
//
// A quiet period precedes the first check so a freshly launched instance
// has time to boot and self-register.  Checks run on a single goroutine
// driven by a ticker, so at most one locate call is in flight at a time;
// a slow check simply delays the next tick.  The timeout is evaluated
// before the status check on each tick, so a runner that comes online on
// the same tick the deadline passes still fails.
func (c *Client) WaitForRunnerRegistered(ctx context.Context, label string) (*Runner, error) {
	ctx, span := c.tracer.Start(ctx, "gh.WaitForRunnerRegistered")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.Float64("runner.wait.timeout_seconds", c.registrationTimeout.Seconds()),
	)

	c.logger.Info("waiting for runner to register",
		slog.String("label", label),
		slog.Duration("quietPeriod", c.quietPeriod),
		slog.Duration("pollInterval", c.pollInterval),
		slog.Duration("timeout", c.registrationTimeout),
	)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.quietPeriod):
	}

	start := time.Now()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Since(start) > c.registrationTimeout {
			err := fmt.Errorf(
				"a timeout of %d minutes was exceeded before runner with label %q registered itself as online",
				int(c.registrationTimeout.Minutes()), label,
			)
			c.logger.Error("runner registration timed out",
				slog.String("label", label),
				slog.Duration("waited", time.Since(start)),
			)
			return nil, err
		}

		if runner := c.GetRunner(ctx, label); runner != nil && runner.Status == StatusOnline {
			waited := time.Since(start)
			if c.waitDuration != nil {
				c.waitDuration.Record(ctx, waited.Seconds())
			}
			span.SetAttributes(attribute.Int64("runner.id", runner.ID))
			c.logger.Info("runner registered and online",
				slog.String("label", label),
				slog.Int64("id", runner.ID),
				slog.String("name", runner.Name),
				slog.Duration("waited", waited),
			)
			return runner, nil
		}

		c.logger.Info("runner not registered yet, checking again",
			slog.String("label", label),
		)
	}
}
