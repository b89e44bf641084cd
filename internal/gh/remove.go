package gh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// RemoveRunner deletes the registration of the runner carrying label.
//
// It is idempotent: a runner that never registered, or whose registration
// is already gone, is treated as success so teardown never fails on a
// missing runner.  A failed DELETE is fatal and returned to the caller.
func (c *Client) RemoveRunner(ctx context.Context, label string) error {
	ctx, span := c.tracer.Start(ctx, "gh.RemoveRunner")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	runner := c.GetRunner(ctx, label)
	if runner == nil {
		span.AddEvent("runner not found (idempotent)")
		c.logger.Info("runner not found, skipping removal",
			slog.String("label", label),
		)
		return nil
	}

	span.SetAttributes(attribute.Int64("runner.id", runner.ID))

	endpoint := fmt.Sprintf("actions/runners/%d", runner.ID)
	if err := c.rest.DoWithContext(ctx, http.MethodDelete, c.repoPath(endpoint), nil, nil); err != nil {
		c.logger.Error("failed to remove runner",
			slog.String("label", label),
			slog.Int64("id", runner.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("remove runner %d: %w", runner.ID, err)
	}

	if c.runnersRemoved != nil {
		c.runnersRemoved.Add(ctx, 1)
	}

	c.logger.Info("runner removed",
		slog.String("label", label),
		slog.Int64("id", runner.ID),
		slog.String("name", runner.Name),
	)
	return nil
}
