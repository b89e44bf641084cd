package gh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// registrationTokenResponse is the API response for a registration token
// request.  The token is short-lived; expiry is enforced remotely.
type registrationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetRegistrationToken issues a fresh short-lived token that a new
// instance uses to register itself as a runner.  The token is consumed
// once by the instance bootstrap and never stored.
//
// Failure here is fatal to the calling workflow: the error is logged and
// returned without retry.
func (c *Client) GetRegistrationToken(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gh.GetRegistrationToken")
	defer span.End()

	span.SetAttributes(
		attribute.String("github.owner", c.owner),
		attribute.String("github.repo", c.repo),
	)

	var resp registrationTokenResponse
	err := c.rest.DoWithContext(ctx, http.MethodPost, c.repoPath("actions/runners/registration-token"), nil, &resp)
	if err != nil {
		c.logger.Error("failed to create runner registration token",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("create registration token: %w", err)
	}

	if c.tokensIssued != nil {
		c.tokensIssued.Add(ctx, 1)
	}

	c.logger.Info("runner registration token created",
		slog.Time("expiresAt", resp.ExpiresAt),
	)
	return resp.Token, nil
}
