package gh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Runner statuses reported by the GitHub API.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// runnersPerPage is the page size used when listing runners.
const runnersPerPage = 100

// RunnerLabel represents a label attached to a runner.
type RunnerLabel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "read-only" or "custom"
}

// Runner is a snapshot of a self-hosted runner registration as reported
// by the GitHub API.  It is fetched fresh on every listing and never
// cached locally.
type Runner struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	OS     string        `json:"os"`
	Status string        `json:"status"` // "online" or "offline"
	Busy   bool          `json:"busy"`
	Labels []RunnerLabel `json:"labels"`
}

// HasLabel reports whether the runner carries a label with exactly name.
func (r *Runner) HasLabel(name string) bool {
	for _, l := range r.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// RunnersResponse is the API response for listing runners.
type RunnersResponse struct {
	TotalCount int      `json:"total_count"`
	Runners    []Runner `json:"runners"`
}

// ListRunners returns every self-hosted runner registered to the
// repository, transparently paginating.  Pagination stops when a page
// comes back with fewer than runnersPerPage records; when the total is an
// exact multiple of the page size this costs one extra confirming request.
func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	var all []Runner
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("actions/runners?per_page=%d&page=%d", runnersPerPage, page)

		var resp RunnersResponse
		if err := c.rest.DoWithContext(ctx, http.MethodGet, c.repoPath(endpoint), nil, &resp); err != nil {
			return nil, fmt.Errorf("list runners page %d: %w", page, err)
		}

		all = append(all, resp.Runners...)
		if len(resp.Runners) < runnersPerPage {
			return all, nil
		}
	}
}

// GetRunner returns the first registered runner carrying label, in the
// API's listing order, or nil when none matches.
//
// A failed listing is collapsed into nil as well: discovery is advisory,
// and callers treat "runner not found" and "listing errored" identically.
// Callers that need the distinction use ListRunners directly.
func (c *Client) GetRunner(ctx context.Context, label string) *Runner {
	runners, err := c.ListRunners(ctx)
	if err != nil {
		c.logger.Debug("listing runners failed, treating as not found",
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return nil
	}

	for i := range runners {
		if runners[i].HasLabel(label) {
			return &runners[i]
		}
	}
	return nil
}
