// Package gh implements the GitHub Actions side of the runner lifecycle:
// discovering registered runners, issuing registration tokens, waiting for
// a freshly launched instance to come online, and removing a runner's
// registration during teardown.
package gh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	ghAPI "github.com/cli/go-gh/v2/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// restDoer is the slice of go-gh's RESTClient this package needs.  Tests
// substitute a mock; production code passes *api.RESTClient.
type restDoer interface {
	DoWithContext(ctx context.Context, method string, path string, body io.Reader, response interface{}) error
}

// Config holds the parameters for a Client.
type Config struct {
	// Token is the GitHub token used to authenticate API calls.  It
	// needs the repo scope (administration permission for runners).
	Token string

	// Host is the GitHub host.  Default: "github.com".  Set this for
	// GitHub Enterprise Server installations.
	Host string

	// Owner and Repo identify the repository the runner is registered to.
	Owner string
	Repo  string

	// QuietPeriod is the delay before the first registration check,
	// giving a freshly launched instance time to boot.  Default: 30s.
	QuietPeriod time.Duration

	// PollInterval is the delay between registration checks.  Default: 10s.
	PollInterval time.Duration

	// RegistrationTimeout bounds how long WaitForRunnerRegistered polls
	// before giving up.  Default: 5m.
	RegistrationTimeout time.Duration

	Logger *slog.Logger
}

// Client talks to the GitHub Actions self-hosted runner REST API for a
// single repository.  The repository context and credentials are fixed at
// construction and never mutated.
type Client struct {
	rest   restDoer
	owner  string
	repo   string
	logger *slog.Logger

	quietPeriod         time.Duration
	pollInterval        time.Duration
	registrationTimeout time.Duration

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	tokensIssued   metric.Int64Counter
	runnersRemoved metric.Int64Counter
	waitDuration   metric.Float64Histogram
}

// New creates a Client authenticated with cfg.Token.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		cfg.Host = "github.com"
	}

	rest, err := ghAPI.NewRESTClient(ghAPI.ClientOptions{
		Host:      cfg.Host,
		AuthToken: cfg.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("github rest client: %w", err)
	}

	return newClient(rest, cfg), nil
}

// newClient wires a Client around an existing restDoer.  Split out so
// tests can inject a mock transport.
func newClient(rest restDoer, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QuietPeriod == 0 {
		cfg.QuietPeriod = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RegistrationTimeout == 0 {
		cfg.RegistrationTimeout = 5 * time.Minute
	}

	c := &Client{
		rest:                rest,
		owner:               cfg.Owner,
		repo:                cfg.Repo,
		logger:              cfg.Logger,
		quietPeriod:         cfg.QuietPeriod,
		pollInterval:        cfg.PollInterval,
		registrationTimeout: cfg.RegistrationTimeout,
		tracer:              otel.Tracer("ec2-github-runner/gh"),
		meter:               otel.Meter("ec2-github-runner/gh"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.tokensIssued, err = c.meter.Int64Counter(
		"runner.registration.tokens.issued",
		metric.WithDescription("Total number of registration tokens issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create tokensIssued counter", slog.String("error", err.Error()))
	}

	c.runnersRemoved, err = c.meter.Int64Counter(
		"runner.registrations.removed",
		metric.WithDescription("Total number of runner registrations removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersRemoved counter", slog.String("error", err.Error()))
	}

	c.waitDuration, err = c.meter.Float64Histogram(
		"runner.registration.wait.duration",
		metric.WithDescription("Time until a launched runner registered as online (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 90, 120, 180, 240, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create waitDuration histogram", slog.String("error", err.Error()))
	}

	return c
}

// repoPath prefixes path with the repository route for this client.
func (c *Client) repoPath(path string) string {
	return fmt.Sprintf("repos/%s/%s/%s", c.owner, c.repo, path)
}
