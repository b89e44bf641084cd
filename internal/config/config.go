// Package config handles loading, validating, and applying configuration
// for the runner lifecycle CLI.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scotthogan/ec2-github-runner/internal/engine"
	"github.com/scotthogan/ec2-github-runner/internal/engine/docker"
	"github.com/scotthogan/ec2-github-runner/internal/engine/ec2"
	"github.com/scotthogan/ec2-github-runner/internal/engine/gcp"
	"github.com/scotthogan/ec2-github-runner/internal/gh"
)

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML can carry human-readable values
// like "30s" or "5m" (plain integers are read as nanoseconds).
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v interface{}
	if err := value.Decode(&v); err != nil {
		return err
	}
	switch value := v.(type) {
	case int:
		*d = Duration(value)
		return nil
	case float64:
		*d = Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: unsupported type %T", value)
	}
}

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Runner     RunnerConfig     `yaml:"runner"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the repository the runner registers to.
type GitHubConfig struct {
	// Token is a personal access token (or Actions-provided token) with
	// the repo scope.
	Token string `yaml:"token"`

	// Owner and Repo identify the target repository.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// Host is the GitHub host.  Default: "github.com".  Set this for
	// GitHub Enterprise Server installations.
	Host string `yaml:"host"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner to provision and how long to wait
// for it to register.
type RunnerConfig struct {
	// Label uniquely addresses the runner among the repository's
	// runners.  If empty, the start command generates one.
	Label string `yaml:"label"`

	// Version pins the actions runner release downloaded during
	// bootstrap.  Ignored when HomeDir is set.
	Version string `yaml:"version"`

	// HomeDir points at a pre-installed runner directory baked into the
	// image (optional); bootstrap then skips the download step.
	HomeDir string `yaml:"home_dir"`

	// PreRunnerScript is shell executed before runner configuration.
	PreRunnerScript string `yaml:"pre_runner_script"`

	// QuietPeriod is the delay before the first registration check.
	// Default: 30s.
	QuietPeriod Duration `yaml:"quiet_period"`

	// PollInterval is the delay between registration checks.  Default: 10s.
	PollInterval Duration `yaml:"poll_interval"`

	// RegistrationTimeout bounds how long the start command waits for
	// the runner to come online.  Default: 5m.
	RegistrationTimeout Duration `yaml:"registration_timeout"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.  Exactly one
// backend must be enabled.
type EngineConfig struct {
	EC2    EC2EngineConfig    `yaml:"ec2"`
	GCP    GCPEngineConfig    `yaml:"gcp"`
	Docker DockerEngineConfig `yaml:"docker"`
}

// EnabledEngine returns the name of the enabled backend, or "" if none.
func (e EngineConfig) EnabledEngine() string {
	switch {
	case e.EC2.Enable:
		return "ec2"
	case e.GCP.Enable:
		return "gcp"
	case e.Docker.Enable:
		return "docker"
	default:
		return ""
	}
}

func (e EngineConfig) enabledCount() int {
	n := 0
	for _, enabled := range []bool{e.EC2.Enable, e.GCP.Enable, e.Docker.Enable} {
		if enabled {
			n++
		}
	}
	return n
}

// EC2EngineConfig holds AWS EC2 settings.  Only read when Enable is true.
//
// Authentication uses the default AWS credential chain -- no credential
// fields are needed.
type EC2EngineConfig struct {
	Enable bool `yaml:"enable"`

	// Region is the AWS region (optional; falls back to the credential
	// chain's region).
	Region string `yaml:"region"`

	// ImageID is the AMI the runner instance boots from (required).
	ImageID string `yaml:"image_id"`

	// InstanceType is the EC2 instance type.  Default: "t3.micro".
	InstanceType string `yaml:"instance_type"`

	// SubnetID places the instance in a specific subnet (optional).
	SubnetID string `yaml:"subnet_id"`

	// SecurityGroupID attaches a security group (optional).
	SecurityGroupID string `yaml:"security_group_id"`

	// IAMRoleName is the instance profile attached to the instance
	// (optional).
	IAMRoleName string `yaml:"iam_role_name"`

	// Tags are applied to the instance in addition to the Name tag.
	Tags map[string]string `yaml:"tags"`
}

// GCPEngineConfig holds GCP Compute Engine settings.  Only read when
// Enable is true.  Authentication uses Application Default Credentials.
type GCPEngineConfig struct {
	Enable bool `yaml:"enable"`

	// Project is the GCP project ID (required).
	Project string `yaml:"project"`

	// Zone is the GCP zone for the runner VM (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the boot image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether the runner VM gets an external IP.
	// Default: true.  A *bool distinguishes "not set" from "false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach
	// (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds Docker settings.  Only read when Enable is true.
type DockerEngineConfig struct {
	Enable bool `yaml:"enable"`

	// Image is the container image for the runner.
	// Default: "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket into the runner container.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry / Prometheus
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// PrometheusConfig controls the /metrics + /healthz HTTP endpoint served
// while a start/stop run is in flight.
type PrometheusConfig struct {
	// Port for the metrics server.  0 (default) disables it.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.Host == "" {
		c.GitHub.Host = "github.com"
	}
	if c.Runner.Version == "" {
		c.Runner.Version = engine.DefaultRunnerVersion
	}
	if c.Runner.QuietPeriod == 0 {
		c.Runner.QuietPeriod = Duration(30 * time.Second)
	}
	if c.Runner.PollInterval == 0 {
		c.Runner.PollInterval = Duration(10 * time.Second)
	}
	if c.Runner.RegistrationTimeout == 0 {
		c.Runner.RegistrationTimeout = Duration(5 * time.Minute)
	}
	if c.Engine.EC2.InstanceType == "" {
		c.Engine.EC2.InstanceType = "t3.micro"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo are required")
	}

	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive")
	}
	if c.Runner.RegistrationTimeout <= 0 {
		return fmt.Errorf("runner.registration_timeout must be positive")
	}

	switch n := c.Engine.enabledCount(); {
	case n == 0:
		return fmt.Errorf("no engine enabled (enable one of engine.ec2, engine.gcp, engine.docker)")
	case n > 1:
		return fmt.Errorf("only one engine may be enabled")
	}

	switch c.Engine.EnabledEngine() {
	case "ec2":
		if c.Engine.EC2.ImageID == "" {
			return fmt.Errorf("engine.ec2.image_id is required when engine.ec2 is enabled")
		}
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.gcp is enabled")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.gcp is enabled")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.gcp is enabled")
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RepoURL returns the https URL of the target repository, the form the
// runner registration expects.
func (c *Config) RepoURL() string {
	return fmt.Sprintf("https://%s/%s/%s", c.GitHub.Host, c.GitHub.Owner, c.GitHub.Repo)
}

// NewGitHubClient creates a gh.Client from the GitHub and Runner
// configuration.
func (c *Config) NewGitHubClient(logger *slog.Logger) (*gh.Client, error) {
	return gh.New(gh.Config{
		Token:               c.GitHub.Token,
		Host:                c.GitHub.Host,
		Owner:               c.GitHub.Owner,
		Repo:                c.GitHub.Repo,
		QuietPeriod:         c.Runner.QuietPeriod.Std(),
		PollInterval:        c.Runner.PollInterval.Std(),
		RegistrationTimeout: c.Runner.RegistrationTimeout.Std(),
		Logger:              logger.WithGroup("gh"),
	})
}

// NewEngine creates the compute engine selected by the Enable flags.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.EnabledEngine() {
	case "ec2":
		return ec2.New(ctx, ec2.Config{
			Region:          c.Engine.EC2.Region,
			ImageID:         c.Engine.EC2.ImageID,
			InstanceType:    c.Engine.EC2.InstanceType,
			SubnetID:        c.Engine.EC2.SubnetID,
			SecurityGroupID: c.Engine.EC2.SecurityGroupID,
			IAMRoleName:     c.Engine.EC2.IAMRoleName,
			Tags:            c.Engine.EC2.Tags,
		}, logger.WithGroup("engine.ec2"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: c.Engine.Docker.Image,
			Dind:  c.Engine.Docker.Dind,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("no engine enabled")
	}
}

// StartSpec builds the engine.StartSpec for a new runner carrying label,
// registering with token.
func (c *Config) StartSpec(name, label, token string) engine.StartSpec {
	return engine.StartSpec{
		Name:              name,
		Label:             label,
		RegistrationToken: token,
		RepoURL:           c.RepoURL(),
		RunnerVersion:     c.Runner.Version,
		RunnerHomeDir:     c.Runner.HomeDir,
		PreRunnerScript:   c.Runner.PreRunnerScript,
	}
}
