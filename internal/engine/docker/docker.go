// Package docker implements the engine.Engine interface using the
// Docker daemon to run an ephemeral GitHub Actions runner as a
// container.  Mainly useful for local testing of the lifecycle without
// cloud credentials.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/scotthogan/ec2-github-runner/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for the runner.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into the runner container, allowing
	// workflows to run Docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on this runner.
	Dind bool
}

// Engine manages a GitHub Actions runner as a Docker container.
type Engine struct {
	client *dockerclient.Client
	image  string
	dind   bool
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// runner image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return &Engine{
		client: client,
		image:  cfg.Image,
		dind:   cfg.Dind,
		logger: logger,
	}, nil
}

// StartInstance creates and starts a container that registers itself as
// a self-hosted runner using the registration token.  The runner image
// ships a pre-installed runner under /home/runner, so the container
// configures and runs it directly instead of using a boot script.
func (e *Engine) StartInstance(ctx context.Context, spec engine.StartSpec) (string, error) {
	registerCmd := fmt.Sprintf(
		"cd /home/runner && ./config.sh --url %q --token %q --name %q --labels %q --unattended && ./run.sh",
		spec.RepoURL, spec.RegistrationToken, spec.Name, spec.Label,
	)

	var env []string

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	user := "runner"
	var hostCfg *container.HostConfig
	if e.dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		e.logger.Info("dind enabled: mounting docker socket, running as root for cross-platform compatibility",
			slog.String("name", spec.Name),
		)
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.image,
			User:  user,
			Cmd:   []string{"/bin/bash", "-c", registerCmd},
			Env:   env,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	e.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// TerminateInstance force-removes the container identified by id.
// It is idempotent: removing an already-removed container is not an
// error.
func (e *Engine) TerminateInstance(ctx context.Context, id string) error {
	e.logger.Info("removing runner container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			e.logger.Info("runner container already removed", slog.String("containerID", id))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	return nil
}
