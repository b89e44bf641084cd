// Package engine defines the abstraction for compute backends that host
// an ephemeral GitHub Actions runner.  Each backend (EC2, GCP, Docker)
// implements the Engine interface so the lifecycle orchestration remains
// compute-agnostic.
package engine

import "context"

// StartSpec carries everything a backend needs to boot an instance that
// registers itself as a repository runner.
type StartSpec struct {
	// Name is used as the resource name in the compute backend and as
	// the runner's registration name.
	Name string

	// Label is the tag that uniquely addresses this runner among the
	// repository's registered runners.
	Label string

	// RegistrationToken is the short-lived credential the instance uses
	// to self-register.  It is consumed once during bootstrap and never
	// stored.
	RegistrationToken string

	// RepoURL is the https URL of the repository the runner registers to
	// (e.g. https://github.com/org/repo).
	RepoURL string

	// RunnerVersion pins the actions runner release downloaded during
	// bootstrap.  Ignored when RunnerHomeDir is set.
	RunnerVersion string

	// RunnerHomeDir, when set, points at a pre-installed runner
	// directory baked into the image; the boot script then skips the
	// download step.
	RunnerHomeDir string

	// PreRunnerScript is shell executed before runner configuration,
	// e.g. to install docker or export build environment.
	PreRunnerScript string
}

// Engine is the contract every compute backend must satisfy.
//
// The lifecycle is one instance per invocation: StartInstance boots a
// machine whose bootstrap registers a runner carrying spec.Label, and
// TerminateInstance permanently destroys it during teardown (never merely
// stops it).  TerminateInstance must be idempotent: terminating an
// already-gone instance is not an error.  The returned id is opaque to
// callers (an EC2 instance id, a GCE instance name, a container id).
type Engine interface {
	StartInstance(ctx context.Context, spec StartSpec) (id string, err error)
	TerminateInstance(ctx context.Context, id string) error
}
